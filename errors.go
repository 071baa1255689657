package dunlite

import (
	"errors"
)

// Engine errors
var (
	ErrRecoveryNotFound = errors.New("recovery record not found")
	ErrBackfillNotFound = errors.New("backfill run not found")
	ErrInvalidInput     = errors.New("invalid input")

	// ErrVersionConflict is returned by the durable store when a write
	// carries a stale version. Recovered locally by the bounded CAS loop.
	ErrVersionConflict = errors.New("stale version write rejected")

	// ErrConcurrencyConflict surfaces when the bounded CAS loop exhausted
	// its attempts on a workflow transition.
	ErrConcurrencyConflict = errors.New("concurrent writers exhausted optimistic retries")

	// ErrBudgetLedgerContention is the ledger flavour of the same condition.
	ErrBudgetLedgerContention = errors.New("budget ledger contention")

	// ErrClockSkewRejected rejects an outcome timestamp too far in the
	// future to land in any trustworthy window bucket.
	ErrClockSkewRejected = errors.New("outcome timestamp beyond clock skew horizon")
)

// ErrorClass tags a gateway error code once, at the I/O boundary. Nothing
// downstream re-parses message text.
type ErrorClass string

const (
	ClassTransient    ErrorClass = "Transient"
	ClassHardDecline  ErrorClass = "HardDecline"
	ClassUnclassified ErrorClass = "Unclassified"
)

// Retryable reports the conservative policy: everything retries except an
// explicit hard decline.
func (c ErrorClass) Retryable() bool {
	return c != ClassHardDecline
}

// Error codes the engine itself emits at the gateway boundary.
const (
	CodeGatewayTimeout       = "gateway_timeout"
	CodeNetworkError         = "network_error"
	CodeExecutionInterrupted = "execution_interrupted"
)

// hardDeclineCodes are business declines that no amount of retrying fixes.
var hardDeclineCodes = map[string]struct{}{
	"stolen_card":         {},
	"lost_card":           {},
	"pickup_card":         {},
	"fraudulent":          {},
	"account_closed":      {},
	"closed_account":      {},
	"invalid_account":     {},
	"card_reported_fraud": {},
	"do_not_honor_hard":   {},
}

// transientCodes recover on their own. insufficient_funds belongs here: the
// balance changing between attempts is the whole premise of dunning.
var transientCodes = map[string]struct{}{
	"timeout":                {},
	CodeGatewayTimeout:       {},
	CodeNetworkError:         {},
	CodeExecutionInterrupted: {},
	"issuer_unavailable":     {},
	"processing_error":       {},
	"rate_limited":           {},
	"try_again_later":        {},
	"insufficient_funds":     {},
}

// ClassifyErrorCode maps a gateway error code onto the static taxonomy.
// Unrecognized codes default to retryable.
func ClassifyErrorCode(code string) ErrorClass {
	if _, ok := hardDeclineCodes[code]; ok {
		return ClassHardDecline
	}
	if _, ok := transientCodes[code]; ok {
		return ClassTransient
	}
	return ClassUnclassified
}
