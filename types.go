package dunlite

import (
	"time"
)

// RecoveryID identifies one dunning recovery: the lifecycle of retrying a
// single failed recurring-payment collection attempt.
type RecoveryID string

// BackfillID identifies one cache reconciliation run.
type BackfillID string

var NoRecoveryID RecoveryID = ""

// RecoveryStatus defines the status of a recovery record
type RecoveryStatus string

const (
	StatusPendingInitial  RecoveryStatus = "PendingInitial"
	StatusAwaitingRetry   RecoveryStatus = "AwaitingRetry"
	StatusExecuting       RecoveryStatus = "Executing"
	StatusSucceeded       RecoveryStatus = "Succeeded"
	StatusExhaustedBudget RecoveryStatus = "ExhaustedBudget"
	StatusTerminalDecline RecoveryStatus = "TerminalDecline"
	StatusCancelled       RecoveryStatus = "Cancelled"
)

// Terminal reports whether the status is a resting state: once reached, the
// record is kept for audit and every further workflow invocation is a no-op.
func (s RecoveryStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusExhaustedBudget, StatusTerminalDecline, StatusCancelled:
		return true
	}
	return false
}

type trigger string

const (
	triggerAwait   trigger = "Await"
	triggerExecute trigger = "Execute"
	triggerSucceed trigger = "Succeed"
	triggerExhaust trigger = "Exhaust"
	triggerDecline trigger = "Decline"
	triggerCancel  trigger = "Cancel"
)

// AlgorithmType selects how the next retry delay is computed.
type AlgorithmType string

const (
	AlgorithmFixed               AlgorithmType = "Fixed"
	AlgorithmExponential         AlgorithmType = "Exponential"
	AlgorithmSuccessRateAdaptive AlgorithmType = "SuccessRateAdaptive"
)

// RetryPolicy is the per-recovery retry configuration, fixed at creation.
type RetryPolicy struct {
	AlgorithmType AlgorithmType
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// MinDelayFloor bounds how far the adaptive algorithm may shorten the
	// delay. Zero means BaseDelay.
	MinDelayFloor time.Duration
	MaxRetries    int
	// RetryCost is debited from the budget for each executed retry.
	RetryCost   int64
	TotalBudget int64
}

func (p RetryPolicy) floor() time.Duration {
	if p.MinDelayFloor > 0 {
		return p.MinDelayFloor
	}
	return p.BaseDelay
}

// RecoveryRecord is the durable source of truth for one recovery.
// Every mutation goes through a version-checked write: the Version read is
// the Version the write is conditioned on, and a stale write is rejected.
type RecoveryRecord struct {
	ID               RecoveryID
	MerchantID       string
	PaymentID        string
	AttemptID        string
	ProfileID        string
	BillingAccountID string

	// Routing dimensions, also the success-rate window key.
	Connector     string
	PaymentMethod string
	Currency      string

	Policy          RetryPolicy
	TotalBudget     int64
	RemainingBudget int64

	RetryCount int
	Status     RecoveryStatus
	// NextRetryAt is set if and only if Status == StatusAwaitingRetry.
	NextRetryAt      *time.Time
	LastErrorCode    string
	LastErrorMessage string

	// LastDebitRetryCount is the highest attempt number the budget ledger
	// has reserved for, written in the same version-checked cycle as the
	// debit so a re-delivered invocation never debits twice. -1 before the
	// first reservation.
	LastDebitRetryCount int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *RecoveryRecord) Terminal() bool {
	return r.Status.Terminal()
}

// WindowDimensions is the success-rate routing key of the record.
func (r *RecoveryRecord) WindowDimensions() WindowKey {
	return WindowKey{
		ProfileID:     r.ProfileID,
		Connector:     r.Connector,
		PaymentMethod: r.PaymentMethod,
		Currency:      r.Currency,
	}
}

func (r *RecoveryRecord) clone() *RecoveryRecord {
	c := *r
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}

// Outcome is the result of one collection attempt fed into the window store.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
)

// WindowKey is the routing dimension a success-rate bucket aggregates over.
type WindowKey struct {
	ProfileID     string
	Connector     string
	PaymentMethod string
	Currency      string
}

// SuccessRateWindow is one fixed-width counter bucket. Buckets are
// non-overlapping and contiguous per key; an outcome increments exactly the
// bucket whose [WindowStart, WindowEnd) contains its timestamp.
type SuccessRateWindow struct {
	Key          WindowKey
	WindowStart  time.Time
	WindowEnd    time.Time
	SuccessCount int64
	FailureCount int64
}

// StepResult is the outcome of one workflow step handed back to the engine.
type StepResult string

const (
	StepSuccess StepResult = "Success"
	StepFailure StepResult = "Failure"
)

// BackfillStatus defines the status of a reconciliation run
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "Pending"
	BackfillRunning   BackfillStatus = "Running"
	BackfillCompleted BackfillStatus = "Completed"
	BackfillFailed    BackfillStatus = "Failed"
)

// BackfillFailure is the per-record reason a mirror correction failed.
type BackfillFailure struct {
	RecoveryID RecoveryID `json:"recovery_id"`
	Reason     string     `json:"reason"`
}

// BackfillRun tracks one asynchronous cache reconciliation pass. Cursor is
// the last successfully processed record id in (CreatedAt, ID) scan order,
// so an interrupted run resumes without reprocessing corrected entries.
type BackfillRun struct {
	ID         BackfillID
	MerchantID string
	Cutoff     time.Time
	Status     BackfillStatus
	Processed  int
	Corrected  int
	Failed     int
	Failures   []BackfillFailure
	Cursor     RecoveryID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (b *BackfillRun) clone() *BackfillRun {
	c := *b
	c.Failures = append([]BackfillFailure(nil), b.Failures...)
	return &c
}
