package dunlite

import (
	"context"
)

// ChargeResult is the outcome of one charge execution against a payment
// processor.
type ChargeResult struct {
	Success      bool
	ErrorCode    string
	ErrorMessage string
}

// PaymentGateway is the external collaborator that actually executes a
// charge. A transport-level error (returned err) is classified as transient
// at this boundary; a declined charge comes back as a ChargeResult with its
// processor error code.
type PaymentGateway interface {
	AttemptCharge(ctx context.Context, paymentID, attemptID string) (ChargeResult, error)
}
