package access

import (
	"fmt"

	"github.com/amurg-ai/rolegate/pkg/x402"
)

// ValidationError reports bad or missing input.
type ValidationError struct {
	Msg string
	Err error // underlying cause, if any
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown server, network, payer or grant.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

// PaymentRequiredError reports a missing, invalid or unsettled payment. It
// carries everything a client needs to retry with a corrected payment.
type PaymentRequiredError struct {
	Reason  string
	Accepts []x402.PaymentRequirements
	Payer   string // payer address reported by the facilitator, if any
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %s", e.Reason)
}

// Response returns the 402 body.
func (e *PaymentRequiredError) Response() x402.PaymentRequiredResponse {
	return x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Error:       e.Reason,
		Accepts:     e.Accepts,
		Payer:       e.Payer,
	}
}
