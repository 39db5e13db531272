// Package x402 defines the x402 (HTTP 402 Payment Required) v1 wire messages
// exchanged between the gate, paying clients and the payment facilitator.
//
// Payment proofs travel base64-encoded in the X-PAYMENT request header and
// settlement receipts come back base64-encoded in X-PAYMENT-RESPONSE.
package x402

import "encoding/json"

// Version is the protocol version spoken by the gate.
const Version = 1

// Header names.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// SchemeExact is the only payment scheme the gate offers.
const SchemeExact = "exact"

// PaymentRequirements describes one way a client may pay for a resource.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"` // integer, minor units of Asset
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int64           `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Extra             *Extra          `json:"extra,omitempty"`
}

// Extra carries the asset's EIP-712 domain used for signature verification.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentPayload is the decoded content of the X-PAYMENT header. The
// scheme-specific Payload is opaque to the gate. v1 exact payloads carry no
// Asset; clients that name one are matched on it.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Asset       string          `json:"asset,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// FacilitatorRequest is the body sent to the facilitator's /verify and /settle.
type FacilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentRequiredResponse is the 402 body. Accepts lets an automated client
// retry with a corrected payment.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Payer       string                `json:"payer,omitempty"`
}
