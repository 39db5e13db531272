package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingPayment is returned when no X-PAYMENT header was supplied.
var ErrMissingPayment = errors.New("X-PAYMENT header is required")

// DecodePaymentHeader decodes a base64 JSON payment payload.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingPayment
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		// Some clients send URL-safe base64.
		if raw, err = base64.URLEncoding.DecodeString(header); err != nil {
			return nil, fmt.Errorf("invalid or malformed payment header: %w", err)
		}
	}

	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid or malformed payment header: %w", err)
	}
	if p.Scheme == "" || p.Network == "" {
		return nil, errors.New("invalid or malformed payment header: scheme and network are required")
	}
	return &p, nil
}

// EncodePaymentHeader is the inverse of DecodePaymentHeader.
func EncodePaymentHeader(p PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeSettleHeader encodes a settlement receipt for X-PAYMENT-RESPONSE.
func EncodeSettleHeader(r SettleResponse) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// FindMatchingRequirements returns the offered requirement whose scheme and
// network match the payload, and whose asset matches too when the payload
// names one. It returns nil when nothing matches; callers fall back to the
// first offer.
func FindMatchingRequirements(accepts []PaymentRequirements, p *PaymentPayload) *PaymentRequirements {
	if p == nil {
		return nil
	}
	for i := range accepts {
		if accepts[i].Scheme != p.Scheme || accepts[i].Network != p.Network {
			continue
		}
		if p.Asset != "" && !strings.EqualFold(accepts[i].Asset, p.Asset) {
			continue
		}
		return &accepts[i]
	}
	return nil
}

// SelectRequirements picks the requirement to verify and settle against.
func SelectRequirements(accepts []PaymentRequirements, p *PaymentPayload) *PaymentRequirements {
	if m := FindMatchingRequirements(accepts, p); m != nil {
		return m
	}
	if len(accepts) == 0 {
		return nil
	}
	return &accepts[0]
}
