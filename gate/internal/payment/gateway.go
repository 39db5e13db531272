// Package payment verifies and settles x402 payments through a facilitator.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amurg-ai/rolegate/pkg/x402"
)

// Gateway checks and finalizes payment proofs.
//
// Verify has no side effects. Settle moves funds and is called at most once
// per accepted request; implementations must not retry it.
type Gateway interface {
	Verify(ctx context.Context, p *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, p *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// Facilitator is a Gateway backed by a remote x402 facilitator.
type Facilitator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewFacilitator creates a facilitator client. Every call is bounded by timeout.
func NewFacilitator(baseURL, apiKey string, timeout time.Duration) *Facilitator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Facilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Verify calls POST {base}/verify.
func (f *Facilitator) Verify(ctx context.Context, p *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	if err := f.post(ctx, "/verify", p, req, &resp); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &resp, nil
}

// Settle calls POST {base}/settle exactly once.
func (f *Facilitator) Settle(ctx context.Context, p *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var resp x402.SettleResponse
	if err := f.post(ctx, "/settle", p, req, &resp); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	return &resp, nil
}

func (f *Facilitator) post(ctx context.Context, path string, p *x402.PaymentPayload, req x402.PaymentRequirements, out any) error {
	payload := *p
	if payload.X402Version == 0 {
		payload.X402Version = x402.Version
	}
	body, err := json.Marshal(x402.FacilitatorRequest{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
