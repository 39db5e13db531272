// Package pricing turns decimal prices into exact x402 payment requirements.
//
// Money is carried as integer minor units of the settlement asset from the
// moment a price string is parsed; no float64 is ever involved.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/amurg-ai/rolegate/gate/internal/network"
	"github.com/amurg-ai/rolegate/pkg/x402"
)

// SecondsPerDay is the unit prices are quoted in.
const SecondsPerDay = 86400

// PaymentTimeoutSeconds is how long a payer has to complete a payment.
const PaymentTimeoutSeconds = 60

// DefaultDescription is shown to the payer when none is given.
const DefaultDescription = "Get access to the channel"

// outputSchema describes the body returned on a successful grant.
var outputSchema = json.RawMessage(`{"input":{"type":"http","method":"POST"},"output":{"success":{"type":"boolean","description":"Whether the role was successfully assigned"}}}`)

// PriceConversionError reports a price that cannot be expressed exactly in
// the asset's minor units, or an unknown network.
type PriceConversionError struct {
	Price   string
	Network string
	Reason  string
}

func (e *PriceConversionError) Error() string {
	return fmt.Sprintf("cannot convert price %q on network %q: %s", e.Price, e.Network, e.Reason)
}

// ToMinorUnits converts a decimal string to an integer amount with the given
// number of decimals. It fails rather than round when precision would be lost.
func ToMinorUnits(price string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if d.Sign() <= 0 {
		return nil, errors.New("price must be positive")
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("price has more than %d decimal places", decimals)
	}
	return shifted.BigInt(), nil
}

// ProRate scales a per-day amount to a duration in seconds. Results that are
// not a whole number of minor units round up.
func ProRate(perDay *big.Int, seconds int64) *big.Int {
	num := new(big.Int).Mul(perDay, big.NewInt(seconds))
	q, r := new(big.Int).QuoRem(num, big.NewInt(SecondsPerDay), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Input describes what is being paid for.
type Input struct {
	Price       string // decimal, in whole asset units
	NetworkID   string
	Resource    string
	PayTo       string
	Description string
}

// Builder builds payment requirements against a network registry.
type Builder struct {
	networks *network.Registry
}

// NewBuilder creates a Builder.
func NewBuilder(networks *network.Registry) *Builder {
	return &Builder{networks: networks}
}

// Build returns the requirement for paying exactly in.Price.
func (b *Builder) Build(in Input) (x402.PaymentRequirements, error) {
	n, err := b.networks.Get(in.NetworkID)
	if err != nil {
		return x402.PaymentRequirements{}, &PriceConversionError{Price: in.Price, Network: in.NetworkID, Reason: err.Error()}
	}
	amount, err := ToMinorUnits(in.Price, n.Asset.Decimals)
	if err != nil {
		return x402.PaymentRequirements{}, &PriceConversionError{Price: in.Price, Network: in.NetworkID, Reason: err.Error()}
	}
	return requirement(n, amount, in), nil
}

// BuildForDuration treats in.Price as a per-day price and returns the
// requirement for the given number of seconds.
func (b *Builder) BuildForDuration(in Input, seconds int64) (x402.PaymentRequirements, error) {
	if seconds <= 0 {
		return x402.PaymentRequirements{}, &PriceConversionError{Price: in.Price, Network: in.NetworkID, Reason: "duration must be positive"}
	}
	n, err := b.networks.Get(in.NetworkID)
	if err != nil {
		return x402.PaymentRequirements{}, &PriceConversionError{Price: in.Price, Network: in.NetworkID, Reason: err.Error()}
	}
	perDay, err := ToMinorUnits(in.Price, n.Asset.Decimals)
	if err != nil {
		return x402.PaymentRequirements{}, &PriceConversionError{Price: in.Price, Network: in.NetworkID, Reason: err.Error()}
	}
	return requirement(n, ProRate(perDay, seconds), in), nil
}

func requirement(n *network.Network, amount *big.Int, in Input) x402.PaymentRequirements {
	desc := in.Description
	if desc == "" {
		desc = DefaultDescription
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           n.Name,
		MaxAmountRequired: amount.String(),
		Resource:          in.Resource,
		Description:       desc,
		PayTo:             in.PayTo,
		MaxTimeoutSeconds: PaymentTimeoutSeconds,
		Asset:             n.Asset.Address,
		OutputSchema:      outputSchema,
		Extra: &x402.Extra{
			Name:    n.Asset.EIP712Name,
			Version: n.Asset.EIP712Version,
		},
	}
}
