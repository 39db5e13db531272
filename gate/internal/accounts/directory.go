// Package accounts is the payer account directory: payer identities and their
// custodial per-network wallets.
package accounts

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/amurg-ai/rolegate/gate/internal/network"
	"github.com/amurg-ai/rolegate/gate/internal/store"
)

// ErrNoWallet is returned when a payer has no wallet on a network.
var ErrNoWallet = errors.New("payer has no wallet on this network")

// WalletBalance is a wallet plus its live balance. Balance is empty and
// BalanceError set when the chain could not be read.
type WalletBalance struct {
	NetworkID    string `json:"network_id"`
	Network      string `json:"network"`
	Address      string `json:"address"`
	Balance      string `json:"balance,omitempty"` // minor units
	Decimals     int    `json:"decimals"`
	BalanceError string `json:"balance_error,omitempty"`
}

// Directory resolves payers and lazily creates their wallets.
type Directory struct {
	store    store.Store
	networks *network.Registry
	sealer   *Sealer
	balances BalanceReader
	now      func() time.Time
}

// NewDirectory creates a Directory.
func NewDirectory(s store.Store, networks *network.Registry, sealer *Sealer, balances BalanceReader) *Directory {
	return &Directory{
		store:    s,
		networks: networks,
		sealer:   sealer,
		balances: balances,
		now:      time.Now,
	}
}

// Payer returns the payer or nil if it has never interacted.
func (d *Directory) Payer(ctx context.Context, payerID string) (*store.Payer, error) {
	return d.store.GetPayer(ctx, payerID)
}

// Wallet returns the payer's wallet on networkID or nil. It never creates one.
func (d *Directory) Wallet(ctx context.Context, payerID, networkID string) (*store.Wallet, error) {
	return d.store.GetWallet(ctx, payerID, networkID)
}

// Ensure returns the payer's wallet on networkID, creating the payer and a
// fresh key-pair on first use.
func (d *Directory) Ensure(ctx context.Context, payerID, networkID string) (*store.Wallet, error) {
	if _, err := d.networks.Get(networkID); err != nil {
		return nil, err
	}
	if w, err := d.store.GetWallet(ctx, payerID, networkID); err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	} else if w != nil {
		return w, nil
	}

	if err := d.store.CreatePayer(ctx, &store.Payer{ID: payerID, CreatedAt: d.now()}); err != nil {
		return nil, fmt.Errorf("create payer: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	sealed, err := d.sealer.Seal(crypto.FromECDSA(key))
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}

	w, err := d.store.CreateWallet(ctx, &store.Wallet{
		PayerID:   payerID,
		NetworkID: networkID,
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		SealedKey: sealed,
		CreatedAt: d.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

// Balance returns the payer's settlement-asset balance on networkID in minor units.
func (d *Directory) Balance(ctx context.Context, payerID, networkID string) (*big.Int, error) {
	n, err := d.networks.Get(networkID)
	if err != nil {
		return nil, err
	}
	w, err := d.store.GetWallet(ctx, payerID, networkID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if w == nil {
		return nil, ErrNoWallet
	}
	return d.balances.BalanceOf(ctx, n, w.Address)
}

// Wallets lists every wallet of a payer with its live balance.
func (d *Directory) Wallets(ctx context.Context, payerID string) ([]WalletBalance, error) {
	wallets, err := d.store.ListWallets(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	out := make([]WalletBalance, 0, len(wallets))
	for _, w := range wallets {
		wb := WalletBalance{NetworkID: w.NetworkID, Address: w.Address}
		n, err := d.networks.Get(w.NetworkID)
		if err != nil {
			wb.BalanceError = err.Error()
			out = append(out, wb)
			continue
		}
		wb.Network = n.Name
		wb.Decimals = n.Asset.Decimals
		if bal, err := d.balances.BalanceOf(ctx, n, w.Address); err != nil {
			wb.BalanceError = err.Error()
		} else {
			wb.Balance = bal.String()
		}
		out = append(out, wb)
	}
	return out, nil
}

// PrivateKey unseals the payer's key on networkID.
func (d *Directory) PrivateKey(ctx context.Context, payerID, networkID string) (*ecdsa.PrivateKey, error) {
	w, err := d.store.GetWallet(ctx, payerID, networkID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if w == nil {
		return nil, ErrNoWallet
	}
	raw, err := d.sealer.Open(w.SealedKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return key, nil
}
