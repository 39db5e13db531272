// Package network holds the settlement networks the gate accepts payment on.
package network

import (
	"errors"
	"sort"

	"github.com/amurg-ai/rolegate/gate/internal/config"
)

// ErrUnknownNetwork is returned for an id or name that is not configured.
var ErrUnknownNetwork = errors.New("unknown network")

// Asset is the settlement token on a network.
type Asset struct {
	Address       string
	Decimals      int
	EIP712Name    string
	EIP712Version string
}

// Network is one configured settlement network.
type Network struct {
	ID      string
	Name    string // x402 network name
	ChainID int64
	RPCURL  string
	Asset   Asset
}

// Registry resolves networks by id or x402 name. It is immutable after construction.
type Registry struct {
	byID   map[string]*Network
	byName map[string]*Network
}

// NewRegistry builds a registry from configuration.
func NewRegistry(cfgs []config.NetworkConfig) *Registry {
	r := &Registry{
		byID:   make(map[string]*Network, len(cfgs)),
		byName: make(map[string]*Network, len(cfgs)),
	}
	for _, c := range cfgs {
		n := &Network{
			ID:      c.ID,
			Name:    c.Name,
			ChainID: c.ChainID,
			RPCURL:  c.RPCURL,
			Asset: Asset{
				Address:       c.Asset.Address,
				Decimals:      c.Asset.Decimals,
				EIP712Name:    c.Asset.EIP712Name,
				EIP712Version: c.Asset.EIP712Version,
			},
		}
		r.byID[n.ID] = n
		if _, ok := r.byName[n.Name]; !ok {
			r.byName[n.Name] = n
		}
	}
	return r
}

// Get returns the network with the given id.
func (r *Registry) Get(id string) (*Network, error) {
	if n, ok := r.byID[id]; ok {
		return n, nil
	}
	return nil, ErrUnknownNetwork
}

// ByName returns the first network registered under an x402 network name.
func (r *Registry) ByName(name string) (*Network, error) {
	if n, ok := r.byName[name]; ok {
		return n, nil
	}
	return nil, ErrUnknownNetwork
}

// List returns all networks ordered by id.
func (r *Registry) List() []*Network {
	out := make([]*Network, 0, len(r.byID))
	for _, n := range r.byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
