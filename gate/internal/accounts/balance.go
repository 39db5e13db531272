package accounts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/amurg-ai/rolegate/gate/internal/network"
)

// ErrNoRPC is returned when a network has no RPC endpoint configured.
var ErrNoRPC = errors.New("network has no rpc_url configured")

const balanceOfJSON = `[{
	"type": "function",
	"name": "balanceOf",
	"inputs": [{"name": "account", "type": "address"}],
	"outputs": [{"name": "", "type": "uint256"}],
	"constant": true
}]`

// balanceOfABI is the ERC-20 balanceOf(address) method.
var balanceOfABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(balanceOfJSON))
	if err != nil {
		panic(fmt.Sprintf("parse balanceOf ABI: %v", err))
	}
	return parsed
}()

// BalanceReader reads a settlement-asset balance in minor units.
type BalanceReader interface {
	BalanceOf(ctx context.Context, n *network.Network, address string) (*big.Int, error)
}

// ContractCaller is the subset of an Ethereum client used for read-only calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer opens a ContractCaller for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (ContractCaller, error)

// DialEthClient is the default Dialer.
func DialEthClient(ctx context.Context, rpcURL string) (ContractCaller, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ChainBalances is a BalanceReader that calls the asset contract over JSON-RPC.
// One client is kept per RPC URL.
type ChainBalances struct {
	dial Dialer

	mu      sync.Mutex
	clients map[string]ContractCaller
}

// NewChainBalances creates a ChainBalances. A nil dial uses DialEthClient.
func NewChainBalances(dial Dialer) *ChainBalances {
	if dial == nil {
		dial = DialEthClient
	}
	return &ChainBalances{dial: dial, clients: make(map[string]ContractCaller)}
}

// BalanceOf returns the ERC-20 balance of address on n.
func (c *ChainBalances) BalanceOf(ctx context.Context, n *network.Network, address string) (*big.Int, error) {
	if n.RPCURL == "" {
		return nil, ErrNoRPC
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	client, err := c.client(ctx, n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", n.ID, err)
	}

	data, err := balanceOfABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	token := common.HexToAddress(n.Asset.Address)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf on %s: %w", n.ID, err)
	}
	res, err := balanceOfABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf on %s: %w", n.ID, err)
	}
	balance, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf on %s: unexpected %T", n.ID, res[0])
	}
	return balance, nil
}

// Close releases every cached client.
func (c *ChainBalances) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, cl := range c.clients {
		if ec, ok := cl.(*ethclient.Client); ok {
			ec.Close()
		}
		delete(c.clients, url)
	}
}

func (c *ChainBalances) client(ctx context.Context, rpcURL string) (ContractCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[rpcURL]; ok {
		return cl, nil
	}
	cl, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	c.clients[rpcURL] = cl
	return cl, nil
}
