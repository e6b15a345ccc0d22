package testutil

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeEthClient is an in-memory stand-in for an Ethereum RPC client. Zero
// values answer successfully; set the *Err fields or hooks to inject failures.
type FakeEthClient struct {
	mu sync.Mutex

	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Balance  *big.Int

	NonceErr    error
	GasPriceErr error
	EstimateErr error
	SendErr     error
	BalanceErr  error

	// CallFn answers eth_call. Nil returns an empty result.
	CallFn func(msg ethereum.CallMsg) ([]byte, error)

	calls         []ethereum.CallMsg
	sent          []*types.Transaction
	gasPriceCalls int
	balanceCalls  int
	closed        bool
}

func (f *FakeEthClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonce, f.NonceErr
}

func (f *FakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPriceCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	if f.GasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeEthClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	if f.GasLimit == 0 {
		return 85_000, nil
	}
	return f.GasLimit, nil
}

func (f *FakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, tx)
	f.Nonce++
	return nil
}

func (f *FakeEthClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	fn := f.CallFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(msg)
}

func (f *FakeEthClient) BalanceAt(ctx context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	if f.Balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.Balance), nil
}

func (f *FakeEthClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Calls returns every eth_call made so far.
func (f *FakeEthClient) Calls() []ethereum.CallMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ethereum.CallMsg(nil), f.calls...)
}

// Sent returns every transaction broadcast so far.
func (f *FakeEthClient) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// GasPriceCalls reports how many times SuggestGasPrice was called.
func (f *FakeEthClient) GasPriceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gasPriceCalls
}

// BalanceCalls reports how many times BalanceAt was called.
func (f *FakeEthClient) BalanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls
}

// Closed reports whether Close was called.
func (f *FakeEthClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetGasPrice changes the suggested gas price.
func (f *FakeEthClient) SetGasPrice(wei *big.Int) {
	f.mu.Lock()
	f.GasPrice = wei
	f.mu.Unlock()
}

// SetGasPriceErr changes the gas price failure.
func (f *FakeEthClient) SetGasPriceErr(err error) {
	f.mu.Lock()
	f.GasPriceErr = err
	f.mu.Unlock()
}
