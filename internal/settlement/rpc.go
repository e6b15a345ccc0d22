package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/circuitbreaker"
	"github.com/p402/facilitator/internal/retry"
	"github.com/p402/facilitator/internal/wallet"
)

// Breaker keys, one per RPC method family.
const (
	keyGasPrice = "rpc:gas_price"
	keyBalance  = "rpc:balance"
	keyNonce    = "rpc:nonce"
	keyCall     = "rpc:call"
	keySend     = "rpc:send"
)

// GuardedClient puts a circuit breaker in front of every RPC method and
// retries the idempotent reads. Contract reverts are answers, not outages:
// they neither trip the breaker nor get retried.
type GuardedClient struct {
	inner   wallet.EthClient
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

var _ wallet.EthClient = (*GuardedClient)(nil)

// NewGuardedClient wraps inner. breaker should be built with
// CountsAsOutage as its failure filter.
func NewGuardedClient(inner wallet.EthClient, breaker *circuitbreaker.Breaker, policy retry.Policy) *GuardedClient {
	return &GuardedClient{inner: inner, breaker: breaker, policy: policy}
}

// NewBreaker returns a breaker configured for chain RPC.
func NewBreaker(threshold int, openFor time.Duration) *circuitbreaker.Breaker {
	return circuitbreaker.New(threshold, openFor, circuitbreaker.WithFailureFilter(CountsAsOutage))
}

// CountsAsOutage reports whether err says something about RPC health.
// Reverts and caller cancellations do not.
func CountsAsOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsRevert(err)
}

// IsRevert reports whether err is an EVM execution revert.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

func (g *GuardedClient) guard(key string, fn func() error) error {
	err := g.breaker.Execute(key, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperr.Wrap(apperr.StoreUnavailable, "Blockchain RPC temporarily unavailable", err)
	}
	return err
}

// read retries fn under the breaker. Reverts, open circuits and caller
// cancellation end the loop early.
func read[T any](ctx context.Context, g *GuardedClient, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Value(ctx, g.policy, func(ctx context.Context) (T, error) {
		var out T
		err := g.guard(key, func() error {
			v, err := fn(ctx)
			out = v
			return err
		})
		if err != nil && (!CountsAsOutage(err) || apperr.HasKind(err, apperr.StoreUnavailable)) {
			return out, retry.Permanent(err)
		}
		return out, err
	})
}

func (g *GuardedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return read(ctx, g, keyGasPrice, g.inner.SuggestGasPrice)
}

func (g *GuardedClient) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	return read(ctx, g, keyBalance, func(ctx context.Context) (*big.Int, error) {
		return g.inner.BalanceAt(ctx, account, block)
	})
}

func (g *GuardedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return read(ctx, g, keyNonce, func(ctx context.Context) (uint64, error) {
		return g.inner.PendingNonceAt(ctx, account)
	})
}

// CallContract is not retried: the executor decides what a failed
// simulation means.
func (g *GuardedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var out []byte
	err := g.guard(keyCall, func() error {
		var err error
		out, err = g.inner.CallContract(ctx, msg, block)
		return err
	})
	return out, err
}

func (g *GuardedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := g.guard(keyCall, func() error {
		var err error
		out, err = g.inner.EstimateGas(ctx, msg)
		return err
	})
	return out, err
}

// SendTransaction is never retried.
func (g *GuardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return g.guard(keySend, func() error {
		return g.inner.SendTransaction(ctx, tx)
	})
}

func (g *GuardedClient) Close() { g.inner.Close() }
