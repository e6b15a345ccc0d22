// Package settlement submits verified EIP-3009 authorizations on chain from
// the facilitator account, which pays the gas.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/eip3009"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/metrics"
	"github.com/p402/facilitator/internal/traces"
	"github.com/p402/facilitator/internal/wallet"
)

// Chain is the facilitator account as the executor uses it. *wallet.Wallet
// implements it.
type Chain interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	PackTransferWithAuthorization(p *eip3009.Parsed) ([]byte, error)
	Simulate(ctx context.Context, to common.Address, data []byte) error
	Submit(ctx context.Context, to common.Address, data []byte, gasPrice *big.Int) (*wallet.Submission, error)
}

// GasGuard checks the network gas price against the facilitator's ceiling
// and returns the price to pay. *gas.Ceiling implements it.
type GasGuard interface {
	Check(ctx context.Context) (*big.Int, error)
}

var _ Chain = (*wallet.Wallet)(nil)

// Config holds executor timeouts and the gas balance floor.
type Config struct {
	RPCTimeout       time.Duration // per RPC step
	MinGasBalanceETH float64       // health floor
}

// Result describes a submitted settlement.
type Result struct {
	TxHash   string
	GasPrice *big.Int
	GasLimit uint64
	Nonce    uint64
}

// Executor runs gas check, simulation and submission in that order.
type Executor struct {
	chain  Chain
	gas    GasGuard
	cfg    Config
	minWei *big.Int
}

// NewExecutor creates an executor.
func NewExecutor(chain Chain, gas GasGuard, cfg Config) *Executor {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 5 * time.Second
	}
	return &Executor{
		chain:  chain,
		gas:    gas,
		cfg:    cfg,
		minWei: wallet.ETHToWei(cfg.MinGasBalanceETH),
	}
}

// Execute settles auth against tokenAddress. The gas ceiling is checked
// before anything touches the token contract; a failed simulation is never
// submitted.
func (e *Executor) Execute(ctx context.Context, tokenAddress string, auth *eip3009.Authorization, requestID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "executor.execute", traces.RequestID(requestID))
	defer func() { traces.End(span, err) }()

	if !common.IsHexAddress(tokenAddress) {
		return nil, apperr.New(apperr.InvalidPayload, "Invalid token address")
	}
	token := common.HexToAddress(tokenAddress)

	parsed, err := auth.Parse()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Payer(parsed.From.Hex()), traces.Nonce(parsed.NonceHex()))

	log := logging.L(ctx).With("payer", parsed.From.Hex(), "nonce", parsed.NonceHex())

	gasPrice, err := e.checkGas(ctx)
	if err != nil {
		log.Warn("settlement refused at gas check", "error", err)
		return nil, err
	}

	data, err := e.chain.PackTransferWithAuthorization(parsed)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "Failed to encode settlement call", err)
	}

	if err := e.simulate(ctx, token, data); err != nil {
		log.Warn("settlement simulation failed", "error", err)
		return nil, err
	}

	sub, err := e.submit(ctx, token, data, gasPrice)
	if err != nil {
		log.Error("settlement submission failed", "error", err)
		return nil, err
	}

	span.SetAttributes(traces.TxHash(sub.TxHash))
	log.Info("settlement submitted",
		"tx_hash", sub.TxHash,
		"gas_limit", sub.GasLimit,
		"tx_nonce", sub.Nonce,
	)
	return &Result{
		TxHash:   sub.TxHash,
		GasPrice: sub.GasPrice,
		GasLimit: sub.GasLimit,
		Nonce:    sub.Nonce,
	}, nil
}

func (e *Executor) checkGas(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	return e.gas.Check(ctx)
}

func (e *Executor) simulate(ctx context.Context, token common.Address, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	if err := e.chain.Simulate(ctx, token, data); err != nil {
		return classifySimulation(err)
	}
	return nil
}

func (e *Executor) submit(ctx context.Context, token common.Address, data []byte, gasPrice *big.Int) (*wallet.Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	sub, err := e.chain.Submit(ctx, token, data, gasPrice)
	if err != nil {
		return nil, classifySubmit(err)
	}
	return sub, nil
}

// Revert reasons emitted by FiatToken's EIP-3009 implementation.
const (
	reasonInvalid = "authorization is invalid"
	reasonUsed    = "authorization is used"
)

func classifySimulation(err error) error {
	if classified := transportError(err); classified != nil {
		return classified
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, reasonUsed):
		return apperr.Wrap(apperr.AuthorizationUsed, "Authorization has already been used on chain", err)
	case strings.Contains(msg, reasonInvalid):
		return apperr.Wrap(apperr.InvalidAuthorization, "Authorization is invalid", err)
	case IsRevert(err):
		return apperr.Wrap(apperr.InvalidAuthorization, "Settlement simulation reverted", err)
	}
	return apperr.Wrap(apperr.Internal, "Settlement simulation failed", err)
}

func classifySubmit(err error) error {
	if classified := transportError(err); classified != nil {
		return classified
	}
	if strings.Contains(strings.ToLower(err.Error()), reasonUsed) {
		return apperr.Wrap(apperr.AuthorizationUsed, "Authorization has already been used on chain", err)
	}
	return apperr.Wrap(apperr.Internal, "Failed to submit settlement transaction", err)
}

// transportError classifies failures that say nothing about the
// authorization: timeouts and already-classified RPC outages. It returns
// nil for anything else.
func transportError(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.NetworkTimeout, "Blockchain RPC timed out", err)
	}
	return nil
}

// Health is the facilitator account's gas position.
type Health struct {
	Address    string  `json:"address"`
	BalanceETH float64 `json:"balanceEth"`
	FloorETH   float64 `json:"floorEth"`
	Degraded   bool    `json:"degraded"`
}

// HealthCheck reads the facilitator's native balance. Below the floor the
// service is degraded: it can still verify but settlements may fail.
func (e *Executor) HealthCheck(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	h := Health{Address: e.chain.Address().Hex(), FloorETH: e.cfg.MinGasBalanceETH}
	bal, err := e.chain.Balance(ctx)
	if err != nil {
		if classified := transportError(err); classified != nil {
			return h, classified
		}
		return h, apperr.Wrap(apperr.Internal, "Failed to read facilitator balance", err)
	}

	h.BalanceETH = wallet.WeiToETH(bal)
	h.Degraded = bal.Cmp(e.minWei) < 0
	metrics.FacilitatorBalanceETH.Set(h.BalanceETH)
	if h.Degraded {
		logging.L(ctx).Warn("facilitator gas balance below floor",
			"address", h.Address,
			"balance_eth", h.BalanceETH,
			"floor_eth", h.FloorETH,
		)
	}
	return h, nil
}
