// Package facilitator runs the settlement pipeline: billing pre-check,
// authorization verification, the replay claim on the authorization nonce,
// on-chain execution and spend finalization.
package facilitator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/billing"
	"github.com/p402/facilitator/internal/eip3009"
	"github.com/p402/facilitator/internal/idgen"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/metrics"
	"github.com/p402/facilitator/internal/replay"
	"github.com/p402/facilitator/internal/settlement"
	"github.com/p402/facilitator/internal/traces"
)

// SchemeExact is the only settlement scheme accepted.
const SchemeExact = "exact"

// Executor submits a verified authorization on chain.
// *settlement.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, tokenAddress string, auth *eip3009.Authorization, requestID string) (*settlement.Result, error)
}

// CostModel prices a settlement for the billing guard. *gas.CostModel
// implements it.
type CostModel interface {
	billing.Estimator
	ActualUSD(ctx context.Context, gasLimit uint64, gasPrice *big.Int) float64
}

var _ Executor = (*settlement.Executor)(nil)

// Config describes the token and network the service settles on.
type Config struct {
	Token         eip3009.TokenConfig
	Network       string
	Asset         string // ticker stored with each claim
	ExplorerURL   string // base URL; empty disables explorer links
	SettleTimeout time.Duration
}

// Request is one settlement or verification attempt.
type Request struct {
	Scheme        string
	Authorization *eip3009.Authorization
	TenantID      string
	RequestID     string
}

// Settlement is a submitted on-chain settlement.
type Settlement struct {
	ID          string
	TxHash      string
	Nonce       string
	Payer       string
	AmountUSD   decimal.Decimal
	GasCostUSD  float64
	Network     string
	ExplorerURL string
}

// Verification is the outcome of a dry-run check. Reason is the error kind
// of the first failed check.
type Verification struct {
	Valid  bool
	Reason apperr.Kind
	Detail string
	Payer  string
}

// Service orchestrates the settlement pipeline.
type Service struct {
	verifier *eip3009.Verifier
	billing  *billing.Guard
	replay   *replay.Guard
	executor Executor
	cost     CostModel
	cfg      Config
}

// NewService creates a settlement service.
func NewService(verifier *eip3009.Verifier, guard *billing.Guard, rg *replay.Guard, executor Executor, cost CostModel, cfg Config) *Service {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.Asset == "" {
		cfg.Asset = replay.DefaultAsset
	}
	return &Service{
		verifier: verifier,
		billing:  guard,
		replay:   rg,
		executor: executor,
		cost:     cost,
		cfg:      cfg,
	}
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Settle runs the full pipeline for req. On any failure after the
// reservation is taken, the reservation is released; a replay claim taken
// for the nonce is released too, unless the chain reported the
// authorization as already used.
func (s *Service) Settle(ctx context.Context, req Request) (out *Settlement, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settle", traces.RequestID(req.RequestID), traces.Tenant(req.TenantID))
	defer func() {
		traces.End(span, err)
		result := "success"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.SettlementsTotal.WithLabelValues(result).Inc()
		metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SettleTimeout)
	defer cancel()

	if err := checkRequest(req); err != nil {
		return nil, err
	}
	log := logging.L(ctx).With("request_id", req.RequestID, "tenant_id", req.TenantID)

	est, err := s.cost.Estimate(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "Failed to estimate settlement cost", err)
	}

	pctx, pspan := traces.StartSpan(ctx, "billing.precheck")
	res, err := s.billing.PreCheck(pctx, req.TenantID, est)
	traces.End(pspan, err)
	if err != nil {
		return nil, err
	}

	var claimed string
	defer func() {
		if err == nil {
			return
		}
		cctx := context.WithoutCancel(ctx)
		if rerr := s.billing.ReleaseReservation(cctx, req.TenantID, res.ID); rerr != nil {
			log.Error("failed to release reservation", "reservation_id", res.ID, "error", rerr)
		}
		if claimed == "" || apperr.HasKind(err, apperr.AuthorizationUsed) {
			return
		}
		if rerr := s.replay.ReleaseTxHash(cctx, claimed); rerr != nil {
			log.Error("failed to release replay claim", "nonce", claimed, "error", rerr)
		}
	}()

	_, vspan := traces.StartSpan(ctx, "verify")
	verified, err := s.verifier.Validate(req.Authorization, s.cfg.Token)
	traces.End(vspan, err)
	if err != nil {
		log.Info("authorization rejected", "kind", apperr.KindOf(err))
		return nil, err
	}
	nonce := verified.Auth.NonceHex()
	payer := verified.Payer.Hex()
	span.SetAttributes(traces.Payer(payer), traces.Nonce(nonce), traces.AmountUSD(verified.AmountUSD.String()))
	log = log.With("payer", payer, "nonce", nonce)

	cctx, cspan := traces.StartSpan(ctx, "replay.claim")
	claim, err := s.replay.ClaimTxHash(cctx, nonce, req.RequestID, req.TenantID, replay.Meta{
		AmountUSD: verified.AmountUSD,
		Asset:     s.cfg.Asset,
		Network:   s.cfg.Network,
	})
	traces.End(cspan, err)
	if err != nil {
		return nil, err
	}
	if !claim.Claimed {
		log.Warn("authorization nonce already claimed",
			"existing_request_id", claim.ExistingRequestID,
			"existing_processed_at", claim.ExistingProcessedAt,
		)
		return nil, apperr.New(apperr.AuthorizationUsed, "Authorization has already been used")
	}
	claimed = nonce

	exec, err := s.executor.Execute(ctx, s.cfg.Token.Address, req.Authorization, req.RequestID)
	if err != nil {
		return nil, err
	}

	gasUSD := s.cost.ActualUSD(ctx, exec.GasLimit, exec.GasPrice)
	// The transaction is already submitted; a failed finalize only leaves
	// the reservation to expire on its own.
	if ferr := s.billing.FinalizeSpend(context.WithoutCancel(ctx), req.TenantID, res.ID, gasUSD); ferr != nil {
		log.Error("failed to finalize spend", "reservation_id", res.ID, "error", ferr)
	}

	amount, _ := verified.AmountUSD.Float64()
	metrics.SettledUSDTotal.Add(amount)
	metrics.GasSpendUSDTotal.Add(gasUSD)

	out = &Settlement{
		ID:         idgen.SettlementID(),
		TxHash:     exec.TxHash,
		Nonce:      nonce,
		Payer:      payer,
		AmountUSD:  verified.AmountUSD,
		GasCostUSD: gasUSD,
		Network:    s.cfg.Network,
	}
	if s.cfg.ExplorerURL != "" {
		out.ExplorerURL = s.cfg.ExplorerURL + "/tx/" + exec.TxHash
	}
	log.Info("settlement complete",
		"settlement_id", out.ID,
		"tx_hash", out.TxHash,
		"amount_usd", out.AmountUSD.String(),
		"gas_usd", gasUSD,
	)
	return out, nil
}

// Verify runs the authorization checks without reserving budget, claiming
// the nonce or touching the chain. A nonce already in the ledger is
// reported as used; that lookup is advisory.
func (s *Service) Verify(ctx context.Context, req Request) (*Verification, error) {
	ctx, span := traces.StartSpan(ctx, "verify", traces.RequestID(req.RequestID), traces.Tenant(req.TenantID))
	defer span.End()

	if err := checkRequest(req); err != nil {
		return rejected(err), nil
	}
	verified, err := s.verifier.Validate(req.Authorization, s.cfg.Token)
	if err != nil {
		if apperr.HTTPStatus(err) >= 500 {
			return nil, err
		}
		return rejected(err), nil
	}

	v := &Verification{Valid: true, Payer: verified.Payer.Hex()}
	used, err := s.replay.IsProcessed(ctx, verified.Auth.NonceHex())
	if err != nil {
		logging.L(ctx).Warn("verify: replay lookup failed", "error", err)
		return v, nil
	}
	if used {
		v.Valid = false
		v.Reason = apperr.AuthorizationUsed
		v.Detail = "Authorization has already been used"
	}
	return v, nil
}

// Processed looks up the ledger entry for a settlement key (the
// authorization nonce). A nil claim with a nil error means not processed.
// The answer is advisory and must not gate a settlement.
func (s *Service) Processed(ctx context.Context, key string) (*replay.Claim, error) {
	c, err := s.replay.Lookup(ctx, key)
	if errors.Is(err, replay.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func checkRequest(req Request) error {
	if req.Scheme != "" && req.Scheme != SchemeExact {
		return apperr.Newf(apperr.InvalidPayload, "unsupported scheme %q", req.Scheme)
	}
	if req.Authorization == nil {
		return apperr.New(apperr.InvalidPayload, "payment is required")
	}
	return nil
}

func rejected(err error) *Verification {
	return &Verification{
		Reason: apperr.KindOf(err),
		Detail: apperr.PublicMessage(err),
	}
}
