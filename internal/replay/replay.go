// Package replay is the durable ledger of settled transaction hashes and
// authorization nonces.
//
// A hash is "claimed" only by a successful insert into a store with a unique
// key on the normalized hash. Exclusivity comes entirely from that
// constraint, so the guard stays correct across any number of processes.
package replay

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/metrics"
	"github.com/shopspring/decimal"
)

// DefaultRetention is how long claims are kept before Cleanup removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Settlement record defaults.
const (
	DefaultAsset          = "USDC"
	DefaultNetwork        = "base"
	DefaultSettlementType = "onchain"
)

// MaxRequestIDLength is the longest request ID a claim can carry.
const MaxRequestIDLength = 64

const uniquenessMessage = "Failed to verify transaction uniqueness"

// ErrNotFound is returned by Store.Get for an unknown hash.
var ErrNotFound = errors.New("replay: claim not found")

var hashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Claim is one row of the ledger.
type Claim struct {
	TxHash         string
	RequestID      string
	TenantID       string
	AmountUSD      decimal.Decimal
	Asset          string
	Network        string
	SettlementType string
	ProcessedAt    time.Time
}

// Meta carries the optional descriptive fields of a claim.
type Meta struct {
	AmountUSD      decimal.Decimal
	Asset          string
	Network        string
	SettlementType string
}

// ClaimResult reports whether this caller won the claim. When it did not,
// the existing holder's request ID and claim time are included when they
// could be read back.
type ClaimResult struct {
	Claimed             bool
	ExistingRequestID   string
	ExistingProcessedAt time.Time
}

// Store is the durable backing for the ledger.
type Store interface {
	// Insert adds c unless a claim with the same hash exists. It reports
	// whether a row was written.
	Insert(ctx context.Context, c *Claim) (bool, error)
	Get(ctx context.Context, hash string) (*Claim, error)
	// Delete removes the claim; deleting a missing hash is not an error.
	Delete(ctx context.Context, hash string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Guard wraps a Store with hash validation and error hygiene.
type Guard struct {
	store     Store
	now       func() time.Time
	retention time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the claim timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.retention = d
		}
	}
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, now: time.Now, retention: DefaultRetention}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Normalize lowercases hash and checks it is 0x followed by 64 hex digits.
func Normalize(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !hashRe.MatchString(h) {
		return "", apperr.New(apperr.InvalidTxHash, "transaction hash must be 0x followed by 64 hex characters")
	}
	return h, nil
}

// ClaimTxHash atomically claims hash for requestID. Exactly one of any
// number of concurrent claims for the same hash returns Claimed=true.
func (g *Guard) ClaimTxHash(ctx context.Context, hash, requestID, tenantID string, meta Meta) (*ClaimResult, error) {
	h, err := Normalize(hash)
	if err != nil {
		return nil, err
	}
	if len(requestID) > MaxRequestIDLength {
		return nil, apperr.Newf(apperr.InvalidPayload, "request id must be at most %d characters", MaxRequestIDLength)
	}

	c := &Claim{
		TxHash:         h,
		RequestID:      requestID,
		TenantID:       tenantID,
		AmountUSD:      meta.AmountUSD,
		Asset:          orDefault(meta.Asset, DefaultAsset),
		Network:        orDefault(meta.Network, DefaultNetwork),
		SettlementType: orDefault(meta.SettlementType, DefaultSettlementType),
		ProcessedAt:    g.now().UTC(),
	}

	inserted, err := g.store.Insert(ctx, c)
	if err != nil {
		logging.L(ctx).Error("replay claim failed", "tx_hash", h, "error", err)
		metrics.ReplayClaimsTotal.WithLabelValues("error").Inc()
		return nil, apperr.Wrap(apperr.Internal, uniquenessMessage, err)
	}
	if inserted {
		metrics.ReplayClaimsTotal.WithLabelValues("claimed").Inc()
		return &ClaimResult{Claimed: true}, nil
	}

	metrics.ReplayClaimsTotal.WithLabelValues("duplicate").Inc()
	res := &ClaimResult{Claimed: false}
	// Diagnostic only; the claim outcome is already decided.
	existing, err := g.store.Get(ctx, h)
	switch {
	case err == nil:
		res.ExistingRequestID = existing.RequestID
		res.ExistingProcessedAt = existing.ProcessedAt
	case errors.Is(err, ErrNotFound):
		// Released between our insert and this read.
	default:
		logging.L(ctx).Warn("replay lookup of existing claim failed", "tx_hash", h, "error", err)
	}
	return res, nil
}

// ReleaseTxHash deletes the claim so the hash can be claimed again. It is
// idempotent.
func (g *Guard) ReleaseTxHash(ctx context.Context, hash string) error {
	h, err := Normalize(hash)
	if err != nil {
		return err
	}
	if err := g.store.Delete(ctx, h); err != nil {
		logging.L(ctx).Error("replay release failed", "tx_hash", h, "error", err)
		return apperr.Wrap(apperr.Internal, uniquenessMessage, err)
	}
	return nil
}

// IsProcessed reports whether hash is currently claimed. It is advisory and
// must never gate a settlement; use ClaimTxHash for that.
func (g *Guard) IsProcessed(ctx context.Context, hash string) (bool, error) {
	h, err := Normalize(hash)
	if err != nil {
		return false, err
	}
	_, err = g.store.Get(ctx, h)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, uniquenessMessage, err)
	}
	return true, nil
}

// Lookup returns the stored claim for hash.
func (g *Guard) Lookup(ctx context.Context, hash string) (*Claim, error) {
	h, err := Normalize(hash)
	if err != nil {
		return nil, err
	}
	c, err := g.store.Get(ctx, h)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(apperr.Internal, uniquenessMessage, err)
	}
	return c, err
}

// Cleanup deletes claims older than the retention window and returns how
// many were removed.
func (g *Guard) Cleanup(ctx context.Context) (int64, error) {
	cutoff := g.now().Add(-g.retention)
	n, err := g.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "failed to clean up processed transactions", err)
	}
	return n, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
