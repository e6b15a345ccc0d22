// Package ratelimit applies per-endpoint-family request limits to API
// callers. Counters live in the shared kv.Store so every instance sees the
// same totals.
//
// Each tier is a fixed window. Once the base limit for the window is spent,
// a short burst window grants a little extra headroom. A window in which the
// caller still ran out counts as one violation; enough violations inside
// the ban window get the caller banned outright, and bans are checked before
// any counter is touched.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/kv"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/metrics"
)

// Tier names.
const (
	TierVerify  = "verify"
	TierSettle  = "settle"
	TierSession = "session"
	TierDefault = "default"
)

// Rejection reasons used in metrics.
const (
	ReasonLimit  = "limit"
	ReasonBanned = "banned"
)

// Tier is the limit for one endpoint family.
type Tier struct {
	Requests    int64         // allowed per Window
	Window      time.Duration // fixed window length
	Burst       int64         // extra requests per BurstWindow once Requests is spent
	BurstWindow time.Duration
	Penalty     time.Duration // ban length once violations reach the threshold
}

// Config configures a Limiter.
type Config struct {
	Tiers        map[string]Tier
	BanThreshold int64         // violations that trigger a ban
	BanWindow    time.Duration // period violations are counted over
}

// DefaultTiers returns the payment API tiers.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		TierVerify:  {Requests: 60, Window: time.Minute, Burst: 10, BurstWindow: 10 * time.Second, Penalty: time.Hour},
		TierSettle:  {Requests: 10, Window: time.Minute, Burst: 2, BurstWindow: 10 * time.Second, Penalty: time.Hour},
		TierSession: {Requests: 20, Window: 5 * time.Minute, Burst: 5, BurstWindow: 10 * time.Second, Penalty: time.Hour},
		TierDefault: {Requests: 100, Window: time.Minute, Burst: 20, BurstWindow: 10 * time.Second, Penalty: time.Hour},
	}
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Tiers:        DefaultTiers(),
		BanThreshold: 3,
		BanWindow:    30 * time.Minute,
	}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Tier       string
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Burst      bool // allowed from burst headroom
	Banned     bool
}

// Err returns the RATE_LIMIT_EXCEEDED error for a rejected result, or nil.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	msg := "Too many requests. Please slow down."
	if r.Banned {
		msg = "Too many rate limit violations. Temporarily banned."
	}
	return apperr.RateLimited(apperr.RateLimitExceeded, msg, r.RetryAfter)
}

// Limiter enforces tiers against a kv.Store.
type Limiter struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a new rate limiter
func New(store kv.Store, cfg Config, opts ...Option) *Limiter {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if _, ok := cfg.Tiers[TierDefault]; !ok {
		cfg.Tiers[TierDefault] = DefaultTiers()[TierDefault]
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = 3
	}
	if cfg.BanWindow <= 0 {
		cfg.BanWindow = 30 * time.Minute
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TierConfig returns the configuration for name, falling back to the
// default tier.
func (l *Limiter) TierConfig(name string) (string, Tier) {
	if t, ok := l.cfg.Tiers[name]; ok {
		return name, t
	}
	return TierDefault, l.cfg.Tiers[TierDefault]
}

// Allow counts one request by identity against tier. A store failure is
// returned as STORE_UNAVAILABLE; the request must then be rejected.
func (l *Limiter) Allow(ctx context.Context, tier, identity string) (Result, error) {
	name, t := l.TierConfig(tier)
	now := l.now()
	res := Result{Tier: name, Limit: t.Requests}

	banned, ttl, err := l.banned(ctx, identity)
	if err != nil {
		return res, err
	}
	if banned {
		res.Banned = true
		res.RetryAfter = ttl
		res.ResetAt = now.Add(ttl)
		metrics.RateLimitRejectionsTotal.WithLabelValues(name, ReasonBanned).Inc()
		return res, nil
	}

	windowStart := now.Truncate(t.Window)
	windowEnd := windowStart.Add(t.Window)
	res.ResetAt = windowEnd

	count, err := l.store.IncrWithExpiry(ctx, windowKey(name, identity, windowStart), windowEnd.Sub(now)+time.Second)
	if err != nil {
		return res, storeError(err)
	}
	if count <= t.Requests {
		res.Allowed = true
		res.Remaining = t.Requests - count
		return res, nil
	}

	if t.Burst > 0 && t.BurstWindow > 0 {
		burstStart := now.Truncate(t.BurstWindow)
		burstEnd := burstStart.Add(t.BurstWindow)
		n, err := l.store.IncrWithExpiry(ctx, burstKey(name, identity, burstStart), burstEnd.Sub(now)+time.Second)
		if err != nil {
			return res, storeError(err)
		}
		if n <= t.Burst {
			res.Allowed = true
			res.Burst = true
			return res, nil
		}
	}

	res.RetryAfter = atLeastOneSecond(windowEnd.Sub(now))

	banned, err = l.recordViolation(ctx, name, identity, windowStart, t)
	if err != nil {
		return res, err
	}
	if banned {
		res.Banned = true
		res.RetryAfter = t.Penalty
		res.ResetAt = now.Add(t.Penalty)
		metrics.RateLimitRejectionsTotal.WithLabelValues(name, ReasonBanned).Inc()
		return res, nil
	}

	metrics.RateLimitRejectionsTotal.WithLabelValues(name, ReasonLimit).Inc()
	return res, nil
}

func (l *Limiter) banned(ctx context.Context, identity string) (bool, time.Duration, error) {
	_, ok, err := l.store.Get(ctx, banKey(identity))
	if err != nil {
		return false, 0, storeError(err)
	}
	if !ok {
		return false, 0, nil
	}
	ttl, err := l.store.TTL(ctx, banKey(identity))
	if err != nil {
		return false, 0, storeError(err)
	}
	return true, atLeastOneSecond(ttl), nil
}

// recordViolation counts at most one violation per tier window and bans
// the identity once the threshold is reached.
func (l *Limiter) recordViolation(ctx context.Context, tier, identity string, windowStart time.Time, t Tier) (bool, error) {
	first, err := l.store.IncrWithExpiry(ctx, windowKey(tier, identity, windowStart)+":violated", t.Window)
	if err != nil {
		return false, storeError(err)
	}
	if first != 1 {
		return false, nil
	}

	n, err := l.store.IncrWithExpiry(ctx, violationsKey(identity), l.cfg.BanWindow)
	if err != nil {
		return false, storeError(err)
	}
	if n < l.cfg.BanThreshold || t.Penalty <= 0 {
		return false, nil
	}

	if err := l.store.Set(ctx, banKey(identity), strconv.FormatInt(n, 10), t.Penalty); err != nil {
		return false, storeError(err)
	}
	if _, err := l.store.Del(ctx, violationsKey(identity)); err != nil {
		return false, storeError(err)
	}
	logging.L(ctx).Warn("rate limit ban issued",
		"identity", identity,
		"tier", tier,
		"violations", n,
		"duration", t.Penalty,
	)
	return true, nil
}

// Unban lifts a ban and clears the violation count.
func (l *Limiter) Unban(ctx context.Context, identity string) error {
	if _, err := l.store.Del(ctx, banKey(identity), violationsKey(identity)); err != nil {
		return storeError(err)
	}
	return nil
}

func windowKey(tier, identity string, start time.Time) string {
	return "ratelimit:" + tier + ":" + identity + ":" + strconv.FormatInt(start.Unix(), 10)
}

func burstKey(tier, identity string, start time.Time) string {
	return "ratelimit:" + tier + ":" + identity + ":burst:" + strconv.FormatInt(start.Unix(), 10)
}

func violationsKey(identity string) string { return "ratelimit:violations:" + identity }

func banKey(identity string) string { return "ratelimit:ban:" + identity }

func atLeastOneSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

func storeError(err error) error {
	return apperr.Wrap(apperr.StoreUnavailable, "Rate limit store unavailable", err)
}
