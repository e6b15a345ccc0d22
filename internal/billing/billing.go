// Package billing bounds the spend a single user can cause.
//
// Every spend-incurring call goes through Guard.PreCheck, which runs the
// protection layers in a fixed order and stops at the first rejection:
//
//  1. per-request cap (pure, no I/O)
//  2. hourly request rate
//  3. daily spend circuit breaker
//  4. concurrent reservation cap
//  5. spend anomaly detection (advisory, logs only)
//  6. atomic budget reservation
//
// The reservation is later either finalized (counted as spend) or released
// (discarded). Reservations expire on their own after the configured TTL so
// a crashed caller cannot hold budget indefinitely.
package billing

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/idgen"
	"github.com/p402/facilitator/internal/kv"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/metrics"
)

// CostEstimate is the precomputed cost of the call being guarded. The guard
// treats it as an opaque number and never modifies it.
type CostEstimate struct {
	EstimatedCost float64 `json:"estimatedCost"`
	Model         string  `json:"model,omitempty"`
	InputTokens   int64   `json:"inputTokens,omitempty"`
	OutputTokens  int64   `json:"outputTokens,omitempty"`
}

// Estimator prices a call before it runs.
type Estimator interface {
	Estimate(ctx context.Context) (CostEstimate, error)
}

// FlatEstimator prices every call at the same cost.
type FlatEstimator float64

// Estimate implements Estimator.
func (f FlatEstimator) Estimate(context.Context) (CostEstimate, error) {
	return CostEstimate{EstimatedCost: float64(f), Model: "flat"}, nil
}

// Reservation is a short-lived hold against a user's budget.
type Reservation struct {
	ID        string    `json:"reservationId"`
	UserID    string    `json:"userId"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config holds the guard's limits.
type Config struct {
	HourlyLimit       int64         // requests per user per hour
	DailyLimitUSD     float64       // spend per user per UTC day
	MaxConcurrent     int64         // open reservations per user
	MaxRequestUSD     float64       // cost of a single request
	AnomalyZScore     float64       // z-score above which a cost is flagged
	AnomalyMinSamples int           // history needed before the z-score is computed
	HistorySize       int64         // finalized costs kept per user
	ReservationTTL    time.Duration // lifetime of an unreleased reservation
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HourlyLimit:       1000,
		DailyLimitUSD:     1000,
		MaxConcurrent:     10,
		MaxRequestUSD:     50,
		AnomalyZScore:     3,
		AnomalyMinSamples: 3,
		HistorySize:       50,
		ReservationTTL:    300 * time.Second,
	}
}

const (
	rateWindow     = time.Hour
	dailyKeyTTL    = 48 * time.Hour
	historyKeyTTL  = 7 * 24 * time.Hour
	storeErrorText = "billing store unavailable"
)

// Layer names used in metrics and logs.
const (
	LayerRequestCap  = "request_cap"
	LayerRateLimit   = "rate_limit"
	LayerDailyLimit  = "daily_limit"
	LayerConcurrency = "concurrency"
	LayerAnomaly     = "anomaly"
	LayerReservation = "reservation"
)

// Guard enforces the layers against a shared kv.Store.
type Guard struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
	newID func() string
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithIDGenerator overrides reservation ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Guard) { g.newID = fn }
}

// NewGuard creates a billing guard over store.
func NewGuard(store kv.Store, cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.AnomalyMinSamples <= 0 {
		cfg.AnomalyMinSamples = def.AnomalyMinSamples
	}
	if cfg.AnomalyZScore <= 0 {
		cfg.AnomalyZScore = def.AnomalyZScore
	}
	g := &Guard{store: store, cfg: cfg, now: time.Now, newID: idgen.New}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the active limits.
func (g *Guard) Config() Config { return g.cfg }

// PreCheck runs every layer for userID and, when all pass, reserves
// est.EstimatedCost. The caller must finalize or release the reservation.
func (g *Guard) PreCheck(ctx context.Context, userID string, est CostEstimate) (*Reservation, error) {
	cost := est.EstimatedCost

	if err := g.CheckSingleRequestLimit(cost); err != nil {
		return nil, reject(LayerRequestCap, err)
	}
	if err := g.CheckRateLimit(ctx, userID); err != nil {
		return nil, reject(LayerRateLimit, err)
	}
	if err := g.CheckDailyLimit(ctx, userID); err != nil {
		return nil, reject(LayerDailyLimit, err)
	}
	if err := g.CheckConcurrency(ctx, userID); err != nil {
		return nil, reject(LayerConcurrency, err)
	}

	a, err := g.CheckAnomaly(ctx, userID, cost)
	switch {
	case err != nil:
		logging.L(ctx).Warn("anomaly check skipped", "user", userID, "error", err)
	case a.Flagged:
		metrics.BillingAnomaliesTotal.Inc()
		logging.L(ctx).Warn("spend anomaly detected",
			"user", userID,
			"cost", cost,
			"model", est.Model,
			"mean", a.Mean,
			"stddev", a.StdDev,
			"z_score", a.ZScore,
			"samples", a.Samples,
		)
	}

	res, err := g.ReserveBudget(ctx, userID, cost)
	if err != nil {
		return nil, reject(LayerReservation, err)
	}
	return res, nil
}

func reject(layer string, err error) error {
	metrics.BillingRejectionsTotal.WithLabelValues(layer).Inc()
	return err
}

// CheckSingleRequestLimit rejects a single request costing more than the cap.
func (g *Guard) CheckSingleRequestLimit(cost float64) error {
	if cost > g.cfg.MaxRequestUSD {
		return apperr.Newf(apperr.RequestTooExpensive,
			"request cost $%s exceeds the per-request limit of $%s", fmtUSD(cost), fmtUSD(g.cfg.MaxRequestUSD))
	}
	return nil
}

// CheckRateLimit counts this request against the user's hourly window. The
// first request of a window starts its one-hour expiry.
func (g *Guard) CheckRateLimit(ctx context.Context, userID string) error {
	key := rateKey(userID)
	n, err := g.store.IncrWithExpiry(ctx, key, rateWindow)
	if err != nil {
		return storeError(err)
	}
	if n <= g.cfg.HourlyLimit {
		return nil
	}

	ttl, err := g.store.TTL(ctx, key)
	if err != nil {
		return storeError(err)
	}
	if ttl <= 0 {
		ttl = rateWindow
	}
	return apperr.RateLimited(apperr.RateLimitExceeded,
		"hourly request limit of "+strconv.FormatInt(g.cfg.HourlyLimit, 10)+" exceeded", ttl)
}

// CheckDailyLimit rejects users whose recorded spend today is over the
// daily limit. The stored value is used as-is: a negative total passes.
func (g *Guard) CheckDailyLimit(ctx context.Context, userID string) error {
	spent, err := g.DailySpend(ctx, userID)
	if err != nil {
		return err
	}
	if spent < 0 {
		// Not clamped; left for product review.
		logging.L(ctx).Warn("negative daily spend recorded", "user", userID, "spent", spent)
	}
	if spent > g.cfg.DailyLimitUSD {
		return apperr.RateLimited(apperr.DailyLimitExceeded,
			"daily spend limit of $"+fmtUSD(g.cfg.DailyLimitUSD)+" exceeded", g.untilMidnight())
	}
	return nil
}

// DailySpend returns the user's recorded spend for the current UTC day.
func (g *Guard) DailySpend(ctx context.Context, userID string) (float64, error) {
	raw, ok, err := g.store.Get(ctx, g.dailyKey(userID))
	if err != nil {
		return 0, storeError(err)
	}
	if !ok {
		return 0, nil
	}
	spent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "daily spend record is unreadable", err)
	}
	return spent, nil
}

// OpenReservations counts the user's live reservations.
func (g *Guard) OpenReservations(ctx context.Context, userID string) (int64, error) {
	open, err := g.store.CountPrefix(ctx, reservationPrefix(userID))
	if err != nil {
		return 0, storeError(err)
	}
	return open, nil
}

// CheckConcurrency rejects users already holding MaxConcurrent reservations.
func (g *Guard) CheckConcurrency(ctx context.Context, userID string) error {
	open, err := g.OpenReservations(ctx, userID)
	if err != nil {
		return err
	}
	if open >= g.cfg.MaxConcurrent {
		return apperr.RateLimited(apperr.TooManyConcurrent,
			"too many concurrent requests ("+strconv.FormatInt(open, 10)+" in flight)", time.Second)
	}
	return nil
}

// ReserveBudget writes a fresh reservation for amount that expires after
// the reservation TTL.
func (g *Guard) ReserveBudget(ctx context.Context, userID string, amount float64) (*Reservation, error) {
	res := &Reservation{
		ID:        g.newID(),
		UserID:    userID,
		Amount:    amount,
		CreatedAt: g.now(),
	}
	val := strconv.FormatFloat(amount, 'f', -1, 64)
	if err := g.store.Set(ctx, reservationKey(userID, res.ID), val, g.cfg.ReservationTTL); err != nil {
		return nil, storeError(err)
	}
	metrics.ReservationsTotal.WithLabelValues("created").Inc()
	return res, nil
}

// FinalizeSpend converts a reservation into recorded spend: the reservation
// is deleted, actualCost is added to today's total and appended to the
// user's spend history.
func (g *Guard) FinalizeSpend(ctx context.Context, userID, reservationID string, actualCost float64) error {
	n, err := g.store.Del(ctx, reservationKey(userID, reservationID))
	if err != nil {
		return storeError(err)
	}
	if n == 0 {
		logging.L(ctx).Warn("finalizing expired or unknown reservation", "user", userID, "reservation_id", reservationID)
	}

	if _, err := g.store.IncrByFloatWithExpiry(ctx, g.dailyKey(userID), actualCost, dailyKeyTTL); err != nil {
		return storeError(err)
	}
	val := strconv.FormatFloat(actualCost, 'f', -1, 64)
	if err := g.store.PushTrimmed(ctx, historyKey(userID), val, g.cfg.HistorySize, historyKeyTTL); err != nil {
		return storeError(err)
	}
	metrics.ReservationsTotal.WithLabelValues("finalized").Inc()
	return nil
}

// ReleaseReservation discards a reservation without recording any spend.
func (g *Guard) ReleaseReservation(ctx context.Context, userID, reservationID string) error {
	if _, err := g.store.Del(ctx, reservationKey(userID, reservationID)); err != nil {
		return storeError(err)
	}
	metrics.ReservationsTotal.WithLabelValues("released").Inc()
	return nil
}

func (g *Guard) dailyKey(userID string) string {
	return "billing:daily:" + userSegment(userID) + ":" + g.now().UTC().Format("2006-01-02")
}

func (g *Guard) untilMidnight() time.Duration {
	now := g.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}

func rateKey(userID string) string {
	return "billing:rate:" + userSegment(userID)
}

func historyKey(userID string) string {
	return "billing:history:" + userSegment(userID)
}

func reservationPrefix(userID string) string {
	return "billing:reservation:" + userSegment(userID) + ":"
}

// userSegment hex-encodes a user id so that no user's key prefix matches
// another user's keys.
func userSegment(userID string) string {
	return hex.EncodeToString([]byte(userID))
}

func reservationKey(userID, id string) string {
	return reservationPrefix(userID) + id
}

func storeError(err error) error {
	return apperr.Wrap(apperr.StoreUnavailable, storeErrorText, err)
}

func fmtUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
