package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, cfg Config) (*Guard, *kv.MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore(kv.WithClock(clock.Now))
	return NewGuard(store, cfg, WithClock(clock.Now)), store, clock
}

func TestCheckSingleRequestLimit(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())

	assert.NoError(t, g.CheckSingleRequestLimit(49.99))
	assert.NoError(t, g.CheckSingleRequestLimit(50))

	err := g.CheckSingleRequestLimit(50.01)
	assert.Equal(t, apperr.RequestTooExpensive, apperr.KindOf(err))
	assert.Zero(t, store.CallCount(), "per-request cap must not touch the store")
}

func TestCheckRateLimit_ThousandthAllowedNextRejected(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	for i := 1; i <= 1000; i++ {
		require.NoError(t, g.CheckRateLimit(ctx, "alice"), "request %d", i)
	}

	err := g.CheckRateLimit(ctx, "alice")
	require.Error(t, err)
	assert.Equal(t, apperr.RateLimitExceeded, apperr.KindOf(err))
	assert.Greater(t, apperr.RetryAfterOf(err), time.Duration(0))

	// Other users are unaffected.
	assert.NoError(t, g.CheckRateLimit(ctx, "bob"))
}

func TestCheckRateLimit_WindowResets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HourlyLimit = 2
	g, _, clock := newTestGuard(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.CheckRateLimit(ctx, "alice"))
	clock.Advance(20 * time.Minute)
	require.NoError(t, g.CheckRateLimit(ctx, "alice"))

	err := g.CheckRateLimit(ctx, "alice")
	require.Error(t, err)
	// The window started with the first request, 40 minutes remain.
	assert.InDelta(t, (40 * time.Minute).Seconds(), apperr.RetryAfterOf(err).Seconds(), 1)

	clock.Advance(41 * time.Minute)
	assert.NoError(t, g.CheckRateLimit(ctx, "alice"))
}

func TestCheckRateLimit_StoreFailureFailsClosed(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	store.SetErr(errors.New("connection refused"))

	err := g.CheckRateLimit(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, apperr.StoreUnavailable, apperr.KindOf(err))
}

func TestCheckDailyLimit(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	// Absent record reads as zero.
	assert.NoError(t, g.CheckDailyLimit(ctx, "alice"))

	require.NoError(t, store.Set(ctx, g.dailyKey("alice"), "1000", 0))
	assert.NoError(t, g.CheckDailyLimit(ctx, "alice"), "exactly at the limit is allowed")

	require.NoError(t, store.Set(ctx, g.dailyKey("alice"), "1000.01", 0))
	err := g.CheckDailyLimit(ctx, "alice")
	assert.Equal(t, apperr.DailyLimitExceeded, apperr.KindOf(err))
	assert.Equal(t, 14*time.Hour, apperr.RetryAfterOf(err))
}

func TestCheckDailyLimit_NegativeStoredValuePasses(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, g.dailyKey("alice"), "-5000", 0))
	assert.NoError(t, g.CheckDailyLimit(ctx, "alice"))
}

func TestCheckDailyLimit_Failures(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, g.dailyKey("alice"), "not-a-number", 0))
	assert.Equal(t, apperr.Internal, apperr.KindOf(g.CheckDailyLimit(ctx, "alice")))

	store.SetErr(errors.New("timeout"))
	assert.Equal(t, apperr.StoreUnavailable, apperr.KindOf(g.CheckDailyLimit(ctx, "alice")))
}

func TestCheckConcurrency(t *testing.T) {
	g, _, clock := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := g.ReserveBudget(ctx, "alice", 0.01)
		require.NoError(t, err)
	}
	assert.NoError(t, g.CheckConcurrency(ctx, "alice"))

	_, err := g.ReserveBudget(ctx, "alice", 0.01)
	require.NoError(t, err)
	assert.Equal(t, apperr.TooManyConcurrent, apperr.KindOf(g.CheckConcurrency(ctx, "alice")))
	assert.NoError(t, g.CheckConcurrency(ctx, "bob"))

	// Reservations self-expire.
	clock.Advance(301 * time.Second)
	assert.NoError(t, g.CheckConcurrency(ctx, "alice"))
}

func TestCheckConcurrency_TenantsSharingAPrefix(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := g.ReserveBudget(ctx, "acme:eu", 0.01)
		require.NoError(t, err)
	}
	assert.Equal(t, apperr.TooManyConcurrent, apperr.KindOf(g.CheckConcurrency(ctx, "acme:eu")))
	assert.NoError(t, g.CheckConcurrency(ctx, "acme"))
	assert.NoError(t, g.CheckConcurrency(ctx, "acme:"))

	open, err := g.OpenReservations(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestReserveBudget_ConcurrentIDsAreDistinct(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.ReserveBudget(ctx, "alice", 1)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[res.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 2)
}

func TestReserveBudget_SetsTTL(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	res, err := g.ReserveBudget(ctx, "alice", 0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, res.Amount)

	ttl, err := store.TTL(ctx, reservationKey("alice", res.ID))
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, ttl)

	v, ok, err := store.Get(ctx, reservationKey("alice", res.ID))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.25", v)
}

func TestFinalizeSpend(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	g.newID = func() string { return "res_1" }
	ctx := context.Background()

	_, err := g.ReserveBudget(ctx, "alice", 0.05)
	require.NoError(t, err)

	require.NoError(t, g.FinalizeSpend(ctx, "alice", "res_1", 0.05))

	_, ok, err := store.Get(ctx, reservationKey("alice", "res_1"))
	require.NoError(t, err)
	assert.False(t, ok, "reservation must be deleted")

	spent, err := g.DailySpend(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.05, spent)

	hist, err := store.Range(ctx, historyKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"0.05"}, hist)
}

func TestFinalizeSpend_HistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	g, store, _ := newTestGuard(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, g.FinalizeSpend(ctx, "alice", fmt.Sprintf("r%d", i), float64(i)))
	}
	hist, err := store.Range(ctx, historyKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3"}, hist)

	spent, err := g.DailySpend(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 15.0, spent)
}

func TestReleaseReservation_DoesNotCountSpend(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	res, err := g.ReserveBudget(ctx, "alice", 10)
	require.NoError(t, err)
	require.NoError(t, g.ReleaseReservation(ctx, "alice", res.ID))

	spent, err := g.DailySpend(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, spent)

	open, err := g.OpenReservations(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestPreCheck_HappyPath(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())

	res, err := g.PreCheck(context.Background(), "alice", CostEstimate{EstimatedCost: 0.02, Model: "gpt"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "alice", res.UserID)
	assert.Equal(t, 0.02, res.Amount)
}

func TestPreCheck_RequestCapRunsBeforeAnyIO(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())

	_, err := g.PreCheck(context.Background(), "alice", CostEstimate{EstimatedCost: 75})
	assert.Equal(t, apperr.RequestTooExpensive, apperr.KindOf(err))
	assert.Zero(t, store.CallCount())
}

func TestPreCheck_DailyLimitStopsBeforeReservation(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, g.dailyKey("alice"), "1500", 0))

	_, err := g.PreCheck(ctx, "alice", CostEstimate{EstimatedCost: 1})
	assert.Equal(t, apperr.DailyLimitExceeded, apperr.KindOf(err))

	open, err := store.CountPrefix(ctx, reservationPrefix("alice"))
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestPreCheck_AnomalyDoesNotBlock(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	for i, c := range []float64{0.01, 0.011, 0.012, 0.01} {
		require.NoError(t, g.FinalizeSpend(ctx, "alice", fmt.Sprintf("r%d", i), c))
	}

	a, err := g.CheckAnomaly(ctx, "alice", 45)
	require.NoError(t, err)
	assert.True(t, a.Flagged)

	_, err = g.PreCheck(ctx, "alice", CostEstimate{EstimatedCost: 45})
	assert.NoError(t, err)
}

func TestPreCheck_StoreOutageFailsClosed(t *testing.T) {
	g, store, _ := newTestGuard(t, DefaultConfig())
	store.SetErr(errors.New("redis down"))

	_, err := g.PreCheck(context.Background(), "alice", CostEstimate{EstimatedCost: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.StoreUnavailable, apperr.KindOf(err))
}

func TestCheckAnomaly_InsufficientSamplesNeverFlags(t *testing.T) {
	g, _, _ := newTestGuard(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, g.FinalizeSpend(ctx, "alice", "r1", 0.01))
	require.NoError(t, g.FinalizeSpend(ctx, "alice", "r2", 0.01))

	for _, cost := range []float64{0, 0.01, 49.99, 1e9} {
		a, err := g.CheckAnomaly(ctx, "alice", cost)
		require.NoError(t, err)
		assert.False(t, a.Flagged)
		assert.Equal(t, 2, a.Samples)
	}
}

func TestCheckAnomaly_ConfigurableThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnomalyZScore = 10
	g, _, _ := newTestGuard(t, cfg)
	ctx := context.Background()

	for i, c := range []float64{1, 2, 3} {
		require.NoError(t, g.FinalizeSpend(ctx, "alice", fmt.Sprintf("r%d", i), c))
	}
	// mean 2, population stddev ~0.816; z(8) ~ 7.3
	a, err := g.CheckAnomaly(ctx, "alice", 8)
	require.NoError(t, err)
	assert.InDelta(t, 7.35, a.ZScore, 0.01)
	assert.False(t, a.Flagged)
}

func TestZScore(t *testing.T) {
	assert.Equal(t, 0.0, zScore(5, 5, 0))
	assert.True(t, math.IsInf(zScore(6, 5, 0), 1))
	assert.Equal(t, 2.0, zScore(9, 5, 2))

	mean, sd := meanStddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 5.0, mean)
	assert.Equal(t, 2.0, sd)
}

func TestFlatEstimator(t *testing.T) {
	est, err := FlatEstimator(0.25).Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.25, est.EstimatedCost)
	assert.Equal(t, "flat", est.Model)
}
