// Package metrics provides Prometheus instrumentation for the facilitator.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const namespace = "p402"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement attempts by outcome kind
	// ("success" or an error kind such as "GAS_PRICE_TOO_HIGH").
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total settlement attempts by result.",
		},
		[]string{"result"},
	)

	// SettlementDuration observes end-to-end settlement latency.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Time from settlement request to submitted transaction.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// SettledUSDTotal sums the dollar value of submitted settlements.
	SettledUSDTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settled_usd_total",
		Help:      "Total USD value of submitted settlements.",
	})

	// BillingRejectionsTotal counts billing guard rejections by layer.
	BillingRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_rejections_total",
			Help:      "Requests rejected by the billing guard, by layer.",
		},
		[]string{"layer"},
	)

	// BillingAnomaliesTotal counts advisory spend anomalies.
	BillingAnomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "billing_anomalies_total",
		Help:      "Spend anomalies flagged by the z-score check (advisory).",
	})

	// ReservationsTotal counts reservation lifecycle events.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Budget reservations by event (created, finalized, released).",
		},
		[]string{"event"},
	)

	// ReplayClaimsTotal counts replay ledger claims by result.
	ReplayClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_claims_total",
			Help:      "Replay ledger claim attempts by result (claimed, duplicate, error).",
		},
		[]string{"result"},
	)

	// RateLimitRejectionsTotal counts payment rate limiter rejections.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the payment rate limiter, by tier and reason.",
		},
		[]string{"tier", "reason"},
	)

	// GasPriceGwei tracks the last observed network gas price.
	GasPriceGwei = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gas_price_gwei",
		Help:      "Most recently observed network gas price in gwei.",
	})

	// FacilitatorBalanceETH tracks the facilitator's native gas balance.
	FacilitatorBalanceETH = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "facilitator_gas_balance_eth",
		Help:      "Facilitator account native balance in ETH.",
	})

	// GasSpendUSDTotal sums the estimated USD cost of gas paid by the facilitator.
	GasSpendUSDTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "facilitator_gas_spend_usd_total",
		Help:      "Estimated USD cost of gas paid for settlements.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// RedisTotalConns tracks Redis pool connections.
	RedisTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_pool_total_connections",
		Help: "Number of connections in the Redis pool.",
	})
	// RedisTimeouts tracks Redis pool wait timeouts.
	RedisTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_pool_timeouts_total",
		Help: "Times a Redis pool wait timed out.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		SettlementDuration,
		SettledUSDTotal,
		BillingRejectionsTotal,
		BillingAnomaliesTotal,
		ReservationsTotal,
		ReplayClaimsTotal,
		RateLimitRejectionsTotal,
		GasPriceGwei,
		FacilitatorBalanceETH,
		GasSpendUSDTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		RedisTotalConns,
		RedisTimeouts,
		GoroutineCount,
	)
}

// StartPoolStatsCollector periodically samples database and Redis pool
// stats plus the goroutine count. Either pool may be nil. Call in a
// goroutine; exits when ctx is done.
func StartPoolStatsCollector(ctx context.Context, db *sql.DB, rdb redis.UniversalClient, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
				DBWaitCount.Set(float64(stats.WaitCount))
			}
			if rdb != nil {
				ps := rdb.PoolStats()
				RedisTotalConns.Set(float64(ps.TotalConns))
				RedisTimeouts.Set(float64(ps.Timeouts))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
