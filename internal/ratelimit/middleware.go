package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/logging"
)

// KeyFunc picks the identity a request is counted against.
type KeyFunc func(c *gin.Context) string

// ClientIP counts requests per remote address.
func ClientIP(c *gin.Context) string { return "ip:" + c.ClientIP() }

// Middleware returns a Gin middleware that limits requests in tier by key.
func (l *Limiter) Middleware(tier string, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		res, err := l.Allow(ctx, tier, key(c))
		if err != nil {
			logging.L(ctx).Error("rate limiter unavailable", "tier", tier, "error", err)
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), apperr.ResponseFor(err))
			return
		}

		setHeaders(c, res)

		if !res.Allowed {
			err := res.Err()
			c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(res.RetryAfter.Seconds())), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apperr.ResponseFor(err))
			return
		}

		c.Next()
	}
}

func setHeaders(c *gin.Context, res Result) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
