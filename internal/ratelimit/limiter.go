// Package ratelimit enforces request and connection rate limits, backed by
// Redis when the relay is configured and process-local memory otherwise.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/netsblox/cloud-topology/internal/auth"
	"github.com/netsblox/cloud-topology/internal/config"
	"github.com/netsblox/cloud-topology/internal/logging"
	"github.com/netsblox/cloud-topology/internal/metrics"
)

// ErrTooManyConnections is returned when a user exceeds the per-user
// WebSocket connect budget.
var ErrTooManyConnections = errors.New("ratelimit: too many connections for user")

// RateLimiter holds one limiter per enforcement point: authenticated
// requests, anonymous requests, the /network command surface, and the two
// WebSocket connect budgets.
type RateLimiter struct {
	global  *limiter.Limiter
	public  *limiter.Limiter
	network *limiter.Limiter
	wsIP    *limiter.Limiter
	wsUser  *limiter.Limiter
}

func newLimiter(store limiter.Store, format string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(format)
	if err != nil {
		return nil, fmt.Errorf("invalid rate format %q: %w", format, err)
	}
	return limiter.New(store, rate), nil
}

// NewRateLimiter builds the limiter set from config. A nil redisClient
// falls back to a per-process memory store, which is correct for
// single-instance deployments.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:"})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using process-local memory store")
	}

	rl := &RateLimiter{}
	for _, lim := range []struct {
		dst    **limiter.Limiter
		format string
	}{
		{&rl.global, cfg.RateLimitGlobal},
		{&rl.public, cfg.RateLimitPublic},
		{&rl.network, cfg.RateLimitNetwork},
		{&rl.wsIP, cfg.RateLimitWsIP},
		{&rl.wsUser, cfg.RateLimitWsUser},
	} {
		l, err := newLimiter(store, lim.format)
		if err != nil {
			return nil, err
		}
		*lim.dst = l
	}
	return rl, nil
}

// keyAndLimiter picks the limiter and bucket key for one request:
// authenticated callers are keyed by subject against the global budget,
// anonymous callers by IP against the tighter public budget.
func (rl *RateLimiter) keyAndLimiter(c *gin.Context) (*limiter.Limiter, string, string) {
	if claims, exists := c.Get("claims"); exists {
		if userClaims, ok := claims.(*auth.Claims); ok {
			return rl.global, userClaims.Subject, "user"
		}
	}
	return rl.public, c.ClientIP(), "ip"
}

// GlobalMiddleware enforces the request budget on every route.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, key, kind := rl.keyAndLimiter(c)

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, key)
		if err != nil {
			// A broken limiter store fails open: availability over strictness.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), kind).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// NetworkMiddleware enforces the tighter budget on the /network command
// surface, on top of the global middleware.
func (rl *RateLimiter) NetworkMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, key, _ := rl.keyAndLimiter(c)

		ctx := c.Request.Context()
		lctx, err := rl.network.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "network").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// AllowConnection checks the per-IP WebSocket connect budget before the
// upgrade. Returns false after writing the 429 response.
func (rl *RateLimiter) AllowConnection(c *gin.Context) bool {
	ctx := c.Request.Context()

	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this address"})
		return false
	}
	return true
}

// AllowUserConnection checks the per-user connect budget, called after the
// upgrade token has been validated.
func (rl *RateLimiter) AllowUserConnection(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return ErrTooManyConnections
	}
	return nil
}
