// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	wsIP  *limiter.Limiter
	gift  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance. Buckets live in Redis
// under ratelimit:* so limits hold across instances; a nil client falls back
// to a process-local memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	giftRate, err := limiter.NewRateFromFormatted(cfg.RateLimitGift)
	if err != nil {
		return nil, fmt.Errorf("invalid gift rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "ratelimit",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis unavailable)")
	}

	return &RateLimiter{
		wsIP:  limiter.New(store, wsIPRate),
		gift:  limiter.New(store, giftRate),
		store: store,
	}, nil
}

// CheckWebSocket checks if a WebSocket handshake from this IP should be
// allowed. Returns true if allowed, false if the limit was exceeded (and
// writes the 429 response). Store failures fail open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, "ws:"+ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitHits.WithLabelValues("websocket_connect").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// AllowGift consumes one token from the sender's gift bucket. Returns false
// when the sender has exceeded the configured rate. Store failures fail open:
// the authoritative ledger lives in the business backend.
func (rl *RateLimiter) AllowGift(ctx context.Context, senderID string) bool {
	giftContext, err := rl.gift.Get(ctx, "gift:"+senderID)
	if err != nil {
		logging.Error(ctx, "Gift rate limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if giftContext.Reached {
		metrics.RateLimitHits.WithLabelValues("gift_send").Inc()
		return false
	}

	return true
}
