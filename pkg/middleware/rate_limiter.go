package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterOptions configures the rate limiter
type RateLimiterOptions struct {
	// Limit defines requests per second
	Limit rate.Limit
	// Burst defines maximum burst size allowed
	Burst int
	// ExpiryDuration defines how long to keep client state in memory
	ExpiryDuration time.Duration
	// KeyFunc extracts the limiting key from a request (e.g. IP, user ID)
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimiterOptions returns sensible defaults
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:          5,
		Burst:          20,
		ExpiryDuration: time.Hour,
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements per-client rate limiting for Gin
type RateLimiter struct {
	mu      sync.Mutex
	options RateLimiterOptions
	clients map[string]*client
	logger  *logger.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger *logger.Logger, options ...RateLimiterOptions) *RateLimiter {
	opts := DefaultRateLimiterOptions()
	if len(options) > 0 {
		opts = options[0]
		if opts.KeyFunc == nil {
			opts.KeyFunc = DefaultRateLimiterOptions().KeyFunc
		}
		if opts.ExpiryDuration <= 0 {
			opts.ExpiryDuration = time.Hour
		}
	}

	return &RateLimiter{
		options: opts,
		clients: make(map[string]*client),
		logger:  logger,
	}
}

// Middleware rejects requests over the limit with 429. Client state is
// purged every minute until ctx is done.
func (r *RateLimiter) Middleware(ctx context.Context) gin.HandlerFunc {
	go r.cleanup(ctx, time.Minute)

	return func(c *gin.Context) {
		key := r.options.KeyFunc(c)

		if !r.getLimiter(key).Allow() {
			r.logger.Warn("rate limit exceeded",
				"client", key,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.Header("Retry-After", "1")
			c.Header("X-RateLimit-Limit", strconv.Itoa(r.options.Burst))
			c.Error(errors.TooManyRequests("Too many requests. Please try again later."))
			c.Abort()
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.clients[key]
	if !exists {
		limiter := rate.NewLimiter(r.options.Limit, r.options.Burst)
		r.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (r *RateLimiter) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purge()
		}
	}
}

func (r *RateLimiter) purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.clients {
		if time.Since(v.lastSeen) > r.options.ExpiryDuration {
			delete(r.clients, k)
		}
	}
}
