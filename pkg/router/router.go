package router

import (
	"context"
	"net/http"
	"strings"

	"topic-chat/backend/internal/api"
	"topic-chat/backend/internal/ws"
	"topic-chat/backend/pkg/config"
	"topic-chat/backend/pkg/di"
	"topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"
	"topic-chat/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config
}

// relatedResources lists which cached GET resources a write to a resource invalidates
var relatedResources = map[string][]string{
	"/api/agent":         {"/api/conversations", "/api/chat-history", "/api/chat-message", "/api/user"},
	"/api/conversations": {"/api/chat-history", "/api/chat-message", "/api/user"},
	"/api/chat-history":  {"/api/conversations", "/api/chat-message", "/api/user"},
	"/api/chat-message":  {"/api/conversations", "/api/chat-history", "/api/user"},
	"/api/user":          {"/api/conversations", "/api/chat-history"},
}

// New builds the engine and its global middleware. Background work
// (rate limiter cleanup) stops when ctx is done.
func New(ctx context.Context, container *di.Container) *Router {
	cfg := container.Config
	logger.SetGlobal(container.Logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// logger first so every later middleware has a request-scoped logger;
	// tracing sits outside the error handler to record the final status
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(middleware.Tracing(cfg.Observability.ServiceName))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))

	opts := middleware.DefaultRateLimiterOptions()
	if cfg.Security.RateLimit > 0 {
		opts.Limit = rate.Limit(cfg.Security.RateLimit)
	}
	if cfg.Security.RateLimitBurst > 0 {
		opts.Burst = cfg.Security.RateLimitBurst
	}
	engine.Use(middleware.NewRateLimiter(container.Logger, opts).Middleware(ctx))

	if cfg.Security.MaxBodySize > 0 {
		engine.Use(bodyLimit(cfg.Security.MaxBodySize))
	}

	r := &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
	}

	if cfg.OpenAPISchemaPath != "" {
		r.AddOpenAPIValidation(cfg.OpenAPISchemaPath)
	}

	return r
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	c := r.Container

	r.setupHealthRoutes()

	apiGroup := r.Engine.Group("/api")
	if c.Coalescer != nil {
		apiGroup.Use(middleware.Coalesce(c.Coalescer, relatedResources))
	}

	api.NewAgentHandler(c.Relay, r.Config.Relay.MaxImageBytes).RegisterRoutes(apiGroup)
	api.NewConversationHandler(c.ConversationService, c.Hub).RegisterRoutes(apiGroup)
	api.NewMessageHandler(c.MessageService, c.Hub).RegisterRoutes(apiGroup)
	api.NewUserHandler(c.UserService).RegisterRoutes(apiGroup)

	r.Engine.GET("/ws", func(ctx *gin.Context) {
		ws.ServeWs(c.Hub, ctx)
	})
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// corsMiddleware echoes allowed origins; "*" allows any
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case allowAll || origins[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		default:
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, Origin, Upgrade, Connection, Cache-Control, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Conversation-ID, X-Turn-ID, X-Request-ID, X-Trace-ID, Retry-After")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
