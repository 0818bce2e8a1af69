package router

import (
	"github.com/gin-gonic/gin"
)

// setupHealthRoutes registers the health and metrics endpoints outside the
// coalesced /api group
func (r *Router) setupHealthRoutes() {
	handler := r.Container.Health.Handler()
	r.Engine.GET("/health", handler)
	r.Engine.GET("/api/health", handler)

	if r.Container.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.Container.Metrics.Handler()))
	}
}
