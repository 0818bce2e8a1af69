package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Status represents the health status of a component
type Status string

const (
	// StatusUp indicates a component is working correctly
	StatusUp Status = "up"
	// StatusDown indicates a component is not working
	StatusDown Status = "down"
	// StatusDegraded indicates a component is working but with reduced functionality
	StatusDegraded Status = "degraded"
)

// Component represents a system component that can be health-checked
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Critical    bool      `json:"critical"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check probes one component
type Check func(ctx context.Context) (Status, string, error)

// Checker manages health checks for the system
type Checker struct {
	checks      map[string]Check
	components  map[string]*Component
	checkPeriod time.Duration
	timeout     time.Duration
	mutex       sync.RWMutex
	log         *logger.Logger
	onChange    func(healthy bool)
}

// NewChecker creates a new health checker
func NewChecker(log *logger.Logger, checkPeriod time.Duration) *Checker {
	checker := &Checker{
		checks:      make(map[string]Check),
		components:  make(map[string]*Component),
		checkPeriod: checkPeriod,
		timeout:     5 * time.Second,
		log:         log,
	}

	checker.RegisterCheck("self", false, func(context.Context) (Status, string, error) {
		return StatusUp, "Health checker is running", nil
	})

	return checker
}

// RegisterCheck registers a check. A critical component that is down
// makes the whole system unhealthy.
func (c *Checker) RegisterCheck(name string, critical bool, check Check) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.checks[name] = check
	c.components[name] = &Component{
		Name:        name,
		Status:      StatusDown,
		Critical:    critical,
		Description: "Not checked yet",
	}
}

// OnChange is called after every run with the overall result
func (c *Checker) OnChange(fn func(healthy bool)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onChange = fn
}

// RunChecks executes all registered health checks
func (c *Checker) RunChecks(ctx context.Context) {
	c.mutex.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mutex.RUnlock()

	type outcome struct {
		status      Status
		description string
		err         error
	}
	results := make(map[string]outcome, len(checks))
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		status, description, err := check(checkCtx)
		cancel()
		results[name] = outcome{status, description, err}
	}

	c.mutex.Lock()
	now := time.Now()
	for name, r := range results {
		component := c.components[name]
		component.Status = r.status
		component.Description = r.description
		component.LastChecked = now

		if r.err != nil {
			component.Error = r.err.Error()
			c.log.Error("health check failed",
				"component", name,
				"status", string(r.status),
				"error", r.err.Error(),
			)
		} else {
			component.Error = ""
		}
	}
	onChange := c.onChange
	healthy := c.healthyLocked()
	c.mutex.Unlock()

	if onChange != nil {
		onChange(healthy)
	}
}

// Start runs the checks immediately and then every checkPeriod until ctx is done
func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.RunChecks(ctx)

		ticker := time.NewTicker(c.checkPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunChecks(ctx)
			}
		}
	}()
}

// GetStatus returns a snapshot of every component
func (c *Checker) GetStatus() map[string]*Component {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	result := make(map[string]*Component, len(c.components))
	for k, v := range c.components {
		componentCopy := *v
		result[k] = &componentCopy
	}
	return result
}

// IsSystemHealthy returns true if all critical components are up
func (c *Checker) IsSystemHealthy() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.healthyLocked()
}

func (c *Checker) healthyLocked() bool {
	for _, component := range c.components {
		if component.Critical && component.Status == StatusDown {
			return false
		}
	}
	return true
}

// Handler serves the current status; 503 when a critical component is down
func (c *Checker) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		status := http.StatusOK
		overall := "ok"
		if !c.IsSystemHealthy() {
			status = http.StatusServiceUnavailable
			overall = "unavailable"
		}
		ctx.JSON(status, gin.H{
			"status":     overall,
			"timestamp":  time.Now(),
			"components": c.GetStatus(),
		})
	}
}

// RegisterDatabaseCheck registers a critical database ping
func (c *Checker) RegisterDatabaseCheck(ping func(ctx context.Context) error) {
	c.RegisterCheck("database", true, func(ctx context.Context) (Status, string, error) {
		if err := ping(ctx); err != nil {
			return StatusDown, "Database connection failed", err
		}
		return StatusUp, "Database connection is established", nil
	})
}

// RegisterCacheCheck registers a non-critical check for the user cache
func (c *Checker) RegisterCacheCheck(ping func(ctx context.Context) error) {
	c.RegisterCheck("redis", false, func(ctx context.Context) (Status, string, error) {
		if err := ping(ctx); err != nil {
			return StatusDegraded, "User cache unavailable, reading through to the database", err
		}
		return StatusUp, "User cache is reachable", nil
	})
}

// RegisterUpstreamCheck reports whether the model credential resolves and
// the circuit breaker lets requests through
func (c *Checker) RegisterUpstreamCheck(name string, credential func(ctx context.Context) error, breakerState func() string) {
	c.RegisterCheck(fmt.Sprintf("upstream-%s", name), false, func(ctx context.Context) (Status, string, error) {
		if err := credential(ctx); err != nil {
			return StatusDown, "Model credential is not configured", err
		}
		if breakerState != nil {
			if state := breakerState(); state != "closed" {
				return StatusDegraded, fmt.Sprintf("Circuit breaker is %s", state), nil
			}
		}
		return StatusUp, "Model endpoint is configured", nil
	})
}
