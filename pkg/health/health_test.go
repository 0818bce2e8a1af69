package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_CriticalComponentDrivesStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := NewChecker(logger.Discard(), time.Minute)

	dbErr := errors.New("connection refused")
	checker.RegisterDatabaseCheck(func(context.Context) error { return dbErr })
	checker.RegisterCacheCheck(func(context.Context) error { return errors.New("redis down") })

	var reported []bool
	checker.OnChange(func(healthy bool) { reported = append(reported, healthy) })

	checker.RunChecks(context.Background())
	assert.False(t, checker.IsSystemHealthy())

	status := checker.GetStatus()
	assert.Equal(t, StatusDown, status["database"].Status)
	assert.Equal(t, "connection refused", status["database"].Error)
	assert.Equal(t, StatusDegraded, status["redis"].Status)

	r := gin.New()
	r.GET("/health", checker.Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	dbErr = nil
	checker.RunChecks(context.Background())
	assert.True(t, checker.IsSystemHealthy())
	assert.Equal(t, []bool{false, true}, reported)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string                `json:"status"`
		Components map[string]*Component `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Contains(t, body.Components, "self")
}

func TestChecker_UpstreamCheck(t *testing.T) {
	checker := NewChecker(logger.Discard(), time.Minute)
	state := "open"
	var credErr error
	checker.RegisterUpstreamCheck("datastream",
		func(context.Context) error { return credErr },
		func() string { return state },
	)

	checker.RunChecks(context.Background())
	assert.Equal(t, StatusDegraded, checker.GetStatus()["upstream-datastream"].Status)

	credErr = errors.New("no key")
	checker.RunChecks(context.Background())
	assert.Equal(t, StatusDown, checker.GetStatus()["upstream-datastream"].Status)
	// not critical
	assert.True(t, checker.IsSystemHealthy())
}
