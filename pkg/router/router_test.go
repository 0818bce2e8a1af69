package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"topic-chat/backend/internal/llm"
	"topic-chat/backend/internal/models"
	"topic-chat/backend/internal/relay"
	"topic-chat/backend/pkg/config"
	"topic-chat/backend/pkg/di"
	"topic-chat/backend/pkg/logger"
	"topic-chat/backend/pkg/secrets"
	"topic-chat/backend/shared/observability"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	frames []llm.Frame
}

func (p *scriptedProvider) Name() string                        { return "scripted" }
func (p *scriptedProvider) CheckCredential(context.Context) error { return nil }
func (p *scriptedProvider) Stream(context.Context, llm.Prompt) (llm.FrameStream, error) {
	return llm.NewStaticStream(p.frames...), nil
}

func newTestRouter(t *testing.T, mutate func(*config.Config)) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.Server.Env = "test"
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = ":memory:"
	cfg.Database.Retries = 1
	cfg.Redis.Enabled = false
	cfg.Vault.Enabled = false
	cfg.OpenAPISchemaPath = ""
	cfg.Security.AllowedOrigins = []string{"https://chat.example.com"}
	cfg.Security.RateLimit = 1000
	cfg.Security.RateLimitBurst = 1000
	cfg.Cache.Enabled = true
	cfg.Cache.TTL = time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.Discard()
	db, err := config.NewDB(cfg, log)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	metrics, err := observability.SetupPrometheusMetrics("topic-chat-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(context.Background()) })

	container, err := di.New(cfg, db, log, di.Options{
		Provider: &scriptedProvider{frames: []llm.Frame{
			{Kind: llm.FrameContent, Text: "Hello"},
			{Kind: llm.FrameMetadata, Text: `{"finishReason":"stop"}`},
			{Kind: llm.FrameContent, Text: " there"},
		}},
		Secrets: secrets.Static{},
		Metrics: metrics,
		Pacer:   relay.NewPacerWith(nil, func(context.Context, time.Duration) error { return nil }),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	container.Start(ctx)

	r := New(ctx, container)
	r.SetupRoutes()
	return r
}

func do(r *Router, method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestRouter_TurnPersistsAndInvalidatesHistory(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(r, http.MethodPost, "/api/user", `{"username":"ada"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var user models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))

	history := "/api/chat-history?userId=" + user.ID
	w = do(r, http.MethodGet, history, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)

	// served from the coalescing cache while nothing changes
	w = do(r, http.MethodGet, history, "")
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	q := url.Values{"userId": {user.ID}, "message": {"Tell me about otters"}, "speed": {"fast"}}
	w = do(r, http.MethodPost, "/api/agent?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	conversationID := w.Header().Get("X-Conversation-ID")
	require.NotEmpty(t, conversationID)
	assert.NotEmpty(t, w.Header().Get("X-Turn-ID"))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"text":"Hello"}`+"\n\n")
	assert.Contains(t, body, `data: {"text":" there"}`+"\n\n")
	assert.NotContains(t, body, "finishReason")
	assert.True(t, strings.HasSuffix(body, "event: end\ndata: \n\n"))

	// the turn evicted the cached listing
	w = do(r, http.MethodGet, history, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Cache"))
	assert.Contains(t, w.Body.String(), conversationID)
	assert.Contains(t, w.Body.String(), "Tell me about otters")

	w = do(r, http.MethodGet, "/api/chat-message?topicId="+conversationID+"&userId="+user.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page models.Page[models.Message]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, models.RoleUser, page.Items[0].Role)
	assert.Equal(t, "Hello there", page.Items[1].Content)

	w = do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_turns_total")
}

func TestRouter_EmptyTurnIsRejectedAsJSON(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(r, http.MethodPost, "/api/agent", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, w.Body.String(), `"code":"INVALID_INPUT"`)
}

func TestRouter_Health(t *testing.T) {
	r := newTestRouter(t, nil)
	r.Container.Health.RunChecks(context.Background())

	for _, path := range []string{"/health", "/api/health"} {
		w := do(r, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `"database"`)
	}
}

func TestRouter_CORS(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(r, http.MethodOptions, "/api/agent", "", "Origin", "https://chat.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Conversation-ID")

	w = do(r, http.MethodOptions, "/api/agent", "", "Origin", "https://elsewhere.example.com")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_RateLimit(t *testing.T) {
	r := newTestRouter(t, func(cfg *config.Config) {
		cfg.Security.RateLimit = 0.001
		cfg.Security.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/user/check?username=ada", "").Code)
	w := do(r, http.MethodGet, "/api/user/check?username=ada", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestRouter_OpenAPIValidation(t *testing.T) {
	r := newTestRouter(t, func(cfg *config.Config) {
		cfg.OpenAPISchemaPath = "../../api/openapi.yaml"
	})

	w := do(r, http.MethodPost, "/api/user", `{"username":"ada"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var user models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))

	// the handler falls back to page 1, the schema wants an integer
	target := "/api/conversations?userId=" + user.ID + "&page=two"
	w = do(r, http.MethodGet, target, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
	assert.Contains(t, w.Body.String(), `parameter \"page\"`)

	w = do(r, http.MethodGet, "/api/conversations?userId="+user.ID+"&page=1", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	q := url.Values{"userId": {user.ID}, "message": {"hi"}}
	w = do(r, http.MethodPost, "/api/agent?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "event: end")

	w = do(r, http.MethodGet, "/api/docs/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_WithoutValidationHandlerAcceptsLoosePage(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(r, http.MethodPost, "/api/user", `{"username":"ada"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var user models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))

	w = do(r, http.MethodGet, "/api/conversations?userId="+user.ID+"&page=two", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
