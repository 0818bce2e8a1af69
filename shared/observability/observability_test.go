package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupPrometheusMetrics_ServesInstruments(t *testing.T) {
	m, err := SetupPrometheusMetrics("topic-chat-test")
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	counter, err := m.Provider.Meter("test").Int64Counter("relay_turns_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_turns_total")
}

func TestSetupTracing_WritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing("topic-chat-test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "relay.turn")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "relay.turn")
}
