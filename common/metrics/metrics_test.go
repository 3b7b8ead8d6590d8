package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.Publish("reddit", "success", "")
	m.ScheduledPostTransition("published")
	m.WriteBudget("reserved")
	m.LLMRequest("ok", time.Second)
	m.EngineRun("trend_rider", "ok")
	m.CircuitStateChanged("anthropic", "open")
	m.SchedulerTick(time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	m := New()
	m.Publish("twitter", "failure", "rate_limited")
	m.CircuitStateChanged("anthropic", "open")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", m.Handler())

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `autoposter_publishes_total{kind="rate_limited",outcome="failure",platform="twitter"} 1`)
	assert.Contains(t, string(body), `autoposter_circuit_breaker_open{name="anthropic"} 1`)
	assert.Contains(t, string(body), `autoposter_http_requests_total{method="GET",route="/ping",status="418"} 1`)
}
