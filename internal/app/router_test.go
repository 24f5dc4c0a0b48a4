package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velivolant/gateway/internal/adapter/httpserver"
	"github.com/velivolant/gateway/internal/app"
	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/domain"
	"github.com/velivolant/gateway/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, app.ParseOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example "))
}

type nilDispatcher struct{}

func (nilDispatcher) Submit(domain.Context, domain.RequestType, json.RawMessage, usecase.SubmitOptions) (usecase.Submission, error) {
	return usecase.Submission{}, nil
}

func (nilDispatcher) SubmitAndWait(domain.Context, domain.RequestType, json.RawMessage, usecase.SubmitOptions) (domain.ResultRecord, error) {
	return domain.ResultRecord{}, nil
}

func (nilDispatcher) CalculateBAC(domain.Context, domain.ID, domain.ID, json.RawMessage, time.Duration) (domain.ResultRecord, error) {
	return domain.ResultRecord{}, nil
}

func (nilDispatcher) EventAnalytics(domain.Context, domain.ID, time.Duration) (domain.ResultRecord, error) {
	return domain.ResultRecord{}, nil
}

func (nilDispatcher) Leaderboard(domain.Context, domain.ID, int, string, time.Duration) (domain.ResultRecord, error) {
	return domain.ResultRecord{}, nil
}

func (nilDispatcher) UserScore(domain.Context, domain.ID, domain.ID, time.Duration) (domain.ResultRecord, error) {
	return domain.ResultRecord{}, nil
}

func (nilDispatcher) PendingCount() int { return 0 }

type nilLedger struct{}

func (nilLedger) Upsert(domain.Context, domain.ResultRecord) error { return nil }

func (nilLedger) GetByRequestID(domain.Context, string) (domain.ComputationResult, error) {
	return domain.ComputationResult{}, domain.ErrNotFound
}

func (nilLedger) StatsSince(domain.Context, time.Duration) ([]domain.StatusCount, error) {
	return nil, nil
}

func buildTestRouter(dbCheck, brokerCheck func(context.Context) error) http.Handler {
	cfg := config.Config{RateLimitPerMin: 100, CORSAllowOrigins: "*", StatsWindow: time.Hour}
	srv := httpserver.NewServer(cfg, nilDispatcher{}, nilLedger{}, dbCheck, brokerCheck)
	return app.BuildRouter(cfg, srv, nil)
}

func TestBuildRouter_Healthz(t *testing.T) {
	h := buildTestRouter(nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestBuildRouter_Metrics(t *testing.T) {
	h := buildTestRouter(nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_ReadyzAllOK(t *testing.T) {
	ok := func(context.Context) error { return nil }
	h := buildTestRouter(ok, ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["checks"]["db"])
	assert.Equal(t, "ok", body["checks"]["broker"])
}

func TestBuildRouter_ReadyzFailingDependency(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return fmt.Errorf("consumer state connecting") }
	h := buildTestRouter(ok, bad)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["checks"]["db"])
	assert.Contains(t, body["checks"]["broker"], "connecting")
}

func TestBuildRouter_ComputeRoutesMounted(t *testing.T) {
	h := buildTestRouter(nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/compute/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/compute/result/r-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
