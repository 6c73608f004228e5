package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveJob("sessions:sweep", 20*time.Millisecond, nil)
	metrics.ObserveJob("roles:refresh", time.Second, errors.New("db down"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `accessgate_jobs_total{status="error",task="roles:refresh"} 1`) {
		t.Fatalf("expected body to contain accessgate_jobs_total, got: %s", body)
	}
	if !strings.Contains(body, `accessgate_job_duration_seconds_count{task="sessions:sweep"} 1`) {
		t.Fatalf("expected job duration histogram, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestDecisionAndLookupMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("decided", "", true, 2*time.Millisecond)
	metrics.ObserveDecision("rate_checked", "rate_limit_exceeded", false, time.Millisecond)
	metrics.ObserveReputationLookup("timeout", 500*time.Millisecond)
	var dropped uint64 = 3
	metrics.RegisterDroppedEvents(func() uint64 { return dropped })

	body := scrape(t, metrics)
	for _, want := range []string{
		`accessgate_decisions_total{allowed="true",reason="none",stage="decided"} 1`,
		`accessgate_decisions_total{allowed="false",reason="rate_limit_exceeded",stage="rate_checked"} 1`,
		`accessgate_decision_duration_seconds_count 2`,
		`accessgate_reputation_lookup_seconds_count{outcome="timeout"} 1`,
		`accessgate_audit_events_dropped_total 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("decided", "", true, time.Millisecond)
	metrics.ObserveJob("x", 0, nil)
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}
