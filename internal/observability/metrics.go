package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	reputationLookup *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessgate_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_decisions_total",
		Help: "Jumlah keputusan otorisasi berdasarkan tahap, alasan dan hasil.",
	}, []string{"stage", "reason", "allowed"})
	decisionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "accessgate_decision_duration_seconds",
		Help:    "Durasi evaluasi satu keputusan otorisasi.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	reputation := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessgate_reputation_lookup_seconds",
		Help:    "Latensi pencarian reputasi IP berdasarkan hasil.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1},
	}, []string{"outcome"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_jobs_total",
		Help: "Jumlah eksekusi tugas latar belakang berdasarkan tipe dan status.",
	}, []string{"task", "status"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessgate_job_duration_seconds",
		Help:    "Durasi eksekusi tugas latar belakang.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	registry.MustRegister(requests, duration, decisions, decisionDuration, reputation, jobs, jobDuration)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		decisionsTotal:   decisions,
		decisionDuration: decisionDuration,
		reputationLookup: reputation,
		jobsTotal:        jobs,
		jobDuration:      jobDuration,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision mencatat satu keputusan dari access gate.
func (m *Metrics) ObserveDecision(stage, reason string, allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.decisionsTotal.WithLabelValues(stage, reason, strconv.FormatBool(allowed)).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
}

// ObserveReputationLookup mencatat latensi pencarian reputasi.
func (m *Metrics) ObserveReputationLookup(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reputationLookup.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveJob mencatat hasil eksekusi tugas.
func (m *Metrics) ObserveJob(task string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobsTotal.WithLabelValues(task, status).Inc()
	m.jobDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

// RegisterDroppedEvents mengekspos jumlah event audit yang dibuang.
func (m *Metrics) RegisterDroppedEvents(dropped func() uint64) {
	if m == nil || dropped == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "accessgate_audit_events_dropped_total",
		Help: "Jumlah event keamanan yang dibuang karena antrean penuh.",
	}, func() float64 { return float64(dropped()) }))
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
