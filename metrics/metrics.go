// Package metrics exposes ledger and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/community-ledger/ledger"
)

const (
	metricPrefix = "ledger_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	settlementsTotal *prometheus.CounterVec

	surplusAllocations *prometheus.CounterVec
	surplusApplied     prometheus.Counter
	surplusPeriods     prometheus.Histogram

	nextObligationTotal *prometheus.CounterVec
	overdueMarked       prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		settlementsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlements_total",
				Help: "Settlement attempts by outcome",
			},
			[]string{"outcome"},
		)
		surplusAllocations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "surplus_allocations_total",
				Help: "Surplus allocation runs by outcome",
			},
			[]string{"outcome"},
		)
		surplusApplied = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "surplus_applied_amount_total",
				Help: "Surplus amount applied to later periods",
			},
		)
		surplusPeriods = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "surplus_periods_touched",
				Help:    "Later periods touched by one surplus allocation",
				Buckets: []float64{0, 1, 2, 3, 6, 12, 24},
			},
		)
		nextObligationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "next_obligation_total",
				Help: "Post-settlement obligation generation by result",
			},
			[]string{"result"},
		)
		overdueMarked = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "obligations_marked_overdue_total",
				Help: "Obligations moved to overdue by the sweep",
			},
		)
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		prometheus.MustRegister(
			settlementsTotal,
			surplusAllocations,
			surplusApplied,
			surplusPeriods,
			nextObligationTotal,
			overdueMarked,
			httpRequests,
			httpLatency,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// LEDGER METRICS
// =============================================================================

// Recorder implements ledger.Metrics on the package collectors.
type Recorder struct{}

var _ ledger.Metrics = Recorder{}

// NewRecorder registers the collectors and returns a recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

func (Recorder) SettlementRecorded(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if settlementsTotal != nil {
		settlementsTotal.WithLabelValues(outcome).Inc()
	}
}

func (Recorder) SurplusAllocated(outcome ledger.AllocationOutcome, applied ledger.Money, periods int) {
	if surplusAllocations != nil {
		surplusAllocations.WithLabelValues(string(outcome)).Inc()
	}
	if surplusApplied != nil && applied.IsPositive() {
		surplusApplied.Add(applied.Value.InexactFloat64())
	}
	if surplusPeriods != nil {
		surplusPeriods.Observe(float64(periods))
	}
}

func (Recorder) NextObligationResult(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if nextObligationTotal != nil {
		nextObligationTotal.WithLabelValues(result).Inc()
	}
}

func (Recorder) OverdueMarked(n int) {
	if n <= 0 {
		return
	}
	if overdueMarked != nil {
		overdueMarked.Add(float64(n))
	}
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Instrument records request count and latency per chi route pattern, so
// /api/obligations/{id} stays one series regardless of the id.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if httpRequests != nil {
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}
		if httpLatency != nil {
			httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}
