package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cacheResults     *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	signalsScanned   prometheus.Counter
	signalsClosed    *prometheus.CounterVec
	priceFetchFailed *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	latency          *prometheus.HistogramVec
}

// New creates a recorder registered with the default Prometheus registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder on reg. Tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cacheResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_price_cache_lookups_total",
				Help: "Price cache lookups by result (hit, miss, stale)",
			},
			[]string{"result"},
		),
		fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_feed_fallbacks_total",
				Help: "Live fetches served by the fallback adapter",
			},
			[]string{"adapter"},
		),
		signalsScanned: f.NewCounter(
			prometheus.CounterOpts{
				Name: "signaldesk_signals_scanned_total",
				Help: "Open signals evaluated by automation runs",
			},
		),
		signalsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_signals_closed_total",
				Help: "Signals closed by outcome and reason",
			},
			[]string{"status", "reason"},
		),
		priceFetchFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_price_fetch_failed_total",
				Help: "Signals skipped because no price could be obtained",
			},
			[]string{"symbol"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaldesk_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "signaldesk_last_price",
				Help: "Last recorded price for a symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signaldesk_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordCacheResult counts a price cache lookup.
func (r *Recorder) RecordCacheResult(result string) {
	r.cacheResults.WithLabelValues(result).Inc()
}

// RecordFallback counts a live fetch served by the fallback adapter.
func (r *Recorder) RecordFallback(adapter string) {
	r.fallbacks.WithLabelValues(adapter).Inc()
}

func (r *Recorder) RecordSignalsScanned(n int) {
	r.signalsScanned.Add(float64(n))
}

func (r *Recorder) RecordSignalClosed(status, reason string) {
	r.signalsClosed.WithLabelValues(status, reason).Inc()
}

func (r *Recorder) RecordPriceFetchFailed(symbol string) {
	r.priceFetchFailed.WithLabelValues(symbol).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
