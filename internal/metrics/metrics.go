package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPCollector exposes Prometheus metrics for inbound HTTP requests and the
// import pipeline.
type HTTPCollector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	fetchTotal      *prometheus.CounterVec
	rateLimitTotal  *prometheus.CounterVec
	batchSize       *prometheus.GaugeVec
	runsTotal       *prometheus.CounterVec
	discoveredTotal *prometheus.CounterVec
}

// NewHTTPCollector constructs a collector with default histograms/counters.
func NewHTTPCollector() (*HTTPCollector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invosync",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invosync",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	fetchTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invosync",
		Subsystem: "import",
		Name:      "invoice_fetches_total",
		Help:      "Invoice detail fetches by outcome.",
	}, []string{"outcome"})

	rateLimitTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invosync",
		Subsystem: "import",
		Name:      "rate_limit_hits_total",
		Help:      "Upstream 429 responses observed, by phase.",
	}, []string{"phase"})

	batchSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "invosync",
		Subsystem: "import",
		Name:      "batch_size",
		Help:      "Current adaptive fetch batch size per company.",
	}, []string{"company_id"})

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invosync",
		Subsystem: "import",
		Name:      "runs_total",
		Help:      "Import runs by terminal state.",
	}, []string{"state"})

	discoveredTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invosync",
		Subsystem: "import",
		Name:      "invoices_discovered_total",
		Help:      "Invoices discovered, by flow.",
	}, []string{"flow"})

	collectors := []prometheus.Collector{
		requestDuration,
		requestTotal,
		fetchTotal,
		rateLimitTotal,
		batchSize,
		runsTotal,
		discoveredTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	collector := &HTTPCollector{
		registry:        registry,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		fetchTotal:      fetchTotal,
		rateLimitTotal:  rateLimitTotal,
		batchSize:       batchSize,
		runsTotal:       runsTotal,
		discoveredTotal: discoveredTotal,
	}

	return collector, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *HTTPCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *HTTPCollector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// ObserveFetch records the outcome of a single invoice detail fetch.
func (c *HTTPCollector) ObserveFetch(outcome string) {
	c.fetchTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimit records an upstream 429 seen during the given phase.
func (c *HTTPCollector) ObserveRateLimit(phase string) {
	c.rateLimitTotal.WithLabelValues(phase).Inc()
}

// SetBatchSize publishes the scheduler's current batch size for a company.
func (c *HTTPCollector) SetBatchSize(companyID string, size int) {
	c.batchSize.WithLabelValues(companyID).Set(float64(size))
}

// ObserveRun records a run reaching a terminal state.
func (c *HTTPCollector) ObserveRun(state string) {
	c.runsTotal.WithLabelValues(state).Inc()
}

// ObserveDiscovered records invoices discovered for a flow.
func (c *HTTPCollector) ObserveDiscovered(flow string, count int) {
	c.discoveredTotal.WithLabelValues(flow).Add(float64(count))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
