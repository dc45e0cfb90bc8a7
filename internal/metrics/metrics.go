package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gamedata"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Data store operations by kind and result.",
		},
		[]string{"op", "result"},
	)

	storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of data store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"op"},
	)

	instanceResolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instances",
			Name:      "resolved_total",
			Help:      "Instance lookups by whether a new instance was created.",
		},
		[]string{"result"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Record cache lookups by result.",
		},
		[]string{"result"},
	)

	syncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entries_total",
			Help:      "Reconciled entries by outcome.",
		},
		[]string{"outcome"},
	)

	ingestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Save commands consumed from Kafka by result.",
		},
		[]string{"result"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Connected change feed clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		storeOps,
		storeDuration,
		instanceResolves,
		cacheLookups,
		syncOutcomes,
		ingestMessages,
		wsClients,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Requests are labelled with the chi route pattern so ids never become labels.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordStoreOp records a data store operation.
func RecordStoreOp(op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOps.WithLabelValues(op, result).Inc()
	storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordInstanceResolve counts a get-or-create call.
func RecordInstanceResolve(created bool) {
	if created {
		instanceResolves.WithLabelValues("created").Inc()
		return
	}
	instanceResolves.WithLabelValues("existing").Inc()
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordSyncOutcome counts one reconciled entry.
func RecordSyncOutcome(outcome string) {
	syncOutcomes.WithLabelValues(outcome).Inc()
}

// RecordIngest counts consumed save commands.
func RecordIngest(saved, failed int) {
	if saved > 0 {
		ingestMessages.WithLabelValues("saved").Add(float64(saved))
	}
	if failed > 0 {
		ingestMessages.WithLabelValues("failed").Add(float64(failed))
	}
}

// SetWebsocketClients reports the number of connected feed clients.
func SetWebsocketClients(n int) {
	wsClients.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	return r.ResponseWriter.Write(b)
}

// Flush keeps streaming handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
