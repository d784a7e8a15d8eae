// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status,stream}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route,stream}
	httpDuration *prometheus.HistogramVec

	// gateway_backend_requests_total{backend,outcome}
	backendRequests *prometheus.CounterVec

	// gateway_backend_request_duration_seconds{backend,outcome}
	backendDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_coalesce_total{mode,role} — leader vs follower admissions
	coalesceTotal *prometheus.CounterVec

	// gateway_stream_subscribers — live stream fanout subscribers
	streamSubscribers prometheus.Gauge

	// gateway_stream_evictions_total — followers dropped as slow consumers
	streamEvictions prometheus.Counter

	// gateway_batch_flush_total{trigger}
	batchFlushes *prometheus.CounterVec

	// gateway_batch_size — requests per flushed batch
	batchSize prometheus.Histogram

	// gateway_quota_total{result} — allowed / rejected / failopen
	quotaTotal *prometheus.CounterVec

	// gateway_tokens_total{backend,direction,cache}
	tokensTotal *prometheus.CounterVec

	// circuit_breaker_state{backend} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{backend,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_backend_health{backend}
	backendHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status", "stream"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route", "stream"},
		),

		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_requests_total",
				Help: "Total backend dispatches (includes per-attempt retries)",
			},
			[]string{"backend", "outcome"},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_request_duration_seconds",
				Help:    "Backend attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		coalesceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_coalesce_total",
				Help: "Coalescer admissions by mode (unary, stream) and role (leader, follower, bypass)",
			},
			[]string{"mode", "role"},
		),

		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_stream_subscribers",
			Help: "Current number of attached stream fanout subscribers",
		}),

		streamEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_evictions_total",
			Help: "Stream followers evicted as slow consumers",
		}),

		batchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_batch_flush_total",
				Help: "Batch flushes by trigger (size, deadline, shutdown)",
			},
			[]string{"trigger"},
		),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_batch_size",
			Help:    "Number of requests per flushed batch",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 12, 16},
		}),

		quotaTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_total",
				Help: "Quota decisions (allowed, rejected, failopen)",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from backend usage fields",
			},
			[]string{"backend", "direction", "cache"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"backend"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"backend", "to_state"},
		),

		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_health",
				Help: "Backend health status (1=ok, 0=degraded)",
			},
			[]string{"backend"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.backendRequests,
		r.backendDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.coalesceTotal,
		r.streamSubscribers,
		r.streamEvictions,
		r.batchFlushes,
		r.batchSize,
		r.quotaTotal,
		r.tokensTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.backendHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, stream bool, dur time.Duration) {
	s := strconv.FormatBool(stream)
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode), s).Inc()
	r.httpDuration.WithLabelValues(route, s).Observe(dur.Seconds())
}

// ObserveBackend records one backend dispatch attempt.
func (r *Registry) ObserveBackend(backend, outcome string, dur time.Duration) {
	r.backendRequests.WithLabelValues(backend, outcome).Inc()
	r.backendDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

// Coalesce records a coalescer admission. mode is "unary" or "stream";
// role is "leader", "follower" or "bypass".
func (r *Registry) Coalesce(mode, role string) {
	r.coalesceTotal.WithLabelValues(mode, role).Inc()
}

func (r *Registry) StreamSubscriberAttached() { r.streamSubscribers.Inc() }
func (r *Registry) StreamSubscriberDetached() { r.streamSubscribers.Dec() }
func (r *Registry) StreamEviction()           { r.streamEvictions.Inc() }

// BatchFlush records one flushed batch with its trigger and size.
func (r *Registry) BatchFlush(trigger string, size int) {
	r.batchFlushes.WithLabelValues(trigger).Inc()
	r.batchSize.Observe(float64(size))
}

func (r *Registry) QuotaDecision(result string) {
	r.quotaTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(backend string, promptTokens, completionTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "prompt", cache).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "completion", cache).Add(float64(completionTokens))
	}
}

func (r *Registry) SetBackendHealth(backend string, ok bool) {
	if ok {
		r.backendHealth.WithLabelValues(backend).Set(1)
		return
	}
	r.backendHealth.WithLabelValues(backend).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(backend string, state int64) {
	r.circuitBreakerState.WithLabelValues(backend).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[backend]
	if !ok || prev != float64(state) {
		r.lastCBState[backend] = float64(state)
		r.cbTransitions.WithLabelValues(backend, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
