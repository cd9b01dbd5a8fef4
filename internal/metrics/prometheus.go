// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_auth_total{result}
	authTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result,window}
	rateLimitTotal *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_upstream_attempts_total{credential,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{credential,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_key_fallback_total{from,to}
	keyFallbacks *prometheus.CounterVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_persist_total{outcome}
	persistTotal *prometheus.CounterVec

	// gateway_component_health{component}
	componentHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_total",
				Help: "Authentication outcomes",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions by result and limiting window",
			},
			[]string{"result", "window"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream completion attempts (includes credential fallbacks)",
			},
			[]string{"credential", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream completion attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"credential", "outcome"},
		),

		keyFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_fallback_total",
				Help: "Retries with the secondary credential after an upstream 401",
			},
			[]string{"from", "to"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		persistTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_persist_total",
				Help: "Best-effort message persistence outcomes",
			},
			[]string{"outcome"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_component_health",
				Help: "Dependency health status (1=ok, 0=degraded)",
			},
			[]string{"component"},
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
		r.httpReqSize,
		r.httpRespSize,
		r.authTotal,
		r.rateLimitTotal,
		r.cacheOps,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.keyFallbacks,
		r.tokensTotal,
		r.persistTotal,
		r.componentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

func (r *Registry) RecordAuth(ok bool) {
	if ok {
		r.authTotal.WithLabelValues("ok").Inc()
		return
	}
	r.authTotal.WithLabelValues("rejected").Inc()
}

// RecordRateLimit counts one limiter decision. window is empty for
// admitted requests.
func (r *Registry) RecordRateLimit(result, window string) {
	if window == "" {
		window = "none"
	}
	r.rateLimitTotal.WithLabelValues(result, window).Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }

// CacheGetShared counts a miss that was served by a concurrent identical
// upstream call.
func (r *Registry) CacheGetShared() { r.cacheOps.WithLabelValues("get", "shared").Inc() }

func (r *Registry) CacheSetOK()    { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError() { r.cacheOps.WithLabelValues("set", "error").Inc() }

// ObserveUpstreamAttempt records one upstream call made with credential.
func (r *Registry) ObserveUpstreamAttempt(credential, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(credential, outcome).Inc()
	r.upstreamDuration.WithLabelValues(credential, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordKeyFallback(from, to string) {
	r.keyFallbacks.WithLabelValues(from, to).Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordPersist(outcome string) {
	r.persistTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
