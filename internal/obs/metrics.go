package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP server metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth core metrics.
var (
	// AuthEvents counts credential operations by event and outcome.
	AuthEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truxe_auth_events_total",
			Help: "Authentication events by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// RefreshReuse counts detected refresh-token replays.
	RefreshReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truxe_refresh_reuse_total",
		Help: "Refresh tokens presented after rotation.",
	})

	// EmailFailures counts magic-link emails the delivery collaborator rejected.
	EmailFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truxe_magic_link_email_failures_total",
		Help: "Magic link emails that failed to send.",
	})

	// SessionsEvicted counts sessions dropped by the concurrent-session limit.
	SessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truxe_sessions_evicted_total",
		Help: "Sessions evicted by the per-user session limit.",
	})

	// CleanupRemoved counts rows removed by the expiry sweep.
	CleanupRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truxe_cleanup_removed_total",
			Help: "Expired rows removed by the cleanup sweep.",
		},
		[]string{"kind"},
	)

	// UpstreamRequests tracks calls made to remote OAuth providers.
	UpstreamRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "truxe_oauth_upstream_duration_seconds",
			Help:    "Remote OAuth provider call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op", "outcome"},
	)

	// JWKSRefreshes counts remote JWKS fetches.
	JWKSRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truxe_remote_jwks_refresh_total",
			Help: "Remote JWKS fetches by outcome.",
		},
		[]string{"outcome"},
	)

	// KeyRotations counts signing key rotations.
	KeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truxe_signing_key_rotations_total",
		Help: "Signing key rotations.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthEvents, RefreshReuse, EmailFailures, SessionsEvicted,
			CleanupRemoved, UpstreamRequests, JWKSRefreshes, KeyRotations,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuth increments the auth event counter.
func ObserveAuth(event string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	AuthEvents.WithLabelValues(event, outcome).Inc()
}

// Instrument wraps a handler with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "organizations":
		return "/v1/organizations/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "organizations" && parts[3] == "members":
		return "/v1/organizations/:id/members"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "organizations" && parts[3] == "members":
		return "/v1/organizations/:id/members/:user_id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "oauth":
		return "/v1/oauth/:provider/" + parts[3]
	}
	return raw
}

// statusWriter records the response code for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
