// Package metrics provides Prometheus instrumentation for the opinion engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by side and action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "action"})

	// TradeRejections counts trades that failed, partitioned by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trade_rejections_total",
		Help: "Trades rejected, by error kind",
	}, []string{"kind"})

	// TradeLatency tracks end-to-end trade execution latency, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// LockWait tracks time spent waiting for a per-market or per-position lock.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_lock_wait_seconds",
		Help:    "Time spent waiting for an exclusive lock",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"scope"})

	// LockTimeouts counts lock waits that gave up.
	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_lock_timeouts_total",
		Help: "Lock acquisitions that timed out",
	}, []string{"scope"})

	// FeesCollected accumulates platform fee revenue by asset (CASH, YES, NO).
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_fees_collected_total",
		Help: "Cumulative platform fees collected",
	}, []string{"asset"})

	// MarketsCreated counts created markets.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_markets_created_total",
		Help: "Total markets created",
	})

	// MarketsClosed counts OPEN -> CLOSED transitions.
	MarketsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_markets_closed_total",
		Help: "Markets closed",
	})

	// Resolutions counts resolved markets by outcome.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_resolutions_total",
		Help: "Markets resolved, by outcome",
	}, []string{"outcome"})

	// Claims counts claim attempts by result (claimed, already_claimed).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_claims_total",
		Help: "Payout claims, by result",
	}, []string{"result"})

	// PayoutsTotal accumulates currency paid out through claims.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_payouts_total",
		Help: "Cumulative currency paid out on claims",
	})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MarketVolume tracks cumulative trade input per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_market_volume_total",
		Help: "Cumulative trade input amount",
	}, []string{"market_id", "side"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
