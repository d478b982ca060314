// Package observability mounts the daemon's ambient /healthz liveness
// probe and /metrics Prometheus exposition surface, the same gorilla/mux
// router plus rs/cors wrapping the teacher's API server used for its
// request handling.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// Metrics holds the Prometheus collectors the rest of the daemon updates
// as it runs. Every field is safe for concurrent use.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	TradesOpened     prometheus.Counter
	TradesClosed     prometheus.Counter
	RealizedPnL      prometheus.Gauge
	ReasoningCostUSD prometheus.Counter
	AutonomyLevel    prometheus.Gauge
	OpenPositions    prometheus.Gauge
	KillSwitch       prometheus.Gauge
}

// NewMetrics registers the daemon's collectors against a fresh registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "putseller_decisions_total",
			Help: "Reasoning engine decisions, labeled by action.",
		}, []string{"action"}),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "putseller_trades_opened_total",
			Help: "Total trades entered.",
		}),
		TradesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "putseller_trades_closed_total",
			Help: "Total trades closed.",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "putseller_realized_pnl_usd",
			Help: "Cumulative realized P&L in USD.",
		}),
		ReasoningCostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "putseller_reasoning_cost_usd_total",
			Help: "Cumulative reasoning engine API spend in USD.",
		}),
		AutonomyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "putseller_autonomy_level",
			Help: "Current autonomy level (1-4).",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "putseller_open_positions",
			Help: "Current count of open positions.",
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "putseller_kill_switch",
			Help: "1 if trading is halted, 0 otherwise.",
		}),
	}
	reg.MustRegister(m.DecisionsTotal, m.TradesOpened, m.TradesClosed, m.RealizedPnL,
		m.ReasoningCostUSD, m.AutonomyLevel, m.OpenPositions, m.KillSwitch)
	return m, reg
}

// HealthFunc reports liveness; it is injected rather than hardwired so the
// handler can reflect the store/broker's actual connectivity.
type HealthFunc func(ctx context.Context) error

// NewServer builds the /healthz + /metrics HTTP server described by cfg.
// It does not start listening; call Serve in a goroutine and Shutdown it
// during the daemon's own graceful shutdown.
func NewServer(logger *zap.Logger, cfg types.ObservabilityConfig, reg *prometheus.Registry, health HealthFunc) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}).Methods("GET")

	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(router)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logger.Info("observability server configured", zap.String("addr", addr),
		zap.String("health", cfg.HealthPath), zap.String("metrics", cfg.MetricsPath))

	return &http.Server{Addr: addr, Handler: handler}
}
