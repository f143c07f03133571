package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "pgdog"

var (
	registry *prometheus.Registry

	PoolCheckouts     prometheus.Counter
	QueryErrors       prometheus.Counter
	QueriesRouted     prometheus.Counter
	ReplicaLagBanned  prometheus.Counter
	CrossShardQueries prometheus.Counter
	ClientsConnected  prometheus.Gauge

	poolIdle *prometheus.GaugeVec
	poolUsed *prometheus.GaugeVec
)

func init() {
	Init(DefaultNamespace)
}

// Init builds the collector set under the given namespace; an empty
// namespace means DefaultNamespace. Called once more from main with
// openmetrics_namespace; must happen before the proxy starts serving.
func Init(ns string) {
	if ns == "" {
		ns = DefaultNamespace
	}

	registry = prometheus.NewRegistry()
	factory := promauto.With(registry)

	PoolCheckouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "pool_checkouts_total",
		Help:      "Server connection checkouts.",
	})
	QueryErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "query_errors_total",
		Help:      "Statements that ended in an error.",
	})
	QueriesRouted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "queries_routed_total",
		Help:      "Statements routed through the proxy.",
	})
	ReplicaLagBanned = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "replica_lag_banned_total",
		Help:      "Replicas banned for falling behind or erroring.",
	})
	CrossShardQueries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cross_shard_queries_total",
		Help:      "Statements fanned out to more than one shard.",
	})
	ClientsConnected = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "clients_connected",
		Help:      "Currently connected clients.",
	})
	poolIdle = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "pool_idle_connections",
		Help:      "Idle server connections per sub-pool.",
	}, []string{"pool"})
	poolUsed = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "pool_used_connections",
		Help:      "Checked-out server connections per sub-pool.",
	}, []string{"pool"})
}

// SetPoolGauges refreshes the per-pool gauges; called by the pool
// observer loop.
func SetPoolGauges(poolID string, idle, used int) {
	poolIdle.WithLabelValues(poolID).Set(float64(idle))
	poolUsed.WithLabelValues(poolID).Set(float64(used))
}

// StartServer exposes the registry in OpenMetrics format over HTTP.
func StartServer(port int) {
	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	doglog.Zero.Info().
		Str("addr", addr).
		Msg("starting openmetrics server")

	go func() {
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			doglog.Zero.Error().
				Err(err).
				Msg("openmetrics server failed")
		}
	}()
}
