package supervisor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nhi-project/nhi/emit"
)

// Metrics provides Prometheus-compatible metrics for node monitoring.
//
// Metrics exposed (all namespaced with "nhi_"):
//
//  1. peers_connected (gauge): live sessions in the membership table.
//  2. instances (gauge): local instance records, labeled by role.
//  3. checkpoint_dumps_total (counter): dump attempts, labeled by result.
//  4. checkpoint_duration_ms (histogram): dump wall time.
//  5. sync_pushes_total (counter): image sets pushed to shadows.
//  6. transfer_bytes_total (counter): image bytes sent to peers.
//  7. migrations_total (counter): source-side migrations by result.
//  8. migrations_in_total (counter): completed inbound restores.
//
// Expose via HTTP for scraping:
//
//	registry := prometheus.NewRegistry()
//	metrics := supervisor.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	peersConnected prometheus.Gauge
	instances      *prometheus.GaugeVec

	dumps        *prometheus.CounterVec
	dumpDuration prometheus.Histogram

	syncPushes    prometheus.Counter
	transferBytes prometheus.Counter

	migrations   *prometheus.CounterVec
	migrationsIn prometheus.Counter
}

// NewMetrics creates and registers the node metrics with the provided
// registry (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nhi",
			Name:      "peers_connected",
			Help:      "Live peer sessions in the membership table",
		}),
		instances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhi",
			Name:      "instances",
			Help:      "Local instance records by role",
		}, []string{"role"}),
		dumps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhi",
			Name:      "checkpoint_dumps_total",
			Help:      "Checkpoint dump attempts by result",
		}, []string{"result"}), // result: ok, error
		dumpDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nhi",
			Name:      "checkpoint_duration_ms",
			Help:      "Checkpoint dump wall time in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}),
		syncPushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nhi",
			Name:      "sync_pushes_total",
			Help:      "Image sets pushed to shadow holders",
		}),
		transferBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nhi",
			Name:      "transfer_bytes_total",
			Help:      "Image bytes sent to peers",
		}),
		migrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhi",
			Name:      "migrations_total",
			Help:      "Source-side migrations by result",
		}, []string{"result"}), // result: ok, error
		migrationsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nhi",
			Name:      "migrations_in_total",
			Help:      "Inbound migrations restored on this node",
		}),
	}
}

// SetPeersConnected records the live session count.
func (m *Metrics) SetPeersConnected(n int) {
	m.peersConnected.Set(float64(n))
}

// SetInstances records the local record count for one role.
func (m *Metrics) SetInstances(role string, n int) {
	m.instances.WithLabelValues(role).Set(float64(n))
}

// metricsEmitter feeds Prometheus from the event stream and forwards
// every event to the wrapped emitter, so metrics need no hooks of their
// own inside the engines.
type metricsEmitter struct {
	metrics *Metrics
	next    emit.Emitter
}

// NewMetricsEmitter wraps next so that lifecycle events also update the
// given metrics.
func NewMetricsEmitter(metrics *Metrics, next emit.Emitter) emit.Emitter {
	if next == nil {
		next = emit.NewNullEmitter()
	}
	return &metricsEmitter{metrics: metrics, next: next}
}

func (me *metricsEmitter) Emit(event emit.Event) {
	me.observe(event)
	me.next.Emit(event)
}

func (me *metricsEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, event := range events {
		me.observe(event)
	}
	return me.next.EmitBatch(ctx, events)
}

func (me *metricsEmitter) Flush(ctx context.Context) error {
	return me.next.Flush(ctx)
}

func (me *metricsEmitter) observe(event emit.Event) {
	switch event.Msg {
	case "checkpoint_dump":
		me.metrics.dumps.WithLabelValues("ok").Inc()
		if ms, ok := event.Meta["duration_ms"].(int64); ok {
			me.metrics.dumpDuration.Observe(float64(ms))
		}
	case "checkpoint_fail":
		me.metrics.dumps.WithLabelValues("error").Inc()
	case "sync_push":
		me.metrics.syncPushes.Inc()
		if b, ok := event.Meta["bytes"].(uint64); ok {
			me.metrics.transferBytes.Add(float64(b))
		}
	case "migration_swap":
		me.metrics.migrations.WithLabelValues("ok").Inc()
	case "migration_fail":
		me.metrics.migrations.WithLabelValues("error").Inc()
	case "migration_restore":
		me.metrics.migrationsIn.Inc()
	}
}
