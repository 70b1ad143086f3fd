package supervisor_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/supervisor"
)

// counterValue digs one counter sample out of a gathered registry.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	have := make(map[string]string)
	for _, lp := range m.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if have[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsEmitterFeedsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := supervisor.NewMetrics(reg)
	sink := emit.NewBufferedEmitter()
	e := supervisor.NewMetricsEmitter(metrics, sink)

	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "checkpoint_dump", Meta: map[string]interface{}{"duration_ms": int64(42)}})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "checkpoint_fail", Meta: map[string]interface{}{"error": "boom"}})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "sync_push", Meta: map[string]interface{}{"bytes": uint64(1024)}})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "migration_swap"})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "migration_fail", Meta: map[string]interface{}{"error": "no"}})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "migration_restore"})

	cases := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"nhi_checkpoint_dumps_total", map[string]string{"result": "ok"}, 1},
		{"nhi_checkpoint_dumps_total", map[string]string{"result": "error"}, 1},
		{"nhi_sync_pushes_total", nil, 1},
		{"nhi_transfer_bytes_total", nil, 1024},
		{"nhi_migrations_total", map[string]string{"result": "ok"}, 1},
		{"nhi_migrations_total", map[string]string{"result": "error"}, 1},
		{"nhi_migrations_in_total", nil, 1},
	}
	for _, tc := range cases {
		if got := counterValue(t, reg, tc.name, tc.labels); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}

	// Events still reach the wrapped emitter.
	if got := len(sink.History("a1b2c3d4")); got != 6 {
		t.Errorf("wrapped emitter saw %d events, want 6", got)
	}
}

func TestMetricsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := supervisor.NewMetrics(reg)

	metrics.SetPeersConnected(3)
	metrics.SetInstances("running", 2)
	metrics.SetInstances("shadow", 5)

	if got := counterValue(t, reg, "nhi_peers_connected", nil); got != 3 {
		t.Errorf("peers_connected = %v", got)
	}
	if got := counterValue(t, reg, "nhi_instances", map[string]string{"role": "shadow"}); got != 5 {
		t.Errorf("instances{shadow} = %v", got)
	}
}
