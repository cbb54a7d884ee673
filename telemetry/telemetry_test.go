package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetCollectors() {
	collectorRegistryLock.Lock()
	poolOpsCounter = nil
	sweepCounter = nil
	probeDurationHist = nil
	transitionCounter = nil
	collectorRegistryLock.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncPoolHit("modbus")
	collector.ObserveProbe("opcua", true, time.Second)
}

func TestPrometheusCollectorRegistersAndReuses(t *testing.T) {
	resetCollectors()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncPoolHit("modbus")
	collector.IncPoolMiss("modbus")
	collector.IncSweep()
	collector.ObserveProbe("mqtt", false, 100*time.Millisecond)
	collector.IncStatusTransition("modbus", "error")

	metrics, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, metrics, 4)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.poolOps, again.poolOps)

	again.IncSweep()
	requireCounterValue(t, findFamily(t, reg, "otlink_health_sweeps_total"), 2)
}

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
