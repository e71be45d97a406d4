package metrics

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kdlbs/orchestra/internal/agentmanager"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

type dummyDispatcher struct{}

func (dummyDispatcher) TryDispatch(string, *v1.WorkItem) bool { return true }
func (dummyDispatcher) Cancel(string, string)                 {}

func newTestMetrics(t *testing.T) (*Metrics, *coordinator.Coordinator, *agentmanager.Manager, *sdkmetric.ManualReader) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	bus := events.NewMemoryBus(32, log)
	t.Cleanup(func() { _ = bus.Close() })

	coord := coordinator.New(coordinator.DefaultConfig(), bus, log)
	coord.SetDispatcher(dummyDispatcher{})
	ctx := context.Background()
	coord.Start(ctx)
	t.Cleanup(coord.Stop)

	agentMgr := agentmanager.New(agentmanager.DefaultConfig(), coord, log)
	agentMgr.Start(ctx)
	t.Cleanup(agentMgr.Stop)

	provider, reader := NewProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(provider.Meter("orchestra-test"), coord, agentMgr, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Subscribe(bus); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(m.Close)

	return m, coord, agentMgr, reader
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is not an int64 sum", m.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func firstGaugeValue(t *testing.T, m metricdata.Metrics) (int64, bool) {
	t.Helper()
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("metric %s is not an int64 gauge", m.Name)
	}
	if len(gauge.DataPoints) == 0 {
		return 0, false
	}
	return gauge.DataPoints[0].Value, true
}

func waitForCounter(t *testing.T, reader *sdkmetric.ManualReader, name string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if metric, ok := findMetric(rm, name); ok {
			if sumInt64(t, metric) >= want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter %s never reached %d", name, want)
}

func TestTaskSubmissionIncrementsCounter(t *testing.T) {
	_, coord, _, reader := newTestMetrics(t)

	if _, err := coord.SubmitTask(context.Background(), &v1.WorkItem{Type: "noop"}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	waitForCounter(t, reader, "orchestra.tasks.submitted", 1)
}

func TestAgentRegistrationIncrementsCounter(t *testing.T) {
	_, coord, _, reader := newTestMetrics(t)

	if _, err := coord.RegisterAgent(context.Background(), &v1.Worker{Name: "w1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	waitForCounter(t, reader, "orchestra.agents.registered", 1)
}

func TestPendingGaugeReflectsUndispatchedTasks(t *testing.T) {
	_, coord, _, reader := newTestMetrics(t)

	if _, err := coord.SubmitTask(context.Background(), &v1.WorkItem{Type: "noop"}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	m, ok := findMetric(rm, "orchestra.tasks.pending")
	if !ok {
		t.Fatal("orchestra.tasks.pending metric not exported")
	}
	if v, ok := firstGaugeValue(t, m); !ok || v < 1 {
		t.Errorf("expected at least one pending task, got %d (found=%v)", v, ok)
	}
}
