// Package metrics is the OTel-backed instrumentation surface: counters
// for task, agent, and workflow lifecycle
// events, plus gauges for current pending/running task counts and
// per-agent inbox depth. Counter construction and the Add(ctx, n,
// metric.WithAttributes(...)) call idiom are grounded in the
// goa-ai runtime's ClueMetrics (runtime/agent/telemetry/clue.go),
// since the orchestrator teacher itself never instruments with OTel
// metrics beyond pulling the packages in transitively.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kdlbs/orchestra/internal/agentmanager"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// Metrics owns every counter and gauge the orchestrator exports, plus
// the event bus subscriptions that keep the counters moving.
type Metrics struct {
	logger *logger.Logger

	tasksSubmitted     metric.Int64Counter
	tasksCompleted     metric.Int64Counter
	tasksFailed        metric.Int64Counter
	tasksTimedOut      metric.Int64Counter
	agentsRegistered   metric.Int64Counter
	agentsUnregistered metric.Int64Counter
	workflowsStarted   metric.Int64Counter
	workflowsCompleted metric.Int64Counter
	workflowsFailed    metric.Int64Counter

	subs []events.Subscription
}

// New builds every counter and gauge on meter. The pending/running task
// count and per-agent inbox depth gauges are observable: their callbacks
// read coord and agentMgr at collection time rather than being pushed to.
func New(meter metric.Meter, coord *coordinator.Coordinator, agentMgr *agentmanager.Manager, log *logger.Logger) (*Metrics, error) {
	m := &Metrics{logger: log.WithFields()}

	var err error
	if m.tasksSubmitted, err = meter.Int64Counter("orchestra.tasks.submitted",
		metric.WithDescription("tasks submitted to the coordinator")); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter("orchestra.tasks.completed",
		metric.WithDescription("tasks that finished successfully")); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter("orchestra.tasks.failed",
		metric.WithDescription("tasks that finished with a failure")); err != nil {
		return nil, err
	}
	if m.tasksTimedOut, err = meter.Int64Counter("orchestra.tasks.timed_out",
		metric.WithDescription("tasks that exceeded their deadline")); err != nil {
		return nil, err
	}
	if m.agentsRegistered, err = meter.Int64Counter("orchestra.agents.registered",
		metric.WithDescription("agent registrations accepted")); err != nil {
		return nil, err
	}
	if m.agentsUnregistered, err = meter.Int64Counter("orchestra.agents.unregistered",
		metric.WithDescription("agents removed from the roster")); err != nil {
		return nil, err
	}
	if m.workflowsStarted, err = meter.Int64Counter("orchestra.workflows.started",
		metric.WithDescription("workflows transitioned to active")); err != nil {
		return nil, err
	}
	if m.workflowsCompleted, err = meter.Int64Counter("orchestra.workflows.completed",
		metric.WithDescription("workflows that reached a successful terminal state")); err != nil {
		return nil, err
	}
	if m.workflowsFailed, err = meter.Int64Counter("orchestra.workflows.failed",
		metric.WithDescription("workflows that reached a failed terminal state")); err != nil {
		return nil, err
	}

	pendingGauge, err := meter.Int64ObservableGauge("orchestra.tasks.pending",
		metric.WithDescription("tasks currently awaiting dispatch"))
	if err != nil {
		return nil, err
	}
	runningGauge, err := meter.Int64ObservableGauge("orchestra.tasks.running",
		metric.WithDescription("tasks currently dispatched to an agent"))
	if err != nil {
		return nil, err
	}
	inboxGauge, err := meter.Int64ObservableGauge("orchestra.agent.inbox_depth",
		metric.WithDescription("items queued in an agent's inbox"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pending := len(coord.ListTasks(coordinator.TaskFilter{Status: v1.WorkPending}))
		running := len(coord.ListTasks(coordinator.TaskFilter{Status: v1.WorkRunning}))
		o.ObserveInt64(pendingGauge, int64(pending))
		o.ObserveInt64(runningGauge, int64(running))
		for agentID, depth := range agentMgr.InboxDepths() {
			o.ObserveInt64(inboxGauge, int64(depth), metric.WithAttributes(attribute.String("agent_id", agentID)))
		}
		return nil
	}, pendingGauge, runningGauge, inboxGauge)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Subscribe wires every counter to the events matching it on bus. The
// returned subscriptions are also retained so Close can unsubscribe them.
func (m *Metrics) Subscribe(bus events.Bus) error {
	bindings := []struct {
		pattern string
		counter metric.Int64Counter
	}{
		{events.EventTaskSubmitted, m.tasksSubmitted},
		{events.EventTaskCompleted, m.tasksCompleted},
		{events.EventTaskFailed, m.tasksFailed},
		{events.EventTaskTimeout, m.tasksTimedOut},
		{events.EventAgentRegistered, m.agentsRegistered},
		{events.EventAgentUnregistered, m.agentsUnregistered},
		{events.EventWorkflowStarted, m.workflowsStarted},
		{events.EventWorkflowCompleted, m.workflowsCompleted},
		{events.EventWorkflowFailed, m.workflowsFailed},
	}
	for _, b := range bindings {
		counter := b.counter
		sub, err := bus.Subscribe(b.pattern, func(ctx context.Context, e *events.Event) {
			counter.Add(ctx, 1)
		})
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// Close unsubscribes every binding Subscribe registered.
func (m *Metrics) Close() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
}
