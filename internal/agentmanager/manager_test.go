package agentmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// fakeTransport implements Transport for testing.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	cancelled []string
	sendErr   error
}

func (f *fakeTransport) Send(_ context.Context, agentID string, item *v1.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, agentID+":"+item.ID)
	return nil
}

func (f *fakeTransport) SendCancel(_ context.Context, agentID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, agentID+":"+taskID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *coordinator.Coordinator) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	bus := events.NewMemoryBus(16, log)
	t.Cleanup(func() { _ = bus.Close() })

	coord := coordinator.New(coordinator.DefaultConfig(), bus, log)
	cfg := DefaultConfig()
	m := New(cfg, coord, log)
	coord.SetDispatcher(m)
	transport := &fakeTransport{}
	m.SetTransport(transport)
	return m, transport, coord
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestTryDispatchUnknownAgentFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	ok := m.TryDispatch("missing", &v1.WorkItem{ID: "t1"})
	if ok {
		t.Error("expected dispatch to an unknown agent to fail")
	}
}

func TestConnectAndDispatchDeliversViaTransport(t *testing.T) {
	m, transport, _ := newTestManager(t)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.Connect(ctx, "agent-1")
	if ok := m.TryDispatch("agent-1", &v1.WorkItem{ID: "t1"}); !ok {
		t.Fatal("expected dispatch to succeed")
	}

	waitFor(t, time.Second, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1 && transport.sent[0] == "agent-1:t1"
	})
}

func TestTryDispatchFullInboxFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.cfg.InboxSize = 1
	// Register the connection without Connect, so no dispatch loop drains
	// the inbox, and fill it by writing directly.
	conn := &AgentConnection{AgentID: "agent-1", Inbox: make(chan *v1.WorkItem, m.cfg.InboxSize), done: make(chan struct{})}
	m.mu.Lock()
	m.conns["agent-1"] = conn
	m.mu.Unlock()
	conn.Inbox <- &v1.WorkItem{ID: "t1"}

	if ok := m.TryDispatch("agent-1", &v1.WorkItem{ID: "t2"}); ok {
		t.Error("expected dispatch to a full inbox to fail")
	}
}

func TestDeliveryFailureReportsTransportLostAndUnregisters(t *testing.T) {
	m, transport, coord := newTestManager(t)
	transport.sendErr = errors.New("connection reset")
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()
	coord.Start(ctx)
	defer coord.Stop()

	if _, err := coord.RegisterAgent(ctx, &v1.Worker{ID: "agent-1", Capabilities: []string{"build"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	m.Connect(ctx, "agent-1")

	task, err := coord.SubmitTask(ctx, &v1.WorkItem{ID: "t1", Type: "build"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := coord.GetTask(task.ID)
		return err == nil && got.Status == v1.WorkFailed && got.Error == "transport_lost"
	})
	if _, err := coord.GetAgent("agent-1"); err == nil {
		t.Error("expected the agent to be unregistered after delivery failure")
	}
}

func TestHeartbeatRefreshesConnectionActivity(t *testing.T) {
	m, _, coord := newTestManager(t)
	ctx := context.Background()
	if _, err := coord.RegisterAgent(ctx, &v1.Worker{ID: "agent-1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	conn := m.Connect(ctx, "agent-1")
	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-time.Hour)
	conn.mu.Unlock()

	m.Heartbeat("agent-1")

	if idle := conn.idleSince(); idle > time.Second {
		t.Errorf("expected heartbeat to refresh activity, idle = %s", idle)
	}
}

func TestInboxSweepUnregistersDeadConnection(t *testing.T) {
	m, _, coord := newTestManager(t)
	m.cfg.AgentDeadThreshold = 10 * time.Millisecond
	m.cfg.AgentInactiveThreshold = 5 * time.Millisecond
	ctx := context.Background()

	if _, err := coord.RegisterAgent(ctx, &v1.Worker{ID: "agent-1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	conn := m.Connect(ctx, "agent-1")
	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-time.Minute)
	conn.mu.Unlock()

	m.sweepConnections(ctx)

	if _, err := coord.GetAgent("agent-1"); err == nil {
		t.Error("expected dead connection's agent to be unregistered")
	}
}

func TestCancelForwardsToTransport(t *testing.T) {
	m, transport, _ := newTestManager(t)
	m.Cancel("agent-1", "t1")

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.cancelled) != 1 || transport.cancelled[0] != "agent-1:t1" {
		t.Errorf("expected cancel to be forwarded, got %v", transport.cancelled)
	}
}
