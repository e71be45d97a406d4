// Package agentmanager dispatches admitted work items to connected
// agents over a per-agent bounded inbox, and watches each connection's
// liveness so a silently-dead agent doesn't hold tasks forever.
package agentmanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// Transport is the Gateway's outbound delivery surface, as seen by the
// Agent Manager. The Gateway's WebSocket hub implements this.
type Transport interface {
	// Send delivers item to agentID. An error means the agent's
	// connection is unusable; the caller treats it as a dispatch failure.
	Send(ctx context.Context, agentID string, item *v1.WorkItem) error
	// SendCancel best-effort delivers a cancellation frame for taskID to
	// agentID. Errors are logged, never surfaced to the Coordinator.
	SendCancel(ctx context.Context, agentID, taskID string) error
}

// Config configures inbox sizing and the two-tier health check cadence.
type Config struct {
	InboxSize              int
	AgentInactiveThreshold time.Duration
	AgentDeadThreshold     time.Duration
	InboxCheckInterval     time.Duration
	GlobalCheckInterval    time.Duration
}

// DefaultConfig mirrors internal/common/config's health defaults.
func DefaultConfig() Config {
	return Config{
		InboxSize:              100,
		AgentInactiveThreshold: 2 * time.Minute,
		AgentDeadThreshold:     5 * time.Minute,
		InboxCheckInterval:     30 * time.Second,
		GlobalCheckInterval:    60 * time.Second,
	}
}

// AgentConnection tracks one agent's bounded inbox and its own dispatch
// loop. The loop is the only goroutine that reads Inbox, so delivery
// ordering per agent is preserved even though dispatch is non-blocking
// from the Coordinator's side.
type AgentConnection struct {
	AgentID string
	Inbox   chan *v1.WorkItem

	mu           sync.Mutex
	lastActivity time.Time

	done chan struct{}
}

func (c *AgentConnection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

func (c *AgentConnection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Manager is the Agent Manager component: it owns one
// AgentConnection per connected agent and forwards Coordinator
// dispatches to the Gateway's Transport.
type Manager struct {
	cfg       Config
	transport Transport
	coord     *coordinator.Coordinator
	logger    *logger.Logger

	mu    sync.RWMutex
	conns map[string]*AgentConnection

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. SetTransport must be called before agents
// can be dispatched to.
func New(cfg Config, coord *coordinator.Coordinator, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		coord:  coord,
		logger: log.WithFields(zap.String("component", "agent-manager")),
		conns:  make(map[string]*AgentConnection),
		stopCh: make(chan struct{}),
	}
}

// SetTransport wires the Gateway's delivery surface.
func (m *Manager) SetTransport(t Transport) {
	m.transport = t
}

// Start launches the two-tier health sweeper.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.inboxHealthLoop(ctx)
	go m.globalHealthLoop(ctx)
}

// Stop halts the health sweeper and every connection's dispatch loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		close(c.done)
	}
}

// Connect registers agentID's inbox and starts its dispatch loop. Called
// by the Gateway once an agent's real-time connection completes the
// registration handshake.
func (m *Manager) Connect(ctx context.Context, agentID string) *AgentConnection {
	m.mu.Lock()
	if existing, ok := m.conns[agentID]; ok {
		m.mu.Unlock()
		return existing
	}
	size := m.cfg.InboxSize
	if size <= 0 {
		size = 100
	}
	conn := &AgentConnection{
		AgentID:      agentID,
		Inbox:        make(chan *v1.WorkItem, size),
		lastActivity: time.Now().UTC(),
		done:         make(chan struct{}),
	}
	m.conns[agentID] = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatchLoop(ctx, conn)
	return conn
}

// Disconnect stops agentID's dispatch loop and removes its connection.
// It does not unregister the agent from the Coordinator; the Gateway
// does that once it has confirmed the socket is actually gone.
func (m *Manager) Disconnect(agentID string) {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if ok {
		delete(m.conns, agentID)
	}
	m.mu.Unlock()
	if ok {
		close(conn.done)
	}
}

// Heartbeat records inbound activity from agentID — any frame received
// over its real-time connection, not just task results — and refreshes
// its Coordinator-visible last_seen.
func (m *Manager) Heartbeat(agentID string) {
	m.mu.RLock()
	conn, ok := m.conns[agentID]
	m.mu.RUnlock()
	if ok {
		conn.touch()
	}
	m.coord.Touch(agentID)
}

// TryDispatch implements coordinator.Dispatcher: a non-blocking push
// into agentID's inbox. Returns false if the agent has no connection or
// its inbox is at capacity.
func (m *Manager) TryDispatch(agentID string, item *v1.WorkItem) bool {
	m.mu.RLock()
	conn, ok := m.conns[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case conn.Inbox <- item:
		return true
	default:
		return false
	}
}

// InboxDepths returns a snapshot of each connected agent's current
// inbox queue depth, keyed by agent id. Used by internal/metrics to
// populate the per-agent inbox depth gauge.
func (m *Manager) InboxDepths() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.conns))
	for id, conn := range m.conns {
		out[id] = len(conn.Inbox)
	}
	return out
}

// Cancel implements coordinator.Dispatcher.
func (m *Manager) Cancel(agentID, taskID string) {
	if m.transport == nil {
		return
	}
	if err := m.transport.SendCancel(context.Background(), agentID, taskID); err != nil {
		m.logger.Warn("cancel delivery failed", zap.String("agent_id", agentID), zap.String("task_id", taskID), zap.Error(err))
	}
}

// dispatchLoop is the single reader of conn.Inbox, forwarding each item
// to the Transport in admission order. A send failure fails the task
// back through the Coordinator as transport_lost and unregisters the
// agent, mirroring what would happen if the connection had already dropped.
func (m *Manager) dispatchLoop(ctx context.Context, conn *AgentConnection) {
	defer m.wg.Done()
	for {
		select {
		case <-conn.done:
			return
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case item, ok := <-conn.Inbox:
			if !ok {
				return
			}
			m.deliver(ctx, conn, item)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, conn *AgentConnection, item *v1.WorkItem) {
	if m.transport == nil {
		m.failDelivery(ctx, item, conn.AgentID, "transport not configured")
		return
	}
	if err := m.transport.Send(ctx, conn.AgentID, item); err != nil {
		m.logger.Warn("dispatch delivery failed", zap.String("agent_id", conn.AgentID), zap.String("task_id", item.ID), zap.Error(err))
		m.failDelivery(ctx, item, conn.AgentID, "transport_lost")
		return
	}
	conn.touch()
}

func (m *Manager) failDelivery(ctx context.Context, item *v1.WorkItem, agentID, reason string) {
	if err := m.coord.CompleteTask(ctx, item.ID, v1.WorkFailed, nil, reason); err != nil {
		m.logger.Error("failed to report failed delivery to coordinator", zap.String("task_id", item.ID), zap.Error(err))
	}
	m.coord.UnregisterAgent(ctx, agentID)
}
