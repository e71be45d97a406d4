package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/agentmanager"
	"github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// fanoutEvents maps internal event bus types to the outbound frame type
// fanned out to every connected client (task.timeout, task.completed,
// agent.registered).
var fanoutEvents = map[string]string{
	events.EventTaskCompleted:   OutboundTaskCompleted,
	events.EventTaskTimeout:     OutboundTaskTimeout,
	events.EventAgentRegistered: OutboundAgentRegistered,
}

// sendBufferSize is the per-connection outbound channel capacity
// (the Gateway's per-connection send channel, default 256).
const sendBufferSize = 256

// WorkflowExecutor is the subset of the Workflow Engine the Gateway
// needs to serve an execute_workflow user.command, kept as an
// interface so this package doesn't import workflow.
type WorkflowExecutor interface {
	Execute(ctx context.Context, workflowID string) (*v1.Workflow, error)
}

// Hub owns every connected Client and is the sole mutator of the
// connection map, guarded by its own lock. It implements
// agentmanager.Transport, turning Coordinator
// dispatches and cancellations into outbound frames.
type Hub struct {
	coord    *coordinator.Coordinator
	agentMgr *agentmanager.Manager
	wfExec   WorkflowExecutor
	logger   *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu        sync.RWMutex
	clients   map[*Client]bool
	byAgentID map[string]*Client
}

// NewHub constructs a Hub. Call Run in its own goroutine before serving
// connections.
func NewHub(coord *coordinator.Coordinator, agentMgr *agentmanager.Manager, log *logger.Logger) *Hub {
	return &Hub{
		coord:      coord,
		agentMgr:   agentMgr,
		logger:     log.WithFields(zap.String("component", "gateway")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byAgentID:  make(map[string]*Client),
	}
}

// SetWorkflowExecutor wires the Workflow Engine used to serve
// execute_workflow user.command frames. Optional: until called, that
// subcommand reports an error rather than panicking.
func (h *Hub) SetWorkflowExecutor(exec WorkflowExecutor) {
	h.wfExec = exec
}

// Run is the Hub's connection-bookkeeping loop. It adds clients to
// h.clients and removes them (with their h.byAgentID entry) on
// unregister; handleAgentRegister adds h.byAgentID entries from each
// client's read loop. Every access to both maps holds h.mu.
// It also subscribes to the Coordinator's event bus for the rest of the
// outbound fan-out (task.timeout, task.completed, agent.registered),
// broadcasting each to every connected client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("gateway hub started")
	defer h.logger.Info("gateway hub stopped")

	sub, err := h.coord.Bus().Subscribe("*.*", func(ctx context.Context, ev *events.Event) {
		if frameType, ok := fanoutEvents[ev.Type]; ok {
			h.broadcast(NewFrame(frameType, ev.Data))
		}
	})
	if err != nil {
		h.logger.Warn("gateway failed to subscribe to event bus fan-out", zap.Error(err))
	} else {
		defer sub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

// broadcast fans a frame out to every connected client.
func (h *Hub) broadcast(f *Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.sendFrame(f)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeSend()
		delete(h.clients, c)
	}
	h.byAgentID = make(map[string]*Client)
}

// remove tears down a connection's bookkeeping and, if it was bound to
// an agent, unregisters that agent from both the Agent Manager and the
// Coordinator: a closed connection for an Agent peer invokes
// Coordinator.UnregisterAgent.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	agentID := c.boundAgentID()
	if agentID != "" {
		delete(h.byAgentID, agentID)
	}
	h.mu.Unlock()

	c.closeSend()
	if agentID == "" {
		return
	}
	h.logger.Info("agent connection closed", zap.String("agent_id", agentID))
	if h.agentMgr != nil {
		h.agentMgr.Disconnect(agentID)
	}
	h.coord.UnregisterAgent(context.Background(), agentID)
}

// Register adds a freshly-upgraded connection to the hub and sends the
// welcome frame.
func (h *Hub) Register(c *Client) {
	h.register <- c
	c.sendFrame(NewFrame(OutboundWelcome, map[string]interface{}{"client_id": c.ID}))
}

// Unregister tears a connection down.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// handleInbound routes one inbound frame by type. Unknown types are
// logged and dropped without disconnecting the peer.
func (h *Hub) handleInbound(ctx context.Context, c *Client, f *Frame) {
	switch f.Type {
	case InboundAgentRegister:
		h.handleAgentRegister(ctx, c, f)
	case InboundAgentUnregister:
		h.handleAgentUnregister(ctx, c)
	case InboundAgentHeartbeat:
		h.handleAgentHeartbeat(c)
	case InboundAgentTaskResult:
		h.handleTaskResult(ctx, c, f)
	case InboundUserCommand:
		h.handleUserCommand(ctx, c, f)
	default:
		h.logger.Warn("dropping unrecognized frame type", zap.String("type", f.Type))
	}
}

func (h *Hub) handleAgentRegister(ctx context.Context, c *Client, f *Frame) {
	worker := &v1.Worker{
		Name: stringField(f.Data, "name"),
		Type: stringField(f.Data, "type"),
	}
	if caps, ok := f.Data["capabilities"].([]interface{}); ok {
		for _, v := range caps {
			if s, ok := v.(string); ok {
				worker.Capabilities = append(worker.Capabilities, s)
			}
		}
	}
	if meta, ok := f.Data["metadata"].(map[string]interface{}); ok {
		worker.Metadata = meta
	}

	registered, err := h.coord.RegisterAgent(ctx, worker)
	if err != nil {
		c.sendFrame(errorFrame("", f.Type, err))
		return
	}

	c.bindAgent(registered.ID)
	h.mu.Lock()
	h.byAgentID[registered.ID] = c
	h.mu.Unlock()

	if h.agentMgr != nil {
		h.agentMgr.Connect(ctx, registered.ID)
	}

	h.logger.Info("agent registered", zap.String("agent_id", registered.ID), zap.String("name", registered.Name))
	c.sendFrame(NewFrame(OutboundAgentRegistered, map[string]interface{}{
		"agent_id": registered.ID,
		"status":   string(registered.Status),
	}))
}

func (h *Hub) handleAgentUnregister(ctx context.Context, c *Client) {
	agentID := c.boundAgentID()
	if agentID == "" {
		return
	}
	h.coord.UnregisterAgent(ctx, agentID)
	if h.agentMgr != nil {
		h.agentMgr.Disconnect(agentID)
	}
}

func (h *Hub) handleAgentHeartbeat(c *Client) {
	agentID := c.boundAgentID()
	if agentID == "" {
		return
	}
	if h.agentMgr != nil {
		h.agentMgr.Heartbeat(agentID)
	} else {
		h.coord.Touch(agentID)
	}
	h.coord.UpdateAgentStatus(context.Background(), agentID, v1.AgentActive)
	c.sendFrame(NewFrame(OutboundHeartbeatAck, nil))
}

func (h *Hub) handleTaskResult(ctx context.Context, c *Client, f *Frame) {
	taskID := stringField(f.Data, "task_id")
	if taskID == "" {
		c.sendFrame(errorFrame("", f.Type, errors.Invalid("agent.task_result missing task_id")))
		return
	}
	status := v1.WorkItemStatus(stringField(f.Data, "status"))
	errMsg := stringField(f.Data, "error")
	result, _ := f.Data["result"].(map[string]interface{})

	if err := h.coord.CompleteTask(ctx, taskID, status, result, errMsg); err != nil {
		c.sendFrame(errorFrame("", f.Type, err))
	}
}

func (h *Hub) handleUserCommand(ctx context.Context, c *Client, f *Frame) {
	sub := stringField(f.Data, "subcommand")
	switch sub {
	case UserCommandListAgents:
		agents := h.coord.ListAgents()
		list := make([]map[string]interface{}, 0, len(agents))
		for _, a := range agents {
			list = append(list, map[string]interface{}{
				"id":     a.ID,
				"name":   a.Name,
				"status": string(a.Status),
			})
		}
		c.sendFrame(NewFrame("user.agents", map[string]interface{}{"agents": list}))

	case UserCommandCreateTask:
		payload, _ := f.Data["payload"].(map[string]interface{})
		item := &v1.WorkItem{Type: stringField(f.Data, "task_type"), Payload: payload}
		task, err := h.coord.SubmitTask(ctx, item)
		if err != nil {
			c.sendFrame(errorFrame("", f.Type, err))
			return
		}
		c.sendFrame(NewFrame("user.task_created", map[string]interface{}{"task_id": task.ID}))

	case UserCommandCreateWorkflow:
		workflow, err := h.buildWorkflowFromPayload(f.Data)
		if err != nil {
			c.sendFrame(errorFrame("", f.Type, err))
			return
		}
		submitted, err := h.coord.SubmitWorkflow(ctx, workflow)
		if err != nil {
			c.sendFrame(errorFrame("", f.Type, err))
			return
		}
		c.sendFrame(NewFrame("user.workflow_created", map[string]interface{}{"workflow_id": submitted.ID}))

	case UserCommandExecuteWorkflow:
		if h.wfExec == nil {
			c.sendFrame(errorFrame("", f.Type, errors.Invalid("execute_workflow not available")))
			return
		}
		workflowID := stringField(f.Data, "workflow_id")
		wf, err := h.wfExec.Execute(ctx, workflowID)
		if err != nil {
			c.sendFrame(errorFrame("", f.Type, err))
			return
		}
		c.sendFrame(NewFrame("user.workflow_executed", map[string]interface{}{"workflow_id": wf.ID, "status": string(wf.Status)}))

	default:
		c.sendFrame(errorFrame("", f.Type, errors.Invalid("unknown user.command subcommand '"+sub+"'")))
	}
}

func (h *Hub) buildWorkflowFromPayload(data map[string]interface{}) (*v1.Workflow, error) {
	name := stringField(data, "name")
	rawSteps, _ := data["steps"].([]interface{})
	steps := make([]*v1.WorkflowStep, 0, len(rawSteps))
	for _, raw := range rawSteps {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		step := &v1.WorkflowStep{
			ID:    stringField(m, "id"),
			Type:  stringField(m, "type"),
			Agent: stringField(m, "agent"),
		}
		if deps, ok := m["depends_on"].([]interface{}); ok {
			for _, d := range deps {
				if s, ok := d.(string); ok {
					step.DependsOn = append(step.DependsOn, s)
				}
			}
		}
		if payload, ok := m["payload"].(map[string]interface{}); ok {
			step.Payload = payload
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, errors.Invalid("create_workflow requires at least one step")
	}
	return &v1.Workflow{Name: name, Steps: steps}, nil
}

func errorFrame(id, action string, err error) *Frame {
	return NewFrame(OutboundError, map[string]interface{}{
		"id":      id,
		"action":  action,
		"message": err.Error(),
	})
}

// Send implements agentmanager.Transport, delivering a task.dispatch
// frame to the client bound to agentID.
func (h *Hub) Send(ctx context.Context, agentID string, item *v1.WorkItem) error {
	h.mu.RLock()
	c, ok := h.byAgentID[agentID]
	h.mu.RUnlock()
	if !ok {
		return errors.NotFound("agent connection", agentID)
	}
	f := NewFrame(OutboundTaskDispatch, map[string]interface{}{
		"task_id":     item.ID,
		"type":        item.Type,
		"payload":     item.Payload,
		"timeout_ms":  item.Timeout.Milliseconds(),
		"workflow_id": item.WorkflowID,
		"step_id":     item.StepID,
	})
	if !c.sendFrame(f) {
		return errors.TransportLost(agentID)
	}
	return nil
}

// SendCancel implements agentmanager.Transport with a best-effort
// task.cancel frame. Cancellation delivery is cooperative, so a
// missing connection or full channel is not an error
// the Coordinator needs to see.
func (h *Hub) SendCancel(ctx context.Context, agentID, taskID string) error {
	h.mu.RLock()
	c, ok := h.byAgentID[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	c.sendFrame(NewFrame(OutboundTaskCancel, map[string]interface{}{"task_id": taskID}))
	return nil
}
