// Package agentruntime is the orchestrator's optional local,
// containerized agent runtime: it launches a Docker container for a
// task, speaks ACP over that
// container's stdin/stdout to drive the work, and bridges the result
// back to the Coordinator by registering itself as an ordinary Worker
// over the Gateway's WebSocket endpoint — exactly the path any
// external agent process uses, so the Coordinator never needs to know
// a task's agent happens to be locally supervised.
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/agent/acp"
	"github.com/kdlbs/orchestra/internal/agent/credentials"
	"github.com/kdlbs/orchestra/internal/agent/docker"
	"github.com/kdlbs/orchestra/internal/agent/lifecycle"
	"github.com/kdlbs/orchestra/internal/agent/registry"
	"github.com/kdlbs/orchestra/internal/common/config"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	acpmsg "github.com/kdlbs/orchestra/internal/orchestrator/acp"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
	"github.com/kdlbs/orchestra/pkg/acp/protocol"
)

// wire mirrors internal/gateway/ws.Frame. The runtime dials the Gateway
// as an ordinary external peer and does not import its internal ws
// package, the same way a real out-of-process agent couldn't.
type wireFrame struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Frame types, mirrored from internal/gateway/ws.
const (
	frameAgentRegister   = "agent.register"
	frameAgentHeartbeat  = "agent.heartbeat"
	frameAgentTaskResult = "agent.task_result"
	frameTaskDispatch    = "task.dispatch"
	frameTaskCancel      = "task.cancel"
	frameAgentRegistered = "agent.registered"
)

// Runtime launches locally-supervised agent containers and bridges
// each one's ACP session to the Coordinator over the Gateway.
type Runtime struct {
	docker     *docker.Client
	registry   *registry.Registry
	lifecycle  *lifecycle.Manager
	acpMgr     *acp.SessionManager
	messages   *acpmsg.Handler
	gatewayURL string
	logger     *logger.Logger

	mu      sync.Mutex
	bridges map[string]*bridge // by instance ID
}

// New constructs a Runtime. gatewayURL is the ws:// (or wss://) address
// of this orchestrator's own Gateway endpoint, e.g. "ws://localhost:8080/ws".
func New(cfg config.DockerConfig, reg *registry.Registry, bus events.Bus, gatewayURL string, log *logger.Logger) (*Runtime, error) {
	dockerClient, err := docker.NewClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: docker client: %w", err)
	}

	lifecycleMgr := lifecycle.NewManager(dockerClient, reg, bus, log)
	acpMgr := acp.NewSessionManager(log)
	lifecycleMgr.SetACPManager(acpMgr)
	lifecycleMgr.SetCredentialProviders(credentials.NewEnvProvider("ORCHESTRA_"))

	messages := acpmsg.NewHandler(acpmsg.NewMemoryMessageStore(500), log)

	return &Runtime{
		docker:     dockerClient,
		registry:   reg,
		lifecycle:  lifecycleMgr,
		acpMgr:     acpMgr,
		messages:   messages,
		gatewayURL: gatewayURL,
		logger:     log.WithFields(zap.String("component", "agent-runtime")),
		bridges:    make(map[string]*bridge),
	}, nil
}

// RecentMessages returns the most recent ACP messages recorded for
// taskID, newest-last, for dashboards to render an agent's activity
// feed without re-deriving it from raw ACP session updates.
func (r *Runtime) RecentMessages(taskID string, limit int) []*protocol.Message {
	return r.messages.GetRecentMessages(taskID, limit)
}

// Start begins the lifecycle manager's container reconciliation loop.
func (r *Runtime) Start(ctx context.Context) error {
	return r.lifecycle.Start(ctx)
}

// Stop tears down every active bridge and the lifecycle manager.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	bridges := make([]*bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.Unlock()
	for _, b := range bridges {
		b.close()
	}
	return r.lifecycle.Stop()
}

// Launch starts a container for taskID using agentType, then connects
// that container's ACP session to the Coordinator via a self-registered
// Gateway connection. It returns once the container is up and the
// bridge has started connecting; delivery of the task itself happens
// asynchronously, the same as any other agent.
func (r *Runtime) Launch(ctx context.Context, taskID, agentType, workspacePath string, env map[string]string, metadata map[string]interface{}) (*v1.AgentInstance, error) {
	instance, err := r.lifecycle.Launch(ctx, &lifecycle.LaunchRequest{
		TaskID:        taskID,
		AgentType:     agentType,
		WorkspacePath: workspacePath,
		Env:           env,
		Metadata:      metadata,
	})
	if err != nil {
		return nil, err
	}

	agentConfig, err := r.registry.Get(agentType)
	if err != nil {
		return instance, nil // container is already running; nothing more to wire
	}

	b := newBridge(instance, agentConfig.Capabilities, r.gatewayURL, r.acpMgr, r.lifecycle, r.messages, r.logger)
	r.mu.Lock()
	r.bridges[instance.ID] = b
	r.mu.Unlock()

	go b.run()
	return instance, nil
}

// StopInstance stops the container and bridge backing instanceID.
func (r *Runtime) StopInstance(ctx context.Context, instanceID string, force bool) error {
	r.mu.Lock()
	b, ok := r.bridges[instanceID]
	delete(r.bridges, instanceID)
	r.mu.Unlock()
	if ok {
		b.close()
	}
	return r.lifecycle.StopAgent(ctx, instanceID, force)
}

// ListInstances returns every tracked agent container instance.
func (r *Runtime) ListInstances() []*v1.AgentInstance {
	return r.lifecycle.ListInstances()
}

// GetInstance returns the tracked instance for instanceID.
func (r *Runtime) GetInstance(instanceID string) (*v1.AgentInstance, bool) {
	return r.lifecycle.GetInstance(instanceID)
}

// GetInstanceByTaskID returns the instance launched for taskID.
func (r *Runtime) GetInstanceByTaskID(taskID string) (*v1.AgentInstance, bool) {
	return r.lifecycle.GetInstanceByTaskID(taskID)
}

// Progress returns the last reported completion percentage for an
// instance.
func (r *Runtime) Progress(instanceID string) int {
	return r.lifecycle.Progress(instanceID)
}

// ListAgentTypes returns the registry's agent type catalog.
func (r *Runtime) ListAgentTypes() []*registry.AgentTypeConfig {
	return r.registry.List()
}

// GetAgentType returns one catalog entry by ID.
func (r *Runtime) GetAgentType(typeID string) (*registry.AgentTypeConfig, error) {
	return r.registry.Get(typeID)
}

// ContainerLogs streams the logs of the container backing instanceID.
func (r *Runtime) ContainerLogs(ctx context.Context, instanceID string, tail string) (io.ReadCloser, error) {
	instance, ok := r.lifecycle.GetInstance(instanceID)
	if !ok || instance.ContainerID == nil {
		return nil, fmt.Errorf("instance %q has no container", instanceID)
	}
	return r.docker.GetContainerLogs(ctx, *instance.ContainerID, false, tail)
}

// bridge owns one WebSocket connection to the Gateway on behalf of a
// single launched instance, translating between Gateway frames and ACP
// calls against that instance's session.
type bridge struct {
	instance     *v1.AgentInstance
	capabilities []string
	gatewayURL   string
	acpMgr       *acp.SessionManager
	lifecycle    *lifecycle.Manager
	messages     *acpmsg.Handler
	logger       *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	agentID string
	closed  bool
}

func newBridge(instance *v1.AgentInstance, caps []string, gatewayURL string, acpMgr *acp.SessionManager, lc *lifecycle.Manager, messages *acpmsg.Handler, log *logger.Logger) *bridge {
	return &bridge{
		instance:     instance,
		capabilities: caps,
		gatewayURL:   gatewayURL,
		acpMgr:       acpMgr,
		lifecycle:    lc,
		messages:     messages,
		logger:       log.WithFields(zap.String("instance_id", instance.ID)),
	}
}

func (b *bridge) run() {
	conn, _, err := websocket.DefaultDialer.Dial(b.gatewayURL, nil)
	if err != nil {
		b.logger.Error("bridge failed to dial gateway", zap.Error(err))
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	b.acpMgr.SetUpdateHandler(b.onACPUpdate)

	if _, _, err := conn.ReadMessage(); err != nil { // welcome frame
		b.logger.Warn("bridge did not receive welcome frame", zap.Error(err))
	}

	if err := b.send(frameAgentRegister, map[string]interface{}{
		"name":         fmt.Sprintf("agentruntime-%s", b.instance.ID[:8]),
		"type":         b.instance.AgentType,
		"capabilities": b.capabilities,
		"metadata":     map[string]interface{}{"instance_id": b.instance.ID, "local": true},
	}); err != nil {
		b.logger.Error("bridge failed to register agent", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	go func() {
		for range heartbeat.C {
			if b.send(frameAgentHeartbeat, nil) != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.logger.Info("bridge connection closed", zap.Error(err))
			return
		}
		var f wireFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		b.handleFrame(&f)
	}
}

func (b *bridge) handleFrame(f *wireFrame) {
	switch f.Type {
	case frameAgentRegistered:
		if id, ok := f.Data["agent_id"].(string); ok {
			b.mu.Lock()
			b.agentID = id
			b.mu.Unlock()
		}
	case frameTaskDispatch:
		taskID, _ := f.Data["task_id"].(string)
		payload, _ := json.Marshal(f.Data["payload"])
		if err := b.acpMgr.Prompt(context.Background(), b.instance.ID, string(payload)); err != nil {
			b.logger.Warn("bridge failed to forward task dispatch as ACP prompt", zap.String("task_id", taskID), zap.Error(err))
			b.sendTaskResult(taskID, v1.WorkFailed, nil, err.Error())
		}
	case frameTaskCancel:
		taskID, _ := f.Data["task_id"].(string)
		_ = b.acpMgr.Cancel(context.Background(), b.instance.ID, "cancelled by coordinator")
		b.logger.Info("bridge received task cancel", zap.String("task_id", taskID))
	}
}

// onACPUpdate is invoked by the ACP session manager when the launched
// container reports progress or completion.
func (b *bridge) onACPUpdate(instanceID, taskID, updateType string, data json.RawMessage) {
	switch updateType {
	case "progress":
		var payload struct {
			Percent int    `json:"percent"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &payload)
		_ = b.lifecycle.UpdateProgress(instanceID, payload.Percent)
		b.recordMessage(taskID, protocol.MessageTypeProgress, map[string]interface{}{
			"progress": payload.Percent,
			"message":  payload.Message,
		})
	case "complete":
		var payload struct {
			Success bool                   `json:"success"`
			Result  map[string]interface{} `json:"result"`
			Error   string                 `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		status := v1.WorkCompleted
		exitCode := 0
		msgType := protocol.MessageTypeResult
		if !payload.Success {
			status = v1.WorkFailed
			exitCode = 1
			msgType = protocol.MessageTypeError
		}
		_ = b.lifecycle.MarkCompleted(instanceID, exitCode, payload.Error)
		b.recordMessage(taskID, msgType, map[string]interface{}{
			"success": payload.Success,
			"result":  payload.Result,
			"error":   payload.Error,
		})
		b.sendTaskResult(taskID, status, payload.Result, payload.Error)
	}
}

func (b *bridge) recordMessage(taskID string, msgType protocol.MessageType, data map[string]interface{}) {
	if b.messages == nil {
		return
	}
	msg := protocol.NewMessage(msgType, b.agentID, taskID, data)
	if err := b.messages.ProcessMessage(context.Background(), msg); err != nil {
		b.logger.Warn("bridge failed to record ACP message", zap.Error(err))
	}
}

func (b *bridge) sendTaskResult(taskID string, status v1.WorkItemStatus, result map[string]interface{}, errMsg string) {
	_ = b.send(frameAgentTaskResult, map[string]interface{}{
		"task_id": taskID,
		"status":  string(status),
		"result":  result,
		"error":   errMsg,
	})
}

func (b *bridge) send(frameType string, data map[string]interface{}) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	f := wireFrame{Type: frameType, Timestamp: time.Now().UTC(), Data: data}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bridge closed")
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
