package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kdlbs/orchestra/internal/agentmanager"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	"github.com/kdlbs/orchestra/internal/workflow"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

func newTestGateway(t *testing.T) (*Gateway, *coordinator.Coordinator, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	bus := events.NewMemoryBus(16, log)
	t.Cleanup(func() { _ = bus.Close() })

	coord := coordinator.New(coordinator.DefaultConfig(), bus, log)
	agentMgr := agentmanager.New(agentmanager.DefaultConfig(), coord, log)
	coord.SetDispatcher(agentMgr)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord.Start(ctx)
	t.Cleanup(coord.Stop)
	agentMgr.Start(ctx)
	t.Cleanup(agentMgr.Stop)

	gw := NewGateway(coord, agentMgr, log)
	agentMgr.SetTransport(gw.Hub)

	wfEngine := workflow.New(coord, bus, log)
	if err := wfEngine.Start(ctx); err != nil {
		t.Fatalf("start workflow engine: %v", err)
	}
	t.Cleanup(wfEngine.Stop)
	gw.Hub.SetWorkflowExecutor(wfEngine)

	go gw.Hub.Run(ctx)

	router := gin.New()
	gw.SetupRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return gw, coord, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
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

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

func TestConnectReceivesWelcomeFrame(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Type != OutboundWelcome {
		t.Errorf("expected %q, got %q", OutboundWelcome, f.Type)
	}
}

func TestAgentRegisterBindsConnectionAndRegistersWithCoordinator(t *testing.T) {
	_, coord, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	readFrame(t, conn) // welcome

	if err := conn.WriteJSON(NewFrame(InboundAgentRegister, map[string]interface{}{
		"name": "worker-1",
		"type": "generic",
	})); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != OutboundAgentRegistered {
		t.Fatalf("expected %q, got %q", OutboundAgentRegistered, f.Type)
	}
	agentID, _ := f.Data["agent_id"].(string)
	if agentID == "" {
		t.Fatal("expected a non-empty agent_id in agent.registered frame")
	}

	waitFor(t, time.Second, func() bool {
		_, err := coord.GetAgent(agentID)
		return err == nil
	})
}

func TestHeartbeatRepliesWithAck(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	readFrame(t, conn) // welcome

	_ = conn.WriteJSON(NewFrame(InboundAgentRegister, map[string]interface{}{"name": "w", "type": "generic"}))
	readFrame(t, conn) // agent.registered

	_ = conn.WriteJSON(NewFrame(InboundAgentHeartbeat, nil))
	f := readFrame(t, conn)
	if f.Type != OutboundHeartbeatAck {
		t.Errorf("expected %q, got %q", OutboundHeartbeatAck, f.Type)
	}
}

func TestTaskDispatchedOverGatewayReachesAgent(t *testing.T) {
	_, coord, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	readFrame(t, conn) // welcome

	_ = conn.WriteJSON(NewFrame(InboundAgentRegister, map[string]interface{}{"name": "w", "type": "generic"}))
	registered := readFrame(t, conn)
	agentID, _ := registered.Data["agent_id"].(string)

	ctx := context.Background()
	if _, err := coord.SubmitTask(ctx, &v1.WorkItem{Type: "generic"}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != OutboundTaskDispatch {
		t.Fatalf("expected %q, got %q", OutboundTaskDispatch, f.Type)
	}
	if taskID, _ := f.Data["task_id"].(string); taskID == "" {
		t.Error("expected a non-empty task_id in task.dispatch frame")
	}

	waitFor(t, time.Second, func() bool {
		agent, err := coord.GetAgent(agentID)
		return err == nil && agent.Status == v1.AgentBusy
	})
}

func TestTaskResultCompletesTask(t *testing.T) {
	_, coord, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	readFrame(t, conn) // welcome

	_ = conn.WriteJSON(NewFrame(InboundAgentRegister, map[string]interface{}{"name": "w", "type": "generic"}))
	readFrame(t, conn) // agent.registered

	ctx := context.Background()
	task, err := coord.SubmitTask(ctx, &v1.WorkItem{Type: "generic"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	readFrame(t, conn) // task.dispatch

	_ = conn.WriteJSON(NewFrame(InboundAgentTaskResult, map[string]interface{}{
		"task_id": task.ID,
		"status":  string(v1.WorkCompleted),
	}))

	waitFor(t, time.Second, func() bool {
		got, err := coord.GetTask(task.ID)
		return err == nil && got.Status == v1.WorkCompleted
	})
}

func TestDisconnectUnregistersAgent(t *testing.T) {
	_, coord, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	readFrame(t, conn) // welcome

	_ = conn.WriteJSON(NewFrame(InboundAgentRegister, map[string]interface{}{"name": "w", "type": "generic"}))
	registered := readFrame(t, conn)
	agentID, _ := registered.Data["agent_id"].(string)

	conn.Close()

	waitFor(t, time.Second, func() bool {
		_, err := coord.GetAgent(agentID)
		return err != nil
	})
}

func TestExecuteWorkflowCommandTransitionsToActive(t *testing.T) {
	_, coord, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	readFrame(t, conn) // welcome

	wf, err := coord.SubmitWorkflow(context.Background(), &v1.Workflow{
		Name:  "deploy",
		Steps: []*v1.WorkflowStep{{ID: "build", Type: "generic"}},
	})
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}

	if err := conn.WriteJSON(NewFrame(InboundUserCommand, map[string]interface{}{
		"subcommand":  UserCommandExecuteWorkflow,
		"workflow_id": wf.ID,
	})); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != "user.workflow_executed" {
		t.Fatalf("expected user.workflow_executed, got %q: %+v", f.Type, f.Data)
	}

	waitFor(t, time.Second, func() bool {
		got, err := coord.GetWorkflow(wf.ID)
		return err == nil && got.Status == v1.WorkflowActive
	})
}

func TestUnknownFrameTypeIsDroppedWithoutDisconnect(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	readFrame(t, conn) // welcome

	_ = conn.WriteJSON(NewFrame("something.unrecognized", nil))

	// The connection should still be alive and able to register.
	_ = conn.WriteJSON(NewFrame(InboundAgentRegister, map[string]interface{}{"name": "w", "type": "generic"}))
	f := readFrame(t, conn)
	if f.Type != OutboundAgentRegistered {
		t.Fatalf("expected connection to survive an unknown frame, got %q", f.Type)
	}
}
