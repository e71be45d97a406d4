package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	"github.com/kdlbs/orchestra/internal/scheduler"
	"github.com/kdlbs/orchestra/internal/workflow"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

type dummyDispatcher struct{}

func (dummyDispatcher) TryDispatch(string, *v1.WorkItem) bool { return true }
func (dummyDispatcher) Cancel(string, string)                 {}

func setupTestRouter(t *testing.T) (*gin.Engine, *coordinator.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	sched := scheduler.New(scheduler.Config{}, coord, bus, log)
	sched.Start(ctx)
	t.Cleanup(sched.Stop)

	wfEngine := workflow.New(coord, bus, log)
	if err := wfEngine.Start(ctx); err != nil {
		t.Fatalf("start workflow engine: %v", err)
	}
	t.Cleanup(wfEngine.Stop)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), coord, sched, wfEngine, log)
	return router, coord
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndGetAgent(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Name: "w1", Capabilities: []string{"build"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var agent v1.Worker
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/agents/"+agent.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetAgentMissingReturnsNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateTaskAndComplete(t *testing.T) {
	router, coord := setupTestRouter(t)

	// Only a Running task can be completed, so register a capable agent
	// for the task to be dispatched to.
	if _, err := coord.RegisterAgent(context.Background(), &v1.Worker{Name: "w1", Capabilities: []string{"build"}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Type: "build"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task v1.WorkItem
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		got, err := coord.GetTask(task.ID)
		if err == nil && got.Status == v1.WorkRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached Running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doJSON(t, router, http.MethodPut, "/api/v1/tasks/"+task.ID+"/complete", CompleteTaskRequest{Status: "failed", Error: "already running nowhere"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateWorkflowRejectsEmptySteps(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{Name: "deploy"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a workflow with no steps, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExecuteWorkflowTransitionsToActive(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		Name:  "deploy",
		Steps: []CreateWorkflowStepRequest{{ID: "build", Type: "build"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var wf v1.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &wf); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/execute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var executed v1.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &executed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if executed.Status != v1.WorkflowActive {
		t.Fatalf("expected workflow to be Active after execute, got %q", executed.Status)
	}
}

func TestCreateAndDeleteSchedule(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/schedules", CreateScheduleRequest{
		Name:          "nightly",
		Cron:          "@daily",
		TargetType:    "task",
		TargetPayload: map[string]interface{}{"type": "cleanup"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sched v1.Schedule
	if err := json.Unmarshal(rec.Body.Bytes(), &sched); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/schedules/"+sched.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
