// Package api is the orchestrator's synchronous REST surface: CRUD and
// inspection over agents, tasks, workflows, and schedules, sitting
// alongside the Gateway's real-time channel.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	"github.com/kdlbs/orchestra/internal/scheduler"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// WorkflowExecutor is the subset of the Workflow Engine the REST surface
// needs to kick off a Draft workflow, kept as an interface so this
// package doesn't import workflow.
type WorkflowExecutor interface {
	Execute(ctx context.Context, workflowID string) (*v1.Workflow, error)
}

// Handler holds the components the REST surface fronts.
type Handler struct {
	coord  *coordinator.Coordinator
	sched  *scheduler.Scheduler
	wfExec WorkflowExecutor
	logger *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(coord *coordinator.Coordinator, sched *scheduler.Scheduler, wfExec WorkflowExecutor, log *logger.Logger) *Handler {
	return &Handler{
		coord:  coord,
		sched:  sched,
		wfExec: wfExec,
		logger: log.WithFields(zap.String("component", "rest-api")),
	}
}

func respondErr(c *gin.Context, err error) {
	appErr := apperrors.Wrap(err, "request failed")
	c.JSON(appErr.HTTPStatus, appErr)
}

// -- Agents --

// ListAgents handles GET /api/v1/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.coord.ListAgents()})
}

// GetAgent handles GET /api/v1/agents/:agentId.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.coord.GetAgent(c.Param("agentId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// RegisterAgent handles POST /api/v1/agents, for out-of-band
// registration (the Gateway's agent.register frame is the normal path).
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	agent, err := h.coord.RegisterAgent(c.Request.Context(), &v1.Worker{
		Name:         req.Name,
		Type:         req.Type,
		Capabilities: req.Capabilities,
		Config:       req.Config,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// UnregisterAgent handles DELETE /api/v1/agents/:agentId.
func (h *Handler) UnregisterAgent(c *gin.Context) {
	h.coord.UnregisterAgent(c.Request.Context(), c.Param("agentId"))
	c.JSON(http.StatusOK, gin.H{"message": "agent unregistered"})
}

// -- Tasks --

// CreateTask handles POST /api/v1/tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	task, err := h.coord.SubmitTask(c.Request.Context(), &v1.WorkItem{
		Type:       req.Type,
		Priority:   req.Priority,
		Payload:    req.Payload,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		AgentID:    req.AgentID,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/:taskId.
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.coord.GetTask(c.Param("taskId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks, optionally filtered by
// ?status=, ?agent_id=, ?workflow_id=.
func (h *Handler) ListTasks(c *gin.Context) {
	filter := coordinator.TaskFilter{
		Status:     v1.WorkItemStatus(c.Query("status")),
		AgentID:    c.Query("agent_id"),
		WorkflowID: c.Query("workflow_id"),
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.coord.ListTasks(filter)})
}

// CompleteTask handles PUT /api/v1/tasks/:taskId/complete — the REST
// equivalent of the Gateway's agent.task_result frame, for agents that
// don't hold a real-time connection.
func (h *Handler) CompleteTask(c *gin.Context) {
	var req CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	status := v1.WorkItemStatus(req.Status)
	if status != v1.WorkCompleted && status != v1.WorkFailed {
		respondErr(c, apperrors.Invalid("status must be completed or failed"))
		return
	}
	if err := h.coord.CompleteTask(c.Request.Context(), c.Param("taskId"), status, req.Result, req.Error); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task updated"})
}

// CancelTask handles POST /api/v1/tasks/:taskId/cancel.
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.coord.CancelTask(c.Request.Context(), c.Param("taskId")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
}

// -- Workflows --

// CreateWorkflow handles POST /api/v1/workflows.
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	steps := make([]*v1.WorkflowStep, 0, len(req.Steps))
	for _, s := range req.Steps {
		steps = append(steps, &v1.WorkflowStep{
			ID:        s.ID,
			Type:      s.Type,
			Agent:     s.Agent,
			Payload:   s.Payload,
			Parallel:  s.Parallel,
			Timeout:   time.Duration(s.TimeoutMS) * time.Millisecond,
			DependsOn: s.DependsOn,
		})
	}
	wf, err := h.coord.SubmitWorkflow(c.Request.Context(), &v1.Workflow{
		Name:        req.Name,
		Description: req.Description,
		Steps:       steps,
		Config:      req.Config,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

// GetWorkflow handles GET /api/v1/workflows/:workflowId.
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, err := h.coord.GetWorkflow(c.Param("workflowId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// ListWorkflows handles GET /api/v1/workflows.
func (h *Handler) ListWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.coord.ListWorkflows()})
}

// ExecuteWorkflow handles POST /api/v1/workflows/:workflowId/execute: it
// kicks off a Draft workflow, transitioning it to Active and submitting
// every step with no unmet dependency as a task.
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	wf, err := h.wfExec.Execute(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// -- Schedules --

// CreateSchedule handles POST /api/v1/schedules.
func (h *Handler) CreateSchedule(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	sched, err := h.sched.Register(&v1.Schedule{
		Name:          req.Name,
		Cron:          req.Cron,
		TargetType:    v1.ScheduleTargetType(req.TargetType),
		TargetPayload: req.TargetPayload,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

// GetSchedule handles GET /api/v1/schedules/:scheduleId.
func (h *Handler) GetSchedule(c *gin.Context) {
	sched, err := h.sched.Get(c.Param("scheduleId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// ListSchedules handles GET /api/v1/schedules.
func (h *Handler) ListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": h.sched.List()})
}

// DeleteSchedule handles DELETE /api/v1/schedules/:scheduleId.
func (h *Handler) DeleteSchedule(c *gin.Context) {
	if err := h.sched.Unregister(c.Param("scheduleId")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule removed"})
}
