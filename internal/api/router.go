package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	"github.com/kdlbs/orchestra/internal/scheduler"
)

// SetupRoutes mounts the orchestrator's REST surface under router,
// which should already be scoped to /api/v1.
func SetupRoutes(router *gin.RouterGroup, coord *coordinator.Coordinator, sched *scheduler.Scheduler, wfExec WorkflowExecutor, log *logger.Logger) {
	h := NewHandler(coord, sched, wfExec, log)

	agents := router.Group("/agents")
	{
		agents.GET("", h.ListAgents)
		agents.POST("", h.RegisterAgent)
		agents.GET("/:agentId", h.GetAgent)
		agents.DELETE("/:agentId", h.UnregisterAgent)
	}

	tasks := router.Group("/tasks")
	{
		tasks.GET("", h.ListTasks)
		tasks.POST("", h.CreateTask)
		tasks.GET("/:taskId", h.GetTask)
		tasks.PUT("/:taskId/complete", h.CompleteTask)
		tasks.POST("/:taskId/cancel", h.CancelTask)
	}

	workflows := router.Group("/workflows")
	{
		workflows.GET("", h.ListWorkflows)
		workflows.POST("", h.CreateWorkflow)
		workflows.GET("/:workflowId", h.GetWorkflow)
		workflows.POST("/:workflowId/execute", h.ExecuteWorkflow)
	}

	schedules := router.Group("/schedules")
	{
		schedules.GET("", h.ListSchedules)
		schedules.POST("", h.CreateSchedule)
		schedules.GET("/:scheduleId", h.GetSchedule)
		schedules.DELETE("/:scheduleId", h.DeleteSchedule)
	}
}
