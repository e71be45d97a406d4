package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kdlbs/orchestra/internal/common/logger"
)

// SetupRoutes mounts the agent runtime's HTTP surface under router,
// which should already be scoped to /api/v1/runtime.
func SetupRoutes(router *gin.RouterGroup, rt AgentRuntime, log *logger.Logger) {
	handler := NewHandler(rt, log)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("/launch", handler.LaunchAgent)

		agents.GET("/types", handler.ListAgentTypes)
		agents.GET("/types/:typeId", handler.GetAgentType)

		agents.GET("/:instanceId/status", handler.GetAgentStatus)
		agents.GET("/:instanceId/logs", handler.GetAgentLogs)
		agents.DELETE("/:instanceId", handler.StopAgent)

		agents.GET("/tasks/:taskId/messages", handler.GetTaskMessages)
	}

	router.GET("/health", handler.HealthCheck)
}
