package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/agent/registry"
	apperrors "github.com/kdlbs/orchestra/internal/common/errors"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/pkg/acp/protocol"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// AgentRuntime is the subset of agentruntime.Runtime this handler
// drives; narrowed to an interface so tests can substitute a fake.
type AgentRuntime interface {
	Launch(ctx context.Context, taskID, agentType, workspacePath string, env map[string]string, metadata map[string]interface{}) (*v1.AgentInstance, error)
	StopInstance(ctx context.Context, instanceID string, force bool) error
	GetInstance(instanceID string) (*v1.AgentInstance, bool)
	ListInstances() []*v1.AgentInstance
	ListAgentTypes() []*registry.AgentTypeConfig
	GetAgentType(typeID string) (*registry.AgentTypeConfig, error)
	Progress(instanceID string) int
	ContainerLogs(ctx context.Context, instanceID, tail string) (io.ReadCloser, error)
	RecentMessages(taskID string, limit int) []*protocol.Message
}

// Handler serves the agent runtime's HTTP surface.
type Handler struct {
	runtime AgentRuntime
	logger  *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(rt AgentRuntime, log *logger.Logger) *Handler {
	return &Handler{
		runtime: rt,
		logger:  log.WithFields(zap.String("component", "agent-runtime-api")),
	}
}

func respondErr(c *gin.Context, err error) {
	appErr := apperrors.Wrap(err, "request failed")
	c.JSON(appErr.HTTPStatus, appErr)
}

// LaunchAgent handles POST /agents/launch.
func (h *Handler) LaunchAgent(c *gin.Context) {
	var req LaunchAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	instance, err := h.runtime.Launch(c.Request.Context(), req.TaskID, req.AgentType, req.WorkspacePath, req.Env, req.Metadata)
	if err != nil {
		h.logger.Error("failed to launch agent", zap.Error(err))
		switch {
		case strings.Contains(err.Error(), "not found"), strings.Contains(err.Error(), "disabled"):
			respondErr(c, apperrors.BadRequest(err.Error()))
		case strings.Contains(err.Error(), "already has an agent running"):
			respondErr(c, apperrors.Conflict(err.Error()))
		default:
			respondErr(c, apperrors.InternalError("failed to launch agent", err))
		}
		return
	}

	c.JSON(http.StatusCreated, h.instanceToResponse(instance))
}

// StopAgent handles DELETE /agents/:instanceId.
func (h *Handler) StopAgent(c *gin.Context) {
	instanceID := c.Param("instanceId")

	var req StopAgentRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.runtime.StopInstance(c.Request.Context(), instanceID, req.Force); err != nil {
		h.logger.Error("failed to stop agent", zap.String("instance_id", instanceID), zap.Error(err))
		if strings.Contains(err.Error(), "not found") {
			respondErr(c, apperrors.NotFound("agent instance", instanceID))
			return
		}
		respondErr(c, apperrors.InternalError("failed to stop agent", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent stopped successfully"})
}

// GetAgentStatus handles GET /agents/:instanceId/status.
func (h *Handler) GetAgentStatus(c *gin.Context) {
	instanceID := c.Param("instanceId")
	instance, found := h.runtime.GetInstance(instanceID)
	if !found {
		respondErr(c, apperrors.NotFound("agent instance", instanceID))
		return
	}
	c.JSON(http.StatusOK, h.instanceToResponse(instance))
}

// GetAgentLogs handles GET /agents/:instanceId/logs.
func (h *Handler) GetAgentLogs(c *gin.Context) {
	instanceID := c.Param("instanceId")
	if _, found := h.runtime.GetInstance(instanceID); !found {
		respondErr(c, apperrors.NotFound("agent instance", instanceID))
		return
	}

	tail := c.DefaultQuery("tail", "100")
	reader, err := h.runtime.ContainerLogs(c.Request.Context(), instanceID, tail)
	if err != nil {
		respondErr(c, apperrors.InternalError("failed to get agent logs", err))
		return
	}
	defer reader.Close()

	logs := []LogEntry{}
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 8 {
			line = line[8:] // Docker multiplexed stream header
		}
		logs = append(logs, LogEntry{Timestamp: time.Now(), Message: line, Stream: "stdout"})
	}

	c.JSON(http.StatusOK, LogsResponse{Logs: logs, Total: len(logs)})
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	instances := h.runtime.ListInstances()
	agents := make([]AgentInstanceResponse, 0, len(instances))
	for _, instance := range instances {
		agents = append(agents, h.instanceToResponse(instance))
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: agents, Total: len(agents)})
}

// ListAgentTypes handles GET /agents/types.
func (h *Handler) ListAgentTypes(c *gin.Context) {
	configs := h.runtime.ListAgentTypes()
	types := make([]AgentTypeResponse, 0, len(configs))
	for _, cfg := range configs {
		types = append(types, AgentTypeResponse{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Description:  cfg.Description,
			Image:        cfg.Image,
			Capabilities: cfg.Capabilities,
			Enabled:      cfg.Enabled,
		})
	}
	c.JSON(http.StatusOK, AgentTypesListResponse{Types: types, Total: len(types)})
}

// GetAgentType handles GET /agents/types/:typeId.
func (h *Handler) GetAgentType(c *gin.Context) {
	typeID := c.Param("typeId")
	cfg, err := h.runtime.GetAgentType(typeID)
	if err != nil {
		respondErr(c, apperrors.NotFound("agent type", typeID))
		return
	}
	c.JSON(http.StatusOK, AgentTypeResponse{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Description:  cfg.Description,
		Image:        cfg.Image,
		Capabilities: cfg.Capabilities,
		Enabled:      cfg.Enabled,
	})
}

// GetTaskMessages handles GET /agents/tasks/:taskId/messages.
func (h *Handler) GetTaskMessages(c *gin.Context) {
	taskID := c.Param("taskId")
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.runtime.RecentMessages(taskID, limit)})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (h *Handler) instanceToResponse(instance *v1.AgentInstance) AgentInstanceResponse {
	resp := AgentInstanceResponse{
		ID:        instance.ID,
		TaskID:    instance.TaskID,
		AgentType: instance.AgentType,
		Status:    string(instance.Status),
		Progress:  h.runtime.Progress(instance.ID),
		StartedAt: instance.StartedAt,
		StoppedAt: instance.StoppedAt,
		ExitCode:  instance.ExitCode,
	}
	if instance.ContainerID != nil {
		resp.ContainerID = *instance.ContainerID
	}
	if instance.ErrorMessage != nil {
		resp.ErrorMessage = *instance.ErrorMessage
	}
	return resp
}
