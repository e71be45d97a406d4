// Package lifecycle launches and supervises the containerized agent
// processes backing the orchestrator's local agent runtime: Docker
// container creation, ACP session bootstrap over the container's
// stdin/stdout, and periodic reconciliation of exited containers.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/agent/credentials"
	"github.com/kdlbs/orchestra/internal/agent/docker"
	"github.com/kdlbs/orchestra/internal/agent/registry"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// LaunchRequest contains parameters for launching an agent container.
type LaunchRequest struct {
	TaskID        string
	AgentType     string
	WorkspacePath string // host path bind-mounted into the container
	Env           map[string]string
	Metadata      map[string]interface{}
}

// ACPManager is the subset of acp.SessionManager the lifecycle manager
// drives to bootstrap a session against a freshly-launched container.
type ACPManager interface {
	CreateSession(ctx context.Context, instanceID, taskID string, stdin io.WriteCloser, stdout io.Reader) error
	Initialize(ctx context.Context, instanceID string) error
	NewSession(ctx context.Context, instanceID string) (string, error)
	LoadSession(ctx context.Context, instanceID, sessionID string) error
	Prompt(ctx context.Context, instanceID, message string) error
	Cancel(ctx context.Context, instanceID, reason string) error
	CloseSession(instanceID string) error
	GetSessionID(instanceID string) (string, bool)
}

// Manager tracks and supervises agent container instances.
type Manager struct {
	docker    *docker.Client
	registry  *registry.Registry
	bus       events.Bus
	acpMgr    ACPManager
	credProvs []credentials.Provider
	logger    *logger.Logger

	instances   map[string]*v1.AgentInstance // by instance ID
	progress    map[string]int
	byTask      map[string]string // taskID -> instanceID
	byContainer map[string]string // containerID -> instanceID
	mu          sync.RWMutex

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewManager constructs a lifecycle Manager.
func NewManager(dockerClient *docker.Client, reg *registry.Registry, bus events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		docker:          dockerClient,
		registry:        reg,
		bus:             bus,
		logger:          log.WithFields(zap.String("component", "lifecycle-manager")),
		instances:       make(map[string]*v1.AgentInstance),
		progress:        make(map[string]int),
		byTask:          make(map[string]string),
		byContainer:     make(map[string]string),
		cleanupInterval: 30 * time.Second,
		stopCh:          make(chan struct{}),
	}
}

// SetACPManager wires the ACP session manager used during Launch.
func (m *Manager) SetACPManager(acpMgr ACPManager) {
	m.acpMgr = acpMgr
}

// SetCredentialProviders wires the sources consulted to fill an agent
// type's RequiredEnv when the launch request doesn't supply it directly.
// Providers are tried in order; the first match wins.
func (m *Manager) SetCredentialProviders(provs ...credentials.Provider) {
	m.credProvs = provs
}

// resolveRequiredEnv fills req.Env with any of agentConfig.RequiredEnv
// not already present, consulting the wired credential providers.
func (m *Manager) resolveRequiredEnv(ctx context.Context, req *LaunchRequest, agentConfig *registry.AgentTypeConfig) error {
	for _, key := range agentConfig.RequiredEnv {
		if _, ok := req.Env[key]; ok {
			continue
		}
		resolved := false
		for _, prov := range m.credProvs {
			cred, err := prov.GetCredential(ctx, key)
			if err != nil {
				continue
			}
			if req.Env == nil {
				req.Env = make(map[string]string)
			}
			req.Env[key] = cred.Value
			resolved = true
			break
		}
		if !resolved {
			return fmt.Errorf("missing required credential %q for agent type %q", key, agentConfig.ID)
		}
	}
	return nil
}

// Start begins the background container-reconciliation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting lifecycle manager")
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
	return nil
}

// Stop halts the reconciliation loop and waits for it to exit.
func (m *Manager) Stop() error {
	m.logger.Info("stopping lifecycle manager")
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

// Launch creates, starts, and attaches an ACP session to a new agent
// container for req.
func (m *Manager) Launch(ctx context.Context, req *LaunchRequest) (*v1.AgentInstance, error) {
	m.logger.Info("launching agent", zap.String("task_id", req.TaskID), zap.String("agent_type", req.AgentType))

	agentConfig, err := m.registry.Get(req.AgentType)
	if err != nil {
		return nil, fmt.Errorf("agent type not found: %w", err)
	}
	if !agentConfig.Enabled {
		return nil, fmt.Errorf("agent type %q is disabled", req.AgentType)
	}

	m.mu.RLock()
	if existingID, exists := m.byTask[req.TaskID]; exists {
		m.mu.RUnlock()
		return nil, fmt.Errorf("task %q already has an agent running (instance: %s)", req.TaskID, existingID)
	}
	m.mu.RUnlock()

	if err := m.resolveRequiredEnv(ctx, req, agentConfig); err != nil {
		return nil, err
	}

	instanceID := uuid.New().String()
	containerConfig := m.buildContainerConfig(instanceID, req, agentConfig)

	containerID, err := m.docker.CreateContainerInteractive(ctx, containerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		_ = m.docker.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	now := time.Now()
	instance := &v1.AgentInstance{
		ID:          instanceID,
		TaskID:      req.TaskID,
		AgentType:   req.AgentType,
		ContainerID: &containerID,
		Status:      v1.AgentStatusRunning,
		ImageName:   containerConfig.Image,
		StartedAt:   &now,
		CreatedAt:   now,
		UpdatedAt:   now,
		ResourceLimits: v1.ResourceLimits{
			MemoryLimit: fmt.Sprintf("%dMi", agentConfig.ResourceLimits.MemoryMB),
			CPULimit:    fmt.Sprintf("%.2f", agentConfig.ResourceLimits.CPUCores),
		},
	}

	m.mu.Lock()
	m.instances[instanceID] = instance
	m.byTask[req.TaskID] = instanceID
	m.byContainer[containerID] = instanceID
	m.mu.Unlock()

	m.publishEvent(ctx, events.EventAgentInstanceStarted, instance)
	m.bootstrapACPSession(instanceID, containerID, req)

	m.logger.Info("agent launched successfully",
		zap.String("instance_id", instanceID),
		zap.String("container_id", containerID),
		zap.String("task_id", req.TaskID))

	return instance, nil
}

// bootstrapACPSession attaches to the container and performs the ACP
// initialize/new-or-load-session/prompt handshake. Failures here are
// logged, not returned: the container is already running and tracked,
// and an operator can retry the handshake via Prompt directly.
func (m *Manager) bootstrapACPSession(instanceID, containerID string, req *LaunchRequest) {
	if m.acpMgr == nil {
		return
	}

	attachResult, err := m.docker.AttachContainer(context.Background(), containerID)
	if err != nil {
		m.logger.Warn("failed to attach to container for ACP", zap.String("container_id", containerID), zap.Error(err))
		return
	}
	if err := m.acpMgr.CreateSession(context.Background(), instanceID, req.TaskID, attachResult.Stdin, attachResult.Stdout); err != nil {
		m.logger.Warn("failed to create ACP session", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	if err := m.acpMgr.Initialize(context.Background(), instanceID); err != nil {
		m.logger.Warn("failed to initialize ACP session", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}

	var sessionID string
	if existingSessionID, ok := req.Metadata["acp_session_id"].(string); ok && existingSessionID != "" {
		if err := m.acpMgr.LoadSession(context.Background(), instanceID, existingSessionID); err != nil {
			m.logger.Warn("failed to load existing ACP session, creating new one",
				zap.String("instance_id", instanceID), zap.String("existing_session_id", existingSessionID), zap.Error(err))
			sessionID, _ = m.acpMgr.NewSession(context.Background(), instanceID)
		} else {
			sessionID = existingSessionID
		}
	} else {
		sessionID, _ = m.acpMgr.NewSession(context.Background(), instanceID)
	}
	m.logger.Info("ACP session ready", zap.String("instance_id", instanceID), zap.String("session_id", sessionID))

	if taskDesc, ok := req.Env["TASK_DESCRIPTION"]; ok && taskDesc != "" {
		if err := m.acpMgr.Prompt(context.Background(), instanceID, taskDesc); err != nil {
			m.logger.Warn("failed to send initial prompt", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
}

// buildContainerConfig builds a Docker container config from registry config.
func (m *Manager) buildContainerConfig(instanceID string, req *LaunchRequest, agentConfig *registry.AgentTypeConfig) docker.ContainerConfig {
	imageName := agentConfig.Image
	if agentConfig.Tag != "" {
		imageName = fmt.Sprintf("%s:%s", agentConfig.Image, agentConfig.Tag)
	}

	mounts := make([]docker.MountConfig, 0, len(agentConfig.Mounts))
	for _, mt := range agentConfig.Mounts {
		mounts = append(mounts, docker.MountConfig{
			Source:   m.expandMountTemplate(mt.Source, req.WorkspacePath, req.TaskID),
			Target:   mt.Target,
			ReadOnly: mt.ReadOnly,
		})
	}

	env := make([]string, 0, len(agentConfig.Env)+len(req.Env)+2)
	for k, v := range agentConfig.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("ORCHESTRA_TASK_ID=%s", req.TaskID),
		fmt.Sprintf("ORCHESTRA_INSTANCE_ID=%s", instanceID),
	)
	if sessionID, ok := req.Metadata["acp_session_id"].(string); ok && sessionID != "" {
		env = append(env, fmt.Sprintf("ORCHESTRA_ACP_SESSION_ID=%s", sessionID))
	}

	memoryBytes := agentConfig.ResourceLimits.MemoryMB * 1024 * 1024
	cpuQuota := int64(agentConfig.ResourceLimits.CPUCores * 100000)

	return docker.ContainerConfig{
		Name:       fmt.Sprintf("orchestra-agent-%s", instanceID[:8]),
		Image:      imageName,
		Cmd:        agentConfig.Cmd,
		Env:        env,
		WorkingDir: agentConfig.WorkingDir,
		Mounts:     mounts,
		Memory:     memoryBytes,
		CPUQuota:   cpuQuota,
		Labels: map[string]string{
			"orchestra.managed":     "true",
			"orchestra.instance_id": instanceID,
			"orchestra.task_id":     req.TaskID,
			"orchestra.agent_type":  req.AgentType,
		},
		AutoRemove: false,
	}
}

// expandMountTemplate expands {workspace}, {task_id}, and
// {augment_sessions} in a mount source path.
func (m *Manager) expandMountTemplate(source, workspacePath, taskID string) string {
	result := strings.ReplaceAll(source, "{workspace}", workspacePath)
	result = strings.ReplaceAll(result, "{task_id}", taskID)

	if strings.Contains(result, "{augment_sessions}") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "/tmp"
		}
		sessionsDir := filepath.Join(homeDir, ".augment", "sessions")
		_ = os.MkdirAll(sessionsDir, 0o755)
		result = strings.ReplaceAll(result, "{augment_sessions}", sessionsDir)
	}
	return result
}

// StopAgent stops the container backing instanceID, forcibly (SIGKILL)
// or gracefully.
func (m *Manager) StopAgent(ctx context.Context, instanceID string, force bool) error {
	m.mu.RLock()
	instance, exists := m.instances[instanceID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("instance %q not found", instanceID)
	}

	m.logger.Info("stopping agent", zap.String("instance_id", instanceID), zap.Bool("force", force))

	containerID := ""
	if instance.ContainerID != nil {
		containerID = *instance.ContainerID
	}
	var err error
	if force {
		err = m.docker.KillContainer(ctx, containerID, "SIGKILL")
	} else {
		err = m.docker.StopContainer(ctx, containerID, 30*time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if m.acpMgr != nil {
		_ = m.acpMgr.CloseSession(instanceID)
	}

	m.mu.Lock()
	instance.Status = v1.AgentStatusStopped
	now := time.Now()
	instance.StoppedAt = &now
	instance.UpdatedAt = now
	m.mu.Unlock()

	m.publishEvent(ctx, events.EventAgentInstanceStopped, instance)
	return nil
}

// StopByTaskID stops the agent container launched for taskID.
func (m *Manager) StopByTaskID(ctx context.Context, taskID string, force bool) error {
	m.mu.RLock()
	instanceID, exists := m.byTask[taskID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no agent running for task %q", taskID)
	}
	return m.StopAgent(ctx, instanceID, force)
}

// GetInstance returns an agent instance by ID.
func (m *Manager) GetInstance(instanceID string) (*v1.AgentInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, exists := m.instances[instanceID]
	return instance, exists
}

// GetInstanceByTaskID returns the agent instance launched for taskID.
func (m *Manager) GetInstanceByTaskID(taskID string) (*v1.AgentInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instanceID, exists := m.byTask[taskID]
	if !exists {
		return nil, false
	}
	instance, exists := m.instances[instanceID]
	return instance, exists
}

// GetInstanceByContainerID returns the agent instance for containerID.
func (m *Manager) GetInstanceByContainerID(containerID string) (*v1.AgentInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instanceID, exists := m.byContainer[containerID]
	if !exists {
		return nil, false
	}
	instance, exists := m.instances[instanceID]
	return instance, exists
}

// ListInstances returns every tracked agent instance.
func (m *Manager) ListInstances() []*v1.AgentInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*v1.AgentInstance, 0, len(m.instances))
	for _, instance := range m.instances {
		result = append(result, instance)
	}
	return result
}

// UpdateStatus sets the status of a tracked instance.
func (m *Manager) UpdateStatus(instanceID string, status v1.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, exists := m.instances[instanceID]
	if !exists {
		return fmt.Errorf("instance %q not found", instanceID)
	}
	instance.Status = status
	instance.UpdatedAt = time.Now()
	m.logger.Debug("updated instance status", zap.String("instance_id", instanceID), zap.String("status", string(status)))
	return nil
}

// UpdateProgress records an instance's completion percentage, reported
// by ACP session_update notifications.
func (m *Manager) UpdateProgress(instanceID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[instanceID]; !exists {
		return fmt.Errorf("instance %q not found", instanceID)
	}
	m.progress[instanceID] = progress
	m.logger.Debug("updated instance progress", zap.String("instance_id", instanceID), zap.Int("progress", progress))
	return nil
}

// Progress returns the last reported completion percentage for an
// instance, or 0 if none has been reported.
func (m *Manager) Progress(instanceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress[instanceID]
}

// MarkCompleted records a container's terminal exit code and publishes
// the corresponding completion or failure event.
func (m *Manager) MarkCompleted(instanceID string, exitCode int, errorMessage string) error {
	m.mu.Lock()
	instance, exists := m.instances[instanceID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("instance %q not found", instanceID)
	}

	now := time.Now()
	instance.StoppedAt = &now
	instance.UpdatedAt = now
	instance.ExitCode = &exitCode
	if errorMessage != "" {
		instance.ErrorMessage = &errorMessage
	}
	if exitCode == 0 && errorMessage == "" {
		instance.Status = v1.AgentStatusCompleted
		m.progress[instanceID] = 100
	} else {
		instance.Status = v1.AgentStatusFailed
	}
	m.mu.Unlock()

	m.logger.Info("instance completed", zap.String("instance_id", instanceID), zap.Int("exit_code", exitCode), zap.String("status", string(instance.Status)))

	eventType := events.EventAgentInstanceCompleted
	if instance.Status == v1.AgentStatusFailed {
		eventType = events.EventAgentInstanceFailed
	}
	m.publishEvent(context.Background(), eventType, instance)
	return nil
}

// RemoveInstance drops a completed instance from tracking.
func (m *Manager) RemoveInstance(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, exists := m.instances[instanceID]
	if !exists {
		return
	}
	delete(m.instances, instanceID)
	delete(m.progress, instanceID)
	delete(m.byTask, instance.TaskID)
	if instance.ContainerID != nil {
		delete(m.byContainer, *instance.ContainerID)
	}
	m.logger.Debug("removed instance from tracking", zap.String("instance_id", instanceID))
}

// publishEvent emits an agent-instance lifecycle event on the bus.
func (m *Manager) publishEvent(ctx context.Context, eventType string, instance *v1.AgentInstance) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"instance_id": instance.ID,
		"task_id":     instance.TaskID,
		"agent_type":  instance.AgentType,
		"status":      string(instance.Status),
	}
	if instance.ContainerID != nil {
		data["container_id"] = *instance.ContainerID
	}
	if instance.StartedAt != nil {
		data["started_at"] = *instance.StartedAt
	}
	if instance.StoppedAt != nil {
		data["stopped_at"] = *instance.StoppedAt
	}
	if instance.ExitCode != nil {
		data["exit_code"] = *instance.ExitCode
	}
	if instance.ErrorMessage != nil {
		data["error_message"] = *instance.ErrorMessage
	}

	event := events.NewEvent(uuid.New().String(), eventType, "agent-runtime", data)
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Error("failed to publish event", zap.String("event_type", eventType), zap.String("instance_id", instance.ID), zap.Error(err))
	}
}

// cleanupLoop periodically reconciles exited containers.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("cleanup loop stopped (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			m.performCleanup(ctx)
		}
	}
}

// performCleanup marks tracked instances completed when their
// container has exited, and removes the container.
func (m *Manager) performCleanup(ctx context.Context) {
	m.logger.Debug("running cleanup check")

	containers, err := m.docker.ListContainers(ctx, map[string]string{"orchestra.managed": "true"})
	if err != nil {
		m.logger.Error("failed to list containers for cleanup", zap.Error(err))
		return
	}

	for _, container := range containers {
		if container.State != "exited" {
			continue
		}
		m.mu.RLock()
		instanceID, tracked := m.byContainer[container.ID]
		m.mu.RUnlock()
		if !tracked {
			continue
		}

		info, err := m.docker.GetContainerInfo(ctx, container.ID)
		if err != nil {
			m.logger.Warn("failed to get container info during cleanup", zap.String("container_id", container.ID), zap.Error(err))
			continue
		}

		errorMsg := ""
		if info.ExitCode != 0 {
			errorMsg = fmt.Sprintf("container exited with code %d", info.ExitCode)
		}
		_ = m.MarkCompleted(instanceID, info.ExitCode, errorMsg)

		if err := m.docker.RemoveContainer(ctx, container.ID, false); err != nil {
			m.logger.Warn("failed to remove container during cleanup", zap.String("container_id", container.ID), zap.Error(err))
		}
		m.RemoveInstance(instanceID)
	}
}
