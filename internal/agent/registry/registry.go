// Package registry holds the catalog of locally-launchable agent
// container types: the Docker image, mounts, resource limits, and
// capabilities the orchestrator advertises for each type.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/common/logger"
)

// MountTemplate describes one bind mount a launched container gets.
// Source may contain the {workspace}, {task_id}, and {augment_sessions}
// template variables, expanded at launch time.
type MountTemplate struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourceLimits bounds a launched container's CPU and memory.
type ResourceLimits struct {
	MemoryMB       int64
	CPUCores       float64
	TimeoutSeconds int
}

// AgentTypeConfig is one entry of the catalog: everything needed to
// launch a container for this agent type.
type AgentTypeConfig struct {
	ID             string
	Name           string
	Description    string
	Image          string
	Tag            string
	Cmd            []string
	WorkingDir     string
	Env            map[string]string
	RequiredEnv    []string
	Mounts         []MountTemplate
	ResourceLimits ResourceLimits
	Capabilities   []string
	Enabled        bool
}

// Registry is the in-memory catalog of agent types.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*AgentTypeConfig
	logger *logger.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*AgentTypeConfig),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// LoadDefaults seeds the registry with DefaultAgents.
func (r *Registry) LoadDefaults() {
	for _, cfg := range DefaultAgents() {
		r.Add(cfg)
	}
}

// Add registers or replaces an agent type config.
func (r *Registry) Add(cfg *AgentTypeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cfg.ID] = cfg
	r.logger.Info("registered agent type", zap.String("agent_type", cfg.ID), zap.String("image", cfg.Image))
}

// Get returns the config for typeID, or an error if unregistered.
func (r *Registry) Get(typeID string) (*AgentTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byID[typeID]
	if !ok {
		return nil, fmt.Errorf("agent type %q not found", typeID)
	}
	return cfg, nil
}

// List returns every registered agent type config.
func (r *Registry) List() []*AgentTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentTypeConfig, 0, len(r.byID))
	for _, cfg := range r.byID {
		out = append(out, cfg)
	}
	return out
}
