package registry

// DefaultAgents returns the orchestrator's built-in agent type catalog.
func DefaultAgents() []*AgentTypeConfig {
	return []*AgentTypeConfig{
		{
			ID:          "augment-agent",
			Name:        "Augment Coding Agent",
			Description: "Auggie CLI-powered autonomous coding agent. Requires AUGMENT_SESSION_AUTH for authentication.",
			Image:       "kandev/augment-agent",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"AUGMENT_SESSION_AUTH"},
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
				{Source: "{augment_sessions}", Target: "/root/.augment/sessions", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Capabilities: []string{"code_generation", "code_review", "refactoring", "testing", "shell_execution"},
			Enabled:      true,
		},
		{
			ID:          "shell-worker",
			Name:        "Generic Shell Worker",
			Description: "ACP-speaking generic task worker that executes arbitrary shell-based work items inside a sandboxed workspace.",
			Image:       "orchestra/shell-worker",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       1024,
				CPUCores:       1.0,
				TimeoutSeconds: 900,
			},
			Capabilities: []string{"shell_execution"},
			Enabled:      true,
		},
	}
}

