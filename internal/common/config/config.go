// Package config loads the orchestrator's configuration via viper,
// layering defaults, an optional config file, and environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kdlbs/orchestra/internal/common/logger"
)

// ServerConfig configures the primary HTTP server (REST, /ws, health and
// metrics) and the reserved RPC port, which is validated but not bound.
type ServerConfig struct {
	PortPrimary  int           `mapstructure:"portPrimary"`
	PortRPC      int           `mapstructure:"portRPC"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// QueueConfig configures the orchestrator's bounded queues.
type QueueConfig struct {
	AdmissionQueueSize int `mapstructure:"admissionQueueSize"`
	AgentInboxSize     int `mapstructure:"agentInboxSize"`
	GatewaySendBuffer  int `mapstructure:"gatewaySendBuffer"`
}

// TimeoutConfig configures task timeouts and sweep cadence.
type TimeoutConfig struct {
	TaskTimeoutDefault   time.Duration `mapstructure:"taskTimeoutDefault"`
	TimeoutSweepInterval time.Duration `mapstructure:"timeoutSweepInterval"`
}

// HealthConfig configures the Agent Manager's two-tier health checking.
type HealthConfig struct {
	AgentInactiveThreshold time.Duration `mapstructure:"agentInactiveThreshold"`
	AgentDeadThreshold     time.Duration `mapstructure:"agentDeadThreshold"`
	InboxCheckInterval     time.Duration `mapstructure:"inboxCheckInterval"`
	GlobalCheckInterval    time.Duration `mapstructure:"globalCheckInterval"`
}

// EventsConfig selects and configures the EventBus implementation.
type EventsConfig struct {
	Backend      string `mapstructure:"backend"` // "memory" or "nats"
	NATSURL      string `mapstructure:"natsUrl"`
	SubscriberBuf int   `mapstructure:"subscriberBuffer"`
}

// PersistenceConfig selects and configures the pluggable Store.
type PersistenceConfig struct {
	Driver string `mapstructure:"driver"` // "memory", "sqlite", "postgres"
	DSN    string `mapstructure:"dsn"`
}

// AgentRuntimeConfig configures the optional local containerized agent
// runtime (internal/agentruntime).
type AgentRuntimeConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DockerHost string `mapstructure:"dockerHost"`
}

// DockerConfig configures the Docker SDK client the agent runtime uses
// to launch and supervise local agent containers.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// TracingConfig configures OpenTelemetry trace export for the HTTP
// admission path. When Enabled is false, requests are still wrapped in
// spans (for otelhttp's route/status metrics) but no exporter is
// started and spans are discarded at the provider.
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint"`
	ServiceName    string `mapstructure:"serviceName"`
}

// Config aggregates the orchestrator's full configuration surface.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Queues      QueueConfig        `mapstructure:"queues"`
	Timeouts    TimeoutConfig      `mapstructure:"timeouts"`
	Health      HealthConfig       `mapstructure:"health"`
	Events      EventsConfig       `mapstructure:"events"`
	Persistence PersistenceConfig  `mapstructure:"persistence"`
	AgentRuntime AgentRuntimeConfig `mapstructure:"agentRuntime"`
	Docker      DockerConfig       `mapstructure:"docker"`
	Tracing     TracingConfig      `mapstructure:"tracing"`
	Logging     logger.Config      `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.portPrimary", 8080)
	v.SetDefault("server.portRPC", 9090)
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)

	v.SetDefault("queues.admissionQueueSize", 1000)
	v.SetDefault("queues.agentInboxSize", 100)
	v.SetDefault("queues.gatewaySendBuffer", 256)

	v.SetDefault("timeouts.taskTimeoutDefault", 30*time.Second)
	v.SetDefault("timeouts.timeoutSweepInterval", 30*time.Second)

	v.SetDefault("health.agentInactiveThreshold", 2*time.Minute)
	v.SetDefault("health.agentDeadThreshold", 5*time.Minute)
	v.SetDefault("health.inboxCheckInterval", 30*time.Second)
	v.SetDefault("health.globalCheckInterval", 60*time.Second)

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.natsUrl", "nats://localhost:4222")
	v.SetDefault("events.subscriberBuffer", 256)

	v.SetDefault("persistence.driver", "memory")
	v.SetDefault("persistence.dsn", "")

	v.SetDefault("agentRuntime.enabled", false)
	v.SetDefault("agentRuntime.dockerHost", "unix:///var/run/docker.sock")

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "orchestra")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration from (in ascending priority) defaults, an
// optional "orchestra.yaml"/"orchestra.json" found on the search path,
// and ORCHESTRA_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but additionally searches configPath
// for the config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("orchestra")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestra")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.PortPrimary <= 0 || cfg.Server.PortPrimary > 65535 {
		return fmt.Errorf("server.portPrimary out of range: %d", cfg.Server.PortPrimary)
	}
	if cfg.Server.PortRPC <= 0 || cfg.Server.PortRPC > 65535 {
		return fmt.Errorf("server.portRPC out of range: %d", cfg.Server.PortRPC)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("logging.level invalid: %s", cfg.Logging.Level)
	}
	switch cfg.Events.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("events.backend invalid: %s", cfg.Events.Backend)
	}
	switch cfg.Persistence.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("persistence.driver invalid: %s", cfg.Persistence.Driver)
	}
	return nil
}
