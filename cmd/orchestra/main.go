// Command orchestra runs the task orchestration engine: the
// Coordinator, Agent Manager, Scheduler, Workflow Engine, and the REST
// and WebSocket surfaces in front of them, plus an optional local
// containerized agent runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	agentapi "github.com/kdlbs/orchestra/internal/agent/api"
	"github.com/kdlbs/orchestra/internal/agent/registry"
	"github.com/kdlbs/orchestra/internal/agentmanager"
	"github.com/kdlbs/orchestra/internal/agentruntime"
	"github.com/kdlbs/orchestra/internal/api"
	"github.com/kdlbs/orchestra/internal/common/config"
	"github.com/kdlbs/orchestra/internal/common/logger"
	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/gateway/ws"
	"github.com/kdlbs/orchestra/internal/metrics"
	orchapi "github.com/kdlbs/orchestra/internal/orchestrator/api"
	"github.com/kdlbs/orchestra/internal/orchestrator/coordinator"
	"github.com/kdlbs/orchestra/internal/persistence"
	"github.com/kdlbs/orchestra/internal/persistence/pgstore"
	"github.com/kdlbs/orchestra/internal/persistence/sqlitestore"
	"github.com/kdlbs/orchestra/internal/scheduler"
	"github.com/kdlbs/orchestra/internal/tracing"
	"github.com/kdlbs/orchestra/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestra")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := newEventBus(cfg.Events, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer bus.Close()

	store, err := newStore(ctx, cfg.Persistence)
	if err != nil {
		log.Fatal("failed to initialize persistence store", zap.Error(err))
	}
	defer store.Close()

	tracerProvider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	tracing.Install(tracerProvider)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("tracer provider shutdown error", zap.Error(err))
		}
	}()

	coord := coordinator.New(coordinator.Config{
		AdmissionQueueSize: cfg.Queues.AdmissionQueueSize,
		TaskTimeoutDefault: cfg.Timeouts.TaskTimeoutDefault,
		SweepInterval:      cfg.Timeouts.TimeoutSweepInterval,
	}, bus, log)

	agentMgr := agentmanager.New(agentmanager.Config{
		InboxSize:              cfg.Queues.AgentInboxSize,
		AgentInactiveThreshold: cfg.Health.AgentInactiveThreshold,
		AgentDeadThreshold:     cfg.Health.AgentDeadThreshold,
		InboxCheckInterval:     cfg.Health.InboxCheckInterval,
		GlobalCheckInterval:    cfg.Health.GlobalCheckInterval,
	}, coord, log)
	coord.SetDispatcher(agentMgr)

	gateway := ws.NewGateway(coord, agentMgr, log)
	agentMgr.SetTransport(gateway.Hub)

	sched := scheduler.New(scheduler.Config{ConcurrencyPolicy: "skip"}, coord, bus, log)
	wfEngine := workflow.New(coord, bus, log)
	sched.SetWorkflowExecutor(wfEngine)
	gateway.Hub.SetWorkflowExecutor(wfEngine)

	meterProvider, reader := metrics.NewProvider()
	m, err := metrics.New(meterProvider.Meter("orchestra"), coord, agentMgr, log)
	if err != nil {
		log.Fatal("failed to initialize metrics", zap.Error(err))
	}
	if err := m.Subscribe(bus); err != nil {
		log.Fatal("failed to subscribe metrics to event bus", zap.Error(err))
	}
	defer m.Close()

	var agentRuntime *agentruntime.Runtime
	if cfg.AgentRuntime.Enabled {
		reg := registry.NewRegistry(log)
		reg.LoadDefaults()

		gatewayURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.PortPrimary)
		dockerCfg := cfg.Docker
		if cfg.AgentRuntime.DockerHost != "" {
			dockerCfg.Host = cfg.AgentRuntime.DockerHost
		}

		agentRuntime, err = agentruntime.New(dockerCfg, reg, bus, gatewayURL, log)
		if err != nil {
			log.Fatal("failed to initialize local agent runtime", zap.Error(err))
		}
		if err := agentRuntime.Start(ctx); err != nil {
			log.Fatal("failed to start local agent runtime", zap.Error(err))
		}
		log.Info("local agent runtime enabled", zap.Int("agent_types", len(reg.List())))
	}

	coord.Start(ctx)
	agentMgr.Start(ctx)
	sched.Start(ctx)
	if err := wfEngine.Start(ctx); err != nil {
		log.Fatal("failed to start workflow engine", zap.Error(err))
	}
	go gateway.Hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(orchapi.Recovery(log), orchapi.RequestLogger(log), orchapi.ErrorHandler(log), orchapi.CORS())

	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, coord, sched, wfEngine, log)
	if agentRuntime != nil {
		agentapi.SetupRoutes(apiGroup.Group("/runtime"), agentRuntime, log)
	}
	gateway.SetupRoutes(router)

	metrics.SetupRoutes(router, reader)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.PortPrimary),
		Handler:      otelhttp.NewHandler(router, "orchestra-http"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.PortPrimary))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestra")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	sched.Stop()
	wfEngine.Stop()
	agentMgr.Stop()
	if agentRuntime != nil {
		if err := agentRuntime.Stop(); err != nil {
			log.Error("agent runtime stop error", zap.Error(err))
		}
	}

	log.Info("orchestra stopped")
}

func newEventBus(cfg config.EventsConfig, log *logger.Logger) (events.Bus, error) {
	switch cfg.Backend {
	case "nats":
		return events.NewNATSBus(cfg.NATSURL, "orchestra", log)
	default:
		return events.NewMemoryBus(cfg.SubscriberBuf, log), nil
	}
}

func newStore(ctx context.Context, cfg config.PersistenceConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlitestore.New(cfg.DSN)
	case "postgres":
		return pgstore.New(ctx, cfg.DSN)
	default:
		return persistence.NewMemoryStore(), nil
	}
}
