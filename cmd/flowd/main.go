package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/engine"
	"github.com/llmctl/llmctl/cmd/flowd/instruction"
	"github.com/llmctl/llmctl/cmd/flowd/provider"
	"github.com/llmctl/llmctl/cmd/flowd/runtime"
	"github.com/llmctl/llmctl/cmd/flowd/scheduler"
	"github.com/llmctl/llmctl/cmd/flowd/skills"
	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/bootstrap"
	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/dispatch"
	"github.com/llmctl/llmctl/common/realtime"
	"github.com/llmctl/llmctl/common/repository"
	"github.com/llmctl/llmctl/common/runcontrol"
	"github.com/llmctl/llmctl/common/secrets"
	"github.com/llmctl/llmctl/common/settings"
	"github.com/llmctl/llmctl/common/telemetry"
)

// prunePeriod is how often the kubernetes job janitor sweeps finished jobs.
const prunePeriod = 5 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "flowd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("flowd starting")

	// Initialize dependencies
	deps, err := initializeDependencies(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	// Create the engine and its background components
	engineComponents := createEngineComponents(deps, components)

	// Start all components
	errChan := startComponents(ctx, engineComponents, deps, components)

	components.Logger.Info("flowd started successfully",
		"workers", components.Config.Engine.WorkerCount,
		"provider", deps.runtimeSettings.Provider,
		"scheduler_enabled", components.Config.Scheduler.Enabled)

	// Wait for shutdown signal or error
	waitForShutdown(ctx, cancel, errChan, components)

	components.Logger.Info("flowd shutting down gracefully")
}

// dependencies holds the external dependencies the engine is wired from.
type dependencies struct {
	runtimeSettings *settings.RuntimeSettings
	router          *provider.Router
	kubeExecutor    *provider.KubernetesExecutor
	ragClient       *clients.RAGClient
	runnerClient    *clients.RunnerClient
}

// engineComponents holds the engine and its long-running companions.
type engineComponents struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
}

// initializeDependencies loads runtime settings and builds the provider
// layer and service clients.
func initializeDependencies(ctx context.Context, components *bootstrap.Components) (*dependencies, error) {
	cfg := components.Config

	// Secret settings need the box; without a key the loader still serves
	// plaintext settings.
	var box *secrets.Box
	if cfg.Secrets.EncryptionKey != "" {
		b, err := secrets.NewBox(cfg.Secrets.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to open settings secret box: %w", err)
		}
		box = b
	}

	loader := settings.NewLoader(repository.NewIntegrationRepository(components.DB), box)
	rs, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime settings: %w", err)
	}
	components.Logger.Info("runtime settings loaded",
		"provider", rs.Provider,
		"workspace_fallback", rs.WorkspaceFallbackEnabled)

	workspace := provider.NewWorkspaceExecutor(dispatch.Default, components.Logger)

	// Kubernetes is optional at startup. The router reports dispatch failure
	// for an absent provider, and workspace fallback covers the gap when
	// settings enable it.
	var kubeProvider provider.Provider
	var kubeExecutor *provider.KubernetesExecutor
	clientset, err := provider.NewClientset(rs.Kubernetes)
	if err != nil {
		components.Logger.Warn("kubernetes provider unavailable", "error", err)
	} else {
		kubeExecutor = provider.NewKubernetesExecutor(clientset, rs.Kubernetes, dispatch.Default, components.Logger)
		kubeProvider = kubeExecutor
	}

	router := provider.NewRouter(workspace, kubeProvider, rs, components.Logger)

	return &dependencies{
		runtimeSettings: rs,
		router:          router,
		kubeExecutor:    kubeExecutor,
		ragClient:       clients.NewRAGClient(cfg.Clients.RAGBaseURL, components.Logger),
		runnerClient:    clients.NewRunnerClient(cfg.Clients.RunnerBaseURL, cfg.Clients.RunnerTimeout, components.Logger),
	}, nil
}

// createEngineComponents assembles the node handler registry, the engine,
// and the index scheduler.
func createEngineComponents(deps *dependencies, components *bootstrap.Components) *engineComponents {
	cfg := components.Config
	log := components.Logger

	agents := repository.NewAgentRepository(components.DB)
	memories := repository.NewMemoryRepository(components.DB)
	milestones := repository.NewMilestoneRepository(components.DB)
	plans := repository.NewPlanRepository(components.DB)

	invoker := tooling.NewInvoker(dispatch.Default, log)
	instructions := instruction.NewMaterializer(log)
	resolver := skills.NewResolver(agents, log)
	skillTrees := skills.NewMaterializer(deps.runtimeSettings.AllowSkillAdapterFallback, log)

	// The flowchart handler calls back into the engine for child runs, and
	// the engine owns the registry the handler lives in. The late binding
	// below closes that loop once both exist.
	children := &childRunner{}

	registry := runtime.NewRegistry(
		runtime.NewStartHandler(),
		runtime.NewEndHandler(),
		runtime.NewTaskHandler(agents, instructions, resolver, skillTrees, deps.router, deps.runnerClient,
			deps.runtimeSettings, cfg.Engine.WorkspaceRoot, cfg.Engine.RuntimeHomeRoot, log),
		runtime.NewDecisionHandler(invoker, log),
		runtime.NewMemoryHandler(invoker, memories, deps.runnerClient, deps.runtimeSettings.WorkspaceIdentityKey, log),
		runtime.NewMilestoneHandler(invoker, milestones, log),
		runtime.NewPlanHandler(invoker, plans, log),
		runtime.NewRAGHandler(deps.ragClient, log),
		runtime.NewFlowchartHandler(children, log),
	)

	emitter := realtime.NewEmitter(components.Redis, realtime.NewSequencer(),
		cfg.Realtime.RoomChannelPrefix, cfg.Realtime.BroadcastChannel, log)

	var metrics *telemetry.Metrics
	if components.Telemetry != nil {
		metrics = components.Telemetry.Metrics()
	}

	eng := engine.New(engine.Deps{
		Store:     engine.NewStore(components.DB),
		Registry:  registry,
		Emitter:   emitter,
		Publisher: components.Queue,
		Canceller: deps.router,
		Selection: deps.router,
		Cache:     components.Cache,
		Config:    &cfg.Engine,
		Metrics:   metrics,
		RunStream: cfg.Queue.RunStream,
		Log:       log,
	})
	children.eng = eng

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(repository.NewRAGSourceRepository(components.DB), deps.ragClient,
			cfg.Scheduler.PollInterval, log)
	}

	return &engineComponents{engine: eng, scheduler: sched}
}

// startComponents launches the run workers, the control subscriber, the
// index scheduler, and the kubernetes job janitor.
func startComponents(ctx context.Context, ec *engineComponents, deps *dependencies, components *bootstrap.Components) chan error {
	cfg := components.Config
	errChan := make(chan error, cfg.Engine.WorkerCount+3)

	// Run workers. Each subscription loop claims messages from the shared
	// consumer group, so runs spread across workers while one run stays on
	// one goroutine.
	for i := 0; i < cfg.Engine.WorkerCount; i++ {
		worker := i
		go func() {
			components.Logger.Info("starting run worker", "worker", worker)
			err := components.Queue.Subscribe(ctx, cfg.Queue.RunStream, ec.engine.HandleRunRequest)
			if err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("run worker %d error: %w", worker, err)
			}
		}()
	}

	// Control notices. Cancellation must reach whichever worker process
	// holds the run's in-flight dispatch, so every flowd instance listens.
	go func() {
		components.Logger.Info("starting control subscriber", "channel", runcontrol.ControlChannel)
		sub := components.Redis.Subscribe(ctx, runcontrol.ControlChannel)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if ctx.Err() == nil {
						errChan <- fmt.Errorf("control subscription closed")
					}
					return
				}
				ec.engine.HandleControlNotice(ctx, msg.Payload)
			}
		}
	}()

	if ec.scheduler != nil {
		go func() {
			components.Logger.Info("starting index scheduler", "poll_interval", cfg.Scheduler.PollInterval)
			ec.scheduler.Run(ctx)
		}()
	}

	if deps.kubeExecutor != nil {
		go func() {
			components.Logger.Info("starting kubernetes job janitor", "period", prunePeriod)
			ticker := time.NewTicker(prunePeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pruned, err := deps.kubeExecutor.PruneFinishedJobs(ctx, time.Now().UTC())
					if err != nil {
						components.Logger.Warn("job prune pass failed", "error", err)
					} else if pruned > 0 {
						components.Logger.Info("pruned finished jobs", "count", pruned)
					}
				}
			}
		}()
	}

	return errChan
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}

// childRunner forwards sub-flowchart execution to the engine. It exists so
// the flowchart handler can be registered before the engine is constructed.
type childRunner struct {
	eng *engine.Engine
}

func (c *childRunner) RunChild(ctx context.Context, flowchartID, parentRunID uuid.UUID, input map[string]any) (*runtime.ChildRunResult, error) {
	return c.eng.RunChild(ctx, flowchartID, parentRunID, input)
}
