package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OGODEVO/ex-machina/internal/adapter/bridge"
	"github.com/OGODEVO/ex-machina/internal/adapter/ledger"
	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/infra/logger"
	"github.com/OGODEVO/ex-machina/internal/usecase"
	"github.com/OGODEVO/ex-machina/internal/usecase/eventbus"
	"github.com/OGODEVO/ex-machina/internal/usecase/multiagent"
	"github.com/OGODEVO/ex-machina/internal/usecase/orchestrator"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
	"github.com/OGODEVO/ex-machina/internal/usecase/scheduling"
)

// App is one wired ex-machina process.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Bus         *eventbus.Bus
	Policy      *resilience.Policy
	Bridge      domain.NetworkBridge
	Ledger      *ledger.SQLite // nil when disabled
	Coordinator *orchestrator.Coordinator
	Tools       *ToolComponents
	Agents      *multiagent.Registry
	Router      *multiagent.PrefixRouter
	Broker      *multiagent.Broker
	Scheduler   *scheduling.Scheduler // nil when disabled
	Compactor   *usecase.Compactor    // nil when disabled

	cleanups []func()
}

// buildApp wires every component but starts nothing.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("%w: no agents configured", domain.ErrInvalidInput)
	}
	app := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// 1. Event bus
	app.Bus = eventbus.New(log)
	app.onClose(app.Bus.Close)
	app.onClose(app.Bus.SubscribeAll(eventbus.LogSink(log)))

	// 2. Resilience + LLM endpoints
	app.Policy = initResilience(cfg, app.Bus, log)
	llmComp, err := initLLM(cfg, app.Policy, log)
	if err != nil {
		return nil, err
	}

	// 3. Network bridge
	app.Bridge, err = initBridge(ctx, cfg.Bridge, log)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	app.onClose(func() {
		if err := app.Bridge.Close(); err != nil && !errors.Is(err, domain.ErrBridgeClosed) {
			log.Warn("bridge close failed", "error", err)
		}
	})

	// 4. Coordination ledger
	opts := []orchestrator.Option{orchestrator.WithEventBus(app.Bus)}
	if cfg.Ledger.Enabled {
		app.Ledger, err = ledger.OpenSQLite(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		app.onClose(func() {
			if err := app.Ledger.Close(); err != nil {
				log.Warn("ledger close failed", "error", err)
			}
		})
		opts = append(opts, orchestrator.WithLedger(app.Ledger))
	}

	// 5. Orchestrator
	oc := cfg.Orchestrator
	app.Coordinator = orchestrator.New(app.Bridge, orchestrator.Config{
		PollInterval:  oc.PollInterval,
		AssignTimeout: oc.AssignTimeout,
		TurnTimeout:   oc.TurnTimeout,
		PollLimit:     oc.PollLimit,
	}, log, opts...)

	// 6. Tools
	app.Tools, err = initTools(ctx, cfg, app.Policy, app.Coordinator, log)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	app.onClose(app.Tools.Close)

	// 7. Agents
	app.Agents = multiagent.NewRegistry(defaultAgentID(cfg), log)
	for _, ac := range cfg.Agents {
		provider, err := llmComp.Registry.Get(ac.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		identity := agentIdentity(ac)
		agent := usecase.NewAgent(usecase.AgentDeps{
			Identity:       identity,
			LLM:            provider,
			Tools:          agentTools(app.Tools.Registry, ac),
			Bridge:         app.Bridge,
			ContextBuilder: usecase.NewContextBuilder(identity, cfg.Runtime.HistoryWindow, cfg.Runtime.Temperature),
			Logger:         logger.ForAgent(log, ac.ID),
			Bus:            app.Bus,
			Config: usecase.AgentConfig{
				MaxToolRounds: cfg.Runtime.MaxToolRounds,
				TaskTimeout:   cfg.Runtime.TaskTimeout,
			},
		})
		if err := app.Agents.Register(agent); err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
	}
	app.onClose(app.Agents.Close)
	app.Router = multiagent.NewPrefixRouter(app.Agents, log)
	app.Broker = multiagent.NewBroker(app.Bridge, app.Router, log)

	// 8. Compaction
	if cc := cfg.Runtime.Compaction; cc.Enabled {
		summarizer := summarizerAgent(cfg)
		provider, err := llmComp.Registry.Get(summarizer.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("compaction: %w", err)
		}
		app.Compactor = usecase.NewCompactor(provider, app.Bridge, app.Bus, usecase.CompactorConfig{
			Model:    summarizer.Model,
			MaxInput: cc.MaxInput,
		}, log)
	}

	// 9. Scheduler
	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduling.NewScheduler(app.Bridge, app.Bus, log)
		for _, p := range cfg.Scheduler.Prompts {
			if err := app.Scheduler.AddPrompt(scheduling.ScheduledPrompt{
				Name:     p.Name,
				Schedule: p.Schedule,
				Agent:    p.Agent,
				Thread:   p.Thread,
				Text:     p.Text,
			}); err != nil {
				return nil, fmt.Errorf("scheduler: %w", err)
			}
		}
	}

	return app, nil
}

// Start brings every agent online, then compaction and the scheduler. The
// returned function stops them again.
func (app *App) Start(ctx context.Context) (func(), error) {
	stopAgents, err := app.Agents.StartAll(ctx)
	if err != nil {
		return nil, err
	}
	stops := []func(){stopAgents}

	if app.Compactor != nil {
		stops = append(stops, app.Bridge.SubscribeSystem(app.Compactor.HandleSignal))
	}
	if app.Scheduler != nil {
		if err := app.Scheduler.Start(ctx); err != nil {
			stopAll(stops)
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		stops = append(stops, func() {
			if err := app.Scheduler.Stop(); err != nil {
				app.Logger.Warn("scheduler stop failed", "error", err)
			}
		})
	}

	app.Logger.Info("ex-machina started",
		"bridge", app.Config.Bridge.Type,
		"agents", len(app.Agents.Agents()),
		"tools", len(app.Tools.Registry.Names()),
		"ledger", app.Ledger != nil,
		"compaction", app.Compactor != nil,
		"scheduler", app.Scheduler != nil,
	)
	return func() { stopAll(stops) }, nil
}

// Close releases everything buildApp acquired, newest first.
func (app *App) Close() {
	for i := len(app.cleanups) - 1; i >= 0; i-- {
		app.cleanups[i]()
	}
	app.cleanups = nil
}

func (app *App) onClose(fn func()) { app.cleanups = append(app.cleanups, fn) }

func stopAll(stops []func()) {
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
}

func initBridge(ctx context.Context, bc config.BridgeConfig, log *slog.Logger) (domain.NetworkBridge, error) {
	switch bc.Type {
	case "", "memory":
		return bridge.NewMemory(bridge.MemoryConfig{
			RequestTimeout: bc.RequestTimeout,
			CompactEvery:   bc.CompactEvery,
			KeepTail:       bc.KeepTail,
		}, log), nil
	case "websocket":
		ws, err := bridge.DialWebSocket(ctx, bridge.WebSocketConfig{
			URL:            bc.URL,
			Token:          bc.Token,
			RequestTimeout: bc.RequestTimeout,
			DialTimeout:    bc.DialTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return ws, nil
	default:
		return nil, fmt.Errorf("%w: unknown bridge type %q", domain.ErrInvalidInput, bc.Type)
	}
}

func agentIdentity(ac config.AgentConfig) domain.AgentIdentity {
	perm, _ := domain.ParseShellPermission(ac.ShellPermission)
	return domain.AgentIdentity{
		ID:           ac.ID,
		Name:         ac.Name,
		Capabilities: ac.Capabilities,
		SystemPrompt: ac.SystemPrompt,
		Route: domain.ModelRoute{
			Endpoint:        ac.Endpoint,
			Model:           ac.Model,
			MaxTokens:       ac.MaxTokens,
			ShellPermission: perm,
		},
	}
}

// defaultAgentID is the first orchestrator, else the first agent.
func defaultAgentID(cfg *config.Config) string {
	for _, a := range cfg.Agents {
		if a.Orchestrator {
			return a.ID
		}
	}
	if len(cfg.Agents) > 0 {
		return cfg.Agents[0].ID
	}
	return ""
}

func summarizerAgent(cfg *config.Config) config.AgentConfig {
	id := cfg.Runtime.Compaction.Summarizer
	for _, a := range cfg.Agents {
		if a.ID == id {
			return a
		}
	}
	return cfg.Agents[0]
}
