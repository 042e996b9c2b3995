package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/OGODEVO/ex-machina/internal/adapter/tool"
	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

// orchestrationTools are only handed to agents marked orchestrator.
var orchestrationTools = map[string]bool{
	"assign_tasks":      true,
	"facilitate_debate": true,
}

// ToolComponents holds the shared tool registry and what must be closed
// with it.
type ToolComponents struct {
	Registry *tool.Registry
	closers  []func()
}

// Close releases the browser and MCP sessions.
func (tc *ToolComponents) Close() {
	for i := len(tc.closers) - 1; i >= 0; i-- {
		tc.closers[i]()
	}
}

// initTools registers every enabled tool once. Agents get filtered views
// through agentTools.
func initTools(ctx context.Context, cfg *config.Config, policy *resilience.Policy, coord tool.Coordinator, log *slog.Logger) (*ToolComponents, error) {
	tc := &ToolComponents{Registry: tool.NewRegistry(log)}
	register := func(t domain.Tool) error {
		if err := tc.Registry.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name(), err)
		}
		return nil
	}

	// 1. Shell, gated per agent.
	perms := make(map[string]domain.ShellPermission, len(cfg.Agents))
	for _, a := range cfg.Agents {
		p, err := domain.ParseShellPermission(a.ShellPermission)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		perms[a.ID] = p
	}
	shell := tool.NewShellTool(tool.NewLocalShellBackend(cfg.Tools.ShellTimeout), tool.ShellConfig{
		AllowedCommands:  cfg.Tools.AllowedCommands,
		ReadOnlyCommands: cfg.Tools.ReadOnlyCommands,
		WorkDir:          cfg.Tools.ShellWorkDir,
		Permissions:      perms,
	}, log)
	if err := register(shell); err != nil {
		return nil, err
	}

	// 2. Peer messaging.
	if err := register(tool.NewListAgentsTool(log)); err != nil {
		return nil, err
	}
	if err := register(tool.NewAskAgentTool(log)); err != nil {
		return nil, err
	}

	// 3. Coordination.
	if err := register(tool.NewAssignTasksTool(coord, log)); err != nil {
		return nil, err
	}
	if err := register(tool.NewDebateTool(coord, log)); err != nil {
		return nil, err
	}

	// 4. Optional web tools.
	if cfg.Tools.SearchEnabled {
		backend := tool.NewSearXNGBackend(cfg.Tools.SearXNGURL, policy, log)
		if err := register(tool.NewWebSearchTool(backend, cfg.Tools.SearchCacheTTL, log)); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.BrowserEnabled {
		browser := tool.NewChromeDPBrowser(tool.ChromeDPConfig{
			RemoteURL: cfg.Tools.BrowserCDPURL,
			Headless:  cfg.Tools.BrowserHeadless,
			Timeout:   cfg.Tools.BrowserTimeout,
		}, log)
		tc.closers = append(tc.closers, func() {
			if err := browser.Close(); err != nil {
				log.Warn("browser close failed", "error", err)
			}
		})
		if err := register(tool.NewBrowserTool(browser, log)); err != nil {
			tc.Close()
			return nil, err
		}
	}
	if cfg.Tools.SportsEnabled {
		sports := tool.NewSportsTool(tool.SportsConfig{
			BaseURL:    cfg.Tools.SportsBaseURL,
			APIKey:     cfg.Tools.SportsAPIKey,
			RatePerMin: cfg.Tools.SportsRatePerMin,
			Timeout:    cfg.Tools.SportsTimeout,
		}, policy, log)
		if err := register(sports); err != nil {
			tc.Close()
			return nil, err
		}
	}

	// 5. MCP servers.
	if len(cfg.MCPServers) > 0 {
		mcp, err := tool.NewMCPBridge(ctx, cfg.MCPServers, policy, log)
		if err != nil {
			tc.Close()
			return nil, fmt.Errorf("mcp: %w", err)
		}
		tc.closers = append(tc.closers, mcp.Close)
		for _, t := range mcp.Tools() {
			if err := register(t); err != nil {
				tc.Close()
				return nil, err
			}
		}
	}

	log.Info("tools registered", "tools", strings.Join(tc.Registry.Names(), ","))
	return tc, nil
}

// agentTools returns the tool view for one agent. An empty tool list means
// every registered tool; coordination tools are kept only for orchestrators.
func agentTools(reg *tool.Registry, a config.AgentConfig) *tool.Registry {
	names := a.Tools
	if len(names) == 0 {
		names = reg.Names()
	}
	keep := make([]string, 0, len(names))
	for _, n := range names {
		if orchestrationTools[n] && !a.Orchestrator {
			continue
		}
		keep = append(keep, n)
	}
	if len(keep) == 0 {
		// Subset treats an empty list as "everything".
		return tool.NewRegistry(nil)
	}
	return reg.Subset(keep)
}
