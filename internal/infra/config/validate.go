package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRuntime(cfg, ve)
	validateProviders(cfg, ve)
	validateAgents(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateResilience(cfg, ve)
	validateBridge(cfg, ve)
	validateTools(cfg, ve)
	validateMCP(cfg, ve)
	validateScheduler(cfg, ve)
	validateLedger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRuntime(cfg *Config, ve *ValidationError) {
	if cfg.Runtime.MaxToolRounds <= 0 {
		ve.Add("runtime.max_tool_rounds must be > 0")
	}
	if cfg.Runtime.HistoryWindow < 0 {
		ve.Add("runtime.history_window must be >= 0")
	}
	if cfg.Runtime.TaskTimeout <= 0 {
		ve.Add("runtime.task_timeout must be > 0")
	}
	if c := cfg.Runtime.Compaction; c.Enabled && c.MaxInput <= 0 {
		ve.Add("runtime.compaction.max_input must be > 0 when compaction is enabled")
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
	"vllm":       true,
}

func validateProviders(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.Name == "" {
			ve.Add("providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			ve.Add("providers[%d] (%s): unsupported type %q", i, p.Name, p.Type)
		}
		if p.BaseURL != "" {
			if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
				ve.Add("providers[%d] (%s): invalid base_url: %v", i, p.Name, err)
			}
		}
	}
}

var validShellPermissions = map[string]bool{
	"":           true,
	"none":       true,
	"restricted": true,
	"standard":   true,
	"full":       true,
}

func validateAgents(cfg *Config, ve *ValidationError) {
	providers := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = true
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if strings.ContainsAny(a.ID, ": ") {
			ve.Add("agents[%d].id %q must not contain ':' or spaces", i, a.ID)
		}
		if seen[a.ID] {
			ve.Add("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			ve.Add("agents[%d] (%s): endpoint must not be empty", i, a.ID)
		} else if !providers[a.Endpoint] {
			ve.Add("agents[%d] (%s): endpoint %q is not a configured provider", i, a.ID, a.Endpoint)
		}
		if a.Model == "" {
			ve.Add("agents[%d] (%s): model must not be empty", i, a.ID)
		}
		if a.MaxTokens < 0 {
			ve.Add("agents[%d] (%s): max_tokens must be >= 0", i, a.ID)
		}
		if !validShellPermissions[strings.ToLower(a.ShellPermission)] {
			ve.Add("agents[%d] (%s): invalid shell_permission %q", i, a.ID, a.ShellPermission)
		}
	}

	if s := cfg.Runtime.Compaction.Summarizer; s != "" && !seen[s] {
		ve.Add("runtime.compaction.summarizer %q is not a configured agent", s)
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.PollInterval <= 0 {
		ve.Add("orchestrator.poll_interval must be > 0")
	}
	if o.AssignTimeout < o.PollInterval {
		ve.Add("orchestrator.assign_timeout must be >= poll_interval")
	}
	if o.TurnTimeout < o.PollInterval {
		ve.Add("orchestrator.turn_timeout must be >= poll_interval")
	}
	if o.PollLimit <= 0 {
		ve.Add("orchestrator.poll_limit must be > 0")
	}
	// A worker's task must be able to outlive the wait for its own result.
	if t := cfg.Runtime.TaskTimeout; t > 0 && t <= o.AssignTimeout {
		ve.Add("runtime.task_timeout (%v) must be > orchestrator.assign_timeout (%v)", t, o.AssignTimeout)
	}
	if t := cfg.Runtime.TaskTimeout; t > 0 && t <= o.TurnTimeout {
		ve.Add("runtime.task_timeout (%v) must be > orchestrator.turn_timeout (%v)", t, o.TurnTimeout)
	}
}

func validateResilience(cfg *Config, ve *ValidationError) {
	r := cfg.Resilience.Retry
	if r.MaxRetries < 0 {
		ve.Add("resilience.retry.max_retries must be >= 0")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		ve.Add("resilience.retry delays must be >= 0")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		ve.Add("resilience.retry.base_delay must be <= max_delay")
	}
	b := cfg.Resilience.Breaker
	if b.Enabled {
		if b.FailureThreshold == 0 {
			ve.Add("resilience.breaker.failure_threshold must be > 0")
		}
		if b.Cooldown <= 0 {
			ve.Add("resilience.breaker.cooldown must be > 0")
		}
	}
}

func validateBridge(cfg *Config, ve *ValidationError) {
	b := cfg.Bridge
	switch b.Type {
	case "memory":
		if b.CompactEvery < 0 || b.KeepTail < 0 {
			ve.Add("bridge.compact_every and bridge.keep_tail must be >= 0")
		}
	case "websocket":
		u, err := url.Parse(b.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			ve.Add("bridge.url must be a ws:// or wss:// URL when type is websocket")
		}
	default:
		ve.Add("bridge.type %q is invalid (want memory or websocket)", b.Type)
	}
	if b.RequestTimeout <= 0 {
		ve.Add("bridge.request_timeout must be > 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.ShellTimeout <= 0 {
		ve.Add("tools.shell_timeout must be > 0")
	}
	allowed := make(map[string]bool, len(t.AllowedCommands))
	for _, c := range t.AllowedCommands {
		allowed[c] = true
	}
	for _, c := range t.ReadOnlyCommands {
		if !allowed[c] {
			ve.Add("tools.read_only_commands: %q is not in allowed_commands", c)
		}
	}
	if t.SearchEnabled && t.SearXNGURL == "" {
		ve.Add("tools.searxng_url is required when search is enabled")
	}
	if t.SportsEnabled {
		if t.SportsBaseURL == "" {
			ve.Add("tools.sports_base_url is required when sports is enabled")
		}
		if t.SportsRatePerMin <= 0 {
			ve.Add("tools.sports_rate_per_min must be > 0")
		}
	}
}

func validateMCP(cfg *Config, ve *ValidationError) {
	for i, s := range cfg.MCPServers {
		if s.Name == "" {
			ve.Add("mcp_servers[%d].name must not be empty", i)
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		case "http":
			if s.URL == "" {
				ve.Add("mcp_servers[%d] (%s): url is required for http transport", i, s.Name)
			}
		default:
			ve.Add("mcp_servers[%d] (%s): transport %q is invalid", i, s.Name, s.Transport)
		}
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = true
	}
	for i, p := range cfg.Scheduler.Prompts {
		if p.Name == "" {
			ve.Add("scheduler.prompts[%d].name must not be empty", i)
		}
		if !agents[p.Agent] {
			ve.Add("scheduler.prompts[%d] (%s): agent %q is not configured", i, p.Name, p.Agent)
		}
		if strings.TrimSpace(p.Text) == "" {
			ve.Add("scheduler.prompts[%d] (%s): text must not be empty", i, p.Name)
		}
		if !validSchedule(p.Schedule) {
			ve.Add("scheduler.prompts[%d] (%s): invalid schedule %q", i, p.Name, p.Schedule)
		}
	}
}

func validSchedule(s string) bool {
	if s == "" {
		return false
	}
	if _, err := scheduleParser.Parse(s); err == nil {
		return true
	}
	_, err := cron.ParseStandard("@every " + s)
	return err == nil
}

func validateLedger(cfg *Config, ve *ValidationError) {
	if cfg.Ledger.Enabled && cfg.Ledger.Path == "" {
		ve.Add("ledger.path is required when the ledger is enabled")
	}
}
