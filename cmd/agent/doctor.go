package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/OGODEVO/ex-machina/internal/adapter/bridge"
	"github.com/OGODEVO/ex-machina/internal/adapter/ledger"
	"github.com/OGODEVO/ex-machina/internal/adapter/llm"
	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// localEndpointTypes run without an API key.
var localEndpointTypes = map[string]bool{"ollama": true, "vllm": true}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	// Connectivity probes share one breaker registry so the final check can
	// report what they tripped.
	policy := &resilience.Policy{
		Breakers: resilience.NewBreakerRegistry(resilience.BreakerSettings{FailureThreshold: 1}, nil),
	}
	client := &http.Client{Timeout: 10 * time.Second}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agents", Fn: checkAgents},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity(policy, client)},
		{Name: "Bridge", Fn: checkBridge},
		{Name: "Ledger", Fn: checkLedger},
		{Name: "Shell commands", Fn: checkShellCommands},
		{Name: "Chromium", Fn: checkChromium},
		{Name: "SearXNG", Fn: checkSearXNG(client)},
		{Name: "Circuit breakers", Fn: checkBreakers(policy)},
	}

	fmt.Println(styleBold.Render("ex-machina doctor"))
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Printf("  %s %s: %s\n", statusStyleFor(result.Status).Render(statusIcon(result.Status)), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
	}

	pass, warn, fail := summarize(results)
	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure ex-machina runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nex-machina should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! ex-machina is ready to run.")
	}
	return nil
}

func summarize(results []CheckResult) (pass, warn, fail int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func statusStyleFor(s CheckStatus) lipgloss.Style {
	switch s {
	case StatusPass:
		return styleSuccess
	case StatusWarn:
		return styleWarning
	case StatusFail:
		return styleError
	default:
		return styleMuted
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Create config.yaml with at least one provider and one agent",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values reported above",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAgents verifies agents are configured and summarises their routes.
func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no agents configured",
			Fix:     "Add at least one entry under agents: with id, endpoint and model",
		}
	}

	var orchestrators int
	routes := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Orchestrator {
			orchestrators++
		}
		routes = append(routes, fmt.Sprintf("%s→%s/%s", a.ID, a.Endpoint, a.Model))
	}

	if orchestrators == 0 && len(cfg.Agents) > 1 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d agents, none can assign tasks or run debates", len(cfg.Agents)),
			Fix:     "Set orchestrator: true on the agent that should coordinate the others",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: strings.Join(routes, ", "),
	}
}

// checkLLMAPIKey verifies every hosted endpoint has an API key configured.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}

	if len(cfg.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM endpoints configured",
			Fix:     "Add at least one endpoint in config.yaml under providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.Providers {
		switch {
		case p.APIKey != "":
			withKey = append(withKey, p.Name)
		case localEndpointTypes[p.Type]:
			withKey = append(withKey, p.Name+" (local)")
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for endpoints: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set api_key for each hosted endpoint (use 'ex-machina encrypt' for an enc: value)",
		}
	}

	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("API keys configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkLLMConnectivity probes every endpoint's model listing through the
// policy, so failures show up on the endpoint's breaker.
func checkLLMConnectivity(policy *resilience.Policy, client *http.Client) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return notLoaded()
		}
		if len(cfg.Providers) == 0 {
			return CheckResult{Status: StatusWarn, Message: "skipped, no endpoints configured"}
		}

		var reachable, unreachable []string
		for i := range cfg.Providers {
			p := &cfg.Providers[i]
			if p.APIKey == "" && !localEndpointTypes[p.Type] {
				continue
			}
			latency, err := probeEndpoint(policy, client, p)
			if err != nil {
				unreachable = append(unreachable, fmt.Sprintf("%s (%v)", p.Name, err))
				continue
			}
			reachable = append(reachable, fmt.Sprintf("%s %dms", p.Name, latency.Milliseconds()))
		}

		switch {
		case len(reachable) == 0 && len(unreachable) == 0:
			return CheckResult{Status: StatusWarn, Message: "skipped, no endpoint has an API key"}
		case len(unreachable) > 0:
			status := StatusWarn
			if len(reachable) == 0 {
				status = StatusFail
			}
			return CheckResult{
				Status:  status,
				Message: "cannot reach " + strings.Join(unreachable, ", "),
				Fix:     "Check base_url, your network connection and firewall settings",
			}
		default:
			return CheckResult{
				Status:  StatusPass,
				Message: "reachable: " + strings.Join(reachable, ", "),
			}
		}
	}
}

func probeEndpoint(policy *resilience.Policy, client *http.Client, p *config.ProviderConfig) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := resilience.Protect(ctx, policy, llm.BreakerLabel(p.Name), func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerEndpoint(p), nil)
		if err != nil {
			return struct{}{}, err
		}
		if p.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.APIKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return time.Since(start), err
}

// providerEndpoint returns the model listing URL for the given endpoint.
func providerEndpoint(p *config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/") + "/models"
	}
	switch p.Type {
	case "openrouter":
		return "https://openrouter.ai/api/v1/models"
	case "ollama":
		return "http://localhost:11434/v1/models"
	case "vllm":
		return "http://localhost:8000/v1/models"
	default:
		return "https://api.openai.com/v1/models"
	}
}

// checkBridge verifies the messaging transport. A websocket bridge is dialled
// and closed again.
func checkBridge(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	bc := cfg.Bridge
	switch bc.Type {
	case "", "memory":
		msg := "in-process bridge"
		if bc.CompactEvery > 0 {
			msg += fmt.Sprintf(", compaction every %d messages", bc.CompactEvery)
		}
		return CheckResult{Status: StatusPass, Message: msg}
	case "websocket":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ws, err := bridge.DialWebSocket(ctx, bridge.WebSocketConfig{
			URL:         bc.URL,
			Token:       bc.Token,
			DialTimeout: bc.DialTimeout,
		}, nil)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot connect to %s: %v", bc.URL, err),
				Fix:     "Check bridge.url and bridge.token, or use bridge.type: memory",
			}
		}
		_ = ws.Close()
		return CheckResult{Status: StatusPass, Message: "connected to " + bc.URL}
	default:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("unknown bridge type %q", bc.Type),
			Fix:     "Set bridge.type to memory or websocket",
		}
	}
}

// checkLedger opens the SQLite ledger, which also applies its migrations.
func checkLedger(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Ledger.Enabled {
		return CheckResult{Status: StatusPass, Message: "ledger disabled"}
	}

	dir := filepath.Dir(cfg.Ledger.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Fix permissions or change ledger.path",
		}
	}
	l, err := ledger.OpenSQLite(cfg.Ledger.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open ledger: %v", err),
			Fix:     "Remove or repair the database at ledger.path",
		}
	}
	defer l.Close()

	recs, err := l.Recent(context.Background(), 1)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("ledger query failed: %v", err)}
	}
	msg := fmt.Sprintf("ledger ready at %s", cfg.Ledger.Path)
	if len(recs) > 0 {
		msg += fmt.Sprintf(", last run %s", recs[0].StartedAt.Local().Format(time.RFC3339))
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// checkShellCommands verifies allowlisted commands exist on PATH.
func checkShellCommands(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	cmds := append(append([]string(nil), cfg.Tools.AllowedCommands...), cfg.Tools.ReadOnlyCommands...)
	if len(cmds) == 0 {
		return CheckResult{Status: StatusPass, Message: "no commands allowlisted"}
	}

	seen := make(map[string]bool, len(cmds))
	var missing []string
	for _, c := range cmds {
		if seen[c] {
			continue
		}
		seen[c] = true
		if _, err := exec.LookPath(c); err != nil {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("not found on PATH: %s", strings.Join(missing, ", ")),
			Fix:     "Install the commands or remove them from tools.allowed_commands",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d commands available", len(seen))}
}

// checkChromium checks if a Chromium-compatible browser is installed.
func checkChromium(cfg *config.Config) CheckResult {
	if cfg != nil && !cfg.Tools.BrowserEnabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "browser tool disabled, Chromium not required",
		}
	}
	if cfg != nil && cfg.Tools.BrowserCDPURL != "" {
		return CheckResult{
			Status:  StatusPass,
			Message: "using remote browser at " + cfg.Tools.BrowserCDPURL,
		}
	}

	browsers := []string{"chromium", "chromium-browser", "google-chrome"}
	for _, name := range browsers {
		path, err := exec.LookPath(name)
		if err == nil {
			return CheckResult{
				Status:  StatusPass,
				Message: fmt.Sprintf("found %s at %s", name, path),
			}
		}
	}

	status := StatusWarn
	msg := "Chromium not found"
	if cfg != nil && cfg.Tools.BrowserEnabled {
		status = StatusFail
		msg = "Chromium not found but browser tool is enabled"
	}

	return CheckResult{
		Status:  status,
		Message: msg,
		Fix:     "Install Chromium: apt install chromium (or set tools.browser_enabled: false)",
	}
}

// checkSearXNG checks if SearXNG is running for web search.
func checkSearXNG(client *http.Client) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return CheckResult{
				Status:  StatusWarn,
				Message: "cannot check, config not loaded",
			}
		}

		if !cfg.Tools.SearchEnabled {
			return CheckResult{
				Status:  StatusPass,
				Message: "web search disabled, SearXNG not required",
			}
		}

		url := cfg.Tools.SearXNGURL
		if url == "" {
			url = "http://localhost:8888"
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("invalid SearXNG URL: %v", err),
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("SearXNG not reachable at %s: %v", url, err),
				Fix:     "Start SearXNG: docker compose up -d searxng (or update tools.searxng_url)",
			}
		}
		resp.Body.Close()

		if resp.StatusCode >= 400 {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("SearXNG responded with status %d at %s", resp.StatusCode, url),
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("SearXNG reachable at %s", url),
		}
	}
}

// checkBreakers reports the breakers the earlier probes went through.
func checkBreakers(policy *resilience.Policy) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		snap := policy.Breakers.Snapshot()
		if len(snap) == 0 {
			return CheckResult{Status: StatusPass, Message: "no remote calls made"}
		}

		var open []string
		for _, b := range snap {
			if b.State != "closed" {
				open = append(open, fmt.Sprintf("%s %s (retry in %s)", b.Label, b.State, b.Remaining.Round(time.Second)))
			}
		}
		if len(open) > 0 {
			return CheckResult{
				Status:  StatusWarn,
				Message: strings.Join(open, ", "),
				Fix:     "The endpoints above failed their probe; fix them before starting agents",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d breakers closed", len(snap))}
	}
}
