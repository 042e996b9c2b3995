package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

const (
	sportsLabel       = "api:sports"
	maxSportsBody     = 1 << 20
	maxSportsResponse = 12000
)

// SportsConfig configures the sports data tool.
type SportsConfig struct {
	BaseURL    string
	APIKey     string
	RatePerMin int
	Timeout    time.Duration
}

// sportsEndpoints maps a tool action to the data API path.
var sportsEndpoints = map[string]string{
	"scores":    "/scores",
	"standings": "/standings",
	"schedule":  "/schedule",
	"team":      "/teams",
}

// SportsTool looks up scores, standings, schedules and team details from a
// sports data HTTP API. Calls are rate limited and run under the
// "api:sports" breaker and retry policy.
type SportsTool struct {
	client  *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	policy  *resilience.Policy
	logger  *slog.Logger
}

// NewSportsTool creates the sports tool.
func NewSportsTool(cfg SportsConfig, policy *resilience.Policy, logger *slog.Logger) *SportsTool {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SportsTool{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 1),
		policy:  policy,
		logger:  logger,
	}
}

func (t *SportsTool) Name() string { return "sports" }
func (t *SportsTool) Description() string {
	return "Look up live sports data: scores, standings, schedule or team details for a league."
}

func (t *SportsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["scores", "standings", "schedule", "team"]},
				"league": {"type": "string", "description": "League code, e.g. nba, epl, nfl"},
				"team": {"type": "string", "description": "Team name or id (required for team)"},
				"date": {"type": "string", "description": "YYYY-MM-DD for scores and schedule"}
			},
			"required": ["action", "league"]
		}`),
	}
}

type sportsParams struct {
	Action string `json:"action"`
	League string `json:"league"`
	Team   string `json:"team,omitempty"`
	Date   string `json:"date,omitempty"`
}

// Execute implements domain.Tool.
func (t *SportsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.sports", t.logger, params,
		func(ctx context.Context, span trace.Span, p sportsParams) (any, error) {
			path, ok := sportsEndpoints[p.Action]
			if !ok {
				return nil, BadAction(p.Action, "schedule", "scores", "standings", "team")
			}
			if err := RequireField("league", p.League); err != nil {
				return nil, err
			}
			if p.Action == "team" {
				if err := RequireField("team", p.Team); err != nil {
					return nil, err
				}
			}
			if p.Date != "" {
				if _, err := time.Parse(time.DateOnly, p.Date); err != nil {
					return nil, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
				}
			}
			span.SetAttributes(
				tracer.StringAttr("tool.action", p.Action),
				tracer.StringAttr("tool.league", p.League),
			)

			query := url.Values{"league": {strings.ToLower(p.League)}}
			if p.Team != "" {
				query.Set("team", p.Team)
			}
			if p.Date != "" {
				query.Set("date", p.Date)
			}

			body, err := resilience.Protect(ctx, t.policy, sportsLabel, func(ctx context.Context) ([]byte, error) {
				return t.get(ctx, path, query)
			})
			if err != nil {
				return nil, err
			}
			return formatSportsBody(body), nil
		},
	)
}

func (t *SportsTool) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sports request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSportsBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: sports API error %d", domain.ErrRateLimit, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sports API error %d: %s", resp.StatusCode, truncateText(string(body), 256))
	}
	return body, nil
}

// formatSportsBody pretty-prints JSON bodies and truncates long ones.
func formatSportsBody(body []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return truncateText(string(body), maxSportsResponse)
	}
	return truncateText(buf.String(), maxSportsResponse)
}
