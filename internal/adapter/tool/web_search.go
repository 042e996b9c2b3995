package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 20
	defaultCacheTTL    = 15 * time.Minute
	maxCacheEntries    = 256
)

// SearchBackend abstracts a web search engine.
type SearchBackend interface {
	Search(ctx context.Context, query string, count int, timeRange string) ([]SearchResult, error)
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string
	URL     string
	Content string
}

type cachedSearch struct {
	text      string
	expiresAt time.Time
}

// WebSearchTool searches the web through a SearchBackend and caches
// formatted results for a TTL.
type WebSearchTool struct {
	backend  SearchBackend
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSearch
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(backend SearchBackend, cacheTTL time.Duration, logger *slog.Logger) *WebSearchTool {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &WebSearchTool{
		backend:  backend,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]cachedSearch),
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return titles, URLs and snippets" }

func (t *WebSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"},
				"count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (default 5)"},
				"time_range": {"type": "string", "enum": ["day", "week", "month", "year"]}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchParams struct {
	Query     string `json:"query"`
	Count     int    `json:"count,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
}

// Execute implements domain.Tool.
func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.web_search", t.logger, params,
		func(ctx context.Context, span trace.Span, p webSearchParams) (any, error) {
			if err := ValidateAll(
				RequireField("query", p.Query),
				ValidateEnum("time_range", p.TimeRange, "day", "week", "month", "year"),
			); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("tool.query", p.Query))

			switch {
			case p.Count <= 0:
				p.Count = defaultSearchCount
			case p.Count > maxSearchCount:
				p.Count = maxSearchCount
			}

			key := fmt.Sprintf("%s|%d|%s", strings.ToLower(strings.TrimSpace(p.Query)), p.Count, p.TimeRange)
			if text, ok := t.cached(key); ok {
				span.SetAttributes(tracer.BoolAttr("tool.cache_hit", true))
				return text, nil
			}

			results, err := t.backend.Search(ctx, p.Query, p.Count, p.TimeRange)
			if err != nil {
				return nil, err
			}
			if len(results) > p.Count {
				results = results[:p.Count]
			}
			text := formatSearchResults(p.Query, results)
			t.store(key, text)

			t.logger.Debug("web search completed", "query", p.Query, "results", len(results))
			return text, nil
		},
	)
}

func formatSearchResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for %q.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   URL: %s\n   %s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (t *WebSearchTool) cached(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[key]
	if !ok {
		return "", false
	}
	if t.now().After(entry.expiresAt) {
		delete(t.cache, key)
		return "", false
	}
	return entry.text, true
}

func (t *WebSearchTool) store(key, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if len(t.cache) >= maxCacheEntries {
		for k, v := range t.cache {
			if now.After(v.expiresAt) {
				delete(t.cache, k)
			}
		}
	}
	t.cache[key] = cachedSearch{text: text, expiresAt: now.Add(t.cacheTTL)}
}
