package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

const (
	maxSearchBodySize = 512 * 1024
	searxngLabel      = "api:searxng"
)

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// SearXNGBackend searches through a SearXNG instance's JSON API. Requests
// run under the "api:searxng" breaker and retry policy.
type SearXNGBackend struct {
	client      *http.Client
	instanceURL string
	policy      *resilience.Policy
	logger      *slog.Logger
}

// NewSearXNGBackend creates a SearXNG-backed search backend.
func NewSearXNGBackend(instanceURL string, policy *resilience.Policy, logger *slog.Logger) *SearXNGBackend {
	return &SearXNGBackend{
		client:      &http.Client{Timeout: 15 * time.Second},
		instanceURL: strings.TrimRight(instanceURL, "/"),
		policy:      policy,
		logger:      logger,
	}
}

// Search implements SearchBackend.
func (b *SearXNGBackend) Search(ctx context.Context, query string, count int, timeRange string) ([]SearchResult, error) {
	return resilience.Protect(ctx, b.policy, searxngLabel, func(ctx context.Context) ([]SearchResult, error) {
		return b.search(ctx, query, count, timeRange)
	})
}

func (b *SearXNGBackend) search(ctx context.Context, query string, count int, timeRange string) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.instanceURL+"/search", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("pageno", "1")
	if timeRange != "" {
		q.Set("time_range", timeRange)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng API error %d: %s", resp.StatusCode, truncateText(string(body), 256))
	}

	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]SearchResult, 0, min(count, len(parsed.Results)))
	for _, r := range parsed.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	b.logger.Debug("searxng search completed", "query", query, "results", len(results))
	return results, nil
}
