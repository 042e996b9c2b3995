package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

type fakeSearch struct {
	calls   int
	results []SearchResult
	err     error
	last    struct {
		query     string
		count     int
		timeRange string
	}
}

func (f *fakeSearch) Search(_ context.Context, query string, count int, timeRange string) ([]SearchResult, error) {
	f.calls++
	f.last.query, f.last.count, f.last.timeRange = query, count, timeRange
	return f.results, f.err
}

func TestWebSearchFormatsAndCaches(t *testing.T) {
	backend := &fakeSearch{results: []SearchResult{
		{Title: "Go", URL: "https://go.dev", Content: "The Go language"},
		{Title: "Tour", URL: "https://go.dev/tour", Content: "A tour of Go"},
	}}
	tool := NewWebSearchTool(backend, time.Minute, nopLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tool.now = func() time.Time { return now }

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "golang"}`))
	if err != nil || res.IsError {
		t.Fatalf("Execute: %v %+v", err, res)
	}
	for _, want := range []string{`Search results for "golang"`, "1. Go", "URL: https://go.dev/tour", "A tour of Go"} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("content missing %q:\n%s", want, res.Content)
		}
	}
	if backend.last.count != defaultSearchCount {
		t.Errorf("count = %d", backend.last.count)
	}

	// Case and surrounding space do not defeat the cache.
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "  GoLang "}`)); err != nil {
		t.Fatal(err)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1 (cached)", backend.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "golang"}`)); err != nil {
		t.Fatal(err)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2 after expiry", backend.calls)
	}
}

func TestWebSearchParams(t *testing.T) {
	backend := &fakeSearch{}
	tool := NewWebSearchTool(backend, 0, nopLogger())

	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"query": "x", "count": 500, "time_range": "week"}`))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if backend.last.count != maxSearchCount || backend.last.timeRange != "week" {
		t.Errorf("backend got %+v", backend.last)
	}
	if res.Content != `No search results found for "x".` {
		t.Errorf("content = %q", res.Content)
	}

	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"query": "x", "time_range": "decade"}`))
	if !res.IsError {
		t.Error("invalid time_range accepted")
	}
	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"query": ""}`))
	if !res.IsError {
		t.Error("empty query accepted")
	}
}

func TestWebSearchBackendError(t *testing.T) {
	backend := &fakeSearch{err: errors.New("searxng API error 503: down")}
	tool := NewWebSearchTool(backend, time.Minute, nopLogger())

	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"query": "x"}`))
	if !res.IsError || !res.IsRetryable {
		t.Errorf("want retryable error, got %+v", res)
	}
	// Failures are not cached.
	tool.Execute(context.Background(), json.RawMessage(`{"query": "x"}`))
	if backend.calls != 2 {
		t.Errorf("calls = %d", backend.calls)
	}
}

func TestSearXNGBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "go breakers" || q.Get("format") != "json" || q.Get("time_range") != "day" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"title": "one", "url": "https://1.example", "content": "first"},
			{"title": "two", "url": "https://2.example", "content": "second"},
			{"title": "three", "url": "https://3.example", "content": "third"}
		]}`))
	}))
	defer server.Close()

	b := NewSearXNGBackend(server.URL+"/", fastPolicy(0, 5), nopLogger())
	results, err := b.Search(context.Background(), "go breakers", 2, "day")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[1].Title != "two" || results[0].URL != "https://1.example" {
		t.Errorf("results = %+v", results)
	}
}

func TestSearXNGBackendBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	policy := fastPolicy(5, 3)
	b := NewSearXNGBackend(server.URL, policy, nopLogger())

	_, err := b.Search(context.Background(), "x", 5, "")
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("got %v, want circuit open", err)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
	if state := policy.Breakers.Get("api:searxng").State(); state != "open" {
		t.Errorf("breaker state = %s", state)
	}

	// Another label is unaffected.
	if state := policy.Breakers.Get("api:sports").State(); state != "closed" {
		t.Errorf("unrelated breaker state = %s", state)
	}
}

func TestSearXNGBackendClientError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer server.Close()

	b := NewSearXNGBackend(server.URL, fastPolicy(3, 10), nopLogger())
	_, err := b.Search(context.Background(), "x", 5, "")
	if err == nil || !strings.Contains(err.Error(), "searxng API error 400") {
		t.Fatalf("got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("4xx must not be retried, hits = %d", hits.Load())
	}
}
