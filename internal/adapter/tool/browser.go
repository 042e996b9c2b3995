package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

const (
	maxPageText         = 20000
	maxJSExpressionLen  = 10240
	maxScreenshotBase64 = 200000
)

// blockedJSPatterns may not appear in evaluate expressions.
var blockedJSPatterns = []string{"require(", "process.exit", "child_process", "__proto__", "constructor.constructor"}

// BrowserBackend is one shared browser instance. Every caller opens its own
// page and must close only that page; the backend itself is closed once at
// shutdown by its owner.
type BrowserBackend interface {
	OpenPage(ctx context.Context) (BrowserPage, error)
	Close() error
}

// BrowserPage is a single tab owned by the caller that opened it.
type BrowserPage interface {
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context, selector string) (*PageContent, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Evaluate(ctx context.Context, expression string) (string, error)
	Click(ctx context.Context, selector string) error
	Close() error
}

// PageContent is the readable content of a page.
type PageContent struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

// BrowserTool loads a page in a fresh tab of the shared browser, performs
// one action and closes the tab.
type BrowserTool struct {
	backend BrowserBackend
	logger  *slog.Logger
}

// NewBrowserTool creates the browser tool.
func NewBrowserTool(backend BrowserBackend, logger *slog.Logger) *BrowserTool {
	return &BrowserTool{backend: backend, logger: logger}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Open a URL in a headless browser and read its text, click an element then read, evaluate JavaScript, or take a screenshot."
}

func (t *BrowserTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Page to open"},
				"action": {"type": "string", "enum": ["read", "click", "evaluate", "screenshot"], "description": "What to do once loaded (default read)"},
				"selector": {"type": "string", "description": "CSS selector to scope read, or the element for click"},
				"expression": {"type": "string", "description": "JavaScript for evaluate"},
				"full_page": {"type": "boolean", "description": "Capture the full scrollable page for screenshot"}
			},
			"required": ["url"]
		}`),
	}
}

type browserParams struct {
	URL        string `json:"url"`
	Action     string `json:"action,omitempty"`
	Selector   string `json:"selector,omitempty"`
	Expression string `json:"expression,omitempty"`
	FullPage   bool   `json:"full_page,omitempty"`
}

// Execute implements domain.Tool.
func (t *BrowserTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.browser", t.logger, params,
		func(ctx context.Context, span trace.Span, p browserParams) (any, error) {
			if p.Action == "" {
				p.Action = "read"
			}
			if err := ValidateAll(
				RequireField("url", p.URL),
				ValidateURL("url", p.URL),
				ValidateEnum("action", p.Action, "read", "click", "evaluate", "screenshot"),
			); err != nil {
				return nil, err
			}
			if err := validateBrowserParams(p); err != nil {
				return nil, err
			}
			span.SetAttributes(
				tracer.StringAttr("tool.action", p.Action),
				tracer.StringAttr("tool.url", p.URL),
			)

			page, err := t.backend.OpenPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("open page: %w", err)
			}
			defer func() {
				if cerr := page.Close(); cerr != nil {
					t.logger.Warn("close browser page", "error", cerr)
				}
			}()

			if err := page.Navigate(ctx, p.URL); err != nil {
				return nil, fmt.Errorf("navigate: %w", err)
			}

			switch p.Action {
			case "click":
				if err := page.Click(ctx, p.Selector); err != nil {
					return nil, fmt.Errorf("click %q: %w", p.Selector, err)
				}
				return t.read(ctx, page, "")
			case "evaluate":
				return page.Evaluate(ctx, p.Expression)
			case "screenshot":
				return t.screenshot(ctx, page, p.FullPage)
			default:
				return t.read(ctx, page, p.Selector)
			}
		},
	)
}

func (t *BrowserTool) read(ctx context.Context, page BrowserPage, selector string) (string, error) {
	pc, err := page.Content(ctx, selector)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nURL: %s\n\n", pc.Title, pc.URL)
	sb.WriteString(truncateText(strings.TrimSpace(pc.Text), maxPageText))
	return sb.String(), nil
}

func (t *BrowserTool) screenshot(ctx context.Context, page BrowserPage, fullPage bool) (string, error) {
	data, err := page.Screenshot(ctx, fullPage)
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded) > maxScreenshotBase64 {
		return "", fmt.Errorf("screenshot too large (%d bytes encoded); retry without full_page", len(encoded))
	}
	return "data:image/jpeg;base64," + encoded, nil
}

func validateBrowserParams(p browserParams) error {
	switch p.Action {
	case "click":
		return RequireField("selector", p.Selector)
	case "evaluate":
		if err := RequireField("expression", p.Expression); err != nil {
			return err
		}
		if len(p.Expression) > maxJSExpressionLen {
			return fmt.Errorf("expression exceeds %d bytes", maxJSExpressionLen)
		}
		for _, pat := range blockedJSPatterns {
			if strings.Contains(p.Expression, pat) {
				return fmt.Errorf("expression contains blocked pattern %q", pat)
			}
		}
	}
	return nil
}
