package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeDPConfig configures the shared chromedp browser.
type ChromeDPConfig struct {
	// RemoteURL is a CDP websocket endpoint. Empty launches a local Chrome.
	RemoteURL string
	Headless  bool
	// Timeout bounds each page action.
	Timeout time.Duration
}

// ChromeDPBrowser is the process-wide browser. It starts lazily on the
// first OpenPage and stays up until Close.
type ChromeDPBrowser struct {
	cfg    ChromeDPConfig
	logger *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeDPBrowser creates the shared browser without starting it.
func NewChromeDPBrowser(cfg ChromeDPConfig, logger *slog.Logger) *ChromeDPBrowser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ChromeDPBrowser{cfg: cfg, logger: logger}
}

func (b *ChromeDPBrowser) start() error {
	if b.browserCtx != nil {
		return nil
	}

	var allocCtx context.Context
	if b.cfg.RemoteURL != "" {
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.cfg.RemoteURL)
		b.logger.Info("chromedp connecting to remote browser", "url", b.cfg.RemoteURL)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", b.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(1280, 720),
		)
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		b.logger.Info("chromedp launching local browser", "headless", b.cfg.Headless)
	}

	// The first Run binds the browser to browserCtx, which must not carry a
	// deadline or the browser dies with it.
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			b.allocCancel()
			return fmt.Errorf("start browser: %w", err)
		}
	case <-time.After(b.cfg.Timeout):
		browserCancel()
		b.allocCancel()
		return fmt.Errorf("start browser: timed out after %v", b.cfg.Timeout)
	}
	b.browserCtx, b.browserCancel = browserCtx, browserCancel
	return nil
}

// OpenPage implements BrowserBackend. Each page is a new tab whose
// lifetime belongs to the caller.
func (b *ChromeDPBrowser) OpenPage(ctx context.Context) (BrowserPage, error) {
	b.mu.Lock()
	if err := b.start(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	parent := b.browserCtx
	b.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromedpPage{ctx: tabCtx, cancel: cancel, timeout: b.cfg.Timeout}, nil
}

// Close shuts the shared browser down.
func (b *ChromeDPBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
	return nil
}

type chromedpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	once    sync.Once
}

// run executes actions on the tab, bounded by the page timeout and by the
// caller's ctx.
func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body"))
}

const pageTextJS = `(function(sel) {
  var root = sel ? document.querySelector(sel) : document.body;
  return JSON.stringify({title: document.title, url: location.href, text: root ? root.innerText : ""});
})(%q)`

func (p *chromedpPage) Content(ctx context.Context, selector string) (*PageContent, error) {
	var raw string
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(pageTextJS, selector), &raw)); err != nil {
		return nil, err
	}
	var pc PageContent
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		pc.Text = raw
	}
	return &pc, nil
}

func (p *chromedpPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 60)
	} else {
		action = chromedp.ActionFunc(func(actx context.Context) error {
			data, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(60).
				Do(actx)
			buf = data
			return err
		})
	}
	if err := p.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromedpPage) Evaluate(ctx context.Context, expression string) (string, error) {
	var result any
	if err := p.run(ctx, chromedp.Evaluate(expression, &result)); err != nil {
		return "", err
	}
	switch v := result.(type) {
	case nil:
		return "undefined", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(data), nil
	}
}

func (p *chromedpPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Close closes this tab only.
func (p *chromedpPage) Close() error {
	p.once.Do(p.cancel)
	return nil
}

var _ BrowserBackend = (*ChromeDPBrowser)(nil)
