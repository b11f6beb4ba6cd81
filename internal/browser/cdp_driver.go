package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/config"
)

// indexAttribute tags interactive elements so later actions can address them.
const indexAttribute = "data-bg-index"

const indexElementsJS = `(function(limit) {
	const attr = '%[1]s';
	const query = 'a[href], button, input:not([type=hidden]), select, textarea, [role=button], [role=link], [onclick], [contenteditable=true]';
	document.querySelectorAll('[' + attr + ']').forEach(el => el.removeAttribute(attr));
	const out = [];
	for (const el of document.querySelectorAll(query)) {
		if (out.length >= limit) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		const style = window.getComputedStyle(el);
		if (style.visibility === 'hidden' || style.display === 'none') continue;
		const index = out.length + 1;
		el.setAttribute(attr, String(index));
		const label = el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('placeholder') || '';
		out.push({
			index: index,
			tag: el.tagName.toLowerCase(),
			text: label.trim().replace(/\s+/g, ' ').slice(0, 120),
			selector: '[' + attr + '="' + index + '"]',
		});
	}
	return out;
})(%[2]d)`

const visibleTextJS = `document.body ? document.body.innerText : ''`

// CDPDriver drives a local Chrome instance over the DevTools protocol.
type CDPDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

var _ Driver = (*CDPDriver)(nil)

// NewCDPDriver creates a driver. The browser is launched by Start.
func NewCDPDriver(cfg config.BrowserConfig, logger *zap.Logger) *CDPDriver {
	return &CDPDriver{cfg: cfg, logger: logger.Named("cdp")}
}

// allocatorOptions merges the defaults with the configured flags.
func (d *CDPDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if d.cfg.ViewportWidth > 0 && d.cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(d.cfg.ViewportWidth, d.cfg.ViewportHeight))
	}
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	for _, arg := range d.cfg.Args {
		name, value := parseFlag(arg)
		if name != "" {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	return opts
}

// parseFlag turns "--name=value" or "--name" into a chromedp flag pair.
func parseFlag(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	name, value, found := strings.Cut(arg, "=")
	if !found {
		return name, true
	}
	return name, value
}

// Start launches the browser and opens the first tab.
func (d *CDPDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx != nil {
		return nil
	}

	// The browser outlives the start context, so it hangs off a detached one.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), d.allocatorOptions()...)
	sugar := d.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	var tasks chromedp.Tasks
	if d.cfg.Persona.Enabled {
		tasks = PersonaFromConfig(d.cfg.Persona).Apply(d.logger)
	}

	startCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(startCtx, tasks...); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	d.allocCancel = allocCancel
	d.tabCtx = tabCtx
	d.tabCancel = tabCancel
	d.logger.Info("Browser started.", zap.Bool("headless", d.cfg.Headless))
	return nil
}

// run executes actions bound to the tab and to the caller's context.
func (d *CDPDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	tabCtx := d.tabCtx
	d.mu.Unlock()
	if tabCtx == nil {
		return ErrNotStarted
	}
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	if d.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.NavigationTimeout)
		defer cancel()
	}
	if err := d.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *CDPDriver) Location(ctx context.Context) (string, string, error) {
	var url, title string
	if err := d.run(ctx, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
		return "", "", err
	}
	return url, title, nil
}

func (d *CDPDriver) Tabs(ctx context.Context) ([]schemas.Tab, error) {
	d.mu.Lock()
	tabCtx := d.tabCtx
	d.mu.Unlock()
	if tabCtx == nil {
		return nil, ErrNotStarted
	}
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()

	targets, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	tabs := make([]schemas.Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		tabs = append(tabs, schemas.Tab{ID: string(t.TargetID), URL: t.URL, Title: t.Title})
	}
	return tabs, nil
}

func (d *CDPDriver) Elements(ctx context.Context, limit int) ([]schemas.Element, error) {
	var elements []schemas.Element
	script := fmt.Sprintf(indexElementsJS, indexAttribute, limit)
	if err := d.run(ctx, chromedp.Evaluate(script, &elements)); err != nil {
		return nil, fmt.Errorf("index elements: %w", err)
	}
	return elements, nil
}

func (d *CDPDriver) VisibleText(ctx context.Context, maxLen int) (string, error) {
	var text string
	if err := d.run(ctx, chromedp.Evaluate(visibleTextJS, &text)); err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return truncate(strings.TrimSpace(text), maxLen), nil
}

func (d *CDPDriver) Click(ctx context.Context, selector string) error {
	return d.run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

func (d *CDPDriver) Type(ctx context.Context, selector, text string) error {
	return d.run(ctx,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (d *CDPDriver) Scroll(ctx context.Context, pixels int) error {
	return d.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", pixels), nil))
}

func (d *CDPDriver) Back(ctx context.Context) error {
	return d.run(ctx, chromedp.NavigateBack())
}

func (d *CDPDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (d *CDPDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	tabCtx, tabCancel, allocCancel := d.tabCtx, d.tabCancel, d.allocCancel
	d.tabCtx, d.tabCancel, d.allocCancel = nil, nil, nil
	d.mu.Unlock()
	if tabCtx == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(tabCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(10 * time.Second):
		err = fmt.Errorf("timed out waiting for the browser to close")
	}
	tabCancel()
	allocCancel()
	d.logger.Debug("Browser closed.")
	return err
}

// truncate cuts s to at most maxLen runes. A non-positive maxLen disables it.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}
