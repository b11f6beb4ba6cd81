package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/config"
)

const (
	defaultScrollPixels = 600
	maxWait             = 10 * time.Second
)

// Session observes pages and executes planned actions through a Driver.
type Session struct {
	driver Driver
	cfg    config.BrowserConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSession wraps driver. The caller owns Start and Close through the session.
func NewSession(driver Driver, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	return &Session{
		driver: driver,
		cfg:    cfg,
		logger: logger.Named("browser"),
		now:    time.Now,
	}
}

func (s *Session) Start(ctx context.Context) error {
	return s.driver.Start(ctx)
}

func (s *Session) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Navigate opens url in the active tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.driver.Navigate(ctx, url); err != nil {
		return actionErr(navigationCode(ctx, err), string(schemas.ActionNavigate), err)
	}
	return nil
}

// Snapshot captures the active page for the given step. Tabs, page text and
// screenshots are best effort. Location and element indexing are required.
func (s *Session) Snapshot(ctx context.Context, step int) (*schemas.Snapshot, error) {
	url, title, err := s.driver.Location(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page location: %w", err)
	}
	elements, err := s.driver.Elements(ctx, s.cfg.MaxElements)
	if err != nil {
		return nil, err
	}

	snap := &schemas.Snapshot{
		URL:        url,
		Title:      title,
		Elements:   elements,
		Tabs:       []schemas.Tab{},
		CapturedAt: s.now(),
	}

	if tabs, err := s.driver.Tabs(ctx); err != nil {
		s.logger.Debug("Could not list tabs.", zap.Error(err))
	} else {
		snap.Tabs = tabs
	}

	if text, err := s.driver.VisibleText(ctx, s.cfg.MaxTextLength); err != nil {
		s.logger.Debug("Could not read page text.", zap.Error(err))
	} else {
		snap.Text = text
	}

	if s.cfg.ScreenshotDir != "" {
		path, err := s.saveScreenshot(ctx, step)
		if err != nil {
			s.logger.Warn("Could not save screenshot.", zap.Int("step", step), zap.Error(err))
		} else {
			snap.ScreenshotPath = path
		}
	}

	s.logger.Debug("Captured page snapshot.",
		zap.Int("step", step),
		zap.String("url", url),
		zap.Int("elements", len(elements)),
	)
	return snap, nil
}

func (s *Session) saveScreenshot(ctx context.Context, step int) (string, error) {
	dir, err := homedir.Expand(s.cfg.ScreenshotDir)
	if err != nil {
		return "", fmt.Errorf("expand screenshot dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	data, err := s.driver.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("step_%03d.png", step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// Execute performs one action against the page described by snap. Failures
// are returned as *ActionError.
func (s *Session) Execute(ctx context.Context, snap *schemas.Snapshot, action schemas.Action) (schemas.ActionResult, error) {
	name := string(action.Type)
	log := s.logger.With(zap.String("action", name))

	switch action.Type {
	case schemas.ActionNavigate:
		if action.URL == "" {
			return schemas.ActionResult{}, actionErr(ErrCodeInvalidAction, name, fmt.Errorf("url is required"))
		}
		if err := s.Navigate(ctx, action.URL); err != nil {
			return schemas.ActionResult{}, err
		}
		return memo(fmt.Sprintf("Navigated to %s", action.URL)), nil

	case schemas.ActionClick:
		el, err := s.lookup(snap, action)
		if err != nil {
			return schemas.ActionResult{}, err
		}
		if err := s.driver.Click(ctx, el.Selector); err != nil {
			return schemas.ActionResult{}, actionErr(execCode(ctx, err), name, err)
		}
		log.Debug("Clicked element.", zap.Int("index", el.Index))
		return memo(fmt.Sprintf("Clicked element %d (%s %q)", el.Index, el.Tag, el.Text)), nil

	case schemas.ActionInputText:
		el, err := s.lookup(snap, action)
		if err != nil {
			return schemas.ActionResult{}, err
		}
		if err := s.driver.Type(ctx, el.Selector, action.Text); err != nil {
			return schemas.ActionResult{}, actionErr(execCode(ctx, err), name, err)
		}
		return memo(fmt.Sprintf("Typed %q into element %d", action.Text, el.Index)), nil

	case schemas.ActionScroll:
		pixels := action.Amount
		if pixels == 0 {
			pixels = defaultScrollPixels
		}
		if err := s.driver.Scroll(ctx, pixels); err != nil {
			return schemas.ActionResult{}, actionErr(execCode(ctx, err), name, err)
		}
		return memo(fmt.Sprintf("Scrolled by %d pixels", pixels)), nil

	case schemas.ActionGoBack:
		if err := s.driver.Back(ctx); err != nil {
			return schemas.ActionResult{}, actionErr(navigationCode(ctx, err), name, err)
		}
		return memo("Navigated back"), nil

	case schemas.ActionWait:
		d := time.Duration(action.Seconds * float64(time.Second))
		if d <= 0 {
			d = time.Second
		}
		if d > maxWait {
			d = maxWait
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return schemas.ActionResult{}, actionErr(ErrCodeTimeout, name, ctx.Err())
		}
		return memo(fmt.Sprintf("Waited %s", d)), nil

	case schemas.ActionDone:
		return schemas.ActionResult{
			IsDone:           true,
			Success:          schemas.BoolPtr(action.Success),
			ExtractedContent: action.Text,
			IncludeInMemory:  true,
		}, nil

	default:
		return schemas.ActionResult{}, actionErr(ErrCodeInvalidAction, name, fmt.Errorf("unsupported action type %q", action.Type))
	}
}

func (s *Session) lookup(snap *schemas.Snapshot, action schemas.Action) (schemas.Element, error) {
	el, ok := snap.ElementByIndex(action.Index)
	if !ok {
		return schemas.Element{}, actionErr(ErrCodeElementNotFound, string(action.Type),
			fmt.Errorf("no interactive element with index %d", action.Index))
	}
	return el, nil
}

func memo(content string) schemas.ActionResult {
	return schemas.ActionResult{ExtractedContent: content, IncludeInMemory: true}
}

func timedOut(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded)
}

func execCode(ctx context.Context, err error) ErrorCode {
	if timedOut(ctx, err) {
		return ErrCodeTimeout
	}
	return ErrCodeExecutionFailed
}

func navigationCode(ctx context.Context, err error) ErrorCode {
	if timedOut(ctx, err) {
		return ErrCodeTimeout
	}
	return ErrCodeNavigationFailed
}
