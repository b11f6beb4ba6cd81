// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/browser"
	"github.com/xkilldash9x/browsegraph/internal/config"
	"github.com/xkilldash9x/browsegraph/internal/llmclient"
	"github.com/xkilldash9x/browsegraph/internal/observability"
	"github.com/xkilldash9x/browsegraph/internal/store"
)

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()

	cfgFile = ""
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})

	// Keep config discovery away from any config.yaml next to the tests.
	t.Chdir(t.TempDir())

	origGenerator, origStore, origDriver, origSignals := newGenerator, openStore, newDriver, handleSignals
	handleSignals = false
	t.Cleanup(func() {
		newGenerator, openStore, newDriver, handleSignals = origGenerator, origStore, origDriver, origSignals
		cfgFile = ""
		observability.ResetForTest()
	})
}

// executeCommand runs the root command with args and returns everything it
// printed.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig writes content to a config file that is removed after the test.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// -- Fakes --

// scriptedGenerator replies with the given outputs in order, repeating the last one.
type scriptedGenerator struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ llmclient.GenerationRequest) (llmclient.GenerationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.outputs[len(g.outputs)-1]
	if g.calls < len(g.outputs) {
		out = g.outputs[g.calls]
	}
	g.calls++
	return llmclient.GenerationResponse{
		Text:  out,
		Usage: schemas.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Requests: 1},
	}, nil
}

// staticDriver is a page that never changes.
type staticDriver struct {
	mu        sync.Mutex
	navigated []string
	closed    bool
}

func (d *staticDriver) Start(context.Context) error { return nil }

func (d *staticDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *staticDriver) Location(context.Context) (string, string, error) {
	return "https://example.test/", "Example", nil
}

func (d *staticDriver) Tabs(context.Context) ([]schemas.Tab, error) {
	return []schemas.Tab{{ID: "1", URL: "https://example.test/", Title: "Example"}}, nil
}

func (d *staticDriver) Elements(context.Context, int) ([]schemas.Element, error) {
	return []schemas.Element{{Index: 1, Tag: "a", Text: "More information", Selector: `[data-bg-index="1"]`}}, nil
}

func (d *staticDriver) VisibleText(context.Context, int) (string, error) {
	return "Example Domain", nil
}

func (d *staticDriver) Click(context.Context, string) error        { return nil }
func (d *staticDriver) Type(context.Context, string, string) error { return nil }
func (d *staticDriver) Scroll(context.Context, int) error          { return nil }
func (d *staticDriver) Back(context.Context) error                 { return nil }
func (d *staticDriver) Screenshot(context.Context) ([]byte, error) { return nil, nil }

func (d *staticDriver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// useFakes swaps the LLM client, browser driver and store for in-process fakes.
func useFakes(t *testing.T, gen llmclient.Generator, st store.HistoryStore) *staticDriver {
	t.Helper()
	driver := &staticDriver{}
	newGenerator = func(context.Context, config.LLMConfig, *zap.Logger) (llmclient.Generator, error) {
		return gen, nil
	}
	newDriver = func(config.BrowserConfig, *zap.Logger) browser.Driver { return driver }
	if st != nil {
		openStore = func(context.Context, config.StoreConfig, *zap.Logger) (store.HistoryStore, error) {
			return st, nil
		}
	}
	return driver
}
