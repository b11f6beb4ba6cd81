// Package artifact writes the run history to disk once a run is over.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Writer stores the history as indented JSON at a fixed path.
type Writer struct {
	path   string
	logger *zap.Logger
}

func NewWriter(path string, logger *zap.Logger) *Writer {
	return &Writer{path: path, logger: logger.Named("artifact")}
}

// Write encodes history and replaces the file at the configured path. It
// returns the resolved path.
func (w *Writer) Write(ctx context.Context, history *schemas.History) (string, error) {
	if history == nil {
		return "", fmt.Errorf("no history to write")
	}
	path, err := homedir.Expand(w.path)
	if err != nil {
		return "", fmt.Errorf("expand artifact path: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("move artifact into place: %w", err)
	}

	w.logger.Info("Wrote run history.", zap.String("path", path), zap.Int("steps", history.Len()))
	return path, nil
}
