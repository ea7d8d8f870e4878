package patchwork

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/aretw0/patchwork/pkg/script"
)

// Runner interprets script files in sequence on a started Engine.
type Runner struct {
	Engine *Engine
	Logger *slog.Logger
}

// NewRunner creates a Runner over engine.
func NewRunner(engine *Engine) *Runner {
	return &Runner{Engine: engine, Logger: logging.NewNop()}
}

// Run interprets each file in order. The first failure stops the run and
// later files are not read.
func (r *Runner) Run(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		if err := r.RunFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// RunFile decodes and interprets a single script file.
func (r *Runner) RunFile(ctx context.Context, path string) error {
	node, err := script.DecodeFile(path)
	if err != nil {
		return err
	}
	return r.RunNode(ctx, path, node)
}

// RunNode interprets an already decoded tree; name labels log lines and errors.
func (r *Runner) RunNode(ctx context.Context, name string, node domain.Node) error {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Debug("interpreting script", "script", name)

	if _, err := r.Engine.Evaluate(ctx, node); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Debug("script finished", "script", name)
	return nil
}
