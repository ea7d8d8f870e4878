package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/patchwork"
	"github.com/aretw0/patchwork/internal/config"
	"github.com/aretw0/patchwork/internal/presentation/tui"
)

// RunOptions contains all the configuration for the run command.
type RunOptions struct {
	Files       []string
	ConfigPath  string // empty means config.DefaultPath, optional
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Cwd         string
	Render      bool

	Stdout io.Writer
}

// resolveConfig merges the config file, the environment and the flags, in
// increasing order of precedence.
func resolveConfig(opts RunOptions) (config.Config, error) {
	path, required := opts.ConfigPath, true
	if path == "" {
		path, required = config.DefaultPath, false
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	return cfg, cfg.Validate()
}

// prepare loads .env from cwd, then resolves the config and the logger, so
// that variables from .env take part in the config.
func prepare(opts RunOptions, cwd string) (config.Config, *slog.Logger, error) {
	envPath, envErr := loadDotEnv(cwd)

	cfg, err := resolveConfig(opts)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := createLogger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}

	switch {
	case envErr != nil:
		logger.Warn("failed to load .env", "path", envPath, "error", envErr)
	case envPath != "":
		logger.Debug("loaded environment file", "path", envPath)
	}
	return cfg, logger, nil
}

// Execute interprets opts.Files in order against a freshly launched agent.
func Execute(ctx context.Context, opts RunOptions) error {
	if len(opts.Files) == 0 {
		return fmt.Errorf("no script files given")
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	cwd := opts.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cwd = wd
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return fmt.Errorf("invalid working directory: %w", err)
	}

	cfg, logger, err := prepare(opts, cwd)
	if err != nil {
		return err
	}

	if cfg.Agent.Dir == "" {
		cfg.Agent.Dir = cwd
	}

	engineOpts := []patchwork.Option{
		patchwork.WithLogger(logger),
		patchwork.WithOutput(opts.Stdout),
		patchwork.WithAgentConfig(cfg.Agent),
		patchwork.WithWorkingDirectory(cwd),
		patchwork.WithBridgeHost(cfg.Bridge.Host),
		patchwork.WithMailboxSize(cfg.Router.Mailbox),
		patchwork.WithInboxSize(cfg.Router.Inbox),
	}
	if cfg.Metrics.Addr != "" {
		engineOpts = append(engineOpts, patchwork.WithMetricsAddr(cfg.Metrics.Addr))
	}
	if opts.Render && tui.IsTerminal(opts.Stdout) {
		render, err := tui.NewRenderer(tui.Width(opts.Stdout))
		if err != nil {
			logger.Warn("markdown rendering unavailable", "error", err)
		} else {
			engineOpts = append(engineOpts, patchwork.WithRenderer(render))
		}
	}

	eng := patchwork.New(engineOpts...)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	runner := patchwork.NewRunner(eng)
	runner.Logger = logger
	runErr := runner.Run(ctx, opts.Files...)

	if err := eng.Close(); err != nil {
		logger.Warn("shutdown was not clean", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
