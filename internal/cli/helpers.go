package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/aretw0/patchwork/internal/config"
	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/internal/presentation/tui"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/joho/godotenv"
)

// Process exit statuses.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInputFormat = 65 // EX_DATAERR
	ExitDefect      = 70 // EX_SOFTWARE
)

// SignalContext is cancelled by the first SIGINT or SIGTERM and remembers
// which signal it was. A second signal exits the process immediately.
type SignalContext struct {
	context.Context
	Cancel context.CancelFunc

	mu  sync.Mutex
	sig os.Signal
}

// NewSignalContext installs the signal handlers and returns the context.
func NewSignalContext(parent context.Context) *SignalContext {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	return newSignalContext(parent, signals, func(sig os.Signal) {
		fmt.Fprintf(os.Stderr, "received %s again, exiting\n", sig)
		os.Exit(signalExitCode(sig))
	}, func() { signal.Stop(signals) })
}

func newSignalContext(parent context.Context, signals <-chan os.Signal, force func(os.Signal), release func()) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{Context: ctx, Cancel: cancel}
	go sc.watch(signals, force, release)
	return sc
}

func (sc *SignalContext) watch(signals <-chan os.Signal, force func(os.Signal), release func()) {
	defer release()
	select {
	case sig, ok := <-signals:
		if !ok {
			return
		}
		sc.mu.Lock()
		sc.sig = sig
		sc.mu.Unlock()
		sc.Cancel()
	case <-sc.Done():
		return
	}
	if sig, ok := <-signals; ok {
		force(sig)
	}
}

// Signal returns the signal that cancelled the context, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sig
}

// Wrap attributes err to the received signal, if any.
func (sc *SignalContext) Wrap(err error) error {
	sig := sc.Signal()
	if err == nil || sig == nil {
		return err
	}
	return &InterruptedError{Signal: sig, Err: err}
}

// InterruptedError is a run stopped by a signal.
type InterruptedError struct {
	Signal os.Signal
	Err    error
}

func (e *InterruptedError) Error() string { return "interrupted by " + e.Signal.String() }
func (e *InterruptedError) Unwrap() error { return e.Err }

// signalExitCode follows the shell convention of 128 plus the signal number.
func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return ExitFailure
}

// ExitCode maps an execution error to the process exit status.
func ExitCode(err error) int {
	var interrupted *InterruptedError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &interrupted):
		return signalExitCode(interrupted.Signal)
	case domain.IsDefect(err):
		return ExitDefect
	case errors.Is(err, domain.ErrInputFormat):
		return ExitInputFormat
	default:
		return ExitFailure
	}
}

// PrintError writes err to w, styled when w is a terminal.
func PrintError(w io.Writer, err error) {
	var interrupted *InterruptedError
	if errors.As(err, &interrupted) {
		fmt.Fprintln(w, interrupted.Error())
		return
	}
	if isInterrupted(err) {
		fmt.Fprintln(w, "interrupted")
		return
	}
	fmt.Fprintln(w, tui.FormatError(w, err))
}

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// loadDotEnv loads .env from dir into the process environment so that the
// agent inherits API keys. Variables already set win. It returns the path it
// loaded, or "" when there is no such file.
func loadDotEnv(dir string) (string, error) {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return path, err
	}
	return path, nil
}

// createLogger configures the application logger from the resolved config.
// It always writes to stderr so stdout carries only interpretation output.
func createLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format), nil
}
