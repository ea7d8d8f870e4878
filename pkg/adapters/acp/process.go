package acp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
)

// shutdownGrace is how long Close waits for the agent to exit after its stdin closes.
const shutdownGrace = 3 * time.Second

// Process is a running agent child process.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger
}

// Launch starts the agent described by cfg. The agent's stderr is forwarded
// line by line to the logger at debug level.
func Launch(ctx context.Context, cfg AgentConfig, logger *slog.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, &domain.TransportError{Op: "launch", Err: errors.New("no agent command configured")}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	env := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &domain.TransportError{Op: "launch", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.TransportError{Op: "launch", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &domain.TransportError{Op: "launch", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &domain.TransportError{Op: "launch", Err: fmt.Errorf("%s: %w", cfg.Command, err)}
	}
	logger.Debug("agent started", "command", cfg.Command, "pid", cmd.Process.Pid)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("agent stderr", "line", scanner.Text())
		}
	}()
	return p, nil
}

// Stdin is the stream the client writes requests to.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the stream the client reads agent frames from.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Close closes the agent's stdin and waits for it to exit, killing it if it
// does not exit within the grace period.
func (p *Process) Close() error {
	_ = p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-exited:
	case <-time.After(shutdownGrace):
		p.logger.Warn("agent did not exit, killing it", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		err = <-exited
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed or non-zero exit after we asked it to stop.
		p.logger.Debug("agent exited", "status", exitErr.String())
		return nil
	}
	return err
}
