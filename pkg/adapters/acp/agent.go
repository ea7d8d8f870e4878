package acp

import (
	"context"
	"errors"
)

// Agent is a launched agent process with an initialized ACP client attached.
type Agent struct {
	*Client
	proc         *Process
	capabilities AgentCapabilities
}

// Connect launches the agent, starts reading its output and performs the
// initialize handshake.
func Connect(ctx context.Context, cfg AgentConfig, opts ...Option) (*Agent, error) {
	client := NewClient(nil, nil, opts...)

	proc, err := Launch(ctx, cfg, client.logger)
	if err != nil {
		return nil, err
	}
	client.r = proc.Stdout()
	client.w = proc.Stdin()

	go func() {
		if err := client.Run(ctx); err != nil {
			client.logger.Warn("agent reader stopped", "error", err)
		}
	}()

	res, err := client.Initialize(ctx)
	if err != nil {
		return nil, errors.Join(err, proc.Close())
	}
	client.logger.Info("agent connected", "command", cfg.Command, "protocol", res.ProtocolVersion,
		"load_session", res.AgentCapabilities.LoadSession)

	return &Agent{Client: client, proc: proc, capabilities: res.AgentCapabilities}, nil
}

// Capabilities returns what the agent advertised during initialize.
func (a *Agent) Capabilities() AgentCapabilities {
	return a.capabilities
}

// Close stops the agent process and waits for the reader to finish.
func (a *Agent) Close() error {
	err := a.proc.Close()
	<-a.Client.Done()
	return err
}
