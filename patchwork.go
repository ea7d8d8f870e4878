package patchwork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/internal/metrics"
	"github.com/aretw0/patchwork/internal/router"
	"github.com/aretw0/patchwork/internal/runtime"
	"github.com/aretw0/patchwork/internal/session"
	"github.com/aretw0/patchwork/pkg/adapters/acp"
	"github.com/aretw0/patchwork/pkg/adapters/mcp"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/aretw0/patchwork/pkg/ports"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is returned by Evaluate before Start succeeds.
var ErrNotStarted = errors.New("engine not started")

// Agent is a connected agent transport that the engine owns until Close.
type Agent interface {
	ports.AgentTransport
	Close() error
}

// Link is what a Connector receives to report agent activity back to the engine.
type Link struct {
	// BridgeURL is the SSE endpoint of the callback bridge.
	BridgeURL string
	// Deliver routes a text chunk to the innermost open conversation.
	Deliver func(ctx context.Context, text string) error
	// Evaluate runs a callback in-process, as the bridge does for MCP tool calls.
	Evaluate func(ctx context.Context, index int) (string, error)
	Logger   *slog.Logger
}

// Connector attaches an agent to a started engine.
type Connector func(ctx context.Context, link Link) (Agent, error)

// ACPConnector launches cfg as an ACP agent and advertises the bridge to it.
func ACPConnector(cfg acp.AgentConfig) Connector {
	return func(ctx context.Context, link Link) (Agent, error) {
		agent, err := acp.Connect(ctx, cfg,
			acp.WithLogger(link.Logger),
			acp.WithMCPServers(acp.MCPServer{
				Type:    "sse",
				Name:    mcp.ServerName,
				URL:     link.BridgeURL,
				Headers: []acp.HTTPHeader{},
			}),
			acp.WithChunkHandler(func(ctx context.Context, _ string, text string) error {
				return link.Deliver(ctx, text)
			}),
		)
		if err != nil {
			return nil, err
		}
		if !agent.Capabilities().MCPCapabilities.SSE {
			link.Logger.Warn("agent does not advertise SSE MCP support, callbacks may be unavailable")
		}
		return agent, nil
	}
}

// Engine wires the interpreter, router, session driver, callback bridge and
// agent together. Start it once, Evaluate any number of scripts, then Close.
type Engine struct {
	connector   Connector
	output      io.Writer
	renderer    runtime.Renderer
	logger      *slog.Logger
	cwd         string
	bridgeHost  string
	mailbox     int
	inbox       int
	metricsAddr string

	metrics     *metrics.Metrics
	router      *router.Router
	bridge      *mcp.Bridge
	agent       Agent
	interpreter *runtime.Interpreter

	group   *errgroup.Group
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool

	// evaluating holds one token per running Evaluate; routing by recency
	// only holds when a single call tree owns the stack.
	evaluating chan struct{}
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithOutput sets where interpretation output is streamed.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) {
		e.output = w
	}
}

// WithRenderer transforms Think text before it is written to the output.
func WithRenderer(r runtime.Renderer) Option {
	return func(e *Engine) {
		e.renderer = r
	}
}

// WithAgentConfig launches the given ACP agent on Start.
func WithAgentConfig(cfg acp.AgentConfig) Option {
	return func(e *Engine) {
		e.connector = ACPConnector(cfg)
	}
}

// WithConnector replaces the agent launch entirely.
func WithConnector(c Connector) Option {
	return func(e *Engine) {
		e.connector = c
	}
}

// WithWorkingDirectory sets the cwd announced to the agent for every session.
func WithWorkingDirectory(dir string) Option {
	return func(e *Engine) {
		e.cwd = dir
	}
}

// WithBridgeHost sets the interface the callback bridge listens on.
func WithBridgeHost(host string) Option {
	return func(e *Engine) {
		e.bridgeHost = host
	}
}

// WithMailboxSize sets the router mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(e *Engine) {
		e.mailbox = n
	}
}

// WithInboxSize sets each conversation's inbound capacity.
func WithInboxSize(n int) Option {
	return func(e *Engine) {
		e.inbox = n
	}
}

// WithMetricsAddr serves Prometheus metrics on addr while the engine runs.
func WithMetricsAddr(addr string) Option {
	return func(e *Engine) {
		e.metricsAddr = addr
	}
}

// New creates an Engine. Nothing is launched until Start.
func New(opts ...Option) *Engine {
	e := &Engine{
		connector:  ACPConnector(acp.DefaultAgentConfig()),
		output:     io.Discard,
		cwd:        ".",
		bridgeHost: "127.0.0.1",
		mailbox:    router.DefaultMailboxSize,
		inbox:      session.DefaultInboxSize,
		metrics:    metrics.New(),
		evaluating: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}

	e.router = router.New(
		router.WithLogger(e.logger),
		router.WithObserver(e.metrics),
		router.WithMailboxSize(e.mailbox),
	)
	e.bridge = mcp.NewBridge(e.router,
		mcp.WithLogger(e.logger),
		mcp.WithHost(e.bridgeHost),
		mcp.WithVersion(Version),
	)
	return e
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Depth reports how many conversations are currently open.
func (e *Engine) Depth(ctx context.Context) (int, error) {
	return e.router.Depth(ctx)
}

// Start runs the router and the bridge, then connects the agent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	bridgeURL, err := e.bridge.Listen()
	if err != nil {
		return &domain.TransportError{Op: "bridge listen", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.router.Run(gctx) })
	g.Go(func() error { return e.bridge.Serve(gctx) })

	if e.metricsAddr != "" {
		srv, err := metrics.Listen(e.metrics, e.metricsAddr, e.logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	link := Link{
		BridgeURL: bridgeURL,
		Deliver: func(ctx context.Context, text string) error {
			return e.router.Deliver(ctx, domain.Chunk(text))
		},
		Evaluate: e.bridge.Evaluate,
		Logger:   e.logger,
	}
	agent, err := e.connector(ctx, link)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	driver := session.NewDriver(agent, e.router,
		session.WithWorkingDirectory(e.cwd),
		session.WithInboxSize(e.inbox),
		session.WithLogger(e.logger),
		session.WithObserver(e.metrics),
	)
	interpOpts := []runtime.Option{
		runtime.WithOutput(e.output),
		runtime.WithLogger(e.logger),
	}
	if e.renderer != nil {
		interpOpts = append(interpOpts, runtime.WithRenderer(e.renderer))
	}

	e.agent = agent
	e.interpreter = runtime.NewInterpreter(driver, interpOpts...)
	e.group = g
	e.cancel = cancel
	e.started = true
	e.logger.Debug("engine started", "bridge", bridgeURL)
	return nil
}

// Evaluate interprets one script tree. Output is streamed to the configured
// writer as it is produced; the same text is returned.
//
// Calls are serialized: a concurrent Evaluate waits until the running one
// returns or ctx is done.
func (e *Engine) Evaluate(ctx context.Context, node domain.Node) (string, error) {
	select {
	case e.evaluating <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-e.evaluating }()

	e.mu.Lock()
	interp := e.interpreter
	e.mu.Unlock()
	if interp == nil {
		return "", ErrNotStarted
	}

	out, err := interp.Evaluate(ctx, node)
	if err != nil {
		// A routing defect outranks whatever symptom the interpreter saw.
		if routerErr := e.router.Err(); routerErr != nil && domain.IsDefect(routerErr) && !domain.IsDefect(err) {
			return out, errors.Join(err, routerErr)
		}
		return out, err
	}
	return out, nil
}

// Close disconnects the agent and stops the router and the bridge.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	e.interpreter = nil

	var errs []error
	if err := e.agent.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop agent: %w", err))
	}
	e.cancel()
	if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
