// Package mcp exposes the interpreter's callback to the external agent as an
// MCP tool. The agent invokes it mid-turn; the call is turned into a routed
// ToolCall event and answered once the interpreter fulfils the reply slot.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// ServerName is the MCP server name announced to the agent.
	ServerName = "patchwork"
	// ToolName is the name of the subtree evaluation callback.
	ToolName = "do"
)

const instructions = `This server evaluates numbered subroutines of the running Patchwork script.
When the prompt asks you to run subroutine N, call the "do" tool with {"index": N}.
Subroutines are numbered from 0. The tool returns the text the subroutine produced.`

// EvalArgs is the input schema of the callback.
type EvalArgs struct {
	Index int `json:"index" jsonschema_description:"Zero-based index of the subroutine to evaluate"`
}

// EvalResult is the output schema of the callback.
type EvalResult struct {
	Text string `json:"text" jsonschema_description:"Output produced by the subroutine"`
}

// Deliverer submits events to the conversation router.
type Deliverer interface {
	Deliver(ctx context.Context, ev domain.Event) error
}

// Bridge is the single entry point the agent uses to invoke a callback.
type Bridge struct {
	router    Deliverer
	mcpServer *server.MCPServer
	logger    *slog.Logger
	host      string
	version   string

	listener net.Listener
	baseURL  string
}

// Option configures the Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithHost sets the interface the SSE endpoint binds to (default 127.0.0.1).
func WithHost(host string) Option {
	return func(b *Bridge) {
		if host != "" {
			b.host = host
		}
	}
}

// WithVersion sets the server version announced to the agent.
func WithVersion(v string) Option {
	return func(b *Bridge) {
		b.version = strings.TrimSpace(v)
	}
}

// NewBridge creates a Bridge that routes callbacks through router.
func NewBridge(router Deliverer, opts ...Option) *Bridge {
	b := &Bridge{
		router:  router,
		logger:  logging.NewNop(),
		host:    "127.0.0.1",
		version: "dev",
	}
	for _, opt := range opts {
		opt(b)
	}
	b.mcpServer = server.NewMCPServer(ServerName, b.version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
	)
	b.registerTools()
	return b
}

func (b *Bridge) registerTools() {
	doTool := mcp.NewTool(ToolName,
		mcp.WithDescription("Evaluate the subroutine at the given zero-based index and return the text it produced."),
		mcp.WithNumber("index", mcp.Required(), mcp.Description("Zero-based index of the subroutine to evaluate")),
		mcp.WithOutputSchema[EvalResult](),
	)
	b.mcpServer.AddTool(doTool, b.ToolHandler())
}

// ToolHandler returns the MCP handler registered for the callback tool.
func (b *Bridge) ToolHandler() server.ToolHandlerFunc {
	return mcp.NewStructuredToolHandler(b.handleDo)
}

func (b *Bridge) handleDo(ctx context.Context, request mcp.CallToolRequest, args EvalArgs) (EvalResult, error) {
	b.logger.Debug("tool invoked", "tool", request.Params.Name, "index", args.Index)
	text, err := b.Evaluate(ctx, args.Index)
	if err != nil {
		b.logger.Debug("tool failed", "index", args.Index, "error", err)
		return EvalResult{}, fmt.Errorf("subroutine %d: %w", args.Index, err)
	}
	return EvalResult{Text: text}, nil
}

// Evaluate submits a ToolCall for index and waits for the interpreter's reply.
// At most one call per conversation is outstanding; the agent's turn-taking guarantees it.
func (b *Bridge) Evaluate(ctx context.Context, index int) (string, error) {
	slot := domain.NewReplySlot()
	if err := b.router.Deliver(ctx, domain.ToolCall(index, slot)); err != nil {
		return "", err
	}
	return slot.Wait(ctx)
}

// Listen binds the SSE endpoint on an ephemeral loopback port and returns its URL.
func (b *Bridge) Listen() (string, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(b.host, "0"))
	if err != nil {
		return "", fmt.Errorf("failed to bind tool bridge: %w", err)
	}
	b.listener = ln
	b.baseURL = "http://" + ln.Addr().String()
	return b.URL(), nil
}

// URL is the SSE endpoint the agent connects to. Empty before Listen.
func (b *Bridge) URL() string {
	if b.baseURL == "" {
		return ""
	}
	return b.baseURL + "/sse"
}

// Serve handles MCP traffic until ctx is cancelled, then shuts down gracefully.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.listener == nil {
		return errors.New("tool bridge: Listen must be called before Serve")
	}

	sseServer := server.NewSSEServer(b.mcpServer, server.WithBaseURL(b.baseURL))

	r := chi.NewRouter()
	r.Handle("/sse", sseServer.SSEHandler())
	r.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		b.logger.Debug("tool bridge listening", "url", b.URL())
		serverErrors <- httpServer.Serve(b.listener)
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Open SSE streams never finish on their own.
		_ = sseServer.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("could not stop tool bridge gracefully: %w", err)
		}
		return nil
	}
}
