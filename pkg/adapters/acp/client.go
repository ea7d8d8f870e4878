package acp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// maxFrameSize bounds a single newline-delimited JSON-RPC frame.
const maxFrameSize = 16 << 20

// ErrClientClosed is reported to pending calls once the agent's output stream ends.
var ErrClientClosed = errors.New("agent connection closed")

// ChunkHandler receives the text of every agent_message_chunk, in arrival order.
type ChunkHandler func(ctx context.Context, sessionID, text string) error

// Client speaks the Agent Client Protocol over a pair of byte streams,
// normally the stdin and stdout of an agent process.
//
// Notifications are dispatched on the reader goroutine, so chunk handlers
// observe them in exactly the order the agent wrote them. Requests the agent
// makes of the client are answered concurrently.
type Client struct {
	r io.Reader

	wmu sync.Mutex
	w   io.Writer

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *message

	onChunk    ChunkHandler
	mcpServers []MCPServer
	logger     *slog.Logger

	done chan struct{}
	err  error
}

// Option configures a Client.
type Option func(*Client)

// WithChunkHandler sets the callback for agent message chunks.
func WithChunkHandler(h ChunkHandler) Option {
	return func(c *Client) {
		c.onChunk = h
	}
}

// WithMCPServers sets the MCP servers advertised on every new session.
func WithMCPServers(servers ...MCPServer) Option {
	return func(c *Client) {
		c.mcpServers = append(c.mcpServers, servers...)
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client reading agent frames from r and writing client frames to w.
// Call Run to start processing incoming frames.
func NewClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	c := &Client{
		r:       r,
		w:       w,
		pending: make(map[int64]chan *message),
		logger:  logging.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run reads frames until the stream ends or ctx is cancelled. Pending calls
// fail with a transport error once Run returns.
func (c *Client) Run(ctx context.Context) error {
	err := c.readLoop(ctx)
	if err == nil {
		err = ErrClientClosed
	}
	c.pendingMu.Lock()
	c.err = err
	close(c.done)
	c.pendingMu.Unlock()

	if errors.Is(err, ErrClientClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Done is closed once the reader has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("discarding malformed frame from agent", "error", err)
			continue
		}

		switch {
		case msg.isResponse():
			c.resolve(&msg)
		case msg.isNotification():
			c.handleNotification(ctx, &msg)
		default:
			go c.handleRequest(&msg)
		}
	}
	return scanner.Err()
}

func (c *Client) resolve(msg *message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Warn("response with unknown id", "id", string(msg.ID))
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", "id", id)
		return
	}
	ch <- msg
}

func (c *Client) handleNotification(ctx context.Context, msg *message) {
	if msg.Method != methodSessionUpdate {
		c.logger.Debug("ignoring notification", "method", msg.Method)
		return
	}

	params := gjson.ParseBytes(msg.Params)
	kind := params.Get("update.sessionUpdate").String()
	if kind != "agent_message_chunk" {
		c.logger.Debug("ignoring session update", "kind", kind)
		return
	}
	content := params.Get("update.content")
	if content.Get("type").String() != "text" {
		c.logger.Debug("ignoring non-text chunk", "type", content.Get("type").String())
		return
	}
	if c.onChunk == nil {
		return
	}
	sessionID := params.Get("sessionId").String()
	if err := c.onChunk(ctx, sessionID, content.Get("text").String()); err != nil {
		c.logger.Error("failed to deliver agent chunk", "session", sessionID, "error", err)
	}
}

func (c *Client) handleRequest(msg *message) {
	var (
		result any
		rpcErr *RPCError
	)
	switch msg.Method {
	case methodRequestPermission:
		result, rpcErr = choosePermission(msg.Params)
	default:
		rpcErr = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	}

	reply := message{JSONRPC: "2.0", ID: msg.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			c.logger.Error("failed to encode reply", "method", msg.Method, "error", err)
			return
		}
		reply.Result = raw
	}
	if err := c.write(&reply); err != nil {
		c.logger.Warn("failed to answer agent request", "method", msg.Method, "error", err)
	}
}

// choosePermission grants the first option that allows the action, or
// cancels the request when the agent offers none.
func choosePermission(params json.RawMessage) (any, *RPCError) {
	options := gjson.GetBytes(params, "options")
	if !options.IsArray() {
		return nil, &RPCError{Code: codeInvalidParams, Message: "permission request without options"}
	}
	for _, opt := range options.Array() {
		switch opt.Get("kind").String() {
		case "allow_once", "allow_always":
			return permissionResult{Outcome: permissionOutcome{
				Outcome:  "selected",
				OptionID: opt.Get("optionId").String(),
			}}, nil
		}
	}
	return permissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}, nil
}

func (c *Client) write(msg *message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(raw)
	return err
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return &domain.TransportError{Op: method, Err: c.err}
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := &message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  rawParams,
	}
	c.logger.Debug("agent call", "method", method, "id", id)
	if err := c.write(req); err != nil {
		return &domain.TransportError{Op: method, Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &domain.TransportError{Op: method, Err: resp.Error}
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return &domain.ProtocolError{Op: method, Err: err}
		}
		return nil
	case <-c.done:
		return &domain.TransportError{Op: method, Err: c.err}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(&message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Initialize negotiates the protocol version with the agent.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var res InitializeResult
	err := c.call(ctx, methodInitialize, initializeParams{ProtocolVersion: ProtocolVersion}, &res)
	if err != nil {
		return nil, err
	}
	if res.ProtocolVersion != ProtocolVersion {
		return nil, &domain.ProtocolError{
			Op:  methodInitialize,
			Err: fmt.Errorf("agent speaks protocol version %d, want %d", res.ProtocolVersion, ProtocolVersion),
		}
	}
	return &res, nil
}

// OpenSession creates a new agent session rooted at cwd.
func (c *Client) OpenSession(ctx context.Context, cwd string) (string, error) {
	servers := c.mcpServers
	if servers == nil {
		servers = []MCPServer{}
	}
	var res newSessionResult
	if err := c.call(ctx, methodSessionNew, newSessionParams{CWD: cwd, MCPServers: servers}, &res); err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", &domain.ProtocolError{Op: methodSessionNew, Err: errors.New("agent returned an empty session id")}
	}
	return res.SessionID, nil
}

// SubmitPrompt sends a text prompt and blocks until the agent ends the turn.
func (c *Client) SubmitPrompt(ctx context.Context, sessionID, text string) (domain.StopReason, error) {
	params := promptParams{
		SessionID: sessionID,
		Prompt:    []contentBlock{{Type: "text", Text: text}},
	}
	var res promptResult
	if err := c.call(ctx, methodSessionPrompt, params, &res); err != nil {
		return "", err
	}
	return domain.StopReason(res.StopReason), nil
}

// CancelSession asks the agent to stop the session's current turn.
func (c *Client) CancelSession(_ context.Context, sessionID string) error {
	if err := c.notify(methodSessionCancel, cancelParams{SessionID: sessionID}); err != nil {
		return &domain.TransportError{Op: methodSessionCancel, Err: err}
	}
	return nil
}
