// Package session implements the agent session driver: one goroutine per Think
// evaluation that opens a session on the external agent, registers itself with
// the router, runs one turn and always releases its stack slot.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/aretw0/patchwork/pkg/ports"
	"github.com/google/uuid"
)

// DefaultInboxSize is the capacity of a conversation's inbound event channel.
const DefaultInboxSize = 128

// Router is the subset of the conversation router the driver needs.
type Router interface {
	Push(ctx context.Context, id string, inbox chan<- domain.Event) error
	Pop(ctx context.Context) error
	Deliver(ctx context.Context, ev domain.Event) error
	Done() <-chan struct{}
	Err() error
}

// Observer is notified about conversation lifecycles. internal/metrics implements it.
type Observer interface {
	ConversationOpened()
	ToolCallForwarded()
	TurnFinished(reason domain.StopReason, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ConversationOpened()                           {}
func (nopObserver) ToolCallForwarded()                            {}
func (nopObserver) TurnFinished(domain.StopReason, time.Duration) {}

// Driver opens conversations on the agent. It implements ports.ConversationOpener.
type Driver struct {
	transport ports.AgentTransport
	router    Router
	cwd       string
	inboxSize int
	logger    *slog.Logger
	observer  Observer
}

var _ ports.ConversationOpener = (*Driver)(nil)

// Option configures the Driver.
type Option func(*Driver)

// WithWorkingDirectory sets the cwd announced when opening sessions.
func WithWorkingDirectory(dir string) Option {
	return func(d *Driver) {
		d.cwd = dir
	}
}

// WithInboxSize sets the capacity of each conversation's inbound channel.
func WithInboxSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.inboxSize = n
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(d *Driver) {
		d.observer = o
	}
}

// NewDriver creates a Driver over the given transport and router.
func NewDriver(transport ports.AgentTransport, router Router, opts ...Option) *Driver {
	d := &Driver{
		transport: transport,
		router:    router,
		cwd:       ".",
		inboxSize: DefaultInboxSize,
		logger:    logging.NewNop(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type conversation struct {
	id      string
	inbox   chan domain.Event
	updates chan domain.Update
	cancel  context.CancelFunc
}

func (c *conversation) ID() string                    { return c.id }
func (c *conversation) Updates() <-chan domain.Update { return c.updates }
func (c *conversation) Abort()                        { c.cancel() }

// Open spawns the driver goroutine for one Think evaluation and returns immediately.
// The caller must read Updates until it is closed.
func (d *Driver) Open(ctx context.Context, prompt string) ports.Conversation {
	ctx, cancel := context.WithCancel(ctx)
	c := &conversation{
		id:      uuid.NewString(),
		inbox:   make(chan domain.Event, d.inboxSize),
		updates: make(chan domain.Update, 1),
		cancel:  cancel,
	}
	go d.run(ctx, c, prompt)
	return c
}

func (d *Driver) run(ctx context.Context, c *conversation, prompt string) {
	defer close(c.updates)
	defer c.cancel()

	logger := d.logger.With("conversation", c.id)
	text, err := d.converse(ctx, c, prompt, logger)
	if err != nil {
		logger.Debug("conversation failed", "error", err)
	}
	c.updates <- domain.Update{Kind: domain.UpdateDone, Text: text, Err: err}
}

// converse runs the session protocol: open, push, submit, consume, pop.
// Once the push is queued, the pop happens on every exit path.
func (d *Driver) converse(ctx context.Context, c *conversation, prompt string, logger *slog.Logger) (result string, err error) {
	sessionID, err := d.transport.OpenSession(ctx, d.cwd)
	if err != nil {
		return "", asTransportError("session/new", err)
	}
	logger = logger.With("session", sessionID)
	logger.Debug("session opened")
	d.observer.ConversationOpened()

	// The push must be queued before the prompt goes out, or a fast callback
	// could be routed to the enclosing conversation.
	if err := d.router.Push(ctx, c.id, c.inbox); err != nil {
		return "", err
	}
	defer func() {
		if popErr := d.router.Pop(context.WithoutCancel(ctx)); popErr != nil {
			logger.Error("failed to release conversation slot", "error", popErr)
			if err == nil {
				result, err = "", popErr
			}
		}
	}()

	// The turn outlives an abort: after session/cancel the agent may still
	// flush updates before it answers the prompt, and those must reach this
	// inbox, not whatever sits below it once the slot is released.
	turnCtx := context.WithoutCancel(ctx)
	started := time.Now()
	submitErr := make(chan error, 1)
	go func() {
		reason, err := d.transport.SubmitPrompt(turnCtx, sessionID, prompt)
		if err != nil {
			submitErr <- err
			return
		}
		// The completion travels through the router so it lands behind every
		// chunk the transport already queued for this turn.
		if err := d.router.Deliver(turnCtx, domain.TurnComplete(reason)); err != nil {
			submitErr <- err
		}
	}()

	var buf strings.Builder
	aborting := false
	cancelled := ctx.Done()

	// After an abort the loop keeps consuming until the agent answers the
	// prompt or the transport fails.
	abort := func() {
		aborting = true
		cancelled = nil
		logger.Debug("aborting conversation")
		if err := d.transport.CancelSession(turnCtx, sessionID); err != nil {
			logger.Warn("failed to cancel agent session", "error", err)
		}
	}

	for {
		select {
		case ev := <-c.inbox:
			if !aborting && ctx.Err() != nil {
				abort()
			}
			switch ev.Kind {
			case domain.EventChunk:
				buf.WriteString(ev.Text)

			case domain.EventToolCall:
				if aborting {
					ev.Reply.Fulfill("", domain.ErrConversationAborted)
					continue
				}
				logger.Debug("forwarding tool call", "index", ev.Index)
				d.observer.ToolCallForwarded()
				c.updates <- domain.Update{Kind: domain.UpdateToolCall, Index: ev.Index, Reply: ev.Reply}

			case domain.EventTurnComplete:
				d.observer.TurnFinished(ev.StopReason, time.Since(started))
				logger.Debug("turn complete", "stop_reason", string(ev.StopReason))
				if aborting {
					return "", domain.ErrConversationAborted
				}
				if !ev.StopReason.Normal() {
					return "", &domain.UnexpectedAgentStateError{Reason: ev.StopReason}
				}
				return buf.String(), nil
			}

		case err := <-submitErr:
			if !aborting && ctx.Err() != nil {
				abort()
			}
			if aborting {
				return "", domain.ErrConversationAborted
			}
			return "", asTransportError("session/prompt", err)

		case <-cancelled:
			abort()

		case <-d.router.Done():
			routerErr := d.router.Err()
			if routerErr == nil {
				routerErr = domain.ErrRouterClosed
			}
			return "", &domain.ProtocolError{Op: "await turn", Err: routerErr}
		}
	}
}

func asTransportError(op string, err error) error {
	if errors.Is(err, domain.ErrTransport) || errors.Is(err, domain.ErrProtocol) {
		return err
	}
	return &domain.TransportError{Op: op, Err: err}
}
