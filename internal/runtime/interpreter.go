// Package runtime implements the Patchwork interpreter.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/aretw0/patchwork/pkg/ports"
)

// ErrNoAgent is returned when a Think node is evaluated without a conversation opener.
var ErrNoAgent = errors.New("no agent configured to evaluate think nodes")

// Renderer transforms agent text before it is written to the output.
type Renderer func(string) (string, error)

// Interpreter evaluates script trees. It is synchronous from the caller's point
// of view: a Think node blocks until its conversation reaches a terminal state.
//
// Evaluation streams to Output as it goes (Print lines and completed Think text)
// and returns the same text, which is what a callback hands back to the agent.
type Interpreter struct {
	opener   ports.ConversationOpener
	output   io.Writer
	renderer Renderer
	logger   *slog.Logger
}

// Option configures the Interpreter.
type Option func(*Interpreter)

// WithOutput sets the writer evaluation output is streamed to.
func WithOutput(w io.Writer) Option {
	return func(i *Interpreter) {
		i.output = w
	}
}

// WithRenderer sets a renderer applied to Think text on its way to the output.
// The text returned by Evaluate is never rendered.
func WithRenderer(r Renderer) Option {
	return func(i *Interpreter) {
		i.renderer = r
	}
}

// WithLogger sets the interpreter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interpreter) {
		i.logger = logger
	}
}

// NewInterpreter creates an Interpreter. opener may be nil for scripts without Think nodes.
func NewInterpreter(opener ports.ConversationOpener, opts ...Option) *Interpreter {
	i := &Interpreter{
		opener: opener,
		output: io.Discard,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Evaluate interprets node and returns its text.
func (i *Interpreter) Evaluate(ctx context.Context, node domain.Node) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch node.Kind {
	case domain.KindPrint:
		text := node.Message + "\n"
		if err := i.emit(text); err != nil {
			return "", err
		}
		return text, nil

	case domain.KindDo:
		var b strings.Builder
		for _, child := range node.Children {
			text, err := i.Evaluate(ctx, child)
			if err != nil {
				return "", err
			}
			b.WriteString(text)
		}
		return b.String(), nil

	case domain.KindThink:
		return i.think(ctx, node)

	default:
		return "", &domain.InputFormatError{Err: fmt.Errorf("unknown node kind %q", node.Kind)}
	}
}

// think opens a conversation and serves its callbacks until it completes.
// Nested Think nodes reached from a callback open and close their own
// conversation before this one resumes, so the router stack mirrors the call tree.
func (i *Interpreter) think(ctx context.Context, node domain.Node) (string, error) {
	if i.opener == nil {
		return "", ErrNoAgent
	}

	conv := i.opener.Open(ctx, node.Prompt)
	logger := i.logger.With("conversation", conv.ID())
	logger.Debug("think started", "children", len(node.Children))

	for u := range conv.Updates() {
		switch u.Kind {
		case domain.UpdateToolCall:
			text, err := i.callback(ctx, node, u.Index)
			if err != nil {
				logger.Debug("callback failed", "index", u.Index, "error", err)
				u.Reply.Fulfill("", err)
				i.abandon(conv)
				return "", err
			}
			if !u.Reply.Fulfill(text, nil) {
				logger.Warn("reply slot already fulfilled", "index", u.Index)
			}

		case domain.UpdateDone:
			if u.Err != nil {
				return "", u.Err
			}
			if err := i.emitThought(u.Text); err != nil {
				return "", err
			}
			logger.Debug("think complete", "bytes", len(u.Text))
			return u.Text, nil
		}
	}

	return "", &domain.ProtocolError{Op: "think", Err: errors.New("conversation ended without a result")}
}

func (i *Interpreter) callback(ctx context.Context, node domain.Node, index int) (string, error) {
	child, err := node.Child(index)
	if err != nil {
		return "", err
	}
	return i.Evaluate(ctx, child)
}

// abandon aborts conv and waits for it to release its stack slot.
// Callbacks that race in meanwhile are refused.
func (i *Interpreter) abandon(conv ports.Conversation) {
	conv.Abort()
	for u := range conv.Updates() {
		if u.Kind == domain.UpdateToolCall {
			u.Reply.Fulfill("", domain.ErrConversationAborted)
		}
	}
}

func (i *Interpreter) emit(text string) error {
	if _, err := io.WriteString(i.output, text); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (i *Interpreter) emitThought(text string) error {
	if i.renderer != nil && text != "" {
		rendered, err := i.renderer(text)
		if err == nil {
			text = rendered
		} else {
			i.logger.Warn("render failed, writing raw text", "error", err)
		}
	}
	return i.emit(text)
}
