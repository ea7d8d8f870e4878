// Package router owns the stack of open conversations and routes every inbound
// agent event to the most recently opened one.
//
// The stack is never exposed: all access goes through the mailbox, which a
// single goroutine (Run) drains in arrival order. That total order is what
// makes routing by recency correct without any conversation id on the wire.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
)

// DefaultMailboxSize is the capacity of the router mailbox.
const DefaultMailboxSize = 128

type opKind int

const (
	opPush opKind = iota
	opPop
	opDeliver
	opDepth
)

func (k opKind) String() string {
	switch k {
	case opPush:
		return "push"
	case opPop:
		return "pop"
	case opDeliver:
		return "deliver"
	default:
		return "depth"
	}
}

type op struct {
	kind  opKind
	id    string
	inbox chan<- domain.Event
	event domain.Event
	depth chan int
}

type entry struct {
	id    string
	inbox chan<- domain.Event
}

// Observer receives stack changes. internal/metrics implements it.
type Observer interface {
	StackDepth(depth int)
	Delivered(kind domain.EventKind)
	Defect(op string)
}

type nopObserver struct{}

func (nopObserver) StackDepth(int)             {}
func (nopObserver) Delivered(domain.EventKind) {}
func (nopObserver) Defect(string)              {}

// Router is the process-wide conversation router.
type Router struct {
	mailbox  chan op
	logger   *slog.Logger
	observer Observer

	done     chan struct{}
	stopOnce sync.Once
	err      error
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets the logger for routing decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithObserver registers an observer for stack changes.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// WithMailboxSize sets the mailbox capacity. Senders block when it is full.
func WithMailboxSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.mailbox = make(chan op, n)
		}
	}
}

// New creates a Router. Call Run to start routing.
func New(opts ...Option) *Router {
	r := &Router{
		mailbox:  make(chan op, DefaultMailboxSize),
		logger:   logging.NewNop(),
		observer: nopObserver{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the mailbox until ctx is cancelled or a stack invariant is violated.
// It returns nil on cancellation and a *domain.DefectError on a violation.
func (r *Router) Run(ctx context.Context) error {
	var stack []entry

	for {
		select {
		case <-ctx.Done():
			r.stop(nil)
			return nil
		case o := <-r.mailbox:
			switch o.kind {
			case opPush:
				stack = append(stack, entry{id: o.id, inbox: o.inbox})
				r.logger.Debug("conversation pushed", "conversation", o.id, "depth", len(stack))
				r.observer.StackDepth(len(stack))

			case opPop:
				if len(stack) == 0 {
					return r.fail(&domain.DefectError{Op: "pop", Detail: "stack is empty"})
				}
				top := stack[len(stack)-1]
				stack[len(stack)-1] = entry{}
				stack = stack[:len(stack)-1]
				r.logger.Debug("conversation popped", "conversation", top.id, "depth", len(stack))
				r.observer.StackDepth(len(stack))

			case opDeliver:
				if len(stack) == 0 {
					return r.fail(&domain.DefectError{
						Op:     "deliver",
						Detail: fmt.Sprintf("no open conversation to receive %s event", o.event.Kind),
					})
				}
				top := stack[len(stack)-1]
				r.logger.Debug("routing event", "kind", o.event.Kind.String(), "conversation", top.id, "depth", len(stack))
				select {
				case top.inbox <- o.event:
					r.observer.Delivered(o.event.Kind)
				case <-ctx.Done():
					r.stop(nil)
					return nil
				}

			case opDepth:
				o.depth <- len(stack)
			}
		}
	}
}

func (r *Router) fail(err *domain.DefectError) error {
	r.logger.Error("conversation stack invariant violated", "op", err.Op, "error", err)
	r.observer.Defect(err.Op)
	r.stop(err)
	return err
}

func (r *Router) stop(err error) {
	r.stopOnce.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the router has stopped.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Err returns the defect that stopped the router, if any. Valid after Done is closed.
func (r *Router) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Router) send(ctx context.Context, o op) error {
	select {
	case <-r.done:
		return r.closedError(o.kind)
	default:
	}
	select {
	case r.mailbox <- o:
		return nil
	case <-r.done:
		return r.closedError(o.kind)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) closedError(kind opKind) error {
	if r.err != nil {
		return &domain.ProtocolError{Op: kind.String(), Err: r.err}
	}
	return &domain.ProtocolError{Op: kind.String(), Err: domain.ErrRouterClosed}
}

// Push makes inbox the active receiver. It returns once the operation is queued;
// every operation queued afterwards observes the push.
func (r *Router) Push(ctx context.Context, id string, inbox chan<- domain.Event) error {
	return r.send(ctx, op{kind: opPush, id: id, inbox: inbox})
}

// Pop removes the active receiver. Popping an empty stack stops the router with a defect.
func (r *Router) Pop(ctx context.Context) error {
	return r.send(ctx, op{kind: opPop})
}

// Deliver forwards ev to the active receiver. Delivering with no open
// conversation stops the router with a defect.
func (r *Router) Deliver(ctx context.Context, ev domain.Event) error {
	return r.send(ctx, op{kind: opDeliver, event: ev})
}

// Depth reports the current stack depth, as seen after every previously queued operation.
func (r *Router) Depth(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := r.send(ctx, op{kind: opDepth, depth: reply}); err != nil {
		return 0, err
	}
	select {
	case d := <-reply:
		return d, nil
	case <-r.done:
		return 0, r.closedError(opDepth)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
