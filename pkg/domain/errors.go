package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexBounds is returned when the agent calls back with an index outside Think.Children.
	ErrIndexBounds = errors.New("callback index out of bounds")

	// ErrUnexpectedAgentState is returned on a non-normal stop reason or an out-of-order event sequence.
	ErrUnexpectedAgentState = errors.New("unexpected agent state")

	// ErrProtocol marks an internal protocol failure (a channel endpoint vanished).
	ErrProtocol = errors.New("internal protocol error")

	// ErrTransport marks a failure talking to the agent process.
	ErrTransport = errors.New("agent transport error")

	// ErrInputFormat is returned when a script does not parse as a well-formed tree.
	ErrInputFormat = errors.New("malformed script")

	// ErrStackDefect marks a violated conversation stack invariant. It is never user-recoverable.
	ErrStackDefect = errors.New("conversation stack defect")

	// ErrRouterClosed is returned by mailbox operations once the router has stopped.
	ErrRouterClosed = errors.New("conversation router closed")

	// ErrConversationAborted answers callbacks of a conversation the interpreter gave up on.
	ErrConversationAborted = errors.New("conversation aborted")
)

// IndexBoundsError reports a callback index outside the Think node's children.
type IndexBoundsError struct {
	Index int
	Len   int
}

func (e *IndexBoundsError) Error() string {
	return fmt.Sprintf("callback index %d out of range for %d children", e.Index, e.Len)
}

func (e *IndexBoundsError) Unwrap() error { return ErrIndexBounds }

// UnexpectedAgentStateError reports agent behaviour the interpreter cannot continue from.
type UnexpectedAgentStateError struct {
	Reason StopReason
	Detail string
}

func (e *UnexpectedAgentStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unexpected stop reason from agent: %s", e.Reason)
	}
	return fmt.Sprintf("unexpected agent state: %s", e.Detail)
}

func (e *UnexpectedAgentStateError) Unwrap() error { return ErrUnexpectedAgentState }

// ProtocolError reports that an internal channel endpoint vanished.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error during %s", e.Op)
	}
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// TransportError reports a failure opening a session, submitting a prompt or launching the agent.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// InputFormatError reports a script that is not a well-formed tree.
type InputFormatError struct {
	Path string
	Err  error
}

func (e *InputFormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed script: %v", e.Err)
	}
	return fmt.Sprintf("malformed script %s: %v", e.Path, e.Err)
}

func (e *InputFormatError) Unwrap() []error { return []error{ErrInputFormat, e.Err} }

// DefectError reports a broken conversation stack invariant (pop on empty, deliver with no receiver).
type DefectError struct {
	Op     string
	Detail string
}

func (e *DefectError) Error() string {
	return fmt.Sprintf("conversation stack defect on %s: %s", e.Op, e.Detail)
}

func (e *DefectError) Unwrap() error { return ErrStackDefect }

// IsDefect reports whether err carries a stack-hygiene violation.
func IsDefect(err error) bool {
	return errors.Is(err, ErrStackDefect)
}
