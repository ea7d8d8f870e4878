package domain

import (
	"context"
	"fmt"
	"sync"
)

// StopReason is the terminal status reported by the agent at the end of a turn.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// Normal reports whether the turn ended the way a successful turn does.
func (r StopReason) Normal() bool {
	return r == StopEndTurn
}

// EventKind identifies an inbound agent event.
type EventKind int

const (
	// EventChunk carries a piece of the agent's message text.
	EventChunk EventKind = iota
	// EventToolCall asks the interpreter to evaluate a child subtree.
	EventToolCall
	// EventTurnComplete ends the current turn.
	EventTurnComplete
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventToolCall:
		return "tool_call"
	case EventTurnComplete:
		return "turn_complete"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an inbound event routed to the active conversation.
type Event struct {
	Kind EventKind

	// Text is set for EventChunk.
	Text string

	// Index and Reply are set for EventToolCall.
	Index int
	Reply *ReplySlot

	// StopReason is set for EventTurnComplete.
	StopReason StopReason
}

// Chunk builds an EventChunk.
func Chunk(text string) Event {
	return Event{Kind: EventChunk, Text: text}
}

// ToolCall builds an EventToolCall.
func ToolCall(index int, reply *ReplySlot) Event {
	return Event{Kind: EventToolCall, Index: index, Reply: reply}
}

// TurnComplete builds an EventTurnComplete.
func TurnComplete(reason StopReason) Event {
	return Event{Kind: EventTurnComplete, StopReason: reason}
}

// UpdateKind identifies what a conversation reports to the interpreter.
type UpdateKind int

const (
	// UpdateToolCall asks the interpreter to evaluate Children[Index] and fulfil Reply.
	UpdateToolCall UpdateKind = iota
	// UpdateDone is the final update of a conversation; Text or Err is set.
	UpdateDone
)

// Update is sent by a conversation to the interpreter that opened it.
type Update struct {
	Kind  UpdateKind
	Index int
	Reply *ReplySlot
	Text  string
	Err   error
}

// Reply is the value written into a ReplySlot.
type Reply struct {
	Text string
	Err  error
}

// ReplySlot is a single-use, write-once channel for a callback result.
// The bridge waits on it; the interpreter fulfils it exactly once.
type ReplySlot struct {
	ch   chan Reply
	once sync.Once
}

// NewReplySlot allocates an empty slot.
func NewReplySlot() *ReplySlot {
	return &ReplySlot{ch: make(chan Reply, 1)}
}

// Fulfill writes the result. Only the first call has an effect; it reports whether this call won.
func (s *ReplySlot) Fulfill(text string, err error) bool {
	won := false
	s.once.Do(func() {
		s.ch <- Reply{Text: text, Err: err}
		won = true
	})
	return won
}

// Wait blocks until the slot is fulfilled or ctx is done.
func (s *ReplySlot) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-s.ch:
		return r.Text, r.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
