package ports

import (
	"context"

	"github.com/aretw0/patchwork/pkg/domain"
)

// AgentTransport is the boundary to the external conversational agent.
// Text chunks are not returned here: the transport feeds them to the router
// as they stream in, independent of which session produced them.
type AgentTransport interface {
	// OpenSession creates a new session rooted at cwd and returns its id.
	OpenSession(ctx context.Context, cwd string) (string, error)

	// SubmitPrompt runs one turn and blocks until the agent reports how it ended.
	SubmitPrompt(ctx context.Context, sessionID, text string) (domain.StopReason, error)

	// CancelSession asks the agent to stop the running turn. It does not wait.
	CancelSession(ctx context.Context, sessionID string) error
}

// Conversation is one open exchange with the agent, as seen by the interpreter.
type Conversation interface {
	// ID identifies the conversation in logs.
	ID() string

	// Updates yields callback requests, then exactly one UpdateDone, then is closed.
	Updates() <-chan domain.Update

	// Abort asks the conversation to wind down early. Updates still ends with UpdateDone.
	Abort()
}

// ConversationOpener starts a conversation for a Think node.
type ConversationOpener interface {
	Open(ctx context.Context, prompt string) Conversation
}
