package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/patchwork/internal/router"
	"github.com/aretw0/patchwork/internal/session"
	"github.com/aretw0/patchwork/internal/testutils"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/aretw0/patchwork/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitFunc func(ctx context.Context, sessionID string) (domain.StopReason, error)

type fakeTransport struct {
	mu        sync.Mutex
	openErr   error
	turns     map[string]submitFunc
	sessions  map[string]string
	submitted []string
	cancelled []string
	// closed by the first CancelSession
	cancelSeen chan struct{}
}

func newFakeTransport(turns map[string]submitFunc) *fakeTransport {
	return &fakeTransport{turns: turns, sessions: map[string]string{}, cancelSeen: make(chan struct{})}
}

func (f *fakeTransport) OpenSession(_ context.Context, cwd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return "", f.openErr
	}
	id := fmt.Sprintf("session-%d", len(f.sessions)+1)
	f.sessions[id] = cwd
	return id, nil
}

func (f *fakeTransport) SubmitPrompt(ctx context.Context, sessionID, text string) (domain.StopReason, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, text)
	turn := f.turns[text]
	f.mu.Unlock()
	if turn == nil {
		return domain.StopEndTurn, nil
	}
	return turn(ctx, sessionID)
}

func (f *fakeTransport) CancelSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cancelled) == 0 {
		close(f.cancelSeen)
	}
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

// finish consumes a conversation, answering callbacks with answer, and returns
// the terminal update.
func finish(t *testing.T, conv ports.Conversation, answer func(index int) (string, error)) domain.Update {
	t.Helper()
	for {
		select {
		case u, ok := <-conv.Updates():
			require.True(t, ok, "updates closed before the conversation finished")
			switch u.Kind {
			case domain.UpdateToolCall:
				u.Reply.Fulfill(answer(u.Index))
			case domain.UpdateDone:
				_, open := <-conv.Updates()
				assert.False(t, open, "updates must close after done")
				return u
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for conversation")
		}
	}
}

func noCallbacks(t *testing.T) func(int) (string, error) {
	return func(index int) (string, error) {
		t.Errorf("unexpected callback %d", index)
		return "", errors.New("unexpected")
	}
}

func assertDepth(t *testing.T, r *router.Router, want int) {
	t.Helper()
	depth, err := r.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, depth)
}

func TestDriver_CollectsChunks(t *testing.T) {
	r := testutils.StartRouter(t)
	transport := newFakeTransport(map[string]submitFunc{
		"poem": func(ctx context.Context, _ string) (domain.StopReason, error) {
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("agent-")))
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("said")))
			return domain.StopEndTurn, nil
		},
	})
	d := session.NewDriver(transport, r, session.WithWorkingDirectory("/work"))

	done := finish(t, d.Open(context.Background(), "poem"), noCallbacks(t))
	require.NoError(t, done.Err)
	assert.Equal(t, "agent-said", done.Text)
	assert.Equal(t, map[string]string{"session-1": "/work"}, transport.sessions)
	assertDepth(t, r, 0)
}

func TestDriver_ForwardsToolCalls(t *testing.T) {
	r := testutils.StartRouter(t)
	transport := newFakeTransport(map[string]submitFunc{
		"call": func(ctx context.Context, _ string) (domain.StopReason, error) {
			slot := domain.NewReplySlot()
			if err := r.Deliver(ctx, domain.ToolCall(2, slot)); err != nil {
				return "", err
			}
			text, err := slot.Wait(ctx)
			if err != nil {
				return "", err
			}
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("got "+text)))
			return domain.StopEndTurn, nil
		},
	})
	d := session.NewDriver(transport, r)

	var asked []int
	done := finish(t, d.Open(context.Background(), "call"), func(index int) (string, error) {
		asked = append(asked, index)
		return "x", nil
	})
	require.NoError(t, done.Err)
	assert.Equal(t, "got x", done.Text)
	assert.Equal(t, []int{2}, asked)
}

func TestDriver_AbnormalStopReason(t *testing.T) {
	for _, reason := range []domain.StopReason{domain.StopRefusal, domain.StopMaxTokens, domain.StopCancelled} {
		t.Run(string(reason), func(t *testing.T) {
			r := testutils.StartRouter(t)
			transport := newFakeTransport(map[string]submitFunc{
				"p": func(context.Context, string) (domain.StopReason, error) { return reason, nil },
			})
			d := session.NewDriver(transport, r)

			done := finish(t, d.Open(context.Background(), "p"), noCallbacks(t))
			require.Error(t, done.Err)
			assert.ErrorIs(t, done.Err, domain.ErrUnexpectedAgentState)

			var stateErr *domain.UnexpectedAgentStateError
			require.True(t, errors.As(done.Err, &stateErr))
			assert.Equal(t, reason, stateErr.Reason)
			assertDepth(t, r, 0)
		})
	}
}

func TestDriver_OpenSessionFailure(t *testing.T) {
	r := testutils.StartRouter(t)
	transport := newFakeTransport(nil)
	transport.openErr = errors.New("agent not logged in")
	d := session.NewDriver(transport, r)

	done := finish(t, d.Open(context.Background(), "p"), noCallbacks(t))
	require.Error(t, done.Err)
	assert.ErrorIs(t, done.Err, domain.ErrTransport)
	assert.Contains(t, done.Err.Error(), "agent not logged in")
	assert.Empty(t, transport.submitted)
	assertDepth(t, r, 0)
}

func TestDriver_ReleasesSlotOnTransportFailure(t *testing.T) {
	r := testutils.StartRouter(t)
	transport := newFakeTransport(map[string]submitFunc{
		"p": func(ctx context.Context, _ string) (domain.StopReason, error) {
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("partial")))
			depth, err := r.Depth(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 1, depth)
			return "", errors.New("broken pipe")
		},
	})
	d := session.NewDriver(transport, r)

	assertDepth(t, r, 0)
	done := finish(t, d.Open(context.Background(), "p"), noCallbacks(t))
	require.Error(t, done.Err)
	assert.ErrorIs(t, done.Err, domain.ErrTransport)
	assert.Empty(t, done.Text)
	assertDepth(t, r, 0)
}

func TestDriver_AbortCancelsSession(t *testing.T) {
	r := testutils.StartRouter(t)
	started := make(chan struct{})
	lateReply := make(chan error, 1)
	var transport *fakeTransport
	transport = newFakeTransport(map[string]submitFunc{
		"slow": func(ctx context.Context, _ string) (domain.StopReason, error) {
			close(started)
			<-transport.cancelSeen
			assert.NoError(t, ctx.Err(), "the prompt must stay pending until the agent answers it")

			// A callback that arrives while the conversation is being torn
			// down is refused rather than forwarded.
			slot := domain.NewReplySlot()
			if err := r.Deliver(ctx, domain.ToolCall(0, slot)); err != nil {
				return "", err
			}
			_, err := slot.Wait(ctx)
			lateReply <- err

			// Updates flushed after session/cancel still belong to this conversation.
			time.Sleep(20 * time.Millisecond)
			if err := r.Deliver(ctx, domain.Chunk("trailing")); err != nil {
				return "", err
			}
			return domain.StopCancelled, nil
		},
	})
	d := session.NewDriver(transport, r)

	conv := d.Open(context.Background(), "slow")
	<-started
	conv.Abort()

	done := finish(t, conv, noCallbacks(t))
	assert.ErrorIs(t, done.Err, domain.ErrConversationAborted)
	assert.ErrorIs(t, <-lateReply, domain.ErrConversationAborted)
	assert.Equal(t, []string{"session-1"}, transport.cancelled)
	assertDepth(t, r, 0)
	assert.NoError(t, r.Err(), "router must survive an aborted conversation")
}

func TestDriver_AbortInsideNestedConversationKeepsOuterClean(t *testing.T) {
	r := testutils.StartRouter(t)
	innerStarted := make(chan struct{})
	var transport *fakeTransport
	transport = newFakeTransport(map[string]submitFunc{
		"outer": func(ctx context.Context, _ string) (domain.StopReason, error) {
			slot := domain.NewReplySlot()
			assert.NoError(t, r.Deliver(ctx, domain.ToolCall(0, slot)))
			if _, err := slot.Wait(ctx); err == nil {
				assert.NoError(t, r.Deliver(ctx, domain.Chunk("outer")))
			}
			return domain.StopEndTurn, nil
		},
		"inner": func(ctx context.Context, _ string) (domain.StopReason, error) {
			close(innerStarted)
			<-transport.cancelSeen
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("inner-trailing")))
			return domain.StopCancelled, nil
		},
	})
	d := session.NewDriver(transport, r)

	done := finish(t, d.Open(context.Background(), "outer"), func(int) (string, error) {
		inner := d.Open(context.Background(), "inner")
		<-innerStarted
		inner.Abort()
		u := finish(t, inner, noCallbacks(t))
		assert.ErrorIs(t, u.Err, domain.ErrConversationAborted)
		return "", u.Err
	})
	require.NoError(t, done.Err)
	assert.Empty(t, done.Text)
	assertDepth(t, r, 0)
}

func TestDriver_NestedConversationsRouteToInnermost(t *testing.T) {
	r := testutils.StartRouter(t)
	transport := newFakeTransport(map[string]submitFunc{
		"outer": func(ctx context.Context, _ string) (domain.StopReason, error) {
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("o1 ")))
			slot := domain.NewReplySlot()
			assert.NoError(t, r.Deliver(ctx, domain.ToolCall(0, slot)))
			text, err := slot.Wait(ctx)
			if err != nil {
				return "", err
			}
			assert.NoError(t, r.Deliver(ctx, domain.Chunk(text)))
			return domain.StopEndTurn, nil
		},
		"inner": func(ctx context.Context, _ string) (domain.StopReason, error) {
			assert.NoError(t, r.Deliver(ctx, domain.Chunk("i1")))
			return domain.StopEndTurn, nil
		},
	})
	d := session.NewDriver(transport, r)

	done := finish(t, d.Open(context.Background(), "outer"), func(int) (string, error) {
		inner := finish(t, d.Open(context.Background(), "inner"), noCallbacks(t))
		assertDepth(t, r, 1)
		return inner.Text, inner.Err
	})
	require.NoError(t, done.Err)
	assert.Equal(t, "o1 i1", done.Text)
	assertDepth(t, r, 0)
}

func TestDriver_StoppedRouter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := router.New()
	go func() { _ = r.Run(ctx) }()
	cancel()
	<-r.Done()

	transport := newFakeTransport(nil)
	d := session.NewDriver(transport, r)

	done := finish(t, d.Open(context.Background(), "p"), noCallbacks(t))
	require.Error(t, done.Err)
	assert.ErrorIs(t, done.Err, domain.ErrProtocol)
	assert.Empty(t, transport.submitted)
}

type recordingObserver struct {
	mu       sync.Mutex
	opened   int
	forwards int
	reasons  []domain.StopReason
}

func (o *recordingObserver) ConversationOpened() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *recordingObserver) ToolCallForwarded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forwards++
}

func (o *recordingObserver) TurnFinished(reason domain.StopReason, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

func TestDriver_Observer(t *testing.T) {
	r := testutils.StartRouter(t)
	transport := newFakeTransport(map[string]submitFunc{
		"p": func(ctx context.Context, _ string) (domain.StopReason, error) {
			slot := domain.NewReplySlot()
			assert.NoError(t, r.Deliver(ctx, domain.ToolCall(0, slot)))
			if _, err := slot.Wait(ctx); err != nil {
				return "", err
			}
			return domain.StopEndTurn, nil
		},
	})
	obs := &recordingObserver{}
	d := session.NewDriver(transport, r, session.WithObserver(obs))

	done := finish(t, d.Open(context.Background(), "p"), func(int) (string, error) { return "ok", nil })
	require.NoError(t, done.Err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.opened)
	assert.Equal(t, 1, obs.forwards)
	assert.Equal(t, []domain.StopReason{domain.StopEndTurn}, obs.reasons)
}
