package patchwork_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/patchwork"
	"github.com/aretw0/patchwork/pkg/adapters/acp"
	"github.com/aretw0/patchwork/pkg/domain"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// pipeAgent is an acp.Client talking to an in-memory agent over io.Pipe.
type pipeAgent struct {
	*acp.Client
	close func() error
}

func (a *pipeAgent) Close() error { return a.close() }

// pipeWire is the agent end of the pipes.
type pipeWire struct {
	t   *testing.T
	mu  sync.Mutex
	out io.Writer
}

func (w *pipeWire) send(v map[string]any) {
	raw, err := json.Marshal(v)
	if !assert.NoError(w.t, err) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.out.Write(append(raw, '\n'))
}

func (w *pipeWire) reply(req gjson.Result, result map[string]any) {
	w.send(map[string]any{"jsonrpc": "2.0", "id": req.Get("id").Int(), "result": result})
}

// pipeConnector runs serve for every frame the client sends.
func pipeConnector(t *testing.T, serve func(link patchwork.Link, wire *pipeWire, req gjson.Result)) patchwork.Connector {
	return func(_ context.Context, link patchwork.Link) (patchwork.Agent, error) {
		clientR, agentW := io.Pipe()
		agentR, clientW := io.Pipe()

		c := acp.NewClient(clientR, clientW, acp.WithChunkHandler(func(ctx context.Context, _ string, text string) error {
			return link.Deliver(ctx, text)
		}))
		go func() { _ = c.Run(context.Background()) }()

		wire := &pipeWire{t: t, out: agentW}
		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			scanner := bufio.NewScanner(agentR)
			for scanner.Scan() {
				serve(link, wire, gjson.ParseBytes(append([]byte(nil), scanner.Bytes()...)))
			}
		}()

		return &pipeAgent{Client: c, close: func() error {
			_ = agentW.Close()
			_ = agentR.Close()
			<-loopDone
			return nil
		}}, nil
	}
}

func TestEngine_CancelledTurnFlushesBeforeRelease(t *testing.T) {
	cancelled := make(chan struct{})
	var once sync.Once
	agentSaw := make(chan error, 1)

	connector := pipeConnector(t, func(link patchwork.Link, wire *pipeWire, req gjson.Result) {
		switch req.Get("method").String() {
		case "session/new":
			wire.reply(req, map[string]any{"sessionId": "s1"})
		case "session/prompt":
			go func() {
				_, err := link.Evaluate(context.Background(), 5)
				agentSaw <- err
				<-cancelled
				// The agent flushes one more update before answering the prompt.
				time.Sleep(20 * time.Millisecond)
				wire.send(map[string]any{
					"jsonrpc": "2.0",
					"method":  "session/update",
					"params": map[string]any{
						"sessionId": "s1",
						"update": map[string]any{
							"sessionUpdate": "agent_message_chunk",
							"content":       map[string]any{"type": "text", "text": "late"},
						},
					},
				})
				wire.reply(req, map[string]any{"stopReason": "cancelled"})
			}()
		case "session/cancel":
			once.Do(func() { close(cancelled) })
		}
	})

	var out bytes.Buffer
	eng := patchwork.New(patchwork.WithOutput(&out), patchwork.WithConnector(connector))
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })

	_, err := eng.Evaluate(context.Background(), domain.Think("p", domain.Print("a"), domain.Print("b")))
	assert.ErrorIs(t, err, domain.ErrIndexBounds)
	assert.Error(t, <-agentSaw)

	depth, err := eng.Depth(context.Background())
	require.NoError(t, err, "router must survive the cancelled turn")
	assert.Equal(t, 0, depth)

	text, err := eng.Evaluate(context.Background(), domain.Print("still routing"))
	require.NoError(t, err)
	assert.Equal(t, "still routing\n", text)
	assert.Equal(t, "still routing\n", out.String())
}
