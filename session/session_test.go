package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/wsfetch/chunk"
	"github.com/floegence/wsfetch/correlate"
	"github.com/floegence/wsfetch/fetch"
	"github.com/floegence/wsfetch/observability"
	"github.com/floegence/wsfetch/protocol"
	"github.com/floegence/wsfetch/realtime/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	drops  []observability.DropReason
	frames []observability.FrameKind
	ends   []observability.SessionResult
}

func (o *recordingObserver) SessionCount(int64) {}

func (o *recordingObserver) Accept(observability.AcceptResult, observability.AcceptReason) {}

func (o *recordingObserver) SessionEnd(r observability.SessionResult, _ time.Duration) {
	o.mu.Lock()
	o.ends = append(o.ends, r)
	o.mu.Unlock()
}
func (o *recordingObserver) Frame(k observability.FrameKind, _ int) {
	o.mu.Lock()
	o.frames = append(o.frames, k)
	o.mu.Unlock()
}
func (o *recordingObserver) FrameDrop(r observability.DropReason) {
	o.mu.Lock()
	o.drops = append(o.drops, r)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() ([]observability.DropReason, []observability.SessionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observability.DropReason(nil), o.drops...), append([]observability.SessionResult(nil), o.ends...)
}

// startSession serves one Session per websocket connection and reports Run's error.
func startSession(t *testing.T, opts Options, task Task) (*websocket.Conn, <-chan error) {
	t.Helper()
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Upgrade(w, r, ws.UpgraderOptions{})
		if err != nil {
			return
		}
		runErr <- New(c, opts).Run(context.Background(), task)
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return peer, runErr
}

func readEnvelope(t *testing.T, c *websocket.Conn) (protocol.ServerMessage, error) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, b, err := c.ReadMessage()
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	require.Equal(t, websocket.TextMessage, mt)
	var env protocol.ServerMessage
	require.NoError(t, json.Unmarshal(b, &env))
	return env, nil
}

func readRequest(t *testing.T, c *websocket.Conn) protocol.URLRequest {
	t.Helper()
	env, err := readEnvelope(t, c)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeURLRequest, env.Type)
	var req protocol.URLRequest
	require.NoError(t, json.Unmarshal(env.Content, &req))
	return req
}

func responseJSON(t *testing.T, id string, status int, body string) []byte {
	t.Helper()
	b, err := json.Marshal(protocol.URLResponse{
		ID:         id,
		StatusCode: status,
		Headers:    map[string]string{"content-type": "text/plain"},
		Data:       protocol.EncodeBody([]byte(body)),
	})
	require.NoError(t, err)
	return b
}

func requireClose(t *testing.T, c *websocket.Conn, code int, text string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, code, ce.Code)
	assert.Equal(t, text, ce.Text)
}

func TestSessionTextAndChunkedResponses(t *testing.T) {
	task := func(ctx context.Context, p *fetch.Proxy) (any, error) {
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			bodies = map[string]string{}
		)
		for _, u := range []string{"https://a.test/small", "https://a.test/large"} {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				resp, err := p.Fetch(ctx, &fetch.Request{URL: u})
				if err != nil {
					t.Errorf("fetch %s: %v", u, err)
					return
				}
				mu.Lock()
				bodies[u] = string(resp.Body)
				mu.Unlock()
			}(u)
		}
		wg.Wait()
		return bodies, nil
	}
	peer, runErr := startSession(t, Options{MaxChunkSize: 32}, task)

	reqs := map[string]protocol.URLRequest{}
	for i := 0; i < 2; i++ {
		req := readRequest(t, peer)
		assert.Equal(t, 32, req.MaxMessageChunkSize)
		reqs[req.URL] = req
	}

	large := strings.Repeat("x", 200)
	frames, err := chunk.Split(9, responseJSON(t, reqs["https://a.test/large"].ID, 200, large), 32)
	require.NoError(t, err)
	require.Greater(t, len(frames), 2)
	// Index 0 first, remaining chunks in reverse.
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, frames[0]))
	for i := len(frames) - 1; i >= 1; i-- {
		require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, frames[i]))
	}
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, responseJSON(t, reqs["https://a.test/small"].ID, 200, "tiny")))

	env, err := readEnvelope(t, peer)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResult, env.Type)
	var got map[string]string
	require.NoError(t, json.Unmarshal(env.Content, &got))
	assert.Equal(t, "tiny", got["https://a.test/small"])
	assert.Equal(t, large, got["https://a.test/large"])

	requireClose(t, peer, websocket.CloseNormalClosure, "")
	require.NoError(t, <-runErr)
}

func TestSessionTaskFailureSendsErrorAndPolicyClose(t *testing.T) {
	task := func(context.Context, *fetch.Proxy) (any, error) {
		return nil, errors.New("video unavailable")
	}
	peer, runErr := startSession(t, Options{}, task)

	env, err := readEnvelope(t, peer)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "video unavailable", env.Message)
	requireClose(t, peer, websocket.ClosePolicyViolation, "Failed to get video info")
	require.EqualError(t, <-runErr, "video unavailable")
}

func TestSessionSurvivesBadFrames(t *testing.T) {
	obs := &recordingObserver{}
	task := func(ctx context.Context, p *fetch.Proxy) (any, error) {
		resp, err := p.Fetch(ctx, &fetch.Request{URL: "https://a.test/"})
		if err != nil {
			return nil, err
		}
		return string(resp.Body), nil
	}
	peer, runErr := startSession(t, Options{Observer: obs}, task)
	req := readRequest(t, peer)

	write := func(mt int, b []byte) { require.NoError(t, peer.WriteMessage(mt, b)) }
	write(websocket.TextMessage, []byte("{not json"))
	write(websocket.BinaryMessage, []byte{1, 2, 3})
	write(websocket.BinaryMessage, chunk.EncodeFrame(chunk.Header{PacketID: 3, Index: 1, Total: 2}, []byte("X")))
	write(websocket.TextMessage, responseJSON(t, "someone-else", 200, "nope"))
	write(websocket.TextMessage, responseJSON(t, req.ID, 200, "ok"))

	env, err := readEnvelope(t, peer)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResult, env.Type)
	assert.JSONEq(t, `"ok"`, string(env.Content))
	requireClose(t, peer, websocket.CloseNormalClosure, "")
	require.NoError(t, <-runErr)

	drops, ends := obs.snapshot()
	assert.Equal(t, []observability.DropReason{
		observability.DropReasonDecodeFailed,
		observability.DropReasonDecodeFailed,
		observability.DropReasonUnknownPacket,
		observability.DropReasonUnmatched,
	}, drops)
	assert.Equal(t, []observability.SessionResult{observability.SessionResultOK}, ends)
}

func TestSessionUndecodableReassembledMessageIsDropped(t *testing.T) {
	obs := &recordingObserver{}
	task := func(ctx context.Context, p *fetch.Proxy) (any, error) {
		resp, err := p.Fetch(ctx, &fetch.Request{URL: "https://a.test/"})
		if err != nil {
			return nil, err
		}
		return string(resp.Body), nil
	}
	peer, runErr := startSession(t, Options{Observer: obs}, task)
	req := readRequest(t, peer)

	frames, err := chunk.Split(7, []byte("{not json"), 4)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for _, f := range frames {
		require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, f))
	}
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, responseJSON(t, req.ID, 200, "ok")))

	env, err := readEnvelope(t, peer)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResult, env.Type)
	assert.JSONEq(t, `"ok"`, string(env.Content))
	requireClose(t, peer, websocket.CloseNormalClosure, "")
	require.NoError(t, <-runErr)

	drops, ends := obs.snapshot()
	assert.Equal(t, []observability.DropReason{observability.DropReasonDecodeFailed}, drops)
	assert.Equal(t, []observability.SessionResult{observability.SessionResultOK}, ends)
}

func TestSessionTimeoutThenLateResponse(t *testing.T) {
	obs := &recordingObserver{}
	task := func(ctx context.Context, p *fetch.Proxy) (any, error) {
		_, err := p.Fetch(ctx, &fetch.Request{URL: "https://a.test/slow"})
		if !errors.Is(err, fetch.ErrTimeout) {
			return nil, errors.New("expected timeout")
		}
		resp, err := p.Fetch(ctx, &fetch.Request{URL: "https://a.test/fast"})
		if err != nil {
			return nil, err
		}
		return string(resp.Body), nil
	}
	peer, runErr := startSession(t, Options{Timeout: 50 * time.Millisecond, Observer: obs}, task)

	slow := readRequest(t, peer)
	fast := readRequest(t, peer) // only sent after the first fetch timed out
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, responseJSON(t, slow.ID, 200, "late")))
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, responseJSON(t, fast.ID, 200, "fast")))

	env, err := readEnvelope(t, peer)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResult, env.Type)
	assert.JSONEq(t, `"fast"`, string(env.Content))
	require.NoError(t, <-runErr)

	drops, _ := obs.snapshot()
	assert.Contains(t, drops, observability.DropReasonUnmatched)
}

func TestSessionPeerGoneFailsPendingFetch(t *testing.T) {
	obs := &recordingObserver{}
	fetchErr := make(chan error, 1)
	task := func(ctx context.Context, p *fetch.Proxy) (any, error) {
		_, err := p.Fetch(ctx, &fetch.Request{URL: "https://a.test/"})
		fetchErr <- err
		return nil, err
	}
	peer, runErr := startSession(t, Options{Observer: obs}, task)
	_ = readRequest(t, peer)
	require.NoError(t, peer.Close())

	select {
	case err := <-fetchErr:
		assert.True(t, errors.Is(err, correlate.ErrClosed) || errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("pending fetch did not fail after peer left")
	}
	require.Error(t, <-runErr)
	_, ends := obs.snapshot()
	assert.Equal(t, []observability.SessionResult{observability.SessionResultPeerClosed}, ends)
}

func TestClassifyFrame(t *testing.T) {
	assert.Equal(t, FrameText, ClassifyFrame(websocket.TextMessage, []byte("{}")))
	assert.Equal(t, FrameBinaryWhole, ClassifyFrame(websocket.BinaryMessage, make([]byte, chunk.HeaderSize-1)))
	assert.Equal(t, FrameChunk, ClassifyFrame(websocket.BinaryMessage, make([]byte, chunk.HeaderSize)))
	assert.Equal(t, FrameIgnored, ClassifyFrame(websocket.PingMessage, nil))
}
