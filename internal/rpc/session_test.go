package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// pipeWorker stands in for the worker process: it sees every line the
// session writes and decides what to write back.
type pipeWorker struct {
	t *testing.T

	requests chan map[string]any

	outMu sync.Mutex
	out   *io.PipeWriter
}

func newPipeSession(t *testing.T) (*Session, *pipeWorker) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	w := &pipeWorker{t: t, requests: make(chan map[string]any, 256), out: outW}
	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var msg map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			w.requests <- msg
		}
		close(w.requests)
	}()

	s := NewSession(inW, outR, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		_ = s.Close()
		_ = outW.Close()
	})
	return s, w
}

func (w *pipeWorker) next() map[string]any {
	w.t.Helper()
	select {
	case msg, ok := <-w.requests:
		if !ok {
			w.t.Fatal("worker input closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		w.t.Fatal("timed out waiting for request")
		return nil
	}
}

func (w *pipeWorker) writeLine(line string) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	_, _ = io.WriteString(w.out, line+"\n")
}

func (w *pipeWorker) reply(id int64, result any) {
	line, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	w.writeLine(string(line))
}

func (w *pipeWorker) closeOutput() {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	_ = w.out.Close()
}

func requestID(msg map[string]any) int64 {
	raw, ok := msg["id"].(float64)
	if !ok {
		return -1
	}
	return int64(raw)
}

func TestCallReturnsResult(t *testing.T) {
	s, w := newPipeSession(t)

	go func() {
		msg := w.next()
		w.reply(requestID(msg), map[string]any{"ok": true})
	}()

	result, err := s.Call(context.Background(), "tools/call", map[string]any{"name": "x"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCallWritesEnvelope(t *testing.T) {
	s, w := newPipeSession(t)

	go func() { _, _ = s.Call(context.Background(), "tools/call", map[string]any{"name": "notebook_describe"}, time.Second) }()

	msg := w.next()
	assert.Equal(t, "2.0", msg["jsonrpc"])
	assert.Equal(t, "tools/call", msg["method"])
	assert.Equal(t, float64(1), msg["id"])
	params, _ := msg["params"].(map[string]any)
	assert.Equal(t, "notebook_describe", params["name"])
}

func TestInitializeHandshake(t *testing.T) {
	s, w := newPipeSession(t)

	done := make(chan error, 1)
	go func() { done <- s.Initialize(context.Background(), "notebookqa", "1.0", time.Second) }()

	init := w.next()
	assert.Equal(t, "initialize", init["method"])
	assert.Equal(t, float64(0), init["id"])
	params, _ := init["params"].(map[string]any)
	assert.Equal(t, ProtocolVersion, params["protocolVersion"])
	clientInfo, _ := params["clientInfo"].(map[string]any)
	assert.Equal(t, "notebookqa", clientInfo["name"])

	w.reply(0, map[string]any{"protocolVersion": ProtocolVersion})

	notif := w.next()
	assert.Equal(t, "notifications/initialized", notif["method"])
	_, hasID := notif["id"]
	assert.False(t, hasID, "notification must not carry an id")

	require.NoError(t, <-done)
}

func TestInitializeFailsOnEndOfStream(t *testing.T) {
	s, w := newPipeSession(t)

	go func() {
		w.next()
		w.closeOutput()
	}()

	err := s.Initialize(context.Background(), "notebookqa", "1.0", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentCallsNoCrossTalk(t *testing.T) {
	s, w := newPipeSession(t)
	const n = 50

	// Answer in reverse arrival order so responses are never in request order.
	go func() {
		batch := make([]int64, 0, n)
		for range n {
			batch = append(batch, requestID(w.next()))
		}
		for i := len(batch) - 1; i >= 0; i-- {
			id := batch[i]
			w.reply(id, map[string]any{"echo": id * 10})
		}
	}()

	echoes := make(chan int64, n)
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			raw, err := s.Call(context.Background(), "echo", nil, 5*time.Second)
			if err != nil {
				return err
			}
			var got struct {
				Echo int64 `json:"echo"`
			}
			if err := json.Unmarshal(raw, &got); err != nil {
				return err
			}
			echoes <- got.Echo
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(echoes)

	// Every response was delivered exactly once.
	seen := map[int64]bool{}
	for echo := range echoes {
		assert.False(t, seen[echo], "response %d delivered twice", echo)
		seen[echo] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentCallsReceiveOwnResponse(t *testing.T) {
	s, w := newPipeSession(t)
	const n = 20

	go func() {
		for range n {
			msg := w.next()
			id := requestID(msg)
			params, _ := msg["params"].(map[string]any)
			w.reply(id, map[string]any{"id": id, "tag": params["tag"]})
		}
	}()

	var g errgroup.Group
	for i := range n {
		tag := fmt.Sprintf("caller-%d", i)
		g.Go(func() error {
			raw, err := s.Call(context.Background(), "echo", map[string]any{"tag": tag}, 5*time.Second)
			if err != nil {
				return err
			}
			var got struct {
				Tag string `json:"tag"`
			}
			if err := json.Unmarshal(raw, &got); err != nil {
				return err
			}
			if got.Tag != tag {
				return fmt.Errorf("caller %s got response for %s", tag, got.Tag)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestRequestIDsUniqueUnderConcurrency(t *testing.T) {
	s, w := newPipeSession(t)
	const n = 30

	ids := make(chan int64, n)
	go func() {
		for range n {
			id := requestID(w.next())
			ids <- id
			w.reply(id, map[string]any{})
		}
		close(ids)
	}()

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			_, err := s.Call(context.Background(), "noop", nil, 5*time.Second)
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		assert.Greater(t, id, initializeID)
		assert.LessOrEqual(t, id, int64(n))
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestRequestIDsIncreaseAcrossCalls(t *testing.T) {
	s, w := newPipeSession(t)

	ids := make(chan int64, 4)
	go func() {
		for range 4 {
			id := requestID(w.next())
			ids <- id
			if id == 2 {
				// Leave id 2 unanswered so it times out.
				continue
			}
			w.reply(id, map[string]any{})
		}
	}()

	_, err := s.Call(context.Background(), "a", nil, time.Second)
	require.NoError(t, err)
	_, err = s.Call(context.Background(), "b", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	_, err = s.Call(context.Background(), "c", nil, time.Second)
	require.NoError(t, err)
	_, err = s.Call(context.Background(), "d", nil, time.Second)
	require.NoError(t, err)

	var prev int64 = initializeID
	for range 4 {
		id := <-ids
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestMalformedLineIsSkipped(t *testing.T) {
	s, w := newPipeSession(t)

	go func() {
		id := requestID(w.next())
		w.writeLine("not json at all")
		w.writeLine(`{"partial":`)
		w.writeLine("")
		w.writeLine(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)
		w.reply(id, map[string]any{"answer": "ok"})
	}()

	result, err := s.Call(context.Background(), "tools/call", nil, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"ok"}`, string(result))
	assert.Equal(t, "ready", s.State())
}

func TestErrorEnvelopeObject(t *testing.T) {
	s, w := newPipeSession(t)

	go func() {
		id := requestID(w.next())
		w.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"boom"}}`, id))
	}()

	_, err := s.Call(context.Background(), "tools/call", nil, time.Second)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "boom", rpcErr.Message)
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorEnvelopeString(t *testing.T) {
	s, w := newPipeSession(t)

	go func() {
		id := requestID(w.next())
		w.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":"boom"}`, id))
	}()

	_, err := s.Call(context.Background(), "tools/call", nil, time.Second)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "boom", rpcErr.Error())
}

func TestStreamCloseFailsAllPending(t *testing.T) {
	s, w := newPipeSession(t)
	const k = 5

	go func() {
		for range k {
			w.next()
		}
		w.closeOutput()
	}()

	errs := make(chan error, k)
	for range k {
		go func() {
			_, err := s.Call(context.Background(), "slow", nil, 0)
			errs <- err
		}()
	}

	deadline := time.After(3 * time.Second)
	for range k {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-deadline:
			t.Fatal("pending calls did not resolve after stream closed")
		}
	}
	assert.Equal(t, "closed", s.State())

	_, err := s.Call(context.Background(), "after", nil, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTimeoutAbandonsAndDiscardsLateResponse(t *testing.T) {
	s, w := newPipeSession(t)

	go w.next()
	_, err := s.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	s.mu.Lock()
	pc, ok := s.pending[1]
	s.mu.Unlock()
	require.True(t, ok, "abandoned call should stay registered")
	assert.True(t, pc.abandoned)

	// The late response for id 1 must not reach the next caller (id 2).
	go func() {
		w.reply(1, map[string]any{"stale": true})
		id := requestID(w.next())
		w.reply(id, map[string]any{"fresh": true})
	}()
	result, err := s.Call(context.Background(), "fast", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fresh":true}`, string(result))

	s.mu.Lock()
	_, stillThere := s.pending[1]
	s.mu.Unlock()
	assert.False(t, stillThere)
}

func TestContextCancellation(t *testing.T) {
	s, w := newPipeSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		w.next()
		cancel()
	}()

	_, err := s.Call(ctx, "slow", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnavailableFailsFast(t *testing.T) {
	cause := errors.New("exec: \"notebooklm-mcp\": executable file not found in $PATH")
	s := Unavailable(cause)

	start := time.Now()
	_, err := s.Call(context.Background(), "tools/call", nil, time.Minute)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "unavailable", s.State())
	assert.ErrorIs(t, s.Notify("x", nil), ErrUnavailable)
	assert.NoError(t, s.Close())
}

func TestCloseFailsPendingAndIsIdempotent(t *testing.T) {
	s, w := newPipeSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "slow", nil, 0)
		errCh <- err
	}()
	w.next()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release pending call")
	}
}

func TestUnknownResponseIDIgnored(t *testing.T) {
	s, w := newPipeSession(t)

	go func() {
		id := requestID(w.next())
		w.reply(9999, map[string]any{"wrong": true})
		w.reply(id, map[string]any{"right": true})
	}()

	result, err := s.Call(context.Background(), "x", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"right":true}`, string(result))
}
