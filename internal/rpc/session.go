package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const maxLineSize = 10 * 1024 * 1024

// Session multiplexes one worker's stdin/stdout across concurrent callers.
// A single goroutine owns stdout and hands each response to the caller
// waiting on its id.
type Session struct {
	log *slog.Logger

	stdin io.WriteCloser
	proc  *process

	nextID atomic.Int64

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[int64]*pendingCall
	closed      bool
	unavailable bool
	closeErr    error

	readDone  chan struct{}
	closeOnce sync.Once
}

type pendingCall struct {
	method    string
	ch        chan reply
	abandoned bool
}

type reply struct {
	result json.RawMessage
	err    error
}

// NewSession wires a session to an already running worker's streams and
// starts the read loop. It does not perform the handshake.
func NewSession(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		log:      logger,
		stdin:    stdin,
		pending:  map[int64]*pendingCall{},
		readDone: make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s
}

// Unavailable returns a session that never reached a usable state. Every
// call fails immediately with an error wrapping ErrUnavailable and cause.
func Unavailable(cause error) *Session {
	s := &Session{
		log:         slog.Default(),
		pending:     map[int64]*pendingCall{},
		closed:      true,
		unavailable: true,
		closeErr:    fmt.Errorf("%w: %w", ErrUnavailable, cause),
		readDone:    make(chan struct{}),
	}
	close(s.readDone)
	return s
}

// Initialize performs the handshake: initialize with the reserved id, then
// the initialized notification.
func (s *Session) Initialize(ctx context.Context, clientName, clientVersion string, timeout time.Duration) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := s.call(ctx, initializeID, "initialize", params, timeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Call sends a request and blocks until its response arrives, the worker
// stream closes, timeout elapses (when positive) or ctx is done.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.call(ctx, s.nextID.Add(1), method, params, timeout)
}

func (s *Session) call(ctx context.Context, id int64, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	line, err := json.Marshal(request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	pc := &pendingCall{method: method, ch: make(chan reply, 1)}
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = pc
	s.mu.Unlock()

	if err := s.writeLine(line); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-pc.ch:
		return r.result, r.err
	case <-expired:
		s.abandon(id)
		return nil, fmt.Errorf("%s (id %d) after %s: %w", method, id, timeout, ErrTimeout)
	case <-ctx.Done():
		s.abandon(id)
		return nil, fmt.Errorf("%s (id %d): %w", method, id, ctx.Err())
	}
}

// Notify sends a one-way message.
func (s *Session) Notify(method string, params any) error {
	s.mu.Lock()
	closed, closeErr := s.closed, s.closeErr
	s.mu.Unlock()
	if closed {
		return closeErr
	}
	line, err := json.Marshal(notification{JSONRPC: jsonRPCVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", method, err)
	}
	return s.writeLine(line)
}

// State reports "ready", "closed" or "unavailable".
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.unavailable:
		return "unavailable"
	case s.closed:
		return "closed"
	default:
		return "ready"
	}
}

// Close fails every pending call, closes the worker's stdin and, for
// spawned workers, terminates the process within its grace period.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.shutdown(ErrClosed)
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.proc != nil {
			err = s.proc.stop()
		}
	})
	return err
}

func (s *Session) writeLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.stdin.Write(buf)
	return err
}

// abandon keeps the record so a late response is recognized and dropped
// instead of being reported as unknown.
func (s *Session) abandon(id int64) {
	s.mu.Lock()
	if pc, ok := s.pending[id]; ok {
		pc.abandoned = true
	}
	s.mu.Unlock()
}

func (s *Session) readLoop(stdout io.Reader) {
	defer close(s.readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}

	cause := ErrClosed
	if err := scanner.Err(); err != nil {
		cause = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	s.shutdown(cause)
}

func (s *Session) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.log.Warn("skipping malformed worker line",
			slog.String("line", truncate(string(line), 200)),
			slog.Any("error", err),
		)
		return
	}
	if !env.isResponse() {
		s.log.Debug("ignoring worker message", slog.String("method", env.Method))
		return
	}

	id := *env.ID
	s.mu.Lock()
	pc, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		s.log.Warn("dropping response for unknown id", slog.Int64("id", id))
		return
	}
	if pc.abandoned {
		s.log.Info("discarding late response",
			slog.Int64("id", id),
			slog.String("method", pc.method),
		)
		return
	}

	if hasValue(env.Error) {
		pc.ch <- reply{err: parseRPCError(env.Error)}
		return
	}
	pc.ch <- reply{result: env.Result}
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	pending := s.pending
	s.pending = map[int64]*pendingCall{}
	s.mu.Unlock()

	if len(pending) > 0 {
		s.log.Warn("worker stream closed with calls outstanding",
			slog.Int("pending", len(pending)),
			slog.Any("error", cause),
		)
	}
	for _, pc := range pending {
		if !pc.abandoned {
			pc.ch <- reply{err: cause}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
