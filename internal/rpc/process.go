package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultKillGrace        = 3 * time.Second
)

// Config describes the worker to spawn.
type Config struct {
	Command string
	Args    []string
	Env     []string

	ClientName    string
	ClientVersion string

	HandshakeTimeout time.Duration
	// KillGrace bounds how long the worker may take to exit after SIGTERM
	// before it is killed.
	KillGrace time.Duration

	Logger *slog.Logger
}

type process struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	grace   time.Duration
	exited  chan struct{}
	waitErr error
}

// Start launches the worker and performs the handshake. On failure the
// worker, if it was started, is torn down before returning.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}

	// The worker outlives the caller's ctx; only Close stops it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cfg.KillGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting worker %q: %w", cfg.Command, err)
	}

	logger = logger.With(slog.Int("pid", cmd.Process.Pid))
	s := NewSession(stdin, stdout, logger)
	s.proc = &process{
		cmd:    cmd,
		cancel: cancel,
		grace:  cfg.KillGrace,
		exited: make(chan struct{}),
	}
	go drainStderr(stderr, logger)
	go s.waitExit()

	if err := s.Initialize(ctx, cfg.ClientName, cfg.ClientVersion, cfg.HandshakeTimeout); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("worker %q handshake: %w", cfg.Command, err)
	}
	logger.Info("worker session ready", slog.String("command", cfg.Command))
	return s, nil
}

// waitExit reaps the worker once stdout is drained so no trailing response
// is lost to Wait closing the pipe.
func (s *Session) waitExit() {
	<-s.readDone
	err := s.proc.cmd.Wait()
	s.proc.waitErr = err
	close(s.proc.exited)
	if err != nil {
		s.log.Info("worker exited", slog.Any("error", err))
		return
	}
	s.log.Info("worker exited")
}

func (p *process) stop() error {
	p.cancel()
	select {
	case <-p.exited:
		// A signalled exit is the expected outcome here.
		var exitErr *exec.ExitError
		if p.waitErr == nil || errors.As(p.waitErr, &exitErr) || errors.Is(p.waitErr, context.Canceled) {
			return nil
		}
		return p.waitErr
	case <-time.After(p.grace + time.Second):
		return fmt.Errorf("worker did not exit within %s", p.grace)
	}
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		logger.Debug("worker stderr", slog.String("line", scanner.Text()))
	}
}
