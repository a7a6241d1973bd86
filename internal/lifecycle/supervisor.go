// Package lifecycle drives daemonization, PID-file management, signal
// handling, and graceful shutdown, adapted from the app server's ad hoc
// signal-channel-plus-http.Server.Shutdown watcher in cmd/server/main.go,
// generalized from one HTTP server to an errgroup-joined set of
// components (listener, worker pool, render cache janitor).
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// daemonizeSentinelEnv marks a process as the re-exec'd background
// child, so Daemonize does not fork indefinitely.
const daemonizeSentinelEnv = "VOXELD_DAEMONIZED"

// State is the daemon's lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Errored
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Supervisor owns the daemon's state machine, PID file, and signal
// handling. Workers and other components register shutdown hooks via
// OnShutdown; Supervisor joins them with golang.org/x/sync/errgroup
// bounded by a shutdown deadline.
type Supervisor struct {
	log *zap.Logger

	pidFilePath     string
	shutdownTimeout time.Duration

	state     atomic.Int32
	startedAt time.Time

	shuttingDown atomic.Bool
	reloadFlag   atomic.Bool

	hooksMu      sync.Mutex
	shutdownHooks []func(ctx context.Context) error
	reloadHooks   []func()

	sigCh chan os.Signal
	done  chan struct{}
}

// New builds a Supervisor. pidFilePath may be empty to skip PID-file
// management entirely (useful for foreground/test runs).
func New(pidFilePath string, shutdownTimeout time.Duration, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	s := &Supervisor{
		log:             log,
		pidFilePath:     pidFilePath,
		shutdownTimeout: shutdownTimeout,
		done:            make(chan struct{}),
	}
	s.state.Store(int32(Stopped))
	return s
}

// State implements rpc.StatusProvider.
func (s *Supervisor) State() string { return State(s.state.Load()).String() }

// StartedAt implements rpc.StatusProvider.
func (s *Supervisor) StartedAt() time.Time { return s.startedAt }

// IsDaemonizedChild reports whether this process is the re-exec'd
// background child, i.e. whether the sentinel environment variable is
// set (false in a process that was never daemonized).
func IsDaemonizedChild() bool {
	return os.Getenv(daemonizeSentinelEnv) != ""
}

// Daemonize re-execs the current binary detached into a new session
// (setsid, stdio redirected to /dev/null), then exits the parent. It
// returns immediately (without exiting) when this process is already
// the re-exec'd child. workingDir becomes the child's cwd.
func Daemonize(workingDir string) error {
	if IsDaemonizedChild() {
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("lifecycle: open /dev/null: %w", err)
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizeSentinelEnv+"=1")
	cmd.Dir = workingDir
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lifecycle: daemonize re-exec: %w", err)
	}

	os.Exit(0)
	return nil // unreachable
}

// OnShutdown registers a hook run during graceful stop. Hooks run
// concurrently via errgroup, bounded by the supervisor's shutdown
// timeout.
func (s *Supervisor) OnShutdown(fn func(ctx context.Context) error) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.shutdownHooks = append(s.shutdownHooks, fn)
}

// OnReload registers a hook run when SIGHUP is received.
func (s *Supervisor) OnReload(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.reloadHooks = append(s.reloadHooks, fn)
}

// Start transitions Stopped -> Starting -> Running, writes the PID
// file (if configured), and installs signal handlers. Signals arrive on
// a channel read by the signalLoop goroutine, which sets the matching
// atomic flag and then runs the shutdown or reload hooks itself.
func (s *Supervisor) Start() error {
	s.state.Store(int32(Starting))

	if s.pidFilePath != "" {
		if err := WritePIDFile(s.pidFilePath, os.Getpid()); err != nil {
			s.state.Store(int32(Errored))
			return err
		}
	}

	s.sigCh = make(chan os.Signal, 8)
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGCHLD)
	signal.Ignore(syscall.SIGPIPE)

	s.startedAt = time.Now()
	s.state.Store(int32(Running))

	go s.signalLoop()
	return nil
}

func (s *Supervisor) signalLoop() {
	for sig := range s.sigCh {
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			s.shuttingDown.Store(true)
			s.gracefulStop()
			return
		case syscall.SIGHUP:
			s.reloadFlag.Store(true)
			s.runReloadHooks()
			s.reloadFlag.Store(false)
		case syscall.SIGCHLD:
			// no child processes are spawned outside of Daemonize's
			// one-shot re-exec, which detaches immediately; nothing to reap.
		}
	}
}

func (s *Supervisor) runReloadHooks() {
	s.hooksMu.Lock()
	hooks := append([]func(){}, s.reloadHooks...)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// gracefulStop runs every registered shutdown hook concurrently,
// bounded by shutdownTimeout, then removes the PID file.
func (s *Supervisor) gracefulStop() {
	s.state.Store(int32(Stopping))

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.hooksMu.Lock()
	hooks := append([]func(ctx context.Context) error{}, s.shutdownHooks...)
	s.hooksMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hooks {
		h := h
		g.Go(func() error { return h(gctx) })
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			s.log.Warn("shutdown hook error", zap.Error(err))
		}
	case <-ctx.Done():
		s.log.Warn("shutdown hooks still running at shutdown timeout; stopping anyway")
	}

	if s.pidFilePath != "" {
		if err := RemovePIDFile(s.pidFilePath); err != nil {
			s.log.Warn("remove pid file", zap.Error(err))
		}
	}

	s.state.Store(int32(Stopped))
	close(s.done)
}

// Done returns a channel closed once graceful shutdown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// ShuttingDown reports whether a stop signal has been observed.
func (s *Supervisor) ShuttingDown() bool { return s.shuttingDown.Load() }

// RequestShutdown triggers the same path a SIGTERM would, for
// in-process tests and for programmatic stop.
func (s *Supervisor) RequestShutdown() {
	if s.shuttingDown.CompareAndSwap(false, true) {
		go s.gracefulStop()
	}
}
