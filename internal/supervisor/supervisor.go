// Package supervisor starts, stops and observes the single CLIProxyAPI+ server
// process. State lives in the PID file, so a restarted daemon picks up a
// server spawned by its predecessor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/cliproxyctl/internal/history"
	"github.com/loykin/cliproxyctl/internal/metrics"
	"github.com/loykin/cliproxyctl/internal/pidfile"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
	ErrStartFailed    = errors.New("server failed to start")
	ErrRestartFailed  = errors.New("server failed to start after restart")
)

// Default timings.
const (
	DefaultSettle          = 500 * time.Millisecond
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultPollAttempts    = 10
	DefaultRestartCooldown = time.Second
)

// Options configures a Supervisor. Zero durations and counts take the
// defaults above.
type Options struct {
	Binary     string
	ConfigPath string
	// Args replaces the default "--config <ConfigPath>" arguments.
	Args []string
	// Env is the child's environment; nil inherits the daemon's.
	Env []string
	// LogFile receives the child's stdout and stderr in append mode. Empty
	// discards them.
	LogFile string

	Settle          time.Duration
	PollInterval    time.Duration
	PollAttempts    int
	RestartCooldown time.Duration

	Sinks  []history.Sink
	Logger *slog.Logger
}

// Status is the observed state of the server. It is derived on every call.
type Status struct {
	Running   bool
	PID       int
	StartedAt time.Time
}

// StartedAtMillis returns the start time in Unix milliseconds, or 0 when stopped.
func (s Status) StartedAtMillis() int64 {
	if !s.Running {
		return 0
	}
	return s.StartedAt.UnixMilli()
}

// RestartResult describes a completed restart.
type RestartResult struct {
	PID        int
	WasRunning bool
}

// Supervisor owns the server lifecycle. All operations are serialized.
type Supervisor struct {
	opts  Options
	store *pidfile.Store
	log   *slog.Logger

	mu sync.Mutex
	// children maps pids spawned by this daemon to a channel closed once
	// the child has been reaped.
	children map[int]chan struct{}

	events sync.WaitGroup
}

// New returns a Supervisor persisting its state in store.
func New(store *pidfile.Store, opts Options) *Supervisor {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.RestartCooldown < 0 {
		opts.RestartCooldown = 0
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Supervisor{
		opts:     opts,
		store:    store,
		log:      l.With("component", "supervisor"),
		children: make(map[int]chan struct{}),
	}
}

// Status reports whether the server is running. A PID file naming a dead or
// foreign process is removed.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status(ctx)
	metrics.SetRunning(st.Running)
	return st
}

// PID returns the running server's pid, or 0.
func (s *Supervisor) PID() int {
	return s.Status(context.Background()).PID
}

// Start spawns the server and returns its pid once it survived the settle
// interval.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.status(ctx); st.Running {
		metrics.IncOperation("start", ErrAlreadyRunning)
		return 0, ErrAlreadyRunning
	}
	pid, err := s.start(ctx)
	metrics.IncOperation("start", err)
	metrics.SetRunning(err == nil)
	return pid, err
}

// Stop terminates the server, escalating to SIGKILL when it ignores SIGTERM
// for the whole polling budget.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status(ctx)
	if !st.Running {
		metrics.IncOperation("stop", ErrNotRunning)
		return ErrNotRunning
	}
	err := s.stop(ctx, st)
	metrics.IncOperation("stop", err)
	metrics.SetRunning(false)
	return err
}

// Restart stops the server if it is running, waits the cooldown, and starts it
// again.
func (s *Supervisor) Restart(ctx context.Context) (RestartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.restart(ctx)
	metrics.IncOperation("restart", err)
	metrics.SetRunning(err == nil)
	return res, err
}

func (s *Supervisor) restart(ctx context.Context) (RestartResult, error) {
	st := s.status(ctx)
	res := RestartResult{WasRunning: st.Running}
	if st.Running {
		if err := s.stop(ctx, st); err != nil {
			return res, fmt.Errorf("%w: %v", ErrRestartFailed, err)
		}
		if err := sleepCtx(ctx, s.opts.RestartCooldown); err != nil {
			return res, fmt.Errorf("%w: %v", ErrRestartFailed, err)
		}
	}
	pid, err := s.start(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrRestartFailed, err)
	}
	res.PID = pid
	s.emit(history.Event{Type: history.EventRestart, PID: pid, Detail: fmt.Sprintf("was_running=%t", res.WasRunning)})
	return res, nil
}

// Close waits for in-flight history deliveries.
func (s *Supervisor) Close() {
	s.events.Wait()
}

func (s *Supervisor) status(_ context.Context) Status {
	h, ok, err := s.store.Read()
	if err != nil {
		s.log.Warn("read pid file", "path", s.store.Path(), "error", err)
		return Status{}
	}
	if !ok {
		return Status{}
	}
	if h.PID == os.Getpid() || !s.alive(h.PID) || !s.store.Owned(h) {
		s.log.Info("clearing stale pid file", "pid", h.PID)
		if err := s.store.Clear(); err != nil {
			s.log.Warn("clear pid file", "error", err)
		}
		delete(s.children, h.PID)
		s.emit(history.Event{Type: history.EventStale, PID: h.PID, StartedAt: h.StartedAt})
		return Status{}
	}
	return Status{Running: true, PID: h.PID, StartedAt: h.StartedAt}
}

// alive prefers the reap channel of our own children, which sees an exit
// before the kernel forgets the pid.
func (s *Supervisor) alive(pid int) bool {
	if ch, ok := s.children[pid]; ok {
		select {
		case <-ch:
			delete(s.children, pid)
			return false
		default:
		}
	}
	return pidfile.Alive(pid)
}

func (s *Supervisor) args() []string {
	if s.opts.Args != nil {
		return s.opts.Args
	}
	return []string{"--config", s.opts.ConfigPath}
}

func (s *Supervisor) start(ctx context.Context) (int, error) {
	begin := time.Now()
	cmd := exec.Command(s.opts.Binary, s.args()...)
	cmd.Env = s.opts.Env
	configureSysProcAttr(cmd)

	stdin, stdout, err := s.openStdio()
	if err != nil {
		return 0, s.startFailed(0, err)
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	err = cmd.Start()
	_ = stdin.Close()
	_ = stdout.Close()
	if err != nil {
		return 0, s.startFailed(0, err)
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})
	s.children[pid] = exited
	go func() {
		err := cmd.Wait()
		s.log.Info("server process exited", "pid", pid, "error", err)
		close(exited)
	}()

	if err := s.store.Write(pid); err != nil {
		_ = signalGroup(pid, killSignal)
		return 0, s.startFailed(pid, fmt.Errorf("write pid file: %w", err))
	}
	if err := s.store.WriteIdentity(pid); err != nil {
		s.log.Warn("record process identity", "pid", pid, "error", err)
	}
	s.log.Info("server spawned", "pid", pid, "binary", s.opts.Binary)

	t := time.NewTimer(s.opts.Settle)
	select {
	case <-t.C:
	case <-exited:
		t.Stop()
	case <-ctx.Done():
		t.Stop()
	}
	metrics.ObserveStartDuration(time.Since(begin).Seconds())

	if !s.alive(pid) {
		if err := s.store.Clear(); err != nil {
			s.log.Warn("clear pid file", "error", err)
		}
		return 0, s.startFailed(pid, errors.New("process exited during startup"))
	}
	h, _, _ := s.store.Read()
	s.emit(history.Event{Type: history.EventStart, PID: pid, StartedAt: h.StartedAt})
	return pid, nil
}

func (s *Supervisor) startFailed(pid int, cause error) error {
	s.log.Error("server failed to start", "pid", pid, "error", cause)
	s.emit(history.Event{Type: history.EventStartFailed, PID: pid, Detail: cause.Error()})
	return fmt.Errorf("%w: %v", ErrStartFailed, cause)
}

func (s *Supervisor) openStdio() (*os.File, *os.File, error) {
	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return nil, nil, err
	}
	var out *os.File
	if s.opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.opts.LogFile), 0o750); err == nil {
			out, err = os.OpenFile(s.opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		}
		if err != nil {
			_ = stdin.Close()
			return nil, nil, fmt.Errorf("open server log: %w", err)
		}
	} else {
		out, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			_ = stdin.Close()
			return nil, nil, err
		}
	}
	return stdin, out, nil
}

func (s *Supervisor) stop(ctx context.Context, st Status) error {
	pid := st.PID
	if err := signalGroup(pid, termSignal); err != nil {
		s.log.Warn("send SIGTERM", "pid", pid, "error", err)
	}
	exited := false
	for i := 0; i < s.opts.PollAttempts; i++ {
		if !s.alive(pid) {
			exited = true
			break
		}
		if err := sleepCtx(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
	forced := false
	if !exited && s.alive(pid) {
		forced = true
		metrics.IncForcedStop()
		s.log.Warn("server ignored SIGTERM; killing", "pid", pid)
		if err := signalGroup(pid, killSignal); err != nil {
			s.log.Warn("send SIGKILL", "pid", pid, "error", err)
		}
		if err := sleepCtx(ctx, s.opts.PollInterval); err != nil {
			return err
		}
		if s.alive(pid) {
			s.log.Error("server still alive after SIGKILL", "pid", pid)
		}
	}
	if err := s.store.Clear(); err != nil {
		s.log.Warn("clear pid file", "error", err)
	}
	delete(s.children, pid)
	s.log.Info("server stopped", "pid", pid, "forced", forced)
	s.emit(history.Event{Type: history.EventStop, PID: pid, StartedAt: st.StartedAt, Forced: forced})
	return nil
}

// emit delivers e to every sink in the background. Sink failures are logged
// and counted, never returned.
func (s *Supervisor) emit(e history.Event) {
	if len(s.opts.Sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, sink := range s.opts.Sinks {
		s.events.Add(1)
		go func(sink history.Sink) {
			defer s.events.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.Send(ctx, e); err != nil {
				name := fmt.Sprintf("%T", sink)
				s.log.Warn("history sink failed", "sink", name, "event", e.Type, "error", err)
				metrics.IncHistoryError(name)
			}
		}(sink)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
