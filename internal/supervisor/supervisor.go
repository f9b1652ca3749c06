package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ivbench/internal/backend"
)

const (
	defaultHistoryCapacity   = 1000
	defaultSubscriberBufCap  = 100
	defaultGracefulTimeout   = 2 * time.Second
	defaultEscalationMargin  = 1 * time.Second
	defaultOutputDrainPeriod = 500 * time.Millisecond
)

// Locator produces the launch parameters of the backend.
type Locator interface {
	Locate(ctx context.Context) (backend.LaunchSpec, error)
}

// invalidator is implemented by locators that cache their result. The
// cache is dropped when a located launch cannot be used.
type invalidator interface {
	Invalidate()
}

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	// GracefulTimeout is how long Stop waits after the polite signal.
	GracefulTimeout time.Duration
	// EscalationMargin bounds the wait for the exit after forceful
	// termination.
	EscalationMargin time.Duration
	// ReadyURL is polled after spawn; empty disables readiness checks.
	ReadyURL     string
	ReadyTimeout time.Duration
	// SetupTimeout bounds the launch's setup command.
	SetupTimeout time.Duration
	// Env is appended to the inherited environment.
	Env        []string
	Terminator Terminator
}

// Supervisor owns at most one backend process. Start and Stop are its
// only mutators and are serialized against each other.
type Supervisor struct {
	locator Locator
	opts    Options

	lifecycle sync.Mutex

	mu         sync.RWMutex
	state      State
	proc       *os.Process
	pid        int
	runID      string
	executable string
	startedAt  time.Time
	exitCode   *int
	lastErr    error
	ready      bool
	stopping   bool
	exited     chan struct{}

	history     *history
	subMu       sync.RWMutex
	subscribers map[string]chan Event
}

// New creates a supervisor in the NotStarted state.
func New(locator Locator, opts Options) *Supervisor {
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = defaultGracefulTimeout
	}
	if opts.EscalationMargin <= 0 {
		opts.EscalationMargin = defaultEscalationMargin
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.Terminator == nil {
		opts.Terminator = defaultTerminator()
	}
	return &Supervisor{
		locator:     locator,
		opts:        opts,
		state:       StateNotStarted,
		history:     newHistory(defaultHistoryCapacity),
		subscribers: make(map[string]chan Event),
	}
}

// Start launches the backend. It is a no-op while a process is starting
// or running. Resolution and spawn failures leave the supervisor Crashed
// and are not retried.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	// Stop holds the lifecycle lock, so Stopping is never observed here.
	if s.state.Active() {
		pid := s.pid
		s.mu.Unlock()
		log.Info().Int("pid", pid).Msg("backend is already running")
		return nil
	}
	s.state = StateStarting
	s.exitCode = nil
	s.lastErr = nil
	s.ready = false
	s.stopping = false
	s.mu.Unlock()
	s.publishState()

	spec, err := s.locator.Locate(ctx)
	if err != nil {
		return s.fail(&PathResolutionError{Err: err})
	}
	if err := checkLaunch(spec); err != nil {
		s.invalidateLaunch()
		return s.fail(&PathResolutionError{Err: err})
	}

	runID := uuid.NewString()
	if len(spec.Setup) > 0 {
		if err := s.runSetup(ctx, runID, spec); err != nil {
			return s.fail(err)
		}
	}

	stdout := newLineWriter(func(line string) { s.emitOutput(runID, EventStdout, line) })
	stderr := newLineWriter(func(line string) { s.emitOutput(runID, EventStderr, line) })

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.SysProcAttr = sysProcAttr()
	// cmd.Stdin is left nil, so the backend reads from the null device.
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = defaultOutputDrainPeriod

	log.Info().
		Str("executable", spec.Executable).
		Strs("args", spec.Args).
		Str("dir", spec.Dir).
		Str("run", runID).
		Msg("starting backend")

	if err := cmd.Start(); err != nil {
		s.invalidateLaunch()
		return s.fail(&SpawnError{Executable: spec.Executable, Err: err})
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.state = StateRunning
	s.proc = cmd.Process
	s.pid = cmd.Process.Pid
	s.runID = runID
	s.executable = spec.Executable
	s.startedAt = time.Now().UTC()
	s.exited = exited
	s.mu.Unlock()

	log.Info().Int("pid", cmd.Process.Pid).Str("run", runID).Msg("backend started")
	s.publishState()

	go s.waitForExit(cmd, runID, exited, stdout, stderr)
	if s.opts.ReadyURL != "" {
		go s.awaitReady(runID, exited)
	}

	return nil
}

// checkLaunch verifies the working directory and entry script exist.
func checkLaunch(spec backend.LaunchSpec) error {
	info, err := os.Stat(spec.Dir)
	if err != nil {
		return fmt.Errorf("backend directory does not exist: %s", spec.Dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("backend path is not a directory: %s", spec.Dir)
	}
	if spec.Entry != "" {
		if _, err := os.Stat(spec.Entry); err != nil {
			return fmt.Errorf("backend entry script does not exist: %s", spec.Entry)
		}
	}
	return nil
}

func (s *Supervisor) invalidateLaunch() {
	if inv, ok := s.locator.(invalidator); ok {
		inv.Invalidate()
	}
}

func (s *Supervisor) fail(err error) error {
	s.mu.Lock()
	s.state = StateCrashed
	s.lastErr = err
	s.proc = nil
	s.pid = 0
	s.mu.Unlock()

	log.Error().Err(err).Msg("failed to start backend")
	s.publishState()
	return err
}

// waitForExit waits for the process and records how it ended.
func (s *Supervisor) waitForExit(cmd *exec.Cmd, runID string, exited chan struct{}, stdout, stderr *lineWriter) {
	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	if s.runID != runID {
		// A forced Stop already released this run.
		s.mu.Unlock()
		close(exited)
		log.Debug().Str("run", runID).Int("code", exitCode).Msg("late exit of released backend")
		return
	}
	s.exitCode = &exitCode
	s.proc = nil
	s.pid = 0
	s.ready = false
	if s.stopping {
		s.state = StateStopped
	} else if s.state != StateStopped {
		s.state = StateCrashed
		s.lastErr = &UnexpectedExitError{Code: exitCode, Err: err}
	}
	state := s.state
	s.mu.Unlock()
	close(exited)

	if state == StateCrashed {
		log.Error().Str("run", runID).Int("code", exitCode).Msg("backend exited unexpectedly")
	} else {
		log.Info().Str("run", runID).Int("code", exitCode).Msg("backend exited")
	}

	code := exitCode
	s.publish(Event{
		RunID:     runID,
		Type:      EventExit,
		Data:      fmt.Sprintf("exit_code:%d", exitCode),
		ExitCode:  &code,
		Timestamp: time.Now().UTC(),
	})
	s.publishState()
}

// Stop terminates the backend and returns once it has exited or the
// forceful escalation has run out. It is a no-op unless a process is
// running.
func (s *Supervisor) Stop(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.state.Active() || s.proc == nil {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.stopping = true
	proc := s.proc
	exited := s.exited
	runID := s.runID
	s.mu.Unlock()

	log.Info().Int("pid", proc.Pid).Str("run", runID).Msg("stopping backend")
	s.publishState()

	if err := s.opts.Terminator.Terminate(ctx, proc, exited, s.opts.GracefulTimeout); err != nil {
		log.Warn().Err(err).Int("pid", proc.Pid).Msg("terminate backend")
	}

	timer := time.NewTimer(s.opts.EscalationMargin)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-timer.C:
	}

	// The exit was not observed in time. Release the handle so callers
	// such as quit hooks are not blocked; the waiter only logs from here.
	log.Error().Int("pid", proc.Pid).Str("run", runID).Msg("backend did not exit after forceful termination")
	s.mu.Lock()
	if s.runID == runID && s.state == StateStopping {
		s.state = StateStopped
		s.proc = nil
		s.pid = 0
		s.runID = ""
		s.ready = false
	}
	s.mu.Unlock()
	s.publishState()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns a copy of the supervisor's state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:      s.state,
		RunID:      s.runID,
		PID:        s.pid,
		Executable: s.executable,
		StartedAt:  s.startedAt,
		Ready:      s.ready,
		LastError:  s.lastErr,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

// Subscribe creates a channel that receives backend events.
// Returns the subscription ID, the channel and the buffered history.
func (s *Supervisor) Subscribe() (string, <-chan Event, []Event) {
	subID := uuid.NewString()
	ch := make(chan Event, defaultSubscriberBufCap)

	s.subMu.Lock()
	// Get buffered history while holding the lock so no event is both
	// replayed and delivered.
	replay := s.history.events(nil)
	s.subscribers[subID] = ch
	s.subMu.Unlock()

	return subID, ch, replay
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Supervisor) Unsubscribe(subID string) {
	s.subMu.Lock()
	if ch, exists := s.subscribers[subID]; exists {
		close(ch)
		delete(s.subscribers, subID)
	}
	s.subMu.Unlock()
}

func (s *Supervisor) emitOutput(runID string, stream EventType, line string) {
	// uvicorn writes its access and startup logs to stderr.
	log.Info().Str("run", runID).Str("stream", string(stream)).Msg(line)

	s.publish(Event{
		RunID:     runID,
		Type:      stream,
		Data:      line,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Supervisor) publishState() {
	s.mu.RLock()
	ev := Event{
		RunID:     s.runID,
		Type:      EventState,
		State:     s.state,
		Timestamp: time.Now().UTC(),
	}
	s.mu.RUnlock()
	s.publish(ev)
}

// publish records an event and sends it to all subscribers. Subscribers
// with full buffers miss the event.
func (s *Supervisor) publish(event Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	s.history.add(event)
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}
