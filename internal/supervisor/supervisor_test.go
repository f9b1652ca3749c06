//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ivbench/internal/backend"
)

type fakeLocator struct {
	spec          backend.LaunchSpec
	err           error
	calls         atomic.Int32
	invalidations atomic.Int32
}

func (f *fakeLocator) Invalidate() { f.invalidations.Add(1) }

func (f *fakeLocator) Locate(ctx context.Context) (backend.LaunchSpec, error) {
	f.calls.Add(1)
	if f.err != nil {
		return backend.LaunchSpec{}, f.err
	}
	return f.spec, nil
}

func shellLocator(t *testing.T, script string) *fakeLocator {
	t.Helper()
	return &fakeLocator{spec: backend.LaunchSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		Dir:        t.TempDir(),
	}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitForLine(t *testing.T, ch <-chan Event, line string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before %q", line)
			}
			if ev.Type == EventStdout && ev.Data == line {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", line)
		}
	}
}

func TestSupervisor_StartCapturesOutputAndStops(t *testing.T) {
	loc := shellLocator(t, `echo "hello $IVBENCH_TEST"; exec sleep 30`)
	sup := New(loc, Options{Env: []string{"IVBENCH_TEST=world"}})

	subID, ch, _ := sup.Subscribe()
	defer sup.Unsubscribe(subID)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sup.State() != StateRunning {
		t.Fatalf("expected running, got %s", sup.State())
	}
	snap := sup.Snapshot()
	if snap.PID == 0 || snap.RunID == "" {
		t.Errorf("expected pid and run id, got %+v", snap)
	}

	waitForLine(t, ch, "hello world")

	sup.Stop(context.Background())
	if sup.State() != StateStopped {
		t.Errorf("expected stopped, got %s", sup.State())
	}
	if sup.Snapshot().PID != 0 {
		t.Error("expected process handle to be released")
	}
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	loc := shellLocator(t, "exec sleep 30")
	sup := New(loc, Options{})
	defer sup.Stop(context.Background())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pid := sup.Snapshot().PID

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if got := sup.Snapshot().PID; got != pid {
		t.Errorf("expected same pid %d, got %d", pid, got)
	}
	if loc.calls.Load() != 1 {
		t.Errorf("expected 1 locate call, got %d", loc.calls.Load())
	}
}

func TestSupervisor_ConcurrentStartSpawnsOnce(t *testing.T) {
	loc := shellLocator(t, "exec sleep 30")
	sup := New(loc, Options{})
	defer sup.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Start(context.Background()); err != nil {
				t.Errorf("Start failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if loc.calls.Load() != 1 {
		t.Errorf("expected a single spawn, got %d locate calls", loc.calls.Load())
	}
}

func TestSupervisor_UnexpectedExitIsCrash(t *testing.T) {
	sup := New(shellLocator(t, "exit 3"), Options{})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return sup.State() == StateCrashed })

	snap := sup.Snapshot()
	if snap.ExitCode == nil || *snap.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", snap.ExitCode)
	}
	var unexpected *UnexpectedExitError
	if !errors.As(snap.LastError, &unexpected) {
		t.Errorf("expected UnexpectedExitError, got %v", snap.LastError)
	}

	// Stop after a crash does nothing.
	sup.Stop(context.Background())
	if sup.State() != StateCrashed {
		t.Errorf("expected crashed after no-op stop, got %s", sup.State())
	}
}

func TestSupervisor_EscalatesWhenTermIgnored(t *testing.T) {
	loc := shellLocator(t, `trap '' TERM; echo armed; sleep 30`)
	sup := New(loc, Options{GracefulTimeout: 200 * time.Millisecond, EscalationMargin: time.Second})

	subID, ch, _ := sup.Subscribe()
	defer sup.Unsubscribe(subID)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForLine(t, ch, "armed")

	start := time.Now()
	sup.Stop(context.Background())
	elapsed := time.Since(start)

	if sup.State() != StateStopped {
		t.Errorf("expected stopped, got %s", sup.State())
	}
	if elapsed > 3*time.Second {
		t.Errorf("stop took %v", elapsed)
	}
}

func TestSupervisor_RestartAfterStop(t *testing.T) {
	sup := New(shellLocator(t, "exec sleep 30"), Options{})
	defer sup.Stop(context.Background())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := sup.Snapshot().RunID
	sup.Stop(context.Background())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if second := sup.Snapshot().RunID; second == first || second == "" {
		t.Errorf("expected a new run id, got %q after %q", second, first)
	}
}

func TestSupervisor_StopBeforeStartIsNoop(t *testing.T) {
	sup := New(shellLocator(t, "true"), Options{})
	sup.Stop(context.Background())
	if sup.State() != StateNotStarted {
		t.Errorf("expected not_started, got %s", sup.State())
	}
}

func TestSupervisor_ResolutionFailure(t *testing.T) {
	loc := &fakeLocator{err: &backend.NotFoundError{}}
	sup := New(loc, Options{})

	err := sup.Start(context.Background())
	var pathErr *PathResolutionError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected PathResolutionError, got %v", err)
	}
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound in chain, got %v", err)
	}
	if sup.State() != StateCrashed {
		t.Errorf("expected crashed, got %s", sup.State())
	}
}

func TestSupervisor_MissingWorkingDirectory(t *testing.T) {
	loc := &fakeLocator{spec: backend.LaunchSpec{
		Executable: "/bin/sh",
		Dir:        filepath.Join(t.TempDir(), "gone"),
	}}
	sup := New(loc, Options{})

	var pathErr *PathResolutionError
	if err := sup.Start(context.Background()); !errors.As(err, &pathErr) {
		t.Fatalf("expected PathResolutionError, got %v", err)
	}
}

func TestSupervisor_MissingEntryScript(t *testing.T) {
	dir := t.TempDir()
	loc := &fakeLocator{spec: backend.LaunchSpec{
		Executable: "/bin/sh",
		Dir:        dir,
		Entry:      filepath.Join(dir, "main.py"),
	}}
	sup := New(loc, Options{})

	var pathErr *PathResolutionError
	if err := sup.Start(context.Background()); !errors.As(err, &pathErr) {
		t.Fatalf("expected PathResolutionError, got %v", err)
	}
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	loc := &fakeLocator{spec: backend.LaunchSpec{
		Executable: filepath.Join(t.TempDir(), "no-such-binary"),
		Dir:        t.TempDir(),
	}}
	sup := New(loc, Options{})

	err := sup.Start(context.Background())
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if sup.State() != StateCrashed {
		t.Errorf("expected crashed, got %s", sup.State())
	}
	if !errors.Is(sup.Snapshot().LastError, err) {
		t.Errorf("expected last error to be recorded")
	}
	if n := loc.invalidations.Load(); n != 1 {
		t.Errorf("expected the cached launch to be invalidated once, got %d", n)
	}
}

func TestSupervisor_SetupFailureAbortsStart(t *testing.T) {
	loc := shellLocator(t, "exec sleep 30")
	loc.spec.Setup = []string{"/bin/sh", "-c", "echo preparing; exit 1"}
	sup := New(loc, Options{})
	defer sup.Stop(context.Background())

	err := sup.Start(context.Background())
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Code != 1 {
		t.Fatalf("expected SetupError with code 1, got %v", err)
	}
	if sup.State() != StateCrashed {
		t.Errorf("expected crashed, got %s", sup.State())
	}
	if sup.Snapshot().PID != 0 {
		t.Error("expected no backend process")
	}

	lines := sup.Output("", 0)
	if len(lines) != 1 || lines[0].Data != "preparing" {
		t.Errorf("expected setup output to be forwarded, got %+v", lines)
	}
}

func TestSupervisor_SetupRunsBeforeLaunch(t *testing.T) {
	loc := shellLocator(t, "test -f prepared && echo prepared-ok; exec sleep 30")
	loc.spec.Setup = []string{"/bin/sh", "-c", "touch prepared"}
	sup := New(loc, Options{})
	defer sup.Stop(context.Background())

	subID, ch, _ := sup.Subscribe()
	defer sup.Unsubscribe(subID)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForLine(t, ch, "prepared-ok")
}

func TestSupervisor_Readiness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"server is running"`))
	}))
	defer srv.Close()

	sup := New(shellLocator(t, "exec sleep 30"), Options{ReadyURL: srv.URL})
	defer sup.Stop(context.Background())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if !sup.Snapshot().Ready {
		t.Error("expected snapshot to report ready")
	}
}

func TestSupervisor_WaitReadyAfterCrash(t *testing.T) {
	sup := New(shellLocator(t, "exit 1"), Options{ReadyURL: "http://127.0.0.1:1/"})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var unexpected *UnexpectedExitError
	if err := sup.WaitReady(ctx); !errors.As(err, &unexpected) {
		t.Errorf("expected UnexpectedExitError, got %v", err)
	}
}

func TestSupervisor_Resources(t *testing.T) {
	sup := New(shellLocator(t, "exec sleep 30"), Options{})

	if _, err := sup.Resources(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop(context.Background())

	res, err := sup.Resources(context.Background())
	if err != nil {
		t.Fatalf("Resources failed: %v", err)
	}
	if res.PID != sup.Snapshot().PID {
		t.Errorf("expected pid %d, got %d", sup.Snapshot().PID, res.PID)
	}
}

func TestTreeKillTerminator_FallsBackToKill(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	term := TreeKillTerminator{Command: filepath.Join(t.TempDir(), "no-taskkill")}
	if err := term.Terminate(context.Background(), cmd.Process, exited, time.Second); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("process still running after fallback kill")
	}
}

func TestSubscribe_ReplaysHistory(t *testing.T) {
	sup := New(shellLocator(t, "echo one; echo two"), Options{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		for _, ev := range sup.history.events(nil) {
			if ev.Type == EventExit {
				return true
			}
		}
		return false
	})

	subID, _, replay := sup.Subscribe()
	defer sup.Unsubscribe(subID)

	var lines []string
	sawExit := false
	for _, ev := range replay {
		switch ev.Type {
		case EventStdout:
			lines = append(lines, ev.Data)
		case EventExit:
			sawExit = true
		}
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Errorf("expected [one two] in order, got %v", lines)
	}
	if !sawExit {
		t.Error("expected exit event in history")
	}
}

func TestUnsubscribe_UnknownIsNoop(t *testing.T) {
	sup := New(shellLocator(t, "true"), Options{})
	// Should not panic.
	sup.Unsubscribe("nonexistent")
}
