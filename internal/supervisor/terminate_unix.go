//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SignalTerminator sends SIGTERM to the process group and escalates to
// SIGKILL when the process has not exited after the grace period.
type SignalTerminator struct{}

func (SignalTerminator) Terminate(ctx context.Context, proc *os.Process, exited <-chan struct{}, grace time.Duration) error {
	if err := signalGroup(proc.Pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		log.Warn().Err(err).Int("pid", proc.Pid).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		log.Warn().Int("pid", proc.Pid).Dur("grace", grace).Msg("backend ignored SIGTERM, sending SIGKILL")
	case <-ctx.Done():
		log.Warn().Int("pid", proc.Pid).Msg("stop canceled, sending SIGKILL")
	}

	if err := signalGroup(proc.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// signalGroup signals the process group led by pid, falling back to the
// process alone when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

func defaultTerminator() Terminator {
	return SignalTerminator{}
}

// sysProcAttr puts the backend in its own process group so uvicorn
// workers are signalled together.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
