package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Terminator shuts a process down within a bounded time. exited is closed
// once the supervisor observes the process exit.
type Terminator interface {
	Terminate(ctx context.Context, proc *os.Process, exited <-chan struct{}, grace time.Duration) error
}

// TreeKillTerminator kills the process and all of its descendants with the
// Windows taskkill utility, falling back to a direct kill when the utility
// cannot be run.
type TreeKillTerminator struct {
	// Command is the tree-kill utility. Defaults to "taskkill".
	Command string
}

func (t TreeKillTerminator) Terminate(ctx context.Context, proc *os.Process, exited <-chan struct{}, grace time.Duration) error {
	name := t.Command
	if name == "" {
		name = "taskkill"
	}

	killCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	cmd := exec.CommandContext(killCtx, name, "/pid", strconv.Itoa(proc.Pid), "/T", "/F")
	if err := cmd.Run(); err != nil {
		log.Warn().Err(err).Int("pid", proc.Pid).Msg("tree kill failed, terminating process directly")
		return proc.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn().Int("pid", proc.Pid).Msg("backend still alive after tree kill, terminating directly")
	return proc.Kill()
}
