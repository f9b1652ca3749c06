package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"ivbench/internal/backend"
)

const defaultSetupTimeout = 5 * time.Minute

// runSetup runs the launch's setup command to completion in the backend
// directory. Its output is forwarded like backend output under runID.
func (s *Supervisor) runSetup(ctx context.Context, runID string, spec backend.LaunchSpec) error {
	timeout := s.opts.SetupTimeout
	if timeout <= 0 {
		timeout = defaultSetupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newLineWriter(func(line string) { s.emitOutput(runID, EventStdout, line) })
	stderr := newLineWriter(func(line string) { s.emitOutput(runID, EventStderr, line) })

	cmd := exec.CommandContext(ctx, spec.Setup[0], spec.Setup[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = defaultOutputDrainPeriod

	log.Info().Strs("args", spec.Setup).Str("dir", spec.Dir).Str("run", runID).Msg("running backend setup")

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err == nil {
		log.Info().Str("run", runID).Msg("backend setup completed")
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &SpawnError{Executable: spec.Setup[0], Err: &SetupError{Args: spec.Setup, Code: exitErr.ExitCode()}}
	}
	s.invalidateLaunch()
	return &SpawnError{Executable: spec.Setup[0], Err: err}
}
