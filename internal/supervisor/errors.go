package supervisor

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by queries that need a live process.
var ErrNotRunning = errors.New("backend is not running")

// PathResolutionError means no usable backend executable or working
// directory was found. It is fatal for the Start attempt.
type PathResolutionError struct {
	Err error
}

func (e *PathResolutionError) Error() string {
	return fmt.Sprintf("resolve backend: %v", e.Err)
}

func (e *PathResolutionError) Unwrap() error { return e.Err }

// SpawnError means the OS refused to create the backend process.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// UnexpectedExitError records a backend exit that no Stop asked for.
type UnexpectedExitError struct {
	Code int
	Err  error
}

func (e *UnexpectedExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend exited unexpectedly with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("backend exited unexpectedly with code %d", e.Code)
}

func (e *UnexpectedExitError) Unwrap() error { return e.Err }

// SetupError means the pre-launch environment setup exited non-zero. It
// is wrapped in a SpawnError because the backend was never started.
type SetupError struct {
	Args []string
	Code int
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("environment setup %v exited with code %d", e.Args, e.Code)
}
