package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultProbeTimeout = 3 * time.Second

// ErrNotFound is matched by every *NotFoundError.
var ErrNotFound = errors.New("backend executable not found")

// NotFoundError lists every candidate that was tried.
type NotFoundError struct {
	Attempted []Candidate
}

func (e *NotFoundError) Error() string {
	names := make([]string, len(e.Attempted))
	for i, c := range e.Attempted {
		names[i] = c.String()
	}
	return fmt.Sprintf("%v (tried %s)", ErrNotFound, strings.Join(names, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Resolved is an accepted candidate with the path that will be executed.
type Resolved struct {
	Candidate
	// Executable is the absolute path for filesystem candidates and the
	// PATH lookup result for commands.
	Executable string
}

// Resolver picks the first usable candidate from an ordered list.
type Resolver struct {
	platform     Platform
	probeTimeout time.Duration

	// Hooks for the filesystem and process probes.
	stat     func(string) (fs.FileInfo, error)
	chmod    func(string, fs.FileMode) error
	lookPath func(string) (string, error)
	probe    func(ctx context.Context, executable string) error

	mu    sync.Mutex
	fixed map[string]bool
}

// NewResolver returns a Resolver using the real filesystem and PATH.
func NewResolver(platform Platform) *Resolver {
	return &Resolver{
		platform:     platform,
		probeTimeout: defaultProbeTimeout,
		stat:         os.Stat,
		chmod:        os.Chmod,
		lookPath:     exec.LookPath,
		probe:        probeVersion,
		fixed:        make(map[string]bool),
	}
}

// ResolveFor builds the default candidate list for platform and mode and
// resolves it.
func (r *Resolver) ResolveFor(ctx context.Context, mode Mode, layout Layout) (Resolved, error) {
	return r.Resolve(ctx, DefaultCandidates(r.platform, mode, layout))
}

// Resolve evaluates candidates in order and returns the first accepted one.
func (r *Resolver) Resolve(ctx context.Context, candidates []Candidate) (Resolved, error) {
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Resolved{}, err
		}

		var (
			exe string
			err error
		)
		switch c.Kind {
		case KindCommand:
			exe, err = r.acceptCommand(ctx, c.Path)
		default:
			exe, err = r.acceptPath(c.Path)
		}
		if err != nil {
			log.Debug().Str("candidate", c.String()).Err(err).Msg("backend candidate rejected")
			continue
		}

		log.Debug().Str("candidate", c.String()).Str("executable", exe).Msg("backend candidate accepted")
		return Resolved{Candidate: c, Executable: exe}, nil
	}

	return Resolved{}, &NotFoundError{Attempted: append([]Candidate(nil), candidates...)}
}

func (r *Resolver) acceptPath(path string) (string, error) {
	info, err := r.stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file: %s", path)
	}
	if r.platform == PlatformWindows {
		return path, nil
	}
	if info.Mode().Perm()&0o111 != 0 {
		return path, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fixed[path] {
		return path, nil
	}
	if err := r.chmod(path, info.Mode().Perm()|0o755); err != nil {
		return "", fmt.Errorf("make executable: %w", err)
	}
	r.fixed[path] = true
	log.Info().Str("path", path).Msg("set executable bit on backend candidate")
	return path, nil
}

func (r *Resolver) acceptCommand(ctx context.Context, name string) (string, error) {
	exe, err := r.lookPath(name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	if err := r.probe(ctx, exe); err != nil {
		return "", fmt.Errorf("probe %s: %w", name, err)
	}
	return exe, nil
}

// probeVersion runs "<exe> --version" and succeeds on exit status 0.
func probeVersion(ctx context.Context, executable string) error {
	cmd := exec.CommandContext(ctx, executable, "--version")
	return cmd.Run()
}
