package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// LaunchSpec is everything the supervisor needs to spawn the backend.
type LaunchSpec struct {
	Executable string
	Args       []string
	// Dir is the working directory of the spawned process.
	Dir string
	// Entry is the script the interpreter loads; empty for frozen bundles.
	Entry string
	// Setup, when set, is run to completion in Dir before the backend is
	// spawned.
	Setup []string
}

// Options configures a Locator.
type Options struct {
	Mode   Mode
	Layout Layout
	Host   string
	Port   int
	// Candidates replaces the default candidate list when non-empty.
	Candidates []Candidate
	// Setup runs the backend's setup.py with the resolved interpreter
	// before each launch, when the script exists.
	Setup bool
}

// Locator turns the resolved executable into a LaunchSpec.
type Locator struct {
	resolver *Resolver
	platform Platform
	opts     Options
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == 0 {
		o.Port = 8000
	}
	return o
}

// ReadyURL is the backend's health endpoint.
func (o Options) ReadyURL() string {
	o = o.withDefaults()
	return fmt.Sprintf("http://%s:%d/", o.Host, o.Port)
}

// SessionURL is the backend's measurement WebSocket endpoint.
func (o Options) SessionURL() string {
	o = o.withDefaults()
	return fmt.Sprintf("ws://%s:%d/com", o.Host, o.Port)
}

// NewLocator creates a Locator for the given platform.
func NewLocator(platform Platform, opts Options) *Locator {
	return &Locator{
		resolver: NewResolver(platform),
		platform: platform,
		opts:     opts.withDefaults(),
	}
}

// Candidates returns the ordered list Locate will evaluate.
func (l *Locator) Candidates() []Candidate {
	if len(l.opts.Candidates) > 0 {
		return append([]Candidate(nil), l.opts.Candidates...)
	}
	return DefaultCandidates(l.platform, l.opts.Mode, l.opts.Layout)
}

// Locate resolves the executable and builds its launch arguments.
func (l *Locator) Locate(ctx context.Context) (LaunchSpec, error) {
	res, err := l.resolver.Resolve(ctx, l.Candidates())
	if err != nil {
		return LaunchSpec{}, err
	}
	return l.launchFor(res), nil
}

func (l *Locator) launchFor(res Resolved) LaunchSpec {
	hostArgs := []string{"--host", l.opts.Host, "--port", strconv.Itoa(l.opts.Port)}

	if res.Frozen {
		return LaunchSpec{
			Executable: res.Executable,
			Args:       hostArgs,
			Dir:        filepath.Dir(res.Executable),
		}
	}

	entry := l.opts.Layout.EntryScript(l.opts.Mode)
	spec := LaunchSpec{
		Executable: res.Executable,
		Args:       append([]string{"-m", "uvicorn", "main:app"}, hostArgs...),
		Dir:        filepath.Dir(entry),
		Entry:      entry,
	}
	if l.opts.Setup {
		script := l.opts.Layout.SetupScript(l.opts.Mode)
		if info, err := os.Stat(script); err == nil && info.Mode().IsRegular() {
			spec.Setup = []string{res.Executable, script}
		}
	}
	return spec
}

func (l *Locator) ReadyURL() string { return l.opts.ReadyURL() }

func (l *Locator) SessionURL() string { return l.opts.SessionURL() }
