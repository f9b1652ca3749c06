package backend

import (
	"path/filepath"
	"runtime"
)

// Platform is an operating system family as reported by runtime.GOOS.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformDarwin  Platform = "darwin"
	PlatformLinux   Platform = "linux"
)

// CurrentPlatform returns the platform the binary runs on.
func CurrentPlatform() Platform {
	return Platform(runtime.GOOS)
}

// Mode selects between a source checkout and a packaged application.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModePackaged    Mode = "packaged"
)

// Kind distinguishes filesystem candidates from PATH command names.
type Kind string

const (
	KindPath    Kind = "path"
	KindCommand Kind = "command"
)

// Candidate is one possible location of the backend executable.
type Candidate struct {
	Path string `mapstructure:"path" json:"path"`
	Kind Kind   `mapstructure:"kind" json:"kind"`
	// Frozen marks a self-contained bundle that serves the API directly
	// instead of a Python interpreter that needs the entry module.
	Frozen bool `mapstructure:"frozen" json:"frozen,omitempty"`
}

func (c Candidate) String() string {
	if c.Kind == KindCommand {
		return "command:" + c.Path
	}
	return c.Path
}

// Layout holds the base directories candidate paths are built from.
type Layout struct {
	// RootDir is the source checkout root (development mode).
	RootDir string
	// ResourcesDir is the packaged application's resources directory.
	ResourcesDir string
}

// BackendDir returns the directory holding the backend entry script.
func (l Layout) BackendDir(mode Mode) string {
	if mode == ModeDevelopment {
		return filepath.Join(l.RootDir, "backend")
	}
	return filepath.Join(l.ResourcesDir, "backend")
}

// EntryScript is the backend's ASGI module file.
func (l Layout) EntryScript(mode Mode) string {
	return filepath.Join(l.BackendDir(mode), "main.py")
}

// SetupScript installs the backend's Python dependencies.
func (l Layout) SetupScript(mode Mode) string {
	return filepath.Join(l.BackendDir(mode), "setup.py")
}

// commandNames are probed on PATH after every filesystem location.
var commandNames = []Candidate{
	{Path: "python3", Kind: KindCommand},
	{Path: "python", Kind: KindCommand},
}

// DefaultCandidates builds the ordered candidate list for a platform and
// mode: the primary location first, then alternate bundle layouts, then
// PATH commands.
func DefaultCandidates(platform Platform, mode Mode, layout Layout) []Candidate {
	var list []Candidate

	if mode == ModeDevelopment {
		venv := filepath.Join(layout.BackendDir(mode), ".venv")
		switch platform {
		case PlatformWindows:
			list = append(list, Candidate{Path: filepath.Join(venv, "Scripts", "python.exe"), Kind: KindPath})
		default:
			list = append(list, Candidate{Path: filepath.Join(venv, "bin", "python"), Kind: KindPath})
		}
		return append(list, commandNames...)
	}

	res := layout.ResourcesDir
	bundled := filepath.Join(layout.BackendDir(mode), "python")
	switch platform {
	case PlatformWindows:
		list = append(list,
			Candidate{Path: filepath.Join(bundled, "python.exe"), Kind: KindPath},
			Candidate{Path: filepath.Join(res, "python-win", "main.exe"), Kind: KindPath, Frozen: true},
		)
	case PlatformDarwin:
		list = append(list,
			Candidate{Path: filepath.Join(bundled, "Python.framework", "Versions", "3.11", "bin", "python3"), Kind: KindPath},
			Candidate{Path: filepath.Join(res, "python-mac", "main"), Kind: KindPath, Frozen: true},
		)
	default:
		list = append(list,
			Candidate{Path: filepath.Join(res, "python-linux", "main.bin"), Kind: KindPath, Frozen: true},
			Candidate{Path: filepath.Join(bundled, "bin", "python3"), Kind: KindPath},
		)
	}
	return append(list, commandNames...)
}
