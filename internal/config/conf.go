package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"ivbench/internal/backend"
)

const (
	AppName      = "ivbench"
	EnvPrefix    = "IVBENCH"
	EnvConfigDir = "IVBENCH_DIR"
)

// Config is the full application configuration.
type Config struct {
	Backend BackendConfig `mapstructure:"backend" json:"backend"`
	Session SessionConfig `mapstructure:"session" json:"session"`
	HTTP    HTTPConfig    `mapstructure:"http" json:"http"`
}

type BackendConfig struct {
	Mode         string `mapstructure:"mode" json:"mode"`
	RootDir      string `mapstructure:"root_dir" json:"root_dir"`
	ResourcesDir string `mapstructure:"resources_dir" json:"resources_dir"`
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	// Candidates replaces the built-in executable search list.
	Candidates      []backend.Candidate `mapstructure:"candidates" json:"candidates,omitempty"`
	GracefulTimeout time.Duration       `mapstructure:"graceful_timeout" json:"graceful_timeout"`
	ReadyTimeout    time.Duration       `mapstructure:"ready_timeout" json:"ready_timeout"`
	Watch           bool                `mapstructure:"watch" json:"watch"`
	// Setup runs backend/setup.py before each launch when present.
	Setup bool `mapstructure:"setup" json:"setup"`
	// Env is extra KEY=VALUE pairs for the backend process.
	Env []string `mapstructure:"env" json:"env,omitempty"`
}

type SessionConfig struct {
	URL        string        `mapstructure:"url" json:"url"`
	GraceDelay time.Duration `mapstructure:"grace_delay" json:"grace_delay"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr" json:"addr"`
	StaticDir string `mapstructure:"static_dir" json:"static_dir"`
}

var Defaults = map[string]any{
	"backend.mode":             string(backend.ModeDevelopment),
	"backend.root_dir":         ".",
	"backend.resources_dir":    "",
	"backend.host":             "127.0.0.1",
	"backend.port":             8000,
	"backend.candidates":       []any{},
	"backend.graceful_timeout": "2s",
	"backend.ready_timeout":    "30s",
	"backend.watch":            true,
	"backend.setup":            true,
	"backend.env":              []string{},
	"session.url":              "",
	"session.grace_delay":      "100ms",
	"http.addr":                "127.0.0.1:8420",
	"http.static_dir":          "",
}

// Load reads the configuration from configPath (or $IVBENCH_DIR, or
// ~/.ivbench), applies environment overrides and then the overrides
// given on the command line.
func Load(configPath string, overrides map[string]any) (*Config, *Manager, error) {
	if configPath == "" {
		configPath = os.Getenv(EnvConfigDir)
	}

	m, err := New(AppName, configPath, "", EnvPrefix)
	if err != nil {
		return nil, nil, err
	}
	m.SetDefaults(Defaults)
	for key, value := range overrides {
		m.SetConfig(key, value)
	}

	conf := &Config{}
	if err := m.Load(conf); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	conf.normalize()
	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}

	log.Debug().Str("path", m.Path).Interface("config", conf).Msg("config loaded")
	return conf, m, nil
}

func (c *Config) normalize() {
	for i := range c.Backend.Candidates {
		if c.Backend.Candidates[i].Kind == "" {
			c.Backend.Candidates[i].Kind = backend.KindPath
		}
	}
	if c.Backend.ResourcesDir == "" {
		c.Backend.ResourcesDir = c.Backend.RootDir
	}
	if c.Session.URL == "" {
		c.Session.URL = c.Backend.LocatorOptions().SessionURL()
	}
}

// Validate checks values a typo would otherwise turn into a confusing
// runtime failure.
func (c *Config) Validate() error {
	switch backend.Mode(c.Backend.Mode) {
	case backend.ModeDevelopment, backend.ModePackaged:
	default:
		return fmt.Errorf("backend.mode must be %q or %q, got %q", backend.ModeDevelopment, backend.ModePackaged, c.Backend.Mode)
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port out of range: %d", c.Backend.Port)
	}
	for _, cand := range c.Backend.Candidates {
		if cand.Path == "" {
			return fmt.Errorf("backend.candidates: empty path")
		}
		if cand.Kind != backend.KindPath && cand.Kind != backend.KindCommand {
			return fmt.Errorf("backend.candidates: unknown kind %q for %s", cand.Kind, cand.Path)
		}
	}
	if c.Backend.GracefulTimeout < 0 || c.Session.GraceDelay < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// LocatorOptions maps the backend section onto backend.Options.
func (b BackendConfig) LocatorOptions() backend.Options {
	return backend.Options{
		Mode: backend.Mode(b.Mode),
		Layout: backend.Layout{
			RootDir:      b.RootDir,
			ResourcesDir: b.ResourcesDir,
		},
		Host:       b.Host,
		Port:       b.Port,
		Candidates: b.Candidates,
		Setup:      b.Setup,
	}
}
