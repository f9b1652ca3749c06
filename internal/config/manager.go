package config

import (
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const DefaultConfigType = "json"

var (
	ErrInvalidDirectory  = errors.New("invalid directory path")
	ErrMissingConfigName = errors.New("config name not specified")
)

// Manager wraps a viper instance bound to one config file and an
// environment prefix.
type Manager struct {
	App       string
	EnvPrefix string
	Path      string
	Name      string

	Viper *viper.Viper
}

// New sets up the name, type and search path of the config file. An empty
// path means ~/.<app>.
func New(app, path, name, envPrefix string) (*Manager, error) {
	if len(app) == 0 {
		return nil, ErrMissingConfigName
	}

	v := viper.New()
	v.SetConfigType(DefaultConfigType)

	if len(path) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		path = home + string(os.PathSeparator) + "." + app
	}
	if err := PrepareDir(path); err != nil {
		return nil, err
	}
	v.AddConfigPath(path)

	if len(name) == 0 {
		name = app
	}
	v.SetConfigName(name)

	if len(envPrefix) != 0 {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	return &Manager{
		App:       app,
		EnvPrefix: envPrefix,
		Path:      path,
		Name:      name,
		Viper:     v,
	}, nil
}

// SetDefaults registers default values for every key so that environment
// overrides apply to keys absent from the file.
func (m *Manager) SetDefaults(defaults map[string]any) {
	for key, value := range defaults {
		m.Viper.SetDefault(key, value)
	}
}

// Load reads the config file if there is one and unmarshals into conf.
// A missing file is not an error.
func (m *Manager) Load(conf any) error {
	if err := m.Viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		log.Debug().Str("path", m.Path).Msg("no config file, using defaults")
	}
	return m.Viper.Unmarshal(conf, decoderConfig())
}

// LoadFile reads the given config file and unmarshals into conf.
func (m *Manager) LoadFile(file string, conf any) error {
	m.Viper.SetConfigFile(file)
	if err := m.Viper.ReadInConfig(); err != nil {
		return err
	}
	return m.Viper.Unmarshal(conf, decoderConfig())
}

// SetConfig overrides a key for this process.
func (m *Manager) SetConfig(key string, value any) {
	m.Viper.Set(key, value)
}

// GetConfig returns all settings as a map.
func (m *Manager) GetConfig() map[string]any {
	return m.Viper.AllSettings()
}

// PrepareDir ensures that path exists and is a directory.
func PrepareDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0o755)
		}
		return err
	}
	if !stat.IsDir() {
		log.Debug().Msgf("%s is not a directory", path)
		return ErrInvalidDirectory
	}
	return nil
}
