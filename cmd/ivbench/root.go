package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ivbench/internal/config"
)

var (
	configPath  string
	backendDir  string
	backendMode string
	backendPort int
)

func init() {
	// windows only
	cobra.MousetrapHelpText = ""

	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&LogFormat, "log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config directory (default $IVBENCH_DIR or ~/.ivbench)")
	rootCmd.PersistentFlags().StringVar(&backendDir, "backend-dir", "", "application root holding the backend")
	rootCmd.PersistentFlags().StringVar(&backendMode, "mode", "", "backend layout: development or packaged")
	rootCmd.PersistentFlags().IntVar(&backendPort, "backend-port", 0, "backend listen port")
	rootCmd.PersistentPreRun = initLog
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("command execution failed")
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ivbench",
	Short:         "Supervise the I-V measurement backend and drive measurement sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

// loadConfig reads the configuration with the persistent flags that were
// set on the command line taking precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("backend-dir") {
		overrides["backend.root_dir"] = backendDir
	}
	if flags.Changed("mode") {
		overrides["backend.mode"] = backendMode
	}
	if flags.Changed("backend-port") {
		overrides["backend.port"] = backendPort
	}
	conf, _, err := config.Load(configPath, overrides)
	return conf, err
}
