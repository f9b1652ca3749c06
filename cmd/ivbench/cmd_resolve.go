package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ivbench/internal/backend"
)

func init() {
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the backend candidates and the one that would be launched",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		locator := backend.NewLocator(backend.CurrentPlatform(), conf.Backend.LocatorOptions())
		fmt.Fprintln(out, "candidates:")
		for i, c := range locator.Candidates() {
			fmt.Fprintf(out, "  %d. %s\n", i+1, c)
		}

		spec, err := locator.Locate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "executable: %s\n", spec.Executable)
		fmt.Fprintf(out, "args:       %v\n", spec.Args)
		fmt.Fprintf(out, "dir:        %s\n", spec.Dir)
		return nil
	},
}
