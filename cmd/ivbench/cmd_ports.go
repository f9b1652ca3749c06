package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ivbench/internal/ports"
)

func init() {
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports a measurement can use",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := ports.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}
		for _, p := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", p.Display, p.Path)
		}
		return nil
	},
}
