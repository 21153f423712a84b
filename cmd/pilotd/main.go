// Package main is the CLI entry point for pilotd, the autonomous agent
// runtime.
//
// Start the server:
//
//	pilotd serve --config pilot.yaml
//
// Inspect sessions on disk:
//
//	pilotd sessions list
//	pilotd sessions delete <id>
//
// Configuration can also be provided via PILOT_CONFIG. Provider
// credentials are read from the environment variables named by each
// session's credentials_env setting.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitOK      = 0
	exitInit    = 1
	exitRuntime = 2
)

func main() {
	root := &cobra.Command{
		Use:           "pilotd",
		Short:         "Autonomous agent runtime hosting self-driving LLM sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitInit)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pilotd %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
