package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

// Persistent flags shared by every subcommand.
var (
	cfgFile  string
	dryRun   bool
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent-grid",
		Short: "Coordinator for autonomous coding agents",
		Long: `Agent-grid watches an issue tracker, classifies incoming issues and
dispatches coding agents to work on them, shepherding each issue from
label to merged pull request.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML; environment variables win)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "record writes to the intent file instead of performing them")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(),
		newCycleCmd(),
		newMigrateCmd(),
		newLabelsCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show agent-grid version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent-grid %s\n", version)
			if buildTime != "unknown" {
				fmt.Printf("Built: %s\n", buildTime)
			}
		},
	}
}
