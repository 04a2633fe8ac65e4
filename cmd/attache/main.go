// Command attache runs and drives the attache assistant: a server that
// answers from the owner's stored context, tracks deferred work as tasks and
// resumes it on a schedule.
//
// Start the server:
//
//	attache start
//
// Talk to it:
//
//	attache chat "Email Sam about Tuesday"
//	attache tasks list
//
// Configuration comes from the platform backend and ATTACHE_* environment
// variables; see `attache config show`.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	owner   string
)

var rootCmd = &cobra.Command{
	Use:           "attache",
	Short:         "A personal assistant that remembers, tracks and follows up",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", os.Getenv("ATTACHE_OWNER"), "owner to act for (default: mcp.owner)")

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		statusCmd,
		chatCmd,
		tasksCmd,
		instructionsCmd,
		ingestCmd,
		recallCmd,
		linkCmd,
		orchestrateCmd,
		configCmd,
		mcpCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("attache version %s", version)
}
