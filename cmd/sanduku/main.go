// Sanduku — sandboxed code-execution agent with per-conversation E2B sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — a code-execution agent with per-conversation remote sandboxes.",
	Long: `Sanduku runs an agent tool loop against the Anthropic Messages API and gives
each conversation its own remote E2B sandbox for writing, reading and executing
code. Expired sandboxes are detected and transparently replaced mid-turn.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, queryCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
