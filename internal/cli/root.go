// Package cli implements the revengine command-line entrypoint: run one
// review pass against a diff, or serve the HTTP/WS surface.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "revengine",
	Short: "Model-agnostic AI code review engine",
	Long: `revengine runs rule-driven, LLM-backed code review over a unified
diff: discovering applicable rules, dispatching a tool-calling review loop
per file, and validating every candidate finding before it's reported.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
