// Command oxide is the agentic data-analysis runtime CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var projectDir string
	var verbose bool

	root := &cobra.Command{
		Use:           "oxide",
		Short:         "Agentic data-analysis runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newBuildCmd(&projectDir),
		newAskCmd(&projectDir),
		newRunCmd(&projectDir),
		newIntentCmd(&projectDir),
	)
	return root
}
