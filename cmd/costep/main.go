package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/costep/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "costep",
		Short: "Inspect co-simulation run stores",
		Long: `costep inspects store files written by the costep library.

A store file holds persisted simulation runs: configuration, provenance,
results, and the shared content-addressed payload pools they reference.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			slog.SetDefault(logging.NewLogger(level, cmd.ErrOrStderr()))
		},
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (info, debug, trace)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newListCmd(),
		newShowCmd(),
		newVerifyCmd(),
		newExportCmd(),
	)

	return rootCmd
}

// newEventLogger opens the operation journal beside the store file. At
// the default log level it returns nil, which is safe to use.
func newEventLogger(cmd *cobra.Command, storePath string) *logging.EventLogger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.NewEventLogger(filepath.Dir(storePath), level)
}
