package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"converge/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitCode is set by commands that report run outcomes through the process
// exit code instead of an error.
var exitCode int

var rootFlags struct {
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Iterative quality convergence for a code scope",
	Long: "Converge drives evaluate, fix and validate capabilities over a resolved\n" +
		"code scope until the findings stream dries up, deferring what will not\n" +
		"fix cleanly and verifying the result with a clean-room pass.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := logging.ParseLevel(rootFlags.logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, rootFlags.logFormat, cmd.ErrOrStderr())
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
