// Package cmd implements the indexctl command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qreshi/index-management/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "indexctl",
	Short: "Index lifecycle controller",
	Long: `indexctl runs the index lifecycle controller: policy-driven index
state management and rollup aggregation jobs against a search cluster.

The controller reads job documents from the management index, acquires a
cluster-wide lease per job, executes one unit of work per tick, and
persists progress with optimistic concurrency.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootConfigPath string
	rootLogLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to the controller config file")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Override the configured log level")
}

// exitCodeError carries a foundry exit code up to Execute.
type exitCodeError struct {
	code int
	msg  string
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func exitError(code int, msg string, err error) error {
	observability.CLILogger.Error(msg, zap.Error(err))
	return &exitCodeError{code: code, msg: msg, err: err}
}

// Execute runs the command tree and maps failures to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		observability.Sync()

		var coded *exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
	observability.Sync()
}
