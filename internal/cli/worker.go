package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"asyncsqlite/internal/worker"
)

// NewWorkerCommand creates the hidden worker command. Spawned workers are recognised
// by their environment before the CLI runs; this command serves the protocol on stdio
// for a binary that is started explicitly as a worker.
func NewWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve the worker protocol on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := worker.Main(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return fmt.Errorf("worker exited with status %d", code)
			}
			return nil
		},
	}
}
