package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foldlattice/agent/internal/logger"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "fahagent",
	Short: "Folding-at-home style distributed computing agent",
	Long: `fahagent links a machine to a volunteer distributed-computing account,
schedules CPU/GPU work across named groups, and drives each work unit through
assignment, download, execution, and result upload.

Available commands:
  run     - Start the long-lived agent
  status  - Print a one-shot snapshot from the local control surface
  version - Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		level := logger.VerbosityToLevel(verbosity)
		if err := logger.Initialize(false, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
