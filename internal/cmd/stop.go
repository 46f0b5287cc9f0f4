package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

var stopGrace time.Duration

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"kill"},
	Short:   "Stop the running scheduler",
	Long: `Stop the running scheduler by sending it SIGTERM.

The scheduler kills the containers it started, records the run as stopped and
exits. It is killed outright if it is still alive after the grace period.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			return fmt.Errorf("failed to create PID manager: %w", err)
		}

		pid, err := pidManager.ReadPID()
		if err != nil {
			if errors.Is(err, utils.ErrNotRunning) {
				fmt.Fprintln(out, "No scheduler is running")
				return nil
			}
			return fmt.Errorf("failed to read PID: %w", err)
		}

		fmt.Fprintf(out, "Found running scheduler with PID: %d\n", pid)

		if !pidManager.IsProcessRunning(pid) {
			logger.Warn(fmt.Sprintf("Process with PID %d is not running", pid), "stop")
			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Fprintf(out, "Warning: Failed to remove stale PID file: %v\n", err)
			} else {
				fmt.Fprintln(out, "Removed stale PID file")
			}
			return nil
		}

		fmt.Fprintf(out, "Stopping scheduler (PID: %d)...\n", pid)
		if err := pidManager.StopProcess(pid, stopGrace); err != nil {
			logger.Error(fmt.Sprintf("Failed to stop process: %v", err), "stop")
			return fmt.Errorf("failed to stop process: %w", err)
		}

		// The scheduler removes its own PID file; this covers a forced kill
		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Fprintf(out, "Warning: Failed to remove PID file: %v\n", err)
		}

		logger.Info("Scheduler stopped", "stop")
		fmt.Fprintln(out, "Scheduler stopped")
		return nil
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 60*time.Second, "time to wait before killing the scheduler")
	rootCmd.AddCommand(stopCmd)
}
