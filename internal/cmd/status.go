package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/theodore/internal/database"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

var (
	historyLimit int
	statusJSON   bool
	deleteRun    bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded pipeline runs",
	Long: `Show the run history kept in the local database.

Without arguments the most recent runs are listed. With a run id every node of
that run is shown with its status and duration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := database.NewSQLiteManager(config, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()

		// Runs left unfinished by a scheduler that is gone are stopped
		if pidManager, err := utils.NewPIDManager(config); err == nil {
			if pid, err := pidManager.ReadPID(); err != nil || !pidManager.IsProcessRunning(pid) {
				if _, err := store.MarkInterrupted(ctx); err != nil {
					logger.Warn(fmt.Sprintf("Failed to mark interrupted runs: %v", err), "cli")
				}
			}
		}

		if len(args) == 0 {
			if deleteRun {
				return errors.New("--delete needs a run id")
			}
			records, err := store.ListSchedules(ctx, historyLimit)
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(cmd, records)
			}
			printHistory(out, records, time.Now())
			return nil
		}

		id := args[0]
		if deleteRun {
			if err := store.DeleteSchedule(ctx, id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("no run %s", id)
				}
				return err
			}
			store.PerformMaintenance()
			fmt.Fprintf(out, "Deleted run %s\n", id)
			return nil
		}

		record, err := store.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("no run %s", id)
		}
		nodes, err := store.ListNodes(ctx, id)
		if err != nil {
			return err
		}

		if statusJSON {
			return writeJSON(cmd, struct {
				*database.ScheduleRecord
				Nodes []*database.NodeRecord `json:"nodes"`
			}{record, nodes})
		}

		fmt.Fprintf(out, "Run %s (%s) %s\n", record.ID, record.Kind, record.Status)
		if record.Pipeline != "" {
			fmt.Fprintf(out, "Pipeline: %s\n", record.Pipeline)
		}
		fmt.Fprintf(out, "Input: %s\n\n", record.Input)
		printNodes(out, nodes)
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	statusCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusCmd.Flags().BoolVar(&deleteRun, "delete", false, "delete the run from the history")

	rootCmd.AddCommand(statusCmd)
}
