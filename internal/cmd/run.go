package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/theodore/internal/api"
	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/Trustflow-Network-Labs/theodore/internal/database"
	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/scheduler"
	"github.com/Trustflow-Network-Labs/theodore/internal/system"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"github.com/Trustflow-Network-Labs/theodore/internal/workers"
)

// killGrace bounds how long an interrupted run waits on its containers
const killGrace = 30 * time.Second

var (
	pipelineFile string
	dataConfig   string
	dataSettings string
	serveStatus  bool
	statusPort   int
	workerCount  int
	pullPolicy   string
	imageTag     string
	archiveDir   string
)

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline over every subject of a data config",
	Long: `Run a pipeline over every subject of a data config.

The data config may be a local file or directory, an s3://, gs:// or http(s)
URL, or an inline YAML document. With --data-settings the data config is first
built from a data settings file. The command returns once every subject has
finished or the run is interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("workers") {
			config.SetConfig("workers", workerCount)
		}
		if flags.Changed("status-port") {
			config.SetConfig("status_port", statusPort)
		}
		if flags.Changed("pull-policy") {
			config.SetConfig("pull_policy", pullPolicy)
		}
		if flags.Changed("tag") {
			config.SetConfig("container_tag", imageTag)
		}
		if dataConfig == "" && dataSettings == "" {
			return errors.New("one of --data-config or --data-settings is required")
		}
		return runSchedule(cmd.OutOrStdout())
	},
}

func runSchedule(out io.Writer) error {
	pidManager, err := utils.NewPIDManager(config)
	if err != nil {
		return fmt.Errorf("failed to create PID manager: %w", err)
	}
	if existingPID, err := pidManager.ReadPID(); err == nil {
		if pidManager.IsProcessRunning(existingPID) {
			logger.Error(fmt.Sprintf("Another scheduler is already running with PID: %d", existingPID), "cli")
			return fmt.Errorf("another scheduler is already running with PID %d, use 'theodore stop' first", existingPID)
		}
		// Stale PID file
		pidManager.RemovePIDFile()
	}
	if err := pidManager.WritePID(os.Getpid()); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() {
		if err := pidManager.RemovePIDFile(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := containers.NewDockerRuntime(ctx, logger)
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}
	defer runtime.Close()

	env, err := schedule.NewEnv(config, runtime, logger)
	if err != nil {
		return err
	}

	host := system.GatherHostResources(env.ScratchRoot)
	logger.Info(fmt.Sprintf("Host: %d cores, %d MB memory available, %d MB free under %s",
		host.CPUCores, host.AvailableMemoryMB, host.ScratchAvailableMB, host.ScratchPath), "cli")
	if err := host.CheckScratch(config.GetConfigInt64("min_scratch_free_mb", 0, 0, 1<<40)); err != nil {
		return err
	}

	policy, err := containers.ParsePullPolicy(config.GetConfigWithDefault("pull_policy", "missing"))
	if err != nil {
		return err
	}
	if err := runtime.EnsureImage(ctx, env.Image, policy); err != nil {
		return fmt.Errorf("image %s unavailable: %w", env.Image, err)
	}

	store, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := workers.NewWorkerPool(context.Background(), config.GetConfigInt("workers", 4, 1, 256), logger)
	pool.Start()
	sched := scheduler.New(context.Background(), pool, store, logger)
	defer sched.Close()

	backend, err := scheduler.NewBackend(ctx, env, sched)
	if err != nil {
		return err
	}

	if serveStatus {
		server := api.NewStatusServer(config, logger, sched)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		fmt.Fprintf(out, "Status server listening on port %s\n", server.GetPort())
	}

	var entry *scheduler.Entry
	if dataSettings != "" {
		fmt.Fprintf(out, "Building data config from %s...\n", dataSettings)
		entry, err = backend.ScheduleDataSettings(ctx, pipelineFile, dataSettings)
	} else {
		entry, err = backend.Schedule(pipelineFile, dataConfig)
	}
	if err != nil {
		if ctx.Err() != nil {
			interrupt(runtime, sched)
		}
		return err
	}

	logger.Info(fmt.Sprintf("Scheduled pipeline run %s", entry.Node.ID()), "cli")
	fmt.Fprintf(out, "Scheduled run %s. Press Ctrl+C to stop.\n", entry.Node.ID())

	if err := entry.WaitContext(ctx); err != nil {
		fmt.Fprintln(out, "Interrupted, stopping containers...")
		interrupt(runtime, sched)
		entry.Wait()
	}

	snap := entry.Snapshot(false)
	printTree(out, snap)

	if archiveDir != "" {
		if err := archiveOutputs(context.Background(), out, entry, archiveDir); err != nil {
			return err
		}
	}

	switch agg := snap.Aggregate(); agg {
	case schedule.StatusSuccess:
		return nil
	case schedule.StatusStopped:
		return &exitError{code: 130, err: fmt.Errorf("run %s was stopped", entry.Node.ID())}
	default:
		return &exitError{code: 1, err: fmt.Errorf("run %s finished %s", entry.Node.ID(), agg)}
	}
}

// interrupt stops the run's containers and waits for their nodes to end.
// Containers still tracked after killGrace are killed again directly.
func interrupt(runtime *containers.DockerRuntime, sched *scheduler.Scheduler) {
	logger.Warn("Run interrupted, stopping live containers", "cli")

	closed := make(chan struct{})
	go func() {
		sched.Close()
		close(closed)
	}()

	select {
	case <-closed:
		return
	case <-time.After(killGrace):
	}

	logger.Warn(fmt.Sprintf("Containers still running after %s, killing every container of this run", killGrace), "cli")
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	runtime.KillAll(ctx)
	<-closed
}

func init() {
	runCmd.Flags().StringVarP(&pipelineFile, "pipeline", "p", "", "pipeline config file (default: the image's default pipeline)")
	runCmd.Flags().StringVarP(&dataConfig, "data-config", "d", "", "data config file, directory, URL or inline YAML")
	runCmd.Flags().StringVar(&dataSettings, "data-settings", "", "build the data config from this data settings file")
	runCmd.Flags().BoolVar(&serveStatus, "status", false, "serve live status over HTTP and websocket")
	runCmd.Flags().IntVar(&statusPort, "status-port", 0, "status server port (0 picks a free port)")
	runCmd.Flags().IntVarP(&workerCount, "workers", "w", 4, "number of nodes run concurrently")
	runCmd.Flags().StringVar(&pullPolicy, "pull-policy", "missing", "image pull policy: always, missing or never")
	runCmd.Flags().StringVar(&imageTag, "tag", "", "container image tag")
	runCmd.Flags().StringVar(&archiveDir, "archive-dir", "", "archive each successful subject's output here as tar.gz")
	runCmd.MarkFlagsMutuallyExclusive("data-config", "data-settings")
	runCmd.MarkFlagFilename("pipeline", "yml", "yaml")
	runCmd.MarkFlagFilename("data-settings", "yml", "yaml")

	rootCmd.AddCommand(runCmd)
}
