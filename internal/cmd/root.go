package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

// envPrefix marks environment variables that override config entries,
// e.g. THEODORE_CONTAINER_TAG=latest
const envPrefix = "THEODORE_"

var (
	configPath string
	envFile    string
	logLevel   string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "theodore",
	Short: "Run C-PAC pipelines as a schedule of containers",
	Long: `theodore drives a containerized C-PAC pipeline as a tree of jobs.

A data settings file is turned into a data config, the data config is split
into subjects, and every subject runs in its own container. Progress of the
whole tree can be followed with 'theodore status' or over the status server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}

		config = utils.NewConfigManager(configPath)
		applyEnvOverrides(config)

		logger = utils.NewLogsManager(config)
		if logLevel != "" {
			if err := logger.SetLogLevel(logLevel); err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

// loadEnvFile loads path, or .env in the working directory when path is empty.
// A missing default .env is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cm *utils.ConfigManager) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if name != "" {
			cm.SetConfig(name, value)
		}
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default .env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
}
