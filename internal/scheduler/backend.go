package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

// Backend is the entry point for submitting pipeline runs
type Backend struct {
	env       *schedule.Env
	scheduler *Scheduler
	logger    *utils.LogsManager
}

// NewBackend checks that the container runtime answers before accepting work
func NewBackend(ctx context.Context, env *schedule.Env, scheduler *Scheduler) (*Backend, error) {
	if err := env.Runtime.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container runtime unavailable: %w", err)
	}
	return &Backend{env: env, scheduler: scheduler, logger: env.Logger}, nil
}

// Schedule runs pipeline against dataConfig. See schedule.NewPipelineTask for
// the accepted forms.
func (b *Backend) Schedule(pipeline, dataConfig string) (*Entry, error) {
	root := schedule.NewPipelineTask(b.env, pipeline, dataConfig)
	return b.scheduler.Schedule(root, Meta{Pipeline: pipeline, Input: describeInput(dataConfig)})
}

// ScheduleDataSettings builds a data config from a data settings file, then
// schedules the pipeline against it. It blocks until the data config exists
// and returns the pipeline schedule.
func (b *Backend) ScheduleDataSettings(ctx context.Context, pipeline, settings string) (*Entry, error) {
	task := schedule.NewDataSettingsTask(b.env, nil, settings)
	entry, err := b.scheduler.Schedule(task, Meta{Pipeline: pipeline, Input: settings})
	if err != nil {
		return nil, err
	}

	if err := entry.WaitContext(ctx); err != nil {
		return nil, err
	}
	if err := entry.Err(); err != nil {
		return nil, fmt.Errorf("data settings failed: %w", err)
	}

	result, ok := task.Results()["data_config"].(*schedule.FileResult)
	if !ok {
		return nil, errors.New("data settings produced no data config")
	}
	data, err := result.Bytes()
	if err != nil {
		return nil, err
	}
	result.Release()

	b.logger.Info(fmt.Sprintf("Data settings %s produced a %d byte data config", settings, len(data)), "scheduler")
	return b.Schedule(pipeline, schedule.EncodeDataURI(data))
}

// describeInput keeps inline documents out of the run history
func describeInput(dataConfig string) string {
	if schedule.IsDataURI(dataConfig) || strings.Contains(dataConfig, "\n") {
		return "inline data config"
	}
	return dataConfig
}
