package schedule

import (
	"context"
	"fmt"
	"os"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

const dataSettingsOutputPattern = "data_config*.yml"

// DataSettingsTask builds a data config from a data settings file. Its
// single result, "data_config", holds the produced document.
type DataSettingsTask struct {
	*baseNode
	settings string
}

func NewDataSettingsTask(env *Env, parent Node, settings string) *DataSettingsTask {
	return &DataSettingsTask{
		baseNode: newBaseNode(env, "data_settings", parent),
		settings: settings,
	}
}

func (t *DataSettingsTask) Run(ctx context.Context) (children []Child, err error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer func() { t.complete(err) }()

	if err := utils.ValidateRegularFile(t.settings); err != nil {
		return nil, err
	}

	out, err := newScratchDir(t.env.ScratchRoot, "theodore-settings-", t.env.Logger)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	if err := utils.CopyFile(t.settings, out.join("data_settings.yml")); err != nil {
		return nil, fmt.Errorf("failed to stage data settings: %w", err)
	}

	spec := containers.RunSpec{
		Image: t.env.Image,
		Command: []string{
			"/", "/output_folder",
			"cli", "utils", "data_config", "build",
			"/output_folder/data_settings.yml",
		},
		WorkingDir: "/output_folder",
		Mounts: []containers.Mount{
			{Source: t.env.ScratchHostDir, Target: "/scratch"},
			{Source: out.path, Target: "/output_folder"},
		},
	}
	if err := t.execute(ctx, spec); err != nil {
		return nil, err
	}

	produced, err := utils.FindFirstMatch(out.path, dataSettingsOutputPattern)
	if err != nil {
		return nil, err
	}
	if produced == "" {
		return nil, fmt.Errorf("%w: no %s in data settings output", ErrOutputMissing, dataSettingsOutputPattern)
	}

	data, err := os.ReadFile(produced)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", produced, err)
	}
	t.setResult(NewFileResult("data_config", data, "application/yaml"))

	return nil, nil
}

func (t *DataSettingsTask) Logs() []LogRecord {
	hash, err := utils.HashFile(t.settings)
	if err != nil {
		hash = utils.HashString(t.settings)
	}
	return []LogRecord{t.record("data_settings", hash)}
}
