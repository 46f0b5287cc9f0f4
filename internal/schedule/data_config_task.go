package schedule

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

const (
	dataConfigOutputPattern = "cpac_data_config_*.yml"
	dataConfigFileTarget    = "/data_config_file"
)

// DataConfigTask expands a data config into one SubjectTask per subject
// record. The data config may be an inline YAML document, a data URI, a
// data config file, a remote dataset location, or a local BIDS directory.
type DataConfigTask struct {
	*baseNode
	pipeline   string
	dataConfig string
}

func NewDataConfigTask(env *Env, parent Node, pipeline, dataConfig string) *DataConfigTask {
	return &DataConfigTask{
		baseNode:   newBaseNode(env, "data_config", parent),
		pipeline:   pipeline,
		dataConfig: dataConfig,
	}
}

// dataConfigInput is how a data config reaches the container
type dataConfigInput struct {
	folder string
	uri    string
	mount  *containers.Mount
}

func classifyDataConfig(value string) (dataConfigInput, error) {
	switch {
	case strings.Contains(value, "\n"):
		return dataConfigInput{folder: "/", uri: EncodeDataURI([]byte(value))}, nil
	case IsDataURI(value):
		return dataConfigInput{folder: "/", uri: value}, nil
	case IsRemote(value):
		return dataConfigInput{folder: value}, nil
	}

	abs, err := filepath.Abs(value)
	if err != nil {
		return dataConfigInput{}, fmt.Errorf("invalid data folder %s: %w", value, err)
	}
	if utils.ValidateRegularFile(abs) == nil {
		return dataConfigInput{
			folder: "/",
			uri:    path.Join(dataConfigFileTarget, filepath.Base(abs)),
			mount:  &containers.Mount{Source: filepath.Dir(abs), Target: dataConfigFileTarget, ReadOnly: true},
		}, nil
	}
	if err := utils.ValidateDirectory(abs); err != nil {
		return dataConfigInput{}, err
	}
	return dataConfigInput{
		folder: "/data_folder",
		mount:  &containers.Mount{Source: abs, Target: "/data_folder", ReadOnly: true},
	}, nil
}

func (t *DataConfigTask) Run(ctx context.Context) (children []Child, err error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer func() { t.complete(err) }()

	input, err := classifyDataConfig(t.dataConfig)
	if err != nil {
		return nil, err
	}

	out, err := newScratchDir(t.env.ScratchRoot, "theodore-dataconfig-", t.env.Logger)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	command := []string{input.folder, "/output_folder", "test_config"}
	if input.uri != "" {
		command = append(command, "--data_config_file", input.uri)
	}
	mounts := []containers.Mount{
		{Source: t.env.ScratchHostDir, Target: "/scratch"},
		{Source: out.path, Target: "/output_folder"},
	}
	if input.mount != nil {
		mounts = append(mounts, *input.mount)
	}

	spec := containers.RunSpec{
		Image:      t.env.Image,
		Command:    command,
		WorkingDir: "/output_folder",
		Mounts:     mounts,
	}
	if err := t.execute(ctx, spec); err != nil {
		return nil, err
	}

	produced, err := utils.FindFirstMatch(out.path, dataConfigOutputPattern)
	if err != nil {
		return nil, err
	}
	if produced == "" {
		if t.env.StrictOutputs {
			return nil, fmt.Errorf("%w: no %s in data config output", ErrOutputMissing, dataConfigOutputPattern)
		}
		t.env.Logger.Warn(fmt.Sprintf("Data config node %s produced no %s; no subjects scheduled", t.id, dataConfigOutputPattern), "schedule")
		return nil, nil
	}

	data, err := os.ReadFile(produced)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", produced, err)
	}
	subjects, err := ParseSubjects(data)
	if err != nil {
		return nil, fmt.Errorf("malformed data config %s: %w", filepath.Base(produced), err)
	}

	identities := make([]any, 0, len(subjects))
	children = make([]Child, 0, len(subjects))
	for _, record := range subjects {
		identity := SubjectIdentity(record)
		identities = append(identities, identity)
		children = append(children, Child{
			Key:  identity,
			Node: NewSubjectTask(t.env, t, t.pipeline, record),
		})
	}
	t.setResult(NewValueResult("subjects", identities, ""))

	t.env.Logger.Info(fmt.Sprintf("Data config node %s yielded %d subjects", t.id, len(children)), "schedule")
	return children, nil
}

func (t *DataConfigTask) Logs() []LogRecord {
	return []LogRecord{t.record("data_config", utils.HashString(t.dataConfig))}
}
