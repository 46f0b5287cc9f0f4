package schedule

import (
	"context"

	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

// PipelineTask is the root of a run: a pipeline configuration applied to a
// data config. It runs no container; it yields the data config stage.
type PipelineTask struct {
	*baseNode
	pipeline   string
	dataConfig string
}

// NewPipelineTask creates a root node. pipeline is a host path to a pipeline
// file or empty for the image's default; dataConfig is anything
// NewDataConfigTask accepts, or empty for a run with nothing to do.
func NewPipelineTask(env *Env, pipeline, dataConfig string) *PipelineTask {
	return &PipelineTask{
		baseNode:   newBaseNode(env, "pipeline", nil),
		pipeline:   pipeline,
		dataConfig: dataConfig,
	}
}

func (t *PipelineTask) Run(ctx context.Context) (children []Child, err error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer func() { t.complete(err) }()

	if t.pipeline != "" {
		if err := utils.ValidateRegularFile(t.pipeline); err != nil {
			return nil, err
		}
	}

	if t.dataConfig == "" {
		return nil, nil
	}
	return []Child{{
		Key:  "data_config",
		Node: NewDataConfigTask(t.env, t, t.pipeline, t.dataConfig),
	}}, nil
}

func (t *PipelineTask) Logs() []LogRecord {
	return []LogRecord{t.record("schedule", utils.HashString(t.pipeline+"\x00"+t.dataConfig))}
}
