package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"gopkg.in/yaml.v3"
)

// SubjectTask runs the participant pipeline for one subject record. Host
// paths in the record are remapped and mounted read-only. Outputs are written
// under the output root; on success the "output_dir" result names that
// directory, which stays until Release.
type SubjectTask struct {
	*baseNode
	pipeline string
	subject  *yaml.Node
	identity string

	outMu  sync.Mutex
	output *scratchDir
}

func NewSubjectTask(env *Env, parent Node, pipeline string, subject *yaml.Node) *SubjectTask {
	subject = cloneNode(unwrapDocument(subject))
	if subject == nil {
		subject = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	return &SubjectTask{
		baseNode: newBaseNode(env, "participant", parent),
		pipeline: pipeline,
		subject:  subject,
		identity: SubjectIdentity(subject),
	}
}

// Identity is the subject's site/subject/session key
func (t *SubjectTask) Identity() string { return t.identity }

// subjectInputs writes the container-side data config and pipeline file into
// dir and returns the mounts and arguments that expose them
func (t *SubjectTask) subjectInputs(dir *scratchDir) ([]containers.Mount, []string, error) {
	remapped, mapping := RemapPaths(t.subject)

	doc, err := yaml.Marshal(&yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{remapped}})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode subject record: %w", err)
	}

	args := []string{"--data_config_file", EncodeDataURI(doc)}
	if t.pipeline != "" {
		if err := utils.CopyFile(t.pipeline, dir.join("pipeline.yml")); err != nil {
			return nil, nil, fmt.Errorf("failed to stage pipeline file: %w", err)
		}
		args = append(args, "--pipeline_file", "/config/pipeline.yml")
	}

	mounts := []containers.Mount{{Source: dir.path, Target: "/config", ReadOnly: true}}
	for _, host := range mapping.Sorted() {
		if !t.mountable(host) {
			continue
		}
		mounts = append(mounts, containers.Mount{Source: host, Target: mapping[host], ReadOnly: true})
	}
	return mounts, args, nil
}

// mountable reports whether a remapped host directory can be bound into the
// container. The host root is never mounted and a missing directory cannot
// be; the record keeps its remapped value either way.
func (t *SubjectTask) mountable(host string) bool {
	if host == "/" {
		t.env.Logger.Warn(fmt.Sprintf("Subject %s references files at the host root; not mounting /", t.identity), "schedule")
		return false
	}
	if exists, err := utils.DirectoryExists(host); err != nil || !exists {
		t.env.Logger.Warn(fmt.Sprintf("Subject %s references missing directory %s; not mounted", t.identity, host), "schedule")
		return false
	}
	return true
}

func (t *SubjectTask) Run(ctx context.Context) (children []Child, err error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	defer func() { t.complete(err) }()

	config, err := newScratchDir(t.env.ScratchRoot, "theodore-config-", t.env.Logger)
	if err != nil {
		return nil, err
	}
	defer config.Release()

	inputMounts, inputArgs, err := t.subjectInputs(config)
	if err != nil {
		return nil, err
	}

	output, err := newScratchDir(t.env.outputRoot(), outputPrefix(t.identity), t.env.Logger)
	if err != nil {
		return nil, err
	}
	t.outMu.Lock()
	t.output = output
	t.outMu.Unlock()

	command := []string{
		"/", "/output", "participant",
		"--monitoring", "--skip_bids_validator", "--save_working_dir",
	}
	command = append(command, inputArgs...)
	command = append(command, t.env.ParticipantArgs...)

	spec := containers.RunSpec{
		Image:   t.env.Image,
		Command: command,
		Mounts: append([]containers.Mount{
			{Source: t.env.ScratchHostDir, Target: "/scratch"},
			{Source: output.path, Target: "/output"},
		}, inputMounts...),
		PublishedPorts: []string{t.env.MonitoringPort},
		WorkingDir:     "/pwd",
	}
	if err := t.execute(ctx, spec); err != nil {
		if t.currentRun() == nil {
			// Nothing ran, so there is nothing to keep
			t.Release()
		} else {
			t.env.Logger.Warn(fmt.Sprintf("Subject %s failed; outputs kept in %s", t.identity, output.path), "schedule")
		}
		return nil, err
	}

	t.setResult(NewValueResult("output_dir", output.path, "inode/directory"))
	return nil, nil
}

// outputPrefix names a subject's output directory after its identity
func outputPrefix(identity string) string {
	if identity == "" {
		return "subject-"
	}
	return strings.NewReplacer("/", "_", `\`, "_", "*", "_").Replace(identity) + "-"
}

// Release removes the subject's output directory
func (t *SubjectTask) Release() error {
	t.outMu.Lock()
	output := t.output
	t.outMu.Unlock()
	if output == nil {
		return nil
	}
	return output.Release()
}

// Logs reports the participant's progress while it runs. An unreachable
// progress endpoint yields no records.
func (t *SubjectTask) Logs() []LogRecord {
	hash := utils.HashString(t.identity)

	status := t.Status()
	if status.IsTerminal() {
		return []LogRecord{t.record("participant", hash)}
	}

	run := t.currentRun()
	if run == nil {
		return []LogRecord{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.env.monitoringTimeout())
	defer cancel()

	hostPort, ok := run.hostPort(ctx, t.env.MonitoringPort)
	if !ok {
		return []LogRecord{}
	}
	progress, err := fetchProgress(ctx, t.env.httpClient(), hostPort)
	if err != nil {
		t.env.Logger.Debug(fmt.Sprintf("No progress for subject %s: %v", t.identity, err), "schedule")
		return []LogRecord{}
	}

	record := t.record("participant", hash)
	record.Detail = progress
	return []LogRecord{record}
}

var _ Releaser = (*SubjectTask)(nil)
