package schedule

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Trustflow-Network-Labs/theodore/internal/containers"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
	"github.com/google/shlex"
)

// Env is what every node needs to run: the container runtime, a logger and
// the settings that shape the stage containers
type Env struct {
	Runtime containers.Runtime
	Logger  *utils.LogsManager

	// Image is the pipeline image reference, name:tag
	Image string
	// ScratchRoot is the parent directory of per-node scratch directories
	ScratchRoot string
	// OutputRoot keeps subject output directories; ScratchRoot when empty
	OutputRoot string
	// ScratchHostDir is bound at /scratch in every stage container
	ScratchHostDir string
	// StrictOutputs turns a missing stage output into ErrOutputMissing
	StrictOutputs    bool
	RemoveContainers bool

	// MonitoringPort is the container port of the participant progress endpoint
	MonitoringPort    string
	MonitoringTimeout time.Duration
	// ParticipantArgs are appended to every participant command
	ParticipantArgs []string

	// InspectTimeout bounds status queries against the runtime
	InspectTimeout time.Duration
	HTTPClient     *http.Client
}

// NewEnv builds an Env from configuration
func NewEnv(cm *utils.ConfigManager, runtime containers.Runtime, logger *utils.LogsManager) (*Env, error) {
	extra, err := shlex.Split(cm.GetConfigWithDefault("participant_extra_args", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid participant_extra_args: %w", err)
	}

	paths := utils.GetAppPaths("")
	scratchRoot, err := filepath.Abs(paths.ScratchRoot(cm.GetConfigWithDefault("scratch_dir", "")))
	if err != nil {
		return nil, fmt.Errorf("invalid scratch_dir: %w", err)
	}
	outputRoot, err := filepath.Abs(paths.OutputRoot(cm.GetConfigWithDefault("output_root", "")))
	if err != nil {
		return nil, fmt.Errorf("invalid output_root: %w", err)
	}

	port := cm.GetConfigInt("monitoring_port", 8080, 1, 65535)
	timeout := cm.GetConfigDuration("monitoring_timeout", 2*time.Second)

	env := &Env{
		Runtime: runtime,
		Logger:  logger,
		Image: fmt.Sprintf("%s:%s",
			cm.GetConfigWithDefault("container_image", "fcpindi/c-pac"),
			cm.GetConfigWithDefault("container_tag", "nightly")),
		ScratchRoot:       scratchRoot,
		OutputRoot:        outputRoot,
		ScratchHostDir:    cm.GetConfigWithDefault("scratch_host_dir", "/tmp"),
		StrictOutputs:     cm.GetConfigBool("strict_outputs", true),
		RemoveContainers:  cm.GetConfigBool("remove_containers", true),
		MonitoringPort:    fmt.Sprintf("%d/tcp", port),
		MonitoringTimeout: timeout,
		ParticipantArgs:   extra,
		InspectTimeout:    5 * time.Second,
		HTTPClient:        &http.Client{Timeout: timeout},
	}

	return env, nil
}

func (env *Env) outputRoot() string {
	if env.OutputRoot != "" {
		return env.OutputRoot
	}
	return env.ScratchRoot
}

func (env *Env) httpClient() *http.Client {
	if env.HTTPClient != nil {
		return env.HTTPClient
	}
	return &http.Client{Timeout: env.monitoringTimeout()}
}

func (env *Env) monitoringTimeout() time.Duration {
	if env.MonitoringTimeout > 0 {
		return env.MonitoringTimeout
	}
	return 2 * time.Second
}

func (env *Env) inspectTimeout() time.Duration {
	if env.InspectTimeout > 0 {
		return env.InspectTimeout
	}
	return 5 * time.Second
}
