package containers

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/cli/cli/config"
	dockerTypes "github.com/docker/cli/cli/config/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// PullPolicy controls when EnsureImage contacts the registry
type PullPolicy string

const (
	PullAlways  PullPolicy = "always"
	PullMissing PullPolicy = "missing"
	PullNever   PullPolicy = "never"
)

// ParsePullPolicy accepts always, missing or never (case insensitive)
func ParsePullPolicy(value string) (PullPolicy, error) {
	switch p := PullPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case PullAlways, PullMissing, PullNever:
		return p, nil
	case "":
		return PullMissing, nil
	default:
		return "", fmt.Errorf("unknown pull policy %q", value)
	}
}

// EnsureImage makes imageName available locally according to policy
func (dr *DockerRuntime) EnsureImage(ctx context.Context, imageName string, policy PullPolicy) error {
	exists, err := dr.imageExistsLocally(ctx, imageName)
	if err != nil {
		return err
	}

	switch policy {
	case PullNever:
		if !exists {
			return fmt.Errorf("image %s not found locally and pull policy is %s", imageName, policy)
		}
		return nil
	case PullMissing:
		if exists {
			dr.logger.Info(fmt.Sprintf("Image %s already exists locally, skipping pull", imageName), "docker")
			return nil
		}
	}

	return dr.pullImage(ctx, imageName)
}

func (dr *DockerRuntime) pullImage(ctx context.Context, imageName string) error {
	dr.logger.Info(fmt.Sprintf("Pulling image: %s", imageName), "docker")

	authConfig := dr.getAuthConfig(imageName)
	encodedAuth, err := encodeAuthToBase64(authConfig)
	if err != nil {
		return fmt.Errorf("failed to encode auth: %w", err)
	}

	var platformStr string
	if platform := dr.getPlatform(ctx); platform != nil {
		platformStr = fmt.Sprintf("%s/%s", platform.OS, platform.Architecture)
	}

	reader, err := dr.cli.ImagePull(ctx, imageName, image.PullOptions{
		Platform:     platformStr,
		RegistryAuth: encodedAuth,
	})
	if err != nil {
		dr.logger.Error(fmt.Sprintf("Failed to pull image: %v", err), "docker")
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if err := dr.processPullOutput(reader); err != nil {
		return err
	}

	dr.logger.Info(fmt.Sprintf("Image pulled successfully: %s", imageName), "docker")
	return nil
}

func (dr *DockerRuntime) imageExistsLocally(ctx context.Context, imageName string) (bool, error) {
	_, _, err := dr.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check image %s: %w", imageName, err)
}

// getAuthConfig reads credentials for the image's registry from the docker CLI
// config. Missing or unreadable credentials mean an anonymous pull.
func (dr *DockerRuntime) getAuthConfig(imageName string) dockerTypes.AuthConfig {
	registry := registryHost(imageName)

	configFile, err := config.Load(config.Dir())
	if err != nil {
		dr.logger.Debug(fmt.Sprintf("No docker config, pulling anonymously: %v", err), "docker")
		return dockerTypes.AuthConfig{}
	}

	authConfig, err := configFile.GetAuthConfig(registry)
	if err != nil {
		return dockerTypes.AuthConfig{}
	}
	return authConfig
}

// registryHost returns the registry an image reference points at, Docker Hub
// when the first path component is not a host name.
func registryHost(imageName string) string {
	if parts := strings.SplitN(imageName, "/", 2); len(parts) == 2 {
		if strings.ContainsAny(parts[0], ".:") || parts[0] == "localhost" {
			return parts[0]
		}
	}
	return "https://index.docker.io/v1/"
}

func encodeAuthToBase64(authConfig dockerTypes.AuthConfig) (string, error) {
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}

func (dr *DockerRuntime) getPlatform(ctx context.Context) *specs.Platform {
	if env := os.Getenv("DOCKER_DEFAULT_PLATFORM"); env != "" {
		if platform := parsePlatform(env); platform != nil {
			return platform
		}
	}

	info, err := dr.cli.Info(ctx)
	if err != nil {
		dr.logger.Warn(fmt.Sprintf("Could not detect platform: %v", err), "docker")
		return nil
	}

	return &specs.Platform{
		OS:           info.OSType,
		Architecture: info.Architecture,
	}
}

func parsePlatform(value string) *specs.Platform {
	parts := strings.Split(value, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil
	}
	platform := &specs.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) > 2 {
		platform.Variant = parts[2]
	}
	return platform
}

// processPullOutput drains the pull progress stream and surfaces errors
// reported inside it
func (dr *DockerRuntime) processPullOutput(reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg struct {
			Status   string `json:"status"`
			Progress string `json:"progress"`
			Error    string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		if msg.Error != "" {
			return fmt.Errorf("pull failed: %s", msg.Error)
		}
		if msg.Status != "" {
			dr.logger.Debug(strings.TrimSpace(fmt.Sprintf("Pull: %s %s", msg.Status, msg.Progress)), "docker")
		}
	}

	return scanner.Err()
}
