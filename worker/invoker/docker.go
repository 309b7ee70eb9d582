package invoker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerClient "github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/utils"
)

const backendContainerName = "session-backend-%s"

// DockerInvoker runs a backend as a Docker container attached to the
// configured network. Backends are addressed by container name through the
// network's DNS, so no host ports are published.
type DockerInvoker struct {
	apiClient *dockerClient.Client

	networkName   string
	containerName string
	containerID   string

	started int32
	closed  int32

	log logger.Logger
}

// NewDockerInvoker creates a new DockerInvoker struct and returns a pointer
// to it. The Docker API client is configured from the environment, exactly as
// the docker CLI would be.
func NewDockerInvoker(networkName string) (Invoker, error) {
	apiClient, err := dockerClient.NewClientWithOpts(dockerClient.FromEnv, dockerClient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker API client")
	}

	ivk := &DockerInvoker{
		apiClient:   apiClient,
		networkName: networkName,
	}
	config.InitLogger(&ivk.log, ivk)

	return ivk, nil
}

func (ivk *DockerInvoker) InvokeWithContext(ctx context.Context, spec *proto.BackendSpec, port int) (string, error) {
	if !atomic.CompareAndSwapInt32(&ivk.started, 0, 1) {
		return "", ErrAlreadyStarted
	}

	ivk.containerName = fmt.Sprintf(backendContainerName, spec.BackendID)

	env := []string{
		fmt.Sprintf("BACKEND_ID=%s", spec.BackendID),
		fmt.Sprintf("SESSION_KEY=%s", spec.Key),
		fmt.Sprintf("PORT=%d", port),
	}
	env = append(env, spec.Env...)

	created, err := ivk.apiClient.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   env,
			Labels: map[string]string{
				"component":   "session_backend",
				"backend_id":  spec.BackendID,
				"session_key": spec.Key,
			},
		},
		&container.HostConfig{},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				ivk.networkName: {
					Aliases: []string{ivk.containerName},
				},
			},
		},
		nil, ivk.containerName)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create container for backend %s", spec.BackendID)
	}

	ivk.containerID = created.ID

	if err := ivk.apiClient.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", errors.Wrapf(err, "failed to start container %s", ivk.containerName)
	}

	address := utils.JoinHostPort(ivk.containerName, port)
	ivk.log.Info(utils.GreenStyle.Render("Started container \"%s\" (%s) for backend %s; serving at %s."),
		ivk.containerName, created.ID[:12], spec.BackendID, address)

	return address, nil
}

func (ivk *DockerInvoker) Status(ctx context.Context) (BackendStatus, error) {
	if atomic.LoadInt32(&ivk.started) == 0 {
		return StatusInitializing, ErrNotStarted
	}

	inspected, err := ivk.apiClient.ContainerInspect(ctx, ivk.containerID)
	if err != nil {
		if dockerClient.IsErrNotFound(err) {
			return StatusExited, nil
		}
		return StatusFailed, err
	}

	state := inspected.State
	switch {
	case state == nil:
		return StatusInitializing, nil
	case state.Running:
		return StatusRunning, nil
	case strings.EqualFold(state.Status, "created"):
		return StatusInitializing, nil
	case state.ExitCode != 0:
		return StatusFailed, nil
	default:
		return StatusExited, nil
	}
}

func (ivk *DockerInvoker) Shutdown(ctx context.Context, grace time.Duration) error {
	if atomic.LoadInt32(&ivk.started) == 0 {
		return ErrNotStarted
	}

	graceSeconds := int(grace / time.Second)

	ivk.log.Info("Stopping container \"%s\" with a grace period of %d second(s).", ivk.containerName, graceSeconds)

	return ivk.apiClient.ContainerStop(ctx, ivk.containerID, container.StopOptions{Timeout: &graceSeconds})
}

func (ivk *DockerInvoker) Close() error {
	if !atomic.CompareAndSwapInt32(&ivk.closed, 0, 1) {
		return nil
	}

	if atomic.LoadInt32(&ivk.started) == 1 {
		err := ivk.apiClient.ContainerRemove(context.Background(), ivk.containerID, container.RemoveOptions{Force: true})
		if err != nil && !dockerClient.IsErrNotFound(err) {
			ivk.log.Warn("Failed to remove container \"%s\": %v", ivk.containerName, err)
		}
	}

	return ivk.apiClient.Close()
}
