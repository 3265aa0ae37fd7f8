package driver

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"
)

const (
	labelToken   = "deskd.token"
	labelDesktop = "deskd.desktop-id"

	// displayPort is the in-container display server port the session
	// router hands out (VNC).
	displayPort = 5900
)

// DockerDriver realizes one desktop as one container on the local Docker
// substrate. The endpoint is the container's bridge IP plus the display
// port.
type DockerDriver struct {
	cli    client.APIClient
	logger *zap.Logger
}

func NewDockerDriver(logger *zap.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerDriver{cli: cli, logger: logger}, nil
}

func (d *DockerDriver) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.Image == "" {
		return "", Permanentf("create", "empty image in spec for %s", spec.ID)
	}

	// Idempotency: a previous attempt with this token may have succeeded
	// after an ambiguous failure. Reuse its container.
	existing, err := d.findByToken(ctx, spec.Token)
	if err != nil {
		return "", err
	}
	if existing != "" {
		d.logger.Info("reusing sandbox for token",
			zap.String("desktop", spec.ID), zap.String("handle", existing))
		return existing, nil
	}

	reader, err := d.cli.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
	if err != nil {
		return "", classify("create", err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:    spec.Image,
		Hostname: spec.ID,
		Labels: map[string]string{
			labelToken:   spec.Token,
			labelDesktop: spec.ID,
		},
	}, nil, nil, nil, "")
	if err != nil {
		return "", classify("create", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", classify("create", err)
	}
	return resp.ID, nil
}

func (d *DockerDriver) findByToken(ctx context.Context, token string) (string, error) {
	args := filters.NewArgs(filters.Arg("label", labelToken+"="+token))
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return "", classify("create", err)
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].ID, nil
}

func (d *DockerDriver) Inspect(ctx context.Context, handle string) (Observation, error) {
	resp, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Observation{State: StateAbsent}, nil
		}
		return Observation{}, classify("inspect", err)
	}

	switch resp.State.Status {
	case "running":
		ip := resp.NetworkSettings.IPAddress
		if ip == "" {
			// Scheduled but no address yet: still coming up.
			return Observation{State: StateCreating}, nil
		}
		ep := net.JoinHostPort(ip, strconv.Itoa(displayPort))
		return Observation{State: StateReady, Endpoint: ep}, nil
	case "created", "restarting":
		return Observation{State: StateCreating}, nil
	default: // exited, dead, removing, paused
		return Observation{State: StateStopped}, nil
	}
}

func (d *DockerDriver) Delete(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, types.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify("delete", err)
	}
	return nil
}

// classify maps substrate errors onto the controller's retry taxonomy.
// Malformed input is permanent; everything else (daemon hiccups, conflicts
// with concurrent operations, network failures) is worth retrying.
func classify(op string, err error) error {
	switch {
	case errdefs.IsInvalidParameter(err) || errdefs.IsNotFound(err):
		return &Error{Kind: Permanent, Op: op, Err: err}
	default:
		return &Error{Kind: Transient, Op: op, Err: err}
	}
}
