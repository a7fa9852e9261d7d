package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerRuntime runs containers through the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRuntime connects to the engine at host, or to the one named by
// DOCKER_HOST when host is empty. The connection is lazy; use Ping to check.
func NewDockerRuntime(host string, logger *zap.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Close releases the client's transport.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	iso := spec.Isolation
	pids := iso.PidsLimit

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		WorkingDir:      spec.WorkingDir,
		User:            spec.User,
		Labels:          spec.Labels,
		NetworkDisabled: iso.NetworkMode == "none",
		Tty:             false,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{spec.HostDir + ":" + spec.WorkingDir + ":rw"},
		Resources: container.Resources{
			NanoCPUs:   iso.NanoCPUs,
			Memory:     iso.MemoryBytes,
			MemorySwap: iso.MemoryBytes, // no swap
			PidsLimit:  &pids,
		},
		NetworkMode:    container.NetworkMode(iso.NetworkMode),
		ReadonlyRootfs: iso.ReadonlyRootfs,
		SecurityOpt:    iso.SecurityOpt,
		CapDrop:        iso.CapDrop,
		Tmpfs:          iso.Tmpfs,
	}
	if iso.LogOpts != nil {
		hostCfg.LogConfig = container.LogConfig{Type: "json-file", Config: iso.LogOpts}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("creating container: %w: %w", ErrImageNotFound, err)
		}
		return "", fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container", resp.ID), zap.String("warning", w))
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Wait(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	go func() {
		select {
		case st := <-statusCh:
			res := WaitResult{ExitCode: st.StatusCode}
			if st.Error != nil && st.Error.Message != "" {
				res.Err = fmt.Errorf("container wait: %s", st.Error.Message)
			}
			out <- res
		case err := <-errCh:
			out <- WaitResult{ExitCode: -1, Err: fmt.Errorf("waiting for container: %w", err)}
		}
	}()
	return out
}

func (d *DockerRuntime) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("reading container logs: %w", err)
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil && !isGone(err) {
		return fmt.Errorf("killing container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) KillLabelled(ctx context.Context, key, value string) error {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return fmt.Errorf("listing labelled containers: %w", err)
	}
	var firstErr error
	for _, c := range list {
		if err := d.Kill(ctx, c.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !isGone(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	d.logger.Info("pulling docker image", zap.String("image", img))
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	d.logger.Info("pulled docker image", zap.String("image", img))
	return nil
}

func isGone(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsConflict(err)
}
