package functiontool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/inkeep/agents-runtime/pkg/store"
)

const (
	dockerMemoryLimit = 256 << 20 // bytes
	sandboxMount      = "/sandbox"
)

// runtimeImage picks the sandbox image. Versioned names like node22 or
// python313 resolve by prefix, same as runtimeCommand.
func runtimeImage(runtime string) (string, bool) {
	switch {
	case runtime == "" || strings.HasPrefix(runtime, "node"):
		return "node:20-alpine", true
	case strings.HasPrefix(runtime, "python"):
		return "python:3.12-alpine", true
	default:
		return "", false
	}
}

// DockerExecutor runs each invocation in a fresh container with memory and
// cpu caps and no network.
type DockerExecutor struct {
	cli *dockerclient.Client
}

func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerExecutor{cli: cli}, nil
}

func (*DockerExecutor) Name() string { return "docker" }

func (d *DockerExecutor) Execute(ctx context.Context, fn *store.Function, args map[string]any) (any, error) {
	image, ok := runtimeImage(fn.Runtime)
	if !ok {
		return nil, fmt.Errorf("unsupported function runtime %q", fn.Runtime)
	}
	interpreter, ext, err := runtimeCommand(fn.Runtime)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "fn-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "handler"+ext), []byte(fn.Code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write function code: %w", err)
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode function args: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "args.json"), input, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write function args: %w", err)
	}

	timeout := time.Duration(fn.TimeoutMs) * time.Millisecond
	if fn.TimeoutMs <= 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nanoCPUs := int64(1e9)
	if fn.VCPUs > 0 {
		nanoCPUs = int64(fn.VCPUs) * 1e9
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           image,
			Cmd:             []string{interpreter, "handler" + ext},
			WorkingDir:      sandboxMount,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:     mount.TypeBind,
				Source:   dir,
				Target:   sandboxMount,
				ReadOnly: true,
			}},
			Resources: container.Resources{
				Memory:   dockerMemoryLimit,
				NanoCPUs: nanoCPUs,
			},
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	waitCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("function timed out after %s", timeout)
		}
		return nil, fmt.Errorf("sandbox container failed: %w", err)
	case status := <-waitCh:
		stdout, stderr, logErr := d.logs(ctx, created.ID)
		if logErr != nil {
			return nil, logErr
		}
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("function exited with status %d: %s", status.StatusCode, bytes.TrimSpace(stderr))
		}
		return parseOutput(stdout)
	}
}

func (d *DockerExecutor) logs(ctx context.Context, containerID string) (stdout, stderr []byte, err error) {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sandbox logs: %w", err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("failed to demux sandbox logs: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Close releases the docker client.
func (d *DockerExecutor) Close() error {
	return d.cli.Close()
}
