package insar

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult carries the outcome of one command run inside the engine
// container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type execOptions struct {
	WorkDir string
	Timeout time.Duration
}

type ExecOpt func(*execOptions)

func WithWorkDir(dir string) ExecOpt {
	return func(o *execOptions) { o.WorkDir = dir }
}

func WithTimeout(d time.Duration) ExecOpt {
	return func(o *execOptions) { o.Timeout = d }
}

// Runner executes commands in and moves files to/from a local engine
// container. Used by the docker-backed processor for development setups
// without access to the hosted service.
type Runner interface {
	Exec(ctx context.Context, containerName string, cmd []string, opts ...ExecOpt) (*ExecResult, error)
	Sh(ctx context.Context, containerName, script string, opts ...ExecOpt) (*ExecResult, error)
	CopyFrom(ctx context.Context, containerName, filePath string) ([]byte, error)
	CopyTo(ctx context.Context, containerName, dstPath string, content []byte, filename string) error
}

type dockerRunner struct {
	cli *client.Client
}

func NewDockerRunner(cli *client.Client) Runner {
	return &dockerRunner{cli: cli}
}

func (d *dockerRunner) Exec(ctx context.Context, containerName string, cmd []string, opts ...ExecOpt) (*ExecResult, error) {
	o := &execOptions{}
	for _, opt := range opts {
		opt(o)
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   o.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var outBuf, errBuf bytes.Buffer
	outputDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader)
		outputDone <- copyErr
	}()

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err = <-outputDone:
		if err != nil {
			return nil, fmt.Errorf("exec stream: %w", err)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
	}, nil
}

func (d *dockerRunner) Sh(ctx context.Context, containerName, script string, opts ...ExecOpt) (*ExecResult, error) {
	return d.Exec(ctx, containerName, []string{"sh", "-lc", script}, opts...)
}

func (d *dockerRunner) CopyFrom(ctx context.Context, containerName, filePath string) ([]byte, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, containerName, filePath)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err == io.EOF {
		return nil, fmt.Errorf("empty archive for %s", filePath)
	} else if err != nil {
		return nil, fmt.Errorf("tar read header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, tr); err != nil {
		return nil, fmt.Errorf("tar read file: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *dockerRunner) CopyTo(ctx context.Context, containerName, dstPath string, content []byte, filename string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filename,
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar write header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar write content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	if err := d.cli.CopyToContainer(ctx, containerName, dstPath, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}
