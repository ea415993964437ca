package insar

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sentryal/insar-api/internal/models"
)

const (
	dockerWorkRoot   = "/tmp/insar"
	dockerSpecName   = "spec.json"
	dockerResultName = "result.json"
	dockerStatsName  = "statistics.json"
	dockerStatusName = "status"
	dockerLogName    = "engine.log"
)

// dockerProcessor runs the processing engine CLI inside a local container.
// Development substitute for the hosted service; the run directory's status
// file stands in for the service's status endpoint.
type dockerProcessor struct {
	runner    Runner
	container string
	bin       string
}

// NewDockerProcessor drives the engine CLI in the named container. bin
// defaults to "insar-engine".
func NewDockerProcessor(runner Runner, containerName, bin string) Processor {
	if bin == "" {
		bin = "insar-engine"
	}
	return &dockerProcessor{runner: runner, container: containerName, bin: bin}
}

func (p *dockerProcessor) Submit(ctx context.Context, spec models.SubmissionSpec) (string, error) {
	handle := spec.JobID
	dir := path.Join(dockerWorkRoot, handle)

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return "", errors.Wrap(err, "marshal submission spec")
	}

	if _, err := p.runner.Sh(ctx, p.container, "mkdir -p "+dir, WithTimeout(10*time.Second)); err != nil {
		return "", errors.Wrap(err, "prepare run directory")
	}
	if err := p.runner.CopyTo(ctx, p.container, dir, specJSON, dockerSpecName); err != nil {
		return "", errors.Wrap(err, "upload submission spec")
	}

	// Background the engine run; the status file is the poll surface.
	script := fmt.Sprintf(
		"echo %s > %[2]s/%[3]s && nohup sh -c '%[4]s process --spec %[2]s/%[5]s --output %[2]s/%[6]s --stats %[2]s/%[7]s > %[2]s/%[8]s 2>&1 && echo %[9]s > %[2]s/%[3]s || echo %[10]s > %[2]s/%[3]s' >/dev/null 2>&1 &",
		StatusInProgress, dir, dockerStatusName,
		p.bin, dockerSpecName, dockerResultName, dockerStatsName, dockerLogName,
		StatusCompleted, StatusFailed,
	)
	res, err := p.runner.Sh(ctx, p.container, script, WithTimeout(30*time.Second))
	if err != nil {
		return "", errors.Wrap(err, "launch engine run")
	}
	if res.ExitCode != 0 {
		return "", errors.Errorf("launch engine run: exit %d: %s", res.ExitCode, res.Stdout+res.Stderr)
	}

	return handle, nil
}

func (p *dockerProcessor) Poll(ctx context.Context, handle string) (PollResult, error) {
	dir := path.Join(dockerWorkRoot, handle)

	res, err := p.runner.Sh(ctx, p.container, "cat "+path.Join(dir, dockerStatusName), WithTimeout(10*time.Second))
	if err != nil {
		return PollResult{}, &TransientError{Err: errors.Wrap(err, "read run status")}
	}
	if res.ExitCode != 0 {
		return PollResult{}, errors.Errorf("unknown run %q", handle)
	}

	status := ExternalStatus(strings.TrimSpace(res.Stdout))
	result := PollResult{Status: status}

	switch status {
	case StatusCompleted:
		result.Artifacts = []ArtifactRef{{
			Name: dockerResultName,
			Path: path.Join(dir, dockerResultName),
		}}
		if stats, err := p.readStats(ctx, dir); err == nil {
			result.Stats = stats
		}
	case StatusFailed:
		if tail, err := p.runner.Sh(ctx, p.container, "tail -n 5 "+path.Join(dir, dockerLogName), WithTimeout(10*time.Second)); err == nil {
			result.Reason = strings.TrimSpace(tail.Stdout)
		}
	}

	return result, nil
}

func (p *dockerProcessor) Download(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	if ref.Path == "" {
		return nil, errors.Errorf("artifact %q has no container path", ref.Name)
	}
	data, err := p.runner.CopyFrom(ctx, p.container, ref.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "copy artifact %q", ref.Name)
	}
	return data, nil
}

func (p *dockerProcessor) readStats(ctx context.Context, dir string) (*models.ResultStats, error) {
	data, err := p.runner.CopyFrom(ctx, p.container, path.Join(dir, dockerStatsName))
	if err != nil {
		return nil, err
	}
	var stats models.ResultStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, errors.Wrap(err, "decode engine statistics")
	}
	return &stats, nil
}
