// Package docker runs collectors and analyzers as short-lived containers.
//
// The tool gets the session parameters as DIAG_* environment variables and
// the instance work directory mounted at /work. It reports what it produced
// by writing /work/result.json before exiting with status 0.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/session"
)

const (
	workMount  = "/work"
	resultFile = "result.json"
)

// API is the subset of the Docker client used here.
type API interface {
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options dockercontainer.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
}

// NewClient creates a Docker client from the environment
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// Tool is one container image plus command line.
type Tool struct {
	api     API
	name    string
	image   string
	command []string
}

// NewTool creates a tool that runs image with command through api.
func NewTool(api API, name, image string, command []string) *Tool {
	return &Tool{api: api, name: name, image: image, command: command}
}

// Collector runs the tool as a diagnoser.Collector.
func (t *Tool) Collector() diagnoser.Collector {
	return diagnoser.CollectorFunc(t.collect)
}

// Analyzer runs the tool as a diagnoser.Analyzer.
func (t *Tool) Analyzer() diagnoser.Analyzer {
	return diagnoser.AnalyzerFunc(t.analyze)
}

type collectOutput struct {
	Logs   []session.LogFile `json:"logs"`
	Errors []string          `json:"errors"`
}

type analyzeOutput struct {
	Reports []session.Report `json:"reports"`
}

func (t *Tool) collect(ctx context.Context, req diagnoser.CollectRequest) (diagnoser.CollectResult, error) {
	env := []string{
		"DIAG_PHASE=collect",
		"DIAG_SESSION_ID=" + req.SessionID,
		"DIAG_FROM=" + req.From.UTC().Format(time.RFC3339),
		"DIAG_TO=" + req.To.UTC().Format(time.RFC3339),
		"DIAG_PARAMS=" + req.Params,
		"DIAG_INSTANCE=" + req.Instance,
		"DIAG_BLOB_SAS_URI=" + req.BlobSASURI,
	}
	var out collectOutput
	if err := t.run(ctx, req.WorkDir, env, &out); err != nil {
		return diagnoser.CollectResult{}, err
	}
	if len(out.Logs) == 0 && len(out.Errors) == 0 {
		return diagnoser.CollectResult{}, fmt.Errorf("%s: %w", t.name, diagnoser.ErrNoOutput)
	}
	for i := range out.Logs {
		if out.Logs[i].Instance == "" {
			out.Logs[i].Instance = req.Instance
		}
		if out.Logs[i].Diagnoser == "" {
			out.Logs[i].Diagnoser = t.name
		}
	}
	return diagnoser.CollectResult{Logs: out.Logs, Errors: out.Errors}, nil
}

func (t *Tool) analyze(ctx context.Context, req diagnoser.AnalyzeRequest) ([]session.Report, error) {
	env := []string{
		"DIAG_PHASE=analyze",
		"DIAG_SESSION_ID=" + req.SessionID,
		"DIAG_LOG=" + req.Log.RelativePath,
		"DIAG_INSTANCE=" + req.Instance,
		"DIAG_BLOB_SAS_URI=" + req.BlobSASURI,
	}
	var out analyzeOutput
	if err := t.run(ctx, req.WorkDir, env, &out); err != nil {
		return nil, err
	}
	if len(out.Reports) == 0 {
		return nil, fmt.Errorf("%s: %w", t.name, diagnoser.ErrNoOutput)
	}
	for i := range out.Reports {
		if out.Reports[i].Instance == "" {
			out.Reports[i].Instance = req.Instance
		}
		if out.Reports[i].AnalyzedLog == "" {
			out.Reports[i].AnalyzedLog = req.Log.RelativePath
		}
	}
	return out.Reports, nil
}

// run executes the container to completion and decodes result.json into out.
func (t *Tool) run(ctx context.Context, workDir string, env []string, out any) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("%s: %w: %v", t.name, diagnoser.ErrToolFailed, err)
	}
	resultPath := filepath.Join(workDir, resultFile)
	_ = os.Remove(resultPath)

	containerConfig := &dockercontainer.Config{
		Image:      t.image,
		Cmd:        t.command,
		Env:        env,
		WorkingDir: workMount,
		Labels:     map[string]string{"diagd.tool": t.name},
		Tty:        false,
	}
	hostConfig := &dockercontainer.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: workMount,
		}},
	}

	resp, err := t.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("%s: %w: failed to create container: %v", t.name, diagnoser.ErrToolFailed, err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = t.api.ContainerRemove(rmCtx, resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := t.api.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("%s: %w: failed to start container: %v", t.name, diagnoser.ErrToolFailed, err)
	}

	statusCh, errCh := t.api.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %v", t.name, diagnoser.ErrToolFailed, err)
	case st := <-statusCh:
		if st.Error != nil {
			return fmt.Errorf("%s: %w: %s", t.name, diagnoser.ErrToolFailed, st.Error.Message)
		}
		if st.StatusCode != 0 {
			return fmt.Errorf("%s: %w: exit code %d: %s", t.name, diagnoser.ErrToolFailed, st.StatusCode, t.tail(ctx, resp.ID))
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w: no %s", t.name, diagnoser.ErrNoOutput, resultFile)
		}
		return fmt.Errorf("%s: %w: %v", t.name, diagnoser.ErrToolFailed, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: invalid %s: %v", t.name, diagnoser.ErrToolFailed, resultFile, err)
	}
	return nil
}

// tail returns the last lines of the container's output for error messages.
func (t *Tool) tail(ctx context.Context, containerID string) string {
	logs, err := t.api.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return ""
	}
	defer func() { _ = logs.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
