package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"montage/internal/config"
	"montage/internal/pipeline"
	"montage/internal/services"
)

// ExecWorker runs an external command per dispatch. The dispatch envelope is
// written to the command's stdin as JSON; the command must print a response
// envelope as JSON on stdout. Stderr is passed through into the error cause
// when the command fails.
type ExecWorker struct {
	command string
	workDir string
}

// NewExecWorker builds a worker around a shell command. workDir is created
// lazily per run so commands get a scratch directory.
func NewExecWorker(command, workDir string) *ExecWorker {
	return &ExecWorker{command: command, workDir: workDir}
}

// Handle runs the configured command for one dispatch.
func (w *ExecWorker) Handle(ctx context.Context, dispatch pipeline.Dispatch) (pipeline.Response, error) {
	payload, err := json.Marshal(dispatch)
	if err != nil {
		return pipeline.Response{}, fmt.Errorf("encode dispatch: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", w.command)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if w.workDir != "" {
		runDir := filepath.Join(w.workDir, dispatch.RunID)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return pipeline.Response{}, fmt.Errorf("create work dir: %w", err)
		}
		cmd.Dir = runDir
		cmd.Env = append(os.Environ(), "MONTAGE_WORK_DIR="+runDir)
	}

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		marker := services.ErrTransient
		if ctx.Err() != nil {
			marker = services.ErrTimeout
		}
		return pipeline.Response{}, services.Wrap(marker, string(dispatch.Stage), "exec", detail, nil)
	}

	var response pipeline.Response
	if err := json.Unmarshal(stdout.Bytes(), &response); err != nil {
		return pipeline.Response{}, services.Wrap(services.ErrMalformed, string(dispatch.Stage), "decode worker output", err.Error(), nil)
	}
	return response, nil
}

// RegisterFromConfig wires one ExecWorker per configured stage command onto
// the runner. Configuration validation already guaranteed a command per
// stage when workers are enabled.
func RegisterFromConfig(cfg *config.Config, runner *Runner) error {
	if !cfg.Workers.Enabled {
		return nil
	}
	for _, stage := range pipeline.Stages() {
		command, ok := cfg.Workers.Commands[string(stage)]
		if !ok || strings.TrimSpace(command) == "" {
			return services.Wrap(services.ErrConfiguration, string(stage), "workers", "missing stage command", nil)
		}
		runner.Register(stage, NewExecWorker(command, cfg.Paths.WorkDir), cfg.Workers.Concurrency)
	}
	return nil
}
