// Package jobhandler provides the built-in "command" handler: it runs a
// subprocess described by the job's params, captures stdout/stderr to
// per-run log files, and collects declared artifact files when the
// process succeeds.
package jobhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/duskforge/nocturne/pkg/schedstore"
	"github.com/duskforge/nocturne/pkg/scheduler"
)

// TypeCommand is the job_type the command handler registers under.
const TypeCommand = "command"

// commandParams is the params shape the handler accepts.
type commandParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
	Timeout string            `json:"timeout"`

	// Artifacts are doublestar globs resolved against the workdir after a
	// successful exit.
	Artifacts []string `json:"artifacts"`
}

// CommandHandler runs one subprocess per job.
type CommandHandler struct {
	// LogDir receives <run-scoped> stdout/stderr capture files. Empty
	// disables capture and the child inherits no log files.
	LogDir string

	Log *zap.Logger
}

func NewCommandHandler(logDir string, log *zap.Logger) *CommandHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandHandler{LogDir: logDir, Log: log}
}

// Register installs the handler in a registry under TypeCommand.
func (h *CommandHandler) Register(reg *scheduler.Registry) {
	reg.Register(TypeCommand, h)
}

func (h *CommandHandler) Execute(ctx context.Context, job *schedstore.Job) (*scheduler.Result, error) {
	var params commandParams
	if job.Params != "" {
		if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
			return nil, fmt.Errorf("decode command params: %w", err)
		}
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command params require a command")
	}

	if params.Timeout != "" {
		timeout, err := time.ParseDuration(params.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse timeout: %w", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	cmd.Dir = params.Workdir
	cmd.Env = os.Environ()
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	logPath, closeLogs, err := h.attachLogs(cmd, job.JobID)
	if err != nil {
		return nil, err
	}
	defer closeLogs()

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &scheduler.Result{LogPath: logPath}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		result.ExitCode = &code
	}

	if runErr != nil {
		result.Status = schedstore.RunStatusFailed
		result.Error = runErr.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Error = fmt.Sprintf("%v: %v", ctxErr, runErr)
		}
		h.Log.Warn("command failed",
			zap.String("job_id", job.JobID),
			zap.String("command", params.Command),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
		return result, nil
	}

	artifacts, err := collectArtifacts(params.Workdir, params.Artifacts)
	if err != nil {
		result.Status = schedstore.RunStatusFailed
		result.Error = fmt.Sprintf("collect artifacts: %v", err)
		return result, nil
	}

	result.Status = schedstore.RunStatusCompleted
	result.Artifacts = artifacts
	h.Log.Debug("command completed",
		zap.String("job_id", job.JobID),
		zap.Duration("elapsed", elapsed),
		zap.Int("artifacts", len(artifacts)))
	return result, nil
}

// attachLogs wires stdout/stderr to capture files under LogDir.
func (h *CommandHandler) attachLogs(cmd *exec.Cmd, jobID string) (string, func(), error) {
	if h.LogDir == "" {
		return "", func() {}, nil
	}

	dir := filepath.Join(h.LogDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("create log dir: %w", err)
	}

	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return "", nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return "", nil, fmt.Errorf("create stderr log: %w", err)
	}

	cmd.Stdout = stdout
	cmd.Stderr = stderr
	closeLogs := func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}
	return dir, closeLogs, nil
}

// collectArtifacts resolves artifact globs relative to the workdir and
// returns absolute paths, deterministically ordered.
func collectArtifacts(workdir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	if workdir == "" {
		workdir = "."
	}

	seen := make(map[string]bool)
	var collected []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(workdir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			collected = append(collected, abs)
		}
	}
	sort.Strings(collected)
	return collected, nil
}
