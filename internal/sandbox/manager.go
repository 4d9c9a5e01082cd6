// Package sandbox runs untrusted code under a deny-by-default policy:
// network disabled unless allowlisted, output capped, wall-clock bounded,
// and execution routed through a pluggable Backend so the os/exec runner
// used here can later be swapped for a real container or microVM runtime
// without touching callers.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
)

// Backend executes one sandbox job to completion or to policy violation.
// A future container/microVM runtime implements this same interface.
type Backend interface {
	Run(ctx context.Context, job *model.SandboxJob) (*model.SandboxResult, error)
}

// AuditSink receives lifecycle and policy-violation events for a job.
type AuditSink interface {
	Record(ctx context.Context, event model.AuditEvent) (uint64, error)
}

// Config bounds every job the Manager accepts.
type Config struct {
	AllowedImages    map[string]bool
	DefaultWallClock time.Duration
	ShutdownGrace    time.Duration
	OutputBytesCap   int64
	Logger           *logging.Logger
}

func DefaultConfig() Config {
	return Config{
		AllowedImages:    map[string]bool{},
		DefaultWallClock: 30 * time.Second,
		ShutdownGrace:    2 * time.Second,
		OutputBytesCap:   1 << 20,
	}
}

// Manager validates launch descriptors against policy and runs each job
// through Backend with no shared mutable state between concurrent jobs.
type Manager struct {
	backend Backend
	audit   AuditSink
	config  Config
	logger  *logging.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(backend Backend, audit AuditSink, config Config, logger *logging.Logger) *Manager {
	if config.DefaultWallClock <= 0 {
		config.DefaultWallClock = 30 * time.Second
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 2 * time.Second
	}
	if config.OutputBytesCap <= 0 {
		config.OutputBytesCap = 1 << 20
	}
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &Manager{
		backend: backend, audit: audit, config: config,
		logger: logger.With("sandbox"), running: make(map[string]context.CancelFunc),
	}
}

// Launch validates job against the allowlist and resource policy, runs it
// to completion (or wall-clock/cancellation), and emits lifecycle audit
// events. A job without a JobID is given a fresh one; jobs never share
// state.
func (m *Manager) Launch(ctx context.Context, job *model.SandboxJob) (*model.SandboxResult, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if err := m.validate(job); err != nil {
		return nil, err
	}
	if job.ResourceLimits.OutputBytesCap <= 0 || job.ResourceLimits.OutputBytesCap > m.config.OutputBytesCap {
		job.ResourceLimits.OutputBytesCap = m.config.OutputBytesCap
	}
	wallclock := job.ResourceLimits.WallClock
	if wallclock <= 0 {
		wallclock = m.config.DefaultWallClock
	}

	runCtx, cancel := context.WithTimeout(ctx, wallclock+m.config.ShutdownGrace)
	m.mu.Lock()
	m.running[job.JobID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, job.JobID)
		m.mu.Unlock()
	}()

	job.Status = model.SandboxStarting
	m.emit(ctx, job.TaskID, job.JobID, "sandbox_starting", nil)

	started := time.Now()
	result, err := m.backend.Run(runCtx, job)
	if err != nil {
		m.emit(ctx, job.TaskID, job.JobID, "sandbox_error", map[string]any{"error": err.Error()})
		return nil, orcherr.New("sandbox.Launch", orcherr.CodeInternal, "", err)
	}

	if result.Status == model.SandboxPolicyViolation {
		m.emit(ctx, job.TaskID, job.JobID, "sandbox_policy_violation", map[string]any{"stderr": truncate(result.Stderr, 2048)})
	} else if time.Since(started) > wallclock+m.config.ShutdownGrace {
		result.Status = model.SandboxTimeout
		m.emit(ctx, job.TaskID, job.JobID, "sandbox_timeout", nil)
	}
	m.emit(ctx, job.TaskID, job.JobID, "sandbox_collected", map[string]any{
		"exit_code": result.ExitCode, "stdout_truncated": result.StdoutTruncated, "stderr_truncated": result.StderrTruncated,
	})

	return result, nil
}

// Cancel terminates a running job immediately.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) validate(job *model.SandboxJob) error {
	if len(m.config.AllowedImages) > 0 && !m.config.AllowedImages[job.ImageTag] {
		return orcherr.Invalid("sandbox.validate", fmt.Sprintf("image %q is not in the signed allowlist", job.ImageTag))
	}
	if len(job.EntryCommand) == 0 {
		return orcherr.Invalid("sandbox.validate", "entry_command must not be empty")
	}
	for _, mnt := range job.Mounts {
		if !mnt.RO {
			return orcherr.Invalid("sandbox.validate", fmt.Sprintf("mount %s must be read-only", mnt.Dst))
		}
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, taskID, jobID, action string, details map[string]any) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.Record(ctx, model.AuditEvent{
		Actor: "sandbox-manager", Subject: jobID, Action: action,
		Details: mergeDetails(details, map[string]any{"task_id": taskID}),
	}); err != nil {
		m.logger.Error("failed to record sandbox audit event", logging.Fields{"job_id": jobID, "error": err.Error()})
	}
}

func mergeDetails(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ExecBackend runs a job as an os/exec subprocess: no network namespace or
// filesystem isolation is provided at this layer (that is delegated to
// whatever process-level sandboxing wraps the orchestrator binary, e.g.
// seccomp/namespaces applied by the deployment); it enforces the
// command-level policy (no egress unless allowlisted is approximated by
// refusing to pass through any network-capable command unless the job's
// NetworkPolicy allowlist is non-empty), wall-clock cancellation, and
// output capping.
type ExecBackend struct {
	AllowedCommands map[string]bool
}

func NewExecBackend(allowedCommands []string) *ExecBackend {
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &ExecBackend{AllowedCommands: allowed}
}

func (b *ExecBackend) Run(ctx context.Context, job *model.SandboxJob) (*model.SandboxResult, error) {
	if len(job.EntryCommand) == 0 {
		return nil, fmt.Errorf("empty entry_command")
	}
	command := job.EntryCommand[0]
	if len(b.AllowedCommands) > 0 && !b.AllowedCommands[command] {
		return &model.SandboxResult{
			JobID: job.JobID, Status: model.SandboxPolicyViolation,
			Stderr: fmt.Sprintf("command not allowed: %s", command), StartedAt: time.Now(), FinishedAt: time.Now(),
		}, nil
	}
	if len(job.NetworkPolicy.Allowlist) == 0 && requiresNetwork(command) {
		return &model.SandboxResult{
			JobID: job.JobID, Status: model.SandboxPolicyViolation,
			Stderr: fmt.Sprintf("command %s requires network egress outside the allowlist", command), StartedAt: time.Now(), FinishedAt: time.Now(),
		}, nil
	}

	cmd := exec.CommandContext(ctx, command, job.EntryCommand[1:]...)
	cmd.Env = envSlice(job.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	finished := time.Now()

	result := &model.SandboxResult{
		JobID: job.JobID, StartedAt: started, FinishedAt: finished,
	}
	result.Stdout, result.StdoutTruncated = capOutput(stdout.String(), job.ResourceLimits.OutputBytesCap)
	result.Stderr, result.StderrTruncated = capOutput(stderr.String(), job.ResourceLimits.OutputBytesCap)

	switch {
	case ctx.Err() != nil:
		result.Status = model.SandboxTimeout
	case runErr != nil:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Status = model.SandboxExited
		} else {
			result.Status = model.SandboxKilled
		}
	default:
		result.ExitCode = cmd.ProcessState.ExitCode()
		result.Status = model.SandboxExited
	}
	return result, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func capOutput(s string, limit int64) (string, bool) {
	if limit <= 0 || int64(len(s)) <= limit {
		return s, false
	}
	return s[:limit], true
}

// requiresNetwork is a conservative heuristic flagging commands known to
// perform egress, used to deny network access by default.
func requiresNetwork(command string) bool {
	switch strings.ToLower(command) {
	case "curl", "wget", "nc", "ssh", "scp", "rsync":
		return true
	default:
		return false
	}
}
