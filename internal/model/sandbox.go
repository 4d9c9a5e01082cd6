package model

import "time"

// NetworkPolicy describes a sandbox job's egress policy. The zero value
// denies all egress.
type NetworkPolicy struct {
	Allowlist []string `json:"allowlist,omitempty"`
}

// Allowed reports whether host:port is permitted under this policy.
func (p NetworkPolicy) Allowed(hostport string) bool {
	for _, a := range p.Allowlist {
		if a == hostport {
			return true
		}
	}
	return false
}

// ResourceLimits bounds a sandbox job's CPU, memory, wall-clock, process
// count, and scratch space.
type ResourceLimits struct {
	CPUCores         float64       `json:"cpu_cores"`
	MemoryBytes      int64         `json:"memory_bytes"`
	WallClock        time.Duration `json:"wallclock_seconds"`
	Pids             int           `json:"pids"`
	TmpfsBytes       int64         `json:"tmpfs_bytes"`
	OutputBytesCap   int64         `json:"output_bytes_cap"`
}

// Mount is a bind mount into the sandbox. The sandbox Manager accepts only
// mounts with RO set and rejects a job carrying any other mount.
type Mount struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
	RO  bool   `json:"ro"`
}

// SandboxStatus is a sandbox job's terminal or in-flight status.
type SandboxStatus string

const (
	SandboxCreated         SandboxStatus = "created"
	SandboxStarting        SandboxStatus = "starting"
	SandboxRunning         SandboxStatus = "running"
	SandboxExited          SandboxStatus = "exited"
	SandboxTimeout         SandboxStatus = "timeout"
	SandboxKilled          SandboxStatus = "killed"
	SandboxPolicyViolation SandboxStatus = "policy_violation"
	SandboxCollected       SandboxStatus = "collected"
)

// SandboxJob is a request to execute untrusted code in isolation.
type SandboxJob struct {
	JobID          string            `json:"job_id"`
	TaskID         string            `json:"task_id"`
	ImageTag       string            `json:"image_tag"`
	EntryCommand   []string          `json:"entry_command"`
	Env            map[string]string `json:"env,omitempty"`
	Mounts         []Mount           `json:"mounts,omitempty"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	NetworkPolicy  NetworkPolicy     `json:"network_policy"`
	InputArtifacts []string         `json:"input_artifacts,omitempty"`
	Status         SandboxStatus     `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SandboxResult is the outcome of a sandbox job.
type SandboxResult struct {
	JobID              string            `json:"job_id"`
	ExitCode           int               `json:"exit_code"`
	Stdout             string            `json:"stdout"`
	Stderr             string            `json:"stderr"`
	StdoutTruncated    bool              `json:"stdout_truncated"`
	StderrTruncated    bool              `json:"stderr_truncated"`
	CollectedArtifacts map[string]string `json:"collected_artifacts,omitempty"`
	Status             SandboxStatus     `json:"status"`
	StartedAt          time.Time         `json:"started_at"`
	FinishedAt         time.Time         `json:"finished_at"`
}
