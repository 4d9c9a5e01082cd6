package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/internal/model"
)

type memAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *memAudit) Record(ctx context.Context, event model.AuditEvent) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return uint64(len(a.events)), nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

func TestLaunchRunsAllowedCommand(t *testing.T) {
	backend := NewExecBackend([]string{"echo"})
	audit := &memAudit{}
	mgr := New(backend, audit, DefaultConfig(), nil)

	job := &model.SandboxJob{
		TaskID: "t1", ImageTag: "any", EntryCommand: []string{"echo", "hello"},
		Mounts: nil,
	}
	result, err := mgr.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxExited, result.Status)
	assert.Contains(t, result.Stdout, "hello")
	assert.Contains(t, audit.actions(), "sandbox_collected")
}

func TestLaunchRejectsDisallowedImage(t *testing.T) {
	backend := NewExecBackend([]string{"echo"})
	config := DefaultConfig()
	config.AllowedImages = map[string]bool{"signed/image": true}
	mgr := New(backend, nil, config, nil)

	job := &model.SandboxJob{ImageTag: "unsigned/image", EntryCommand: []string{"echo", "hi"}}
	_, err := mgr.Launch(context.Background(), job)
	assert.Error(t, err)
}

func TestLaunchRejectsEmptyEntryCommand(t *testing.T) {
	mgr := New(NewExecBackend(nil), nil, DefaultConfig(), nil)
	_, err := mgr.Launch(context.Background(), &model.SandboxJob{ImageTag: "any"})
	assert.Error(t, err)
}

func TestLaunchRejectsNonReadOnlyMount(t *testing.T) {
	mgr := New(NewExecBackend([]string{"echo"}), nil, DefaultConfig(), nil)
	job := &model.SandboxJob{
		ImageTag: "any", EntryCommand: []string{"echo", "hi"},
		Mounts: []model.Mount{{Src: "/host", Dst: "/data", RO: false}},
	}
	_, err := mgr.Launch(context.Background(), job)
	assert.Error(t, err)
}

func TestLaunchPolicyViolationForDisallowedCommand(t *testing.T) {
	backend := NewExecBackend([]string{"echo"})
	audit := &memAudit{}
	mgr := New(backend, audit, DefaultConfig(), nil)

	job := &model.SandboxJob{ImageTag: "any", EntryCommand: []string{"rm", "-rf", "/"}}
	result, err := mgr.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxPolicyViolation, result.Status)
	assert.Contains(t, audit.actions(), "sandbox_policy_violation")
}

func TestLaunchDeniesNetworkCommandsByDefault(t *testing.T) {
	backend := NewExecBackend([]string{"curl"})
	mgr := New(backend, nil, DefaultConfig(), nil)

	job := &model.SandboxJob{ImageTag: "any", EntryCommand: []string{"curl", "http://example.com"}}
	result, err := mgr.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxPolicyViolation, result.Status)
}

func TestLaunchTimeoutTerminatesLongRunningCommand(t *testing.T) {
	backend := NewExecBackend([]string{"sleep"})
	audit := &memAudit{}
	config := DefaultConfig()
	config.ShutdownGrace = 200 * time.Millisecond
	mgr := New(backend, audit, config, nil)

	job := &model.SandboxJob{
		ImageTag: "any", EntryCommand: []string{"sleep", "5"},
		ResourceLimits: model.ResourceLimits{WallClock: 100 * time.Millisecond},
	}
	result, err := mgr.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, []model.SandboxStatus{model.SandboxTimeout, model.SandboxKilled}, result.Status)
}

func TestLaunchGeneratesJobIDWhenAbsent(t *testing.T) {
	mgr := New(NewExecBackend([]string{"echo"}), nil, DefaultConfig(), nil)
	job := &model.SandboxJob{ImageTag: "any", EntryCommand: []string{"echo", "x"}}
	_, err := mgr.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, job.JobID)
}

func TestOutputCappedAtConfiguredLimit(t *testing.T) {
	backend := NewExecBackend([]string{"echo"})
	config := DefaultConfig()
	config.OutputBytesCap = 3
	mgr := New(backend, nil, config, nil)

	job := &model.SandboxJob{ImageTag: "any", EntryCommand: []string{"echo", "hello world"}}
	result, err := mgr.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.StdoutTruncated)
	assert.LessOrEqual(t, len(result.Stdout), 3)
}

func TestCancelTerminatesRunningJob(t *testing.T) {
	backend := NewExecBackend([]string{"sleep"})
	mgr := New(backend, nil, DefaultConfig(), nil)

	job := &model.SandboxJob{
		JobID: "job-cancel", ImageTag: "any", EntryCommand: []string{"sleep", "5"},
		ResourceLimits: model.ResourceLimits{WallClock: 10 * time.Second},
	}

	done := make(chan struct{})
	go func() {
		_, _ = mgr.Launch(context.Background(), job)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, mgr.Cancel("job-cancel"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel should have terminated the job quickly")
	}
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	mgr := New(NewExecBackend(nil), nil, DefaultConfig(), nil)
	assert.False(t, mgr.Cancel("nonexistent"))
}
