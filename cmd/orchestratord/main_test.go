package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/internal/controlplane"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/priority"
	"github.com/taskorch/orchestrator/internal/queue"
	"github.com/taskorch/orchestrator/internal/registry"
	"github.com/taskorch/orchestrator/internal/transport"
)

type fakeRouteDispatcher struct {
	mu      sync.Mutex
	entries []*model.QueueEntry
}

func (f *fakeRouteDispatcher) Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.EntryID = "entry-" + entry.TaskID
	f.entries = append(f.entries, entry)
	return entry.EntryID, nil
}

func (f *fakeRouteDispatcher) StreamFor(capability string, p model.PriorityClass) string {
	return capability + ":" + string(p)
}

func (f *fakeRouteDispatcher) Len(ctx context.Context, stream string) (int64, error) { return 0, nil }

func (f *fakeRouteDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeIdempotencyIndex struct {
	mu    sync.Mutex
	claim map[string]string
}

func (f *fakeIdempotencyIndex) ReserveIdempotencyKey(ctx context.Context, key, taskID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claim == nil {
		f.claim = make(map[string]string)
	}
	if existing, ok := f.claim[key]; ok {
		return existing, true, nil
	}
	f.claim[key] = taskID
	return taskID, false, nil
}

type fakeCPQueue struct{}

func (fakeCPQueue) Len(ctx context.Context, stream string) (int64, error) { return 0, nil }
func (fakeCPQueue) Pending(ctx context.Context, stream, group string) ([]queue.PendingEntry, error) {
	return nil, nil
}
func (fakeCPQueue) Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]*model.QueueEntry, error) {
	return nil, nil
}
func (fakeCPQueue) Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error) {
	return "", nil
}
func (fakeCPQueue) Ack(ctx context.Context, stream, group, entryID string) error { return nil }

func newTestDispatcher(t *testing.T, disp *fakeRouteDispatcher, idx idempotencyIndex) (transport.Dispatcher, *priority.Router) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.MethodEntry{
		Method: "echo", Version: 1, Capability: "codegen", DefaultPriority: model.PriorityNormal,
	}))
	router := priority.New(disp, 2, time.Second, nil)
	cp := controlplane.New(fakeCPQueue{}, router, nil, nil, nil)
	return newMethodDispatcher(reg, router, cp, idx), router
}

func TestSandboxJobFromParamsExtractsAllFields(t *testing.T) {
	task := &model.Task{
		TaskID: "t1",
		Params: map[string]any{
			"image_tag":     "signed/runner",
			"entry_command": []interface{}{"python", "run.py"},
			"env":           map[string]interface{}{"FOO": "bar"},
			"allowlist":     []interface{}{"api.example.com:443"},
		},
	}

	job := sandboxJobFromParams(task)
	assert.Equal(t, "t1", job.TaskID)
	assert.Equal(t, "signed/runner", job.ImageTag)
	assert.Equal(t, []string{"python", "run.py"}, job.EntryCommand)
	assert.Equal(t, "bar", job.Env["FOO"])
	assert.Equal(t, []string{"api.example.com:443"}, job.NetworkPolicy.Allowlist)
}

func TestSandboxJobFromParamsHandlesMissingFields(t *testing.T) {
	task := &model.Task{TaskID: "t2", Params: map[string]any{}}
	job := sandboxJobFromParams(task)
	assert.Equal(t, "t2", job.TaskID)
	assert.Empty(t, job.ImageTag)
	assert.Nil(t, job.EntryCommand)
}

func TestSandboxJobFromParamsIgnoresWrongTypedFields(t *testing.T) {
	task := &model.Task{
		TaskID: "t3",
		Params: map[string]any{
			"image_tag":     42,
			"entry_command": "not-a-list",
		},
	}
	job := sandboxJobFromParams(task)
	assert.Empty(t, job.ImageTag)
	assert.Nil(t, job.EntryCommand)
}

func callTaskSubmit(t *testing.T, d transport.Dispatcher, body map[string]any) map[string]any {
	t.Helper()
	fn, ok := d.Lookup("task.submit")
	require.True(t, ok)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	result, err := fn(context.Background(), raw)
	require.NoError(t, err)
	blob, err := json.Marshal(result)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(blob, &out))
	return out
}

func TestTaskSubmitReusesTaskIDForRepeatedIdempotencyKey(t *testing.T) {
	disp := &fakeRouteDispatcher{}
	idx := &fakeIdempotencyIndex{}
	dispatcher, _ := newTestDispatcher(t, disp, idx)

	body := map[string]any{"method": "echo", "api_version": 1, "idempotency_key": "dup-key"}
	first := callTaskSubmit(t, dispatcher, body)
	second := callTaskSubmit(t, dispatcher, body)

	require.NotEmpty(t, first["task_id"])
	assert.Equal(t, first["task_id"], second["task_id"])
	assert.Equal(t, 1, disp.count(), "a duplicate idempotency key must not enqueue a second entry")
}

func TestTaskSubmitWithoutIdempotencyKeyAlwaysMintsFreshTaskID(t *testing.T) {
	disp := &fakeRouteDispatcher{}
	idx := &fakeIdempotencyIndex{}
	dispatcher, _ := newTestDispatcher(t, disp, idx)

	body := map[string]any{"method": "echo", "api_version": 1}
	first := callTaskSubmit(t, dispatcher, body)
	second := callTaskSubmit(t, dispatcher, body)

	assert.NotEqual(t, first["task_id"], second["task_id"])
	assert.Equal(t, 2, disp.count())
}

func TestSandboxJobFromParamsSkipsNonStringEntryCommandElements(t *testing.T) {
	task := &model.Task{
		TaskID: "t4",
		Params: map[string]any{
			"entry_command": []interface{}{"echo", 123, "hi"},
		},
	}
	job := sandboxJobFromParams(task)
	assert.Equal(t, []string{"echo", "hi"}, job.EntryCommand)
}
