package controlplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/queue"
)

type fakePool struct {
	mu     sync.Mutex
	target int
	active int
}

func (p *fakePool) Target() int { p.mu.Lock(); defer p.mu.Unlock(); return p.target }
func (p *fakePool) SetTarget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
}
func (p *fakePool) Active() int { p.mu.Lock(); defer p.mu.Unlock(); return p.active }

type fakeQueue struct {
	lens      map[string]int64
	pending   map[string][]queue.PendingEntry
	reclaimed []*model.QueueEntry
	appended  []*model.QueueEntry
	acked     []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{lens: map[string]int64{}, pending: map[string][]queue.PendingEntry{}}
}

func (q *fakeQueue) Len(ctx context.Context, stream string) (int64, error) { return q.lens[stream], nil }

func (q *fakeQueue) Pending(ctx context.Context, stream, group string) ([]queue.PendingEntry, error) {
	return q.pending[stream], nil
}

func (q *fakeQueue) Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]*model.QueueEntry, error) {
	out := make([]*model.QueueEntry, 0, len(ids))
	for _, id := range ids {
		e := &model.QueueEntry{EntryID: id}
		out = append(out, e)
		q.reclaimed = append(q.reclaimed, e)
	}
	return out, nil
}

func (q *fakeQueue) Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error) {
	q.appended = append(q.appended, entry)
	return "new-id", nil
}

func (q *fakeQueue) Ack(ctx context.Context, stream, group, entryID string) error {
	q.acked = append(q.acked, entryID)
	return nil
}

type fakeRouter struct {
	routeFn func(ctx context.Context, task *model.Task) (string, error)
}

func (r *fakeRouter) Route(ctx context.Context, task *model.Task) (string, error) {
	return r.routeFn(ctx, task)
}

type fakeAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *fakeAudit) Record(ctx context.Context, event model.AuditEvent) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return uint64(len(a.events)), nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

type fakeAnalytics struct{}

func (fakeAnalytics) Window(ctx context.Context, window time.Duration) (map[string]any, error) {
	return map[string]any{"window_seconds": window.Seconds()}, nil
}

func TestStatusReportsQueueDepthAndPauseState(t *testing.T) {
	q := newFakeQueue()
	q.lens["codegen:critical"] = 3
	q.lens["codegen:high"] = 2

	cp := New(q, nil, nil, nil, nil)
	cp.RegisterPool("codegen", &fakePool{target: 5, active: 4}, []string{"codegen:critical", "codegen:high"})

	statuses, err := cp.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "codegen", statuses[0].Pool)
	assert.Equal(t, 5, statuses[0].Current)
	assert.Equal(t, 4, statuses[0].Active)
	assert.Equal(t, int64(5), statuses[0].QueueDepth)
	assert.False(t, statuses[0].Paused)
}

func TestScaleAppliesDeltaAndAbsolute(t *testing.T) {
	pool := &fakePool{target: 5}
	audit := &fakeAudit{}
	cp := New(newFakeQueue(), nil, audit, nil, nil)
	cp.RegisterPool("codegen", pool, nil)

	delta := 2
	next, err := cp.Scale(context.Background(), "codegen", &delta, nil, "load spike")
	require.NoError(t, err)
	assert.Equal(t, 7, next)
	assert.Equal(t, 7, pool.Target())

	absolute := 1
	next, err = cp.Scale(context.Background(), "codegen", nil, &absolute, "scale down")
	require.NoError(t, err)
	assert.Equal(t, 1, next)
	assert.Contains(t, audit.actions(), "control.scale")
}

func TestScaleClampsBelowZero(t *testing.T) {
	pool := &fakePool{target: 1}
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	cp.RegisterPool("codegen", pool, nil)

	delta := -5
	next, err := cp.Scale(context.Background(), "codegen", &delta, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, next)
}

func TestScaleUnknownPoolReturnsNotFound(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	_, err := cp.Scale(context.Background(), "missing", nil, nil, "")
	assert.Error(t, err)
}

func TestPauseAndResumeToggleState(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	cp.RegisterPool("codegen", &fakePool{}, nil)

	require.NoError(t, cp.Pause(context.Background(), "codegen"))
	assert.True(t, cp.Paused("codegen"))

	require.NoError(t, cp.Resume(context.Background(), "codegen"))
	assert.False(t, cp.Paused("codegen"))
}

func TestPauseUnknownPoolReturnsNotFound(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	assert.Error(t, cp.Pause(context.Background(), "missing"))
}

func TestReclaimOnlyReclaimsEntriesPastMinIdle(t *testing.T) {
	q := newFakeQueue()
	q.pending["codegen:normal"] = []queue.PendingEntry{
		{EntryID: "1-0", IdleMs: 500},
		{EntryID: "2-0", IdleMs: 50000},
	}
	cp := New(q, nil, nil, nil, nil)

	n, err := cp.Reclaim(context.Background(), "codegen:normal", "codegen", 10000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.reclaimed, 1)
	assert.Equal(t, "2-0", q.reclaimed[0].EntryID)
}

func TestReclaimNoEligibleEntriesReturnsZero(t *testing.T) {
	q := newFakeQueue()
	q.pending["codegen:normal"] = []queue.PendingEntry{{EntryID: "1-0", IdleMs: 10}}
	cp := New(q, nil, nil, nil, nil)

	n, err := cp.Reclaim(context.Background(), "codegen:normal", "codegen", 10000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDLQListDelegatesToQueuePending(t *testing.T) {
	q := newFakeQueue()
	q.pending["orch:dlq:codegen"] = []queue.PendingEntry{{EntryID: "1-0"}}
	cp := New(q, nil, nil, nil, nil)

	entries, err := cp.DLQList(context.Background(), "orch:dlq:codegen")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDLQReplayResetsAttemptAndAppendsToOrigin(t *testing.T) {
	q := newFakeQueue()
	audit := &fakeAudit{}
	cp := New(q, nil, audit, nil, nil)

	entry := &model.QueueEntry{EntryID: "1-0", TaskID: "t1", Attempt: 4}
	newID, err := cp.DLQReplay(context.Background(), "orch:dlq:codegen", "codegen:normal", entry)
	require.NoError(t, err)
	assert.Equal(t, "new-id", newID)
	assert.Equal(t, 0, entry.Attempt)
	require.Len(t, q.appended, 1)
	assert.Contains(t, audit.actions(), "control.dlq_replay")
}

func TestInjectTaskRoutesAndAudits(t *testing.T) {
	audit := &fakeAudit{}
	router := &fakeRouter{routeFn: func(ctx context.Context, task *model.Task) (string, error) {
		return "entry-1", nil
	}}
	cp := New(newFakeQueue(), router, audit, nil, nil)

	entryID, err := cp.InjectTask(context.Background(), &model.Task{TaskID: "op-task", PriorityClass: model.PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, "entry-1", entryID)
	assert.Contains(t, audit.actions(), "inject.task")
}

func TestAnalyticsDefaultsWhenSourceIsNil(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	result, err := cp.Analytics(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestAnalyticsDelegatesToSource(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, fakeAnalytics{}, nil)
	result, err := cp.Analytics(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, float64(120), result["window_seconds"])
}

func TestMethodSetControlScaleBindsParamsCorrectly(t *testing.T) {
	pool := &fakePool{target: 3}
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	cp.RegisterPool("codegen", pool, nil)

	methods := cp.MethodSet()
	fn, ok := methods["control.scale"]
	require.True(t, ok)

	params, _ := json.Marshal(map[string]any{"pool": "codegen", "delta": 2, "reason": "test"})
	result, err := fn(context.Background(), params)
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5, m["current"])
}

func TestMethodSetStatusReturnsSnapshot(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	cp.RegisterPool("codegen", &fakePool{target: 1}, nil)
	methods := cp.MethodSet()

	result, err := methods["status"](context.Background(), nil)
	require.NoError(t, err)
	statuses, ok := result.([]PoolStatus)
	require.True(t, ok)
	assert.Len(t, statuses, 1)
}

func TestMethodSetInjectTaskRejectsMalformedParams(t *testing.T) {
	cp := New(newFakeQueue(), nil, nil, nil, nil)
	methods := cp.MethodSet()
	_, err := methods["inject.task"](context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
}
