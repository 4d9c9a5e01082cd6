package autoscaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignalSource struct {
	mu      sync.Mutex
	signals map[string]Signals
}

func newFakeSignalSource() *fakeSignalSource {
	return &fakeSignalSource{signals: make(map[string]Signals)}
}

func (s *fakeSignalSource) set(pool string, sig Signals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[pool] = sig
}

func (s *fakeSignalSource) Sample(ctx context.Context, pool string) (Signals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[pool], nil
}

type fakePool struct {
	mu     sync.Mutex
	target int
}

func (p *fakePool) Target() int { p.mu.Lock(); defer p.mu.Unlock(); return p.target }
func (p *fakePool) SetTarget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAudit) RecordScale(ctx context.Context, pool string, from, to int, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, reason)
}

func noCooldownPolicy() Policy {
	p := DefaultPolicy()
	p.Cooldown = 0
	p.K = 2
	p.KDown = 2
	return p
}

func TestEvaluateScalesUpAfterKConsecutiveHighUtilizationRounds(t *testing.T) {
	signals := newFakeSignalSource()
	pool := &fakePool{target: 2}
	audit := &fakeAudit{}
	a := New(signals, audit, time.Second, nil)
	a.Register("codegen", pool, noCooldownPolicy())

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.9})

	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	assert.Equal(t, 2, pool.Target(), "first confirming round should not scale yet")

	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	assert.Equal(t, 3, pool.Target(), "second consecutive round should trigger scale-up")
	assert.NotEmpty(t, audit.calls)
}

func TestEvaluateScalesDownAfterKDownConsecutiveLowUtilizationRounds(t *testing.T) {
	signals := newFakeSignalSource()
	pool := &fakePool{target: 5}
	a := New(signals, nil, time.Second, nil)
	a.Register("codegen", pool, noCooldownPolicy())

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 0, WorkerUtilization: 0.1})

	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	assert.Equal(t, 4, pool.Target())
}

func TestEvaluateNeverScalesAboveMax(t *testing.T) {
	signals := newFakeSignalSource()
	pool := &fakePool{target: 10}
	policy := noCooldownPolicy()
	policy.Max = 10
	a := New(signals, nil, time.Second, nil)
	a.Register("codegen", pool, policy)

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.99})
	for i := 0; i < 5; i++ {
		require.NoError(t, a.evaluate(context.Background(), "codegen"))
	}
	assert.Equal(t, 10, pool.Target())
}

func TestEvaluateNeverScalesBelowMin(t *testing.T) {
	signals := newFakeSignalSource()
	pool := &fakePool{target: 1}
	policy := noCooldownPolicy()
	policy.Min = 1
	a := New(signals, nil, time.Second, nil)
	a.Register("codegen", pool, policy)

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 0, WorkerUtilization: 0.0})
	for i := 0; i < 5; i++ {
		require.NoError(t, a.evaluate(context.Background(), "codegen"))
	}
	assert.Equal(t, 1, pool.Target())
}

func TestEvaluateRespectsCooldownBetweenScaleEvents(t *testing.T) {
	signals := newFakeSignalSource()
	pool := &fakePool{target: 2}
	policy := noCooldownPolicy()
	policy.Cooldown = time.Hour
	a := New(signals, nil, time.Second, nil)
	a.Register("codegen", pool, policy)

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.9})
	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	assert.Equal(t, 3, pool.Target(), "first scale event consumes the cooldown window")

	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	assert.Equal(t, 3, pool.Target(), "still within cooldown, no further scaling")
}

func TestEvaluateResetsStreakOnMixedSignal(t *testing.T) {
	signals := newFakeSignalSource()
	pool := &fakePool{target: 2}
	a := New(signals, nil, time.Second, nil)
	a.Register("codegen", pool, noCooldownPolicy())

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.9})
	require.NoError(t, a.evaluate(context.Background(), "codegen"))

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 2, WorkerUtilization: 0.5})
	require.NoError(t, a.evaluate(context.Background(), "codegen"))

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.9})
	require.NoError(t, a.evaluate(context.Background(), "codegen"))
	assert.Equal(t, 2, pool.Target(), "streak must reset on a non-confirming round")
}

func TestEvaluateUnregisteredPoolIsNoop(t *testing.T) {
	a := New(newFakeSignalSource(), nil, time.Second, nil)
	require.NoError(t, a.evaluate(context.Background(), "ghost"))
}

func TestEvaluateAllIteratesEveryRegisteredPool(t *testing.T) {
	signals := newFakeSignalSource()
	poolA := &fakePool{target: 2}
	poolB := &fakePool{target: 2}
	a := New(signals, nil, time.Second, nil)
	a.Register("codegen", poolA, noCooldownPolicy())
	a.Register("reasoning", poolB, noCooldownPolicy())

	signals.set("codegen", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.9})
	signals.set("reasoning", Signals{QueueDepthHighOrCritical: 5, WorkerUtilization: 0.9})

	a.evaluateAll(context.Background())
	a.evaluateAll(context.Background())

	assert.Equal(t, 3, poolA.Target())
	assert.Equal(t, 3, poolB.Target())
}
