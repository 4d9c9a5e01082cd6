// Package autoscaler continuously evaluates per-pool SLA signals and
// issues hysteresis-bounded scale commands to the worker pool manager,
// ticking on a cron schedule the same way the reference workflow
// scheduler drives periodic work.
package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskorch/orchestrator/internal/logging"
)

// Signals is one sampling round's SLA measurements for a single pool.
type Signals struct {
	QueueDepthHighOrCritical int64
	OldestUnackedAge         time.Duration
	P95ProcessingLatency     time.Duration
	WorkerUtilization        float64
	PreemptionRate           float64
}

// SignalSource samples the current SLA signals for pool.
type SignalSource interface {
	Sample(ctx context.Context, pool string) (Signals, error)
}

// Pool is the subset of workerpool.Pool the autoscaler drives.
type Pool interface {
	Target() int
	SetTarget(n int)
}

// AuditSink receives a scale-decision event.
type AuditSink interface {
	RecordScale(ctx context.Context, pool string, from, to int, reason string)
}

// Policy is a pool's hysteresis-bounded scaling configuration.
type Policy struct {
	Min           int
	Max           int
	UpThreshold   float64
	DownThreshold float64
	K             int
	KDown         int
	Cooldown      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Min: 1, Max: 10, UpThreshold: 0.75, DownThreshold: 0.30, K: 3, KDown: 5, Cooldown: 60 * time.Second}
}

type poolState struct {
	pool           Pool
	policy         Policy
	upStreak       int
	downStreak     int
	lastScaledAt   time.Time
}

// Autoscaler samples signals on a fixed interval and drives each
// registered pool's worker count toward its SLA-derived target, subject to
// a per-pool cooldown and consecutive-window confirmation (K / K_down).
type Autoscaler struct {
	cron     *cron.Cron
	signals  SignalSource
	audit    AuditSink
	logger   *logging.Logger
	interval time.Duration

	mu    sync.Mutex
	pools map[string]*poolState

	entryID cron.EntryID
}

func New(signals SignalSource, audit AuditSink, interval time.Duration, logger *logging.Logger) *Autoscaler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &Autoscaler{
		cron:     cron.New(cron.WithSeconds()),
		signals:  signals,
		audit:    audit,
		logger:   logger.With("autoscaler"),
		interval: interval,
		pools:    make(map[string]*poolState),
	}
}

// Register adds pool to autoscaling under policy.
func (a *Autoscaler) Register(name string, pool Pool, policy Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[name] = &poolState{pool: pool, policy: policy}
}

// Start begins the periodic evaluation loop. It runs until ctx is done.
func (a *Autoscaler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", a.interval)
	id, err := a.cron.AddFunc(spec, func() { a.evaluateAll(ctx) })
	if err != nil {
		return fmt.Errorf("autoscaler: schedule evaluation: %w", err)
	}
	a.entryID = id
	a.cron.Start()

	<-ctx.Done()
	stopCtx := a.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (a *Autoscaler) evaluateAll(ctx context.Context) {
	a.mu.Lock()
	names := make([]string, 0, len(a.pools))
	for name := range a.pools {
		names = append(names, name)
	}
	a.mu.Unlock()

	for _, name := range names {
		if err := a.evaluate(ctx, name); err != nil {
			a.logger.Error("evaluation failed", logging.Fields{"pool": name, "error": err.Error()})
		}
	}
}

func (a *Autoscaler) evaluate(ctx context.Context, name string) error {
	a.mu.Lock()
	state, ok := a.pools[name]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	signals, err := a.signals.Sample(ctx, name)
	if err != nil {
		return fmt.Errorf("sample %s: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	scaleUp := signals.QueueDepthHighOrCritical > 0 && signals.WorkerUtilization > state.policy.UpThreshold
	scaleDown := signals.QueueDepthHighOrCritical == 0 && signals.WorkerUtilization < state.policy.DownThreshold

	if scaleUp {
		state.upStreak++
		state.downStreak = 0
	} else if scaleDown {
		state.downStreak++
		state.upStreak = 0
	} else {
		state.upStreak = 0
		state.downStreak = 0
	}

	if time.Since(state.lastScaledAt) < state.policy.Cooldown {
		return nil
	}

	current := state.pool.Target()

	if scaleUp && state.upStreak >= state.policy.K && current < state.policy.Max {
		next := current + 1
		state.pool.SetTarget(next)
		state.lastScaledAt = time.Now()
		state.upStreak = 0
		a.logger.Info("scaled up", logging.Fields{"pool": name, "from": current, "to": next})
		if a.audit != nil {
			a.audit.RecordScale(ctx, name, current, next, "sla: high utilization with nonzero queue depth")
		}
		return nil
	}

	if scaleDown && state.downStreak >= state.policy.KDown && current > state.policy.Min {
		next := current - 1
		state.pool.SetTarget(next)
		state.lastScaledAt = time.Now()
		state.downStreak = 0
		a.logger.Info("scaled down", logging.Fields{"pool": name, "from": current, "to": next})
		if a.audit != nil {
			a.audit.RecordScale(ctx, name, current, next, "sla: low utilization with empty queue")
		}
	}

	return nil
}
