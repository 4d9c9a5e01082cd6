// Package workerpool manages goroutine-backed worker pools per capability:
// claim loop, a supervisor tick that converges the worker count,
// requeue-on-preempt, panic-recovering handler execution, and ack/requeue
// outcomes. Workers send no heartbeats.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
	"github.com/taskorch/orchestrator/internal/priority"
)

// Handler processes a claimed task. It must honor ctx cancellation
// (preemption or timeout) and may call reporter.Checkpoint to record
// resumable state. The pool keeps only the latest checkpoint in memory for
// the current run; it is not written to the requeued entry or to any store,
// so a preempted task is requeued with its original payload.
type Handler func(ctx context.Context, task *model.Task, reporter ProgressReporter) (map[string]any, error)

// ProgressReporter lets a handler record a mid-run checkpoint.
type ProgressReporter interface {
	Checkpoint(blob map[string]any) error
}

// Queue is the subset of the durable queue a worker pool needs.
type Queue interface {
	Claim(ctx context.Context, stream, group, consumer string, count int64, blockMs time.Duration) ([]*model.QueueEntry, error)
	Ack(ctx context.Context, stream, group, entryID string) error
	Requeue(ctx context.Context, stream, group string, entry *model.QueueEntry) (string, error)
}

// ResultSink persists a task's terminal Result.
type ResultSink interface {
	Put(ctx context.Context, result *model.Result) error
}

// Config configures a Pool.
type Config struct {
	Capability         string
	Stream             func(model.PriorityClass) string
	WorkerCount        int
	ClaimBlock         time.Duration
	HeartbeatInterval  time.Duration
	DefaultTaskTimeout time.Duration
	ShutdownTimeout    time.Duration
	Logger             *logging.Logger

	// FairnessN bounds the weighted strict-priority dispatcher: every Nth
	// dispatch attempt across the pool favors lower-priority classes first,
	// so a perpetually non-empty higher-priority stream cannot starve Low
	// forever. With 1, every dispatch favors Low first.
	FairnessN int

	// ShouldClaim, when set, gates the claim loop: a worker skips claiming
	// (but keeps its in-flight work, if any) while it returns false. Used to
	// wire control.pause/resume into the worker loops.
	ShouldClaim func() bool
}

func DefaultConfig(capability string) Config {
	return Config{
		Capability:         capability,
		WorkerCount:        5,
		ClaimBlock:         2 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		DefaultTaskTimeout: 30 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		FairnessN:          16,
	}
}

// Pool is a dynamically-sized set of workers exclusive to one capability.
type Pool struct {
	queue   Queue
	results ResultSink
	router  *priority.Router
	config  Config
	logger  *logging.Logger

	handler Handler

	mu            sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       atomic.Bool
	active        atomic.Int32
	target        atomic.Int32 // desired worker count, driven by the autoscaler
	idCounter     atomic.Int64
	dispatchCount atomic.Int64 // total dispatch attempts, for fairness weighting
}

// New builds a Pool. RegisterHandler must be called before Start.
func New(queue Queue, results ResultSink, router *priority.Router, config Config, logger *logging.Logger) *Pool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.ClaimBlock <= 0 {
		config.ClaimBlock = 2 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = 30 * time.Minute
	}
	if config.FairnessN <= 0 {
		config.FairnessN = 16
	}
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	p := &Pool{queue: queue, results: results, router: router, config: config, logger: logger.With("workerpool." + config.Capability)}
	p.target.Store(int32(config.WorkerCount))
	return p
}

// RegisterHandler sets the task handler. Must be called before Start.
func (p *Pool) RegisterHandler(h Handler) { p.handler = h }

// SetTarget adjusts the desired worker count; Start's supervisor loop
// converges toward it. Used by the autoscaler.
func (p *Pool) SetTarget(n int) { p.target.Store(int32(n)) }

// Target returns the currently desired worker count.
func (p *Pool) Target() int { return int(p.target.Load()) }

// Active returns the number of currently running worker goroutines.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Start launches the initial worker set and a supervisor loop that spawns
// or lets workers exit to converge on Target(). Blocks until ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("workerpool %s: already running", p.config.Capability)
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < int(p.target.Load()); i++ {
		p.spawn(workerCtx)
	}

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-workerCtx.Done():
			p.wg.Wait()
			p.running.Store(false)
			return nil
		case <-ticker.C:
			want := int(p.target.Load())
			have := int(p.active.Load())
			for have < want {
				p.spawn(workerCtx)
				have++
			}
			// scale-down is achieved by workers observing target < active and exiting
		}
	}
}

// Stop signals all workers to exit and waits up to ShutdownTimeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("workerpool %s: shutdown timeout", p.config.Capability)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) spawn(ctx context.Context) {
	id := fmt.Sprintf("%s-worker-%d", p.config.Capability, p.idCounter.Add(1))
	p.wg.Add(1)
	p.active.Add(1)
	go p.run(ctx, id)
}

func (p *Pool) run(ctx context.Context, consumerID string) {
	defer p.wg.Done()
	defer p.active.Add(-1)

	p.logger.Info("worker started", logging.Fields{"consumer_id": consumerID})
	defer p.logger.Info("worker stopped", logging.Fields{"consumer_id": consumerID})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if int(p.active.Load()) > int(p.target.Load()) {
			return // scale-down: this worker exits after its current iteration
		}

		if p.config.ShouldClaim != nil && !p.config.ShouldClaim() {
			// pool is paused: suspend new claims, but keep the worker alive
			// for any in-flight work and so it resumes claiming promptly.
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.ClaimBlock):
			}
			continue
		}

		claimed := false
		for _, class := range p.dispatchOrder() {
			stream := p.config.Stream(class)
			entries, err := p.queue.Claim(ctx, stream, p.config.Capability, consumerID, 1, p.config.ClaimBlock)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("claim error", logging.Fields{"consumer_id": consumerID, "error": err.Error()})
				continue
			}
			if len(entries) == 0 {
				continue
			}
			claimed = true
			p.process(ctx, consumerID, stream, entries[0])
			break
		}
		if !claimed {
			// nothing across any priority class this round; loop re-polls
			continue
		}
	}
}

// dispatchOrder returns the priority-class claim order for one dispatch
// attempt. Strict priority (critical, high, normal, low) applies on every
// attempt except every FairnessN-th, when the order is reversed so a
// lower-priority entry gets first shot at this worker — implementing
// weighted strict priority without starving Low behind a saturated higher
// class.
func (p *Pool) dispatchOrder() []model.PriorityClass {
	strict := []model.PriorityClass{model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow}
	n := int64(p.config.FairnessN)
	if n <= 0 {
		n = 1
	}
	if p.dispatchCount.Add(1)%n == 0 {
		return []model.PriorityClass{model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityCritical}
	}
	return strict
}

func (p *Pool) process(parentCtx context.Context, consumerID, stream string, entry *model.QueueEntry) {
	var task model.Task
	if err := decodeTask(entry.PayloadRef, &task); err != nil {
		p.logger.Error("undecodable entry, acking to avoid poison loop", logging.Fields{"entry_id": entry.EntryID, "error": err.Error()})
		_ = p.queue.Ack(parentCtx, stream, p.config.Capability, entry.EntryID)
		return
	}

	if task.Expired(time.Now()) {
		p.emitResult(parentCtx, &task, model.ResultTimeout, int(orcherr.CodeDeadlineExpired), "deadline expired before claim")
		_ = p.queue.Ack(parentCtx, stream, p.config.Capability, entry.EntryID)
		return
	}

	preemptCh := p.router.RegisterClaim(consumerID, p.config.Capability, entry.EntryID, task.PriorityClass)
	defer p.router.ReleaseClaim(consumerID)

	timeout := p.config.DefaultTaskTimeout
	if task.Deadline != nil {
		if d := time.Until(*task.Deadline); d < timeout {
			timeout = d
		}
	}
	taskCtx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	reporter := &checkpointReporter{}

	resultCh := make(chan handlerOutcome, 1)
	go func() {
		payload, err := p.executeHandler(taskCtx, &task, reporter)
		resultCh <- handlerOutcome{payload: payload, err: err}
	}()

	select {
	case signal := <-preemptCh:
		grace := signal.GracePeriod
		if grace <= 0 {
			grace = 2 * time.Second
		}
		select {
		case outcome := <-resultCh:
			p.finish(parentCtx, stream, entry, &task, outcome)
		case <-time.After(grace):
			cancel()
			entry.PayloadRef, _ = encodeTask(&task)
			if _, err := p.queue.Requeue(parentCtx, stream, p.config.Capability, entry); err != nil {
				p.logger.Error("preempt requeue failed", logging.Fields{"entry_id": entry.EntryID, "error": err.Error()})
			}
			p.logger.Info("preempted", logging.Fields{"entry_id": entry.EntryID, "checkpoint": reporter.last() != nil})
		}
	case outcome := <-resultCh:
		p.finish(parentCtx, stream, entry, &task, outcome)
	case <-taskCtx.Done():
		outcome := handlerOutcome{err: orcherr.New("workerpool.process", orcherr.CodeDeadlineExpired, "", taskCtx.Err())}
		p.finish(parentCtx, stream, entry, &task, outcome)
	}
}

type handlerOutcome struct {
	payload map[string]any
	err     error
}

func (p *Pool) finish(ctx context.Context, stream string, entry *model.QueueEntry, task *model.Task, outcome handlerOutcome) {
	if outcome.err != nil {
		if orcherr.Is(outcome.err, orcherr.CodeDeadlineExpired) {
			p.emitResult(ctx, task, model.ResultTimeout, int(orcherr.CodeDeadlineExpired), outcome.err.Error())
		} else {
			p.emitResult(ctx, task, model.ResultError, int(orcherr.CodeWorkerFailed), outcome.err.Error())
		}
	} else {
		p.emitResultPayload(ctx, task, outcome.payload)
	}
	if err := p.queue.Ack(ctx, stream, p.config.Capability, entry.EntryID); err != nil {
		p.logger.Error("ack failed", logging.Fields{"entry_id": entry.EntryID, "error": err.Error()})
	}
}

func (p *Pool) emitResult(ctx context.Context, task *model.Task, status model.ResultStatus, code int, msg string) {
	_ = p.results.Put(ctx, &model.Result{
		TaskID: task.TaskID, Status: status, ErrorCode: code, ErrorMsg: msg,
		CompletedAt: time.Now(), TraceID: task.CorrelationID,
	})
}

func (p *Pool) emitResultPayload(ctx context.Context, task *model.Task, payload map[string]any) {
	_ = p.results.Put(ctx, &model.Result{
		TaskID: task.TaskID, Status: model.ResultOK, Payload: payload,
		CompletedAt: time.Now(), TraceID: task.CorrelationID,
	})
}

func (p *Pool) executeHandler(ctx context.Context, task *model.Task, reporter ProgressReporter) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error("handler panicked", logging.Fields{"task_id": task.TaskID, "panic": r, "stack": stack})
		}
	}()
	if p.handler == nil {
		return nil, fmt.Errorf("no handler registered for capability %s", p.config.Capability)
	}
	return p.handler(ctx, task, reporter)
}

type checkpointReporter struct {
	mu   sync.Mutex
	blob map[string]any
}

func (r *checkpointReporter) Checkpoint(blob map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blob = blob
	return nil
}

func (r *checkpointReporter) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blob
}
