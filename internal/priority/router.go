// Package priority implements the priority router: class assignment,
// enqueue, weighted strict-priority dispatch ordering, and preemption
// signaling to workers holding lower-priority claims.
package priority

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
)

// Dispatcher is the minimal surface the router needs from the durable
// queue to place an accepted task and to gauge back-pressure.
type Dispatcher interface {
	Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error)
	StreamFor(capability string, priority model.PriorityClass) string
	Len(ctx context.Context, stream string) (int64, error)
}

// PreemptSignal is delivered to a worker holding a lower-priority claim,
// requesting bounded checkpoint+requeue.
type PreemptSignal struct {
	EntryID      string
	Capability   string
	Reason       string
	IssuedAt     time.Time
	GracePeriod  time.Duration
}

// heldClaim tracks what a worker is currently processing, for preemption
// targeting.
type heldClaim struct {
	EntryID       string
	Capability    string
	PriorityClass model.PriorityClass
	PreemptCount  int
	PreemptChan   chan PreemptSignal
}

// TenantPolicy bounds which priority classes a tenant may request.
type TenantPolicy struct {
	MaxPriority model.PriorityClass
}

// Router classifies, enqueues, and preempts.
type Router struct {
	dispatcher      Dispatcher
	maxPreempts     int
	gracePeriod     time.Duration
	rejectThreshold int
	logger          *logging.Logger

	mu       sync.Mutex
	byWorker map[string]*heldClaim // consumer_id -> held claim, per capability pool
	tenants  map[string]TenantPolicy
}

func New(dispatcher Dispatcher, maxPreempts int, gracePeriod time.Duration, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &Router{
		dispatcher:  dispatcher,
		maxPreempts: maxPreempts,
		gracePeriod: gracePeriod,
		logger:      logger.With("priority"),
		byWorker:    make(map[string]*heldClaim),
		tenants:     make(map[string]TenantPolicy),
	}
}

// SetRejectThreshold bounds the queue depth past which new Low-priority
// submissions are rejected with CodeBackpressure rather than enqueued,
// while Normal and above remain accepted. 0 (the default) disables
// back-pressure rejection.
func (r *Router) SetRejectThreshold(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectThreshold = n
}

// SetTenantPolicy registers the maximum priority class a tenant may
// request; unregistered tenants default to PriorityNormal.
func (r *Router) SetTenantPolicy(tenantID string, policy TenantPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenantID] = policy
}

// ClassFor clips a requested priority to the tenant's allowed maximum.
func (r *Router) ClassFor(tenantID string, requested model.PriorityClass) model.PriorityClass {
	r.mu.Lock()
	policy, ok := r.tenants[tenantID]
	r.mu.Unlock()

	if !ok {
		policy = TenantPolicy{MaxPriority: model.PriorityNormal}
	}
	if requested.Rank() < policy.MaxPriority.Rank() {
		return policy.MaxPriority
	}
	if !requested.Valid() {
		return model.PriorityNormal
	}
	return requested
}

// Route assigns task to its priority stream, returns the queue entry_id,
// and — if the arriving class is preemption-eligible — signals one
// worker in the capability pool that is holding Low-priority work.
func (r *Router) Route(ctx context.Context, task *model.Task) (string, error) {
	class := r.ClassFor(task.TenantID, task.PriorityClass)
	task.PriorityClass = class

	stream := r.dispatcher.StreamFor(task.Capability, class)

	r.mu.Lock()
	threshold := r.rejectThreshold
	r.mu.Unlock()
	if class == model.PriorityLow && threshold > 0 {
		depth, err := r.dispatcher.Len(ctx, stream)
		if err == nil && depth >= int64(threshold) {
			return "", orcherr.New("priority.Route", orcherr.CodeBackpressure, "", nil).
				WithData(map[string]any{"pool": task.Capability, "queue_depth": depth, "reject_threshold": threshold})
		}
	}

	entry := &model.QueueEntry{
		TaskID:        task.TaskID,
		PriorityClass: class,
		Capability:    task.Capability,
		ConsumerGroup: task.Capability,
		EnqueuedAt:    time.Now(),
		Attempt:       task.Attempt,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", orcherr.Internal("priority.Route", err)
	}
	entry.PayloadRef = payload

	entryID, err := r.dispatcher.Append(ctx, stream, entry)
	if err != nil {
		return "", err
	}

	if class.PreemptionEligible() {
		r.tryPreempt(task.Capability, entryID, class)
	}

	return entryID, nil
}

// RegisterClaim records that consumerID is now processing entryID at
// priority class for capability, enabling it as a future preemption
// target.
func (r *Router) RegisterClaim(consumerID, capability, entryID string, class model.PriorityClass) chan PreemptSignal {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan PreemptSignal, 1)
	r.byWorker[consumerID] = &heldClaim{
		EntryID: entryID, Capability: capability, PriorityClass: class, PreemptChan: ch,
	}
	return ch
}

// ReleaseClaim clears tracking once a worker acks, requeues, or fails its
// held claim.
func (r *Router) ReleaseClaim(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byWorker, consumerID)
}

// tryPreempt looks for a worker in capability's pool holding a Low
// priority claim and, if under the preemption cap, signals it.
func (r *Router) tryPreempt(capability, entryID string, incoming model.PriorityClass) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for consumerID, held := range r.byWorker {
		if held.Capability != capability {
			continue
		}
		if held.PriorityClass != model.PriorityLow {
			continue
		}
		if held.PreemptCount >= r.maxPreempts {
			continue
		}

		held.PreemptCount++
		signal := PreemptSignal{
			EntryID: held.EntryID, Capability: capability,
			Reason: "higher priority arrival", IssuedAt: time.Now(), GracePeriod: r.gracePeriod,
		}
		select {
		case held.PreemptChan <- signal:
			r.logger.Info("preempt signal issued", logging.Fields{
				"consumer_id": consumerID, "entry_id": held.EntryID, "capability": capability,
			})
		default:
			r.logger.Warn("preempt signal dropped, worker channel full", logging.Fields{"consumer_id": consumerID})
		}
		return // at most one worker preempted per arriving task
	}
}

// NewTaskID generates a 128-bit globally unique task identifier.
func NewTaskID() string {
	return uuid.NewString()
}
