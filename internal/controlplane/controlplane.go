// Package controlplane implements the operator-facing JSON-RPC methods:
// status, analytics, pool scale/pause/resume, operator-initiated reclaim,
// DLQ inspection/replay, and elevated-priority task injection.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
	"github.com/taskorch/orchestrator/internal/queue"
)

// Pool is the subset of workerpool.Pool the control plane drives.
type Pool interface {
	Target() int
	SetTarget(n int)
	Active() int
}

// Queue is the subset of the durable queue the control plane needs for
// status snapshots, operator reclaim, and DLQ inspection/replay.
type Queue interface {
	Len(ctx context.Context, stream string) (int64, error)
	Pending(ctx context.Context, stream, group string) ([]queue.PendingEntry, error)
	Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]*model.QueueEntry, error)
	Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error)
	Ack(ctx context.Context, stream, group, entryID string) error
}

// Router routes an operator-injected task with elevated priority guards.
type Router interface {
	Route(ctx context.Context, task *model.Task) (string, error)
}

// AuditSink records every control-plane action.
type AuditSink interface {
	Record(ctx context.Context, event model.AuditEvent) (uint64, error)
}

// AnalyticsSource supplies windowed aggregate metrics for analytics().
type AnalyticsSource interface {
	Window(ctx context.Context, window time.Duration) (map[string]any, error)
}

// PoolStatus is one pool's status() snapshot entry.
type PoolStatus struct {
	Pool           string `json:"pool"`
	Current        int    `json:"current"`
	Active         int    `json:"active"`
	QueueDepth     int64  `json:"queue_depth"`
	Paused         bool   `json:"paused"`
	OldestUnackAge int64  `json:"oldest_unacked_age_ms"`
}

// ControlPlane implements the operator surface over the registered pools
// and streams.
type ControlPlane struct {
	mu        sync.RWMutex
	pools     map[string]Pool
	paused    map[string]bool
	streams   map[string][]string // pool -> streams to report depth for
	queue     Queue
	router    Router
	audit     AuditSink
	analytics AnalyticsSource
	logger    *logging.Logger
}

func New(queue Queue, router Router, audit AuditSink, analytics AnalyticsSource, logger *logging.Logger) *ControlPlane {
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &ControlPlane{
		pools: make(map[string]Pool), paused: make(map[string]bool), streams: make(map[string][]string),
		queue: queue, router: router, audit: audit, analytics: analytics, logger: logger.With("controlplane"),
	}
}

// RegisterPool makes pool reachable by name from control.scale/pause/resume
// and status(); streams lists the queue streams whose depth counts toward
// this pool's status entry.
func (c *ControlPlane) RegisterPool(name string, pool Pool, streams []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[name] = pool
	c.streams[name] = streams
}

// Status returns a snapshot of every registered pool.
func (c *ControlPlane) Status(ctx context.Context) ([]PoolStatus, error) {
	c.mu.RLock()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make([]PoolStatus, 0, len(names))
	for _, name := range names {
		c.mu.RLock()
		pool := c.pools[name]
		paused := c.paused[name]
		streams := c.streams[name]
		c.mu.RUnlock()

		var depth int64
		for _, stream := range streams {
			n, err := c.queue.Len(ctx, stream)
			if err == nil {
				depth += n
			}
		}

		out = append(out, PoolStatus{
			Pool: name, Current: pool.Target(), Active: pool.Active(),
			QueueDepth: depth, Paused: paused,
		})
	}
	return out, nil
}

// Analytics returns time-windowed aggregate metrics.
func (c *ControlPlane) Analytics(ctx context.Context, window time.Duration) (map[string]any, error) {
	if c.analytics == nil {
		return map[string]any{}, nil
	}
	return c.analytics.Window(ctx, window)
}

// Scale sets pool's target worker count, either absolute or
// delta-relative. A result below zero is clamped to zero; the pool's
// autoscaler min/max bounds are not applied.
func (c *ControlPlane) Scale(ctx context.Context, pool string, delta, absolute *int, reason string) (int, error) {
	c.mu.RLock()
	p, ok := c.pools[pool]
	c.mu.RUnlock()
	if !ok {
		return 0, orcherr.NotFound("controlplane.Scale", fmt.Sprintf("unknown pool %s", pool))
	}

	current := p.Target()
	next := current
	if absolute != nil {
		next = *absolute
	} else if delta != nil {
		next = current + *delta
	}
	if next < 0 {
		next = 0
	}
	p.SetTarget(next)
	c.emit(ctx, "control.scale", pool, map[string]any{"from": current, "to": next, "reason": reason})
	return next, nil
}

// Pause suspends new claims for pool; in-flight work continues.
func (c *ControlPlane) Pause(ctx context.Context, pool string) error {
	c.mu.Lock()
	if _, ok := c.pools[pool]; !ok {
		c.mu.Unlock()
		return orcherr.NotFound("controlplane.Pause", fmt.Sprintf("unknown pool %s", pool))
	}
	c.paused[pool] = true
	c.mu.Unlock()
	c.emit(ctx, "control.pause", pool, nil)
	return nil
}

// Resume un-suspends pool.
func (c *ControlPlane) Resume(ctx context.Context, pool string) error {
	c.mu.Lock()
	if _, ok := c.pools[pool]; !ok {
		c.mu.Unlock()
		return orcherr.NotFound("controlplane.Resume", fmt.Sprintf("unknown pool %s", pool))
	}
	c.paused[pool] = false
	c.mu.Unlock()
	c.emit(ctx, "control.resume", pool, nil)
	return nil
}

// Paused reports whether pool is currently paused; worker loops consult
// this before claiming.
func (c *ControlPlane) Paused(pool string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused[pool]
}

// Reclaim performs an operator-initiated reclaim of idle entries on
// (stream, group).
func (c *ControlPlane) Reclaim(ctx context.Context, stream, group string, minIdleMs int64) (int, error) {
	pending, err := c.queue.Pending(ctx, stream, group)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, p := range pending {
		if p.IdleMs >= minIdleMs {
			ids = append(ids, p.EntryID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	entries, err := c.queue.Reclaim(ctx, stream, group, "operator-reclaim", time.Duration(minIdleMs)*time.Millisecond, ids)
	if err != nil {
		return 0, err
	}
	c.emit(ctx, "control.reclaim", stream, map[string]any{"group": group, "count": len(entries)})
	return len(entries), nil
}

// DLQList returns the dead-letter entries queued under dlqStream.
func (c *ControlPlane) DLQList(ctx context.Context, dlqStream string) ([]queue.PendingEntry, error) {
	return c.queue.Pending(ctx, dlqStream, "dlq-operator")
}

// DLQReplay re-appends entry back onto its origin stream for
// reprocessing; requires the caller to supply the origin stream since the
// dead-letter record carries it as metadata, not the transport layer.
func (c *ControlPlane) DLQReplay(ctx context.Context, dlqStream, originStream string, entry *model.QueueEntry) (string, error) {
	entry.Attempt = 0
	id, err := c.queue.Append(ctx, originStream, entry)
	if err != nil {
		return "", err
	}
	c.emit(ctx, "control.dlq_replay", originStream, map[string]any{"entry_id": entry.EntryID, "new_entry_id": id})
	return id, nil
}

// InjectTask submits an operator task with elevated priority, still
// subject to the router's tenant policy clipping.
func (c *ControlPlane) InjectTask(ctx context.Context, task *model.Task) (string, error) {
	entryID, err := c.router.Route(ctx, task)
	if err != nil {
		return "", err
	}
	c.emit(ctx, "inject.task", task.TaskID, map[string]any{"priority": task.PriorityClass, "entry_id": entryID})
	return entryID, nil
}

func (c *ControlPlane) emit(ctx context.Context, action, subject string, details map[string]any) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.Record(ctx, model.AuditEvent{
		Actor: "operator", Subject: subject, Action: action, Details: details,
	}); err != nil {
		c.logger.Error("failed to record control-plane audit event", logging.Fields{"action": action, "error": err.Error()})
	}
}

// MethodSet returns this control plane's methods bound as
// transport.MethodFunc-compatible closures, keyed by JSON-RPC method name.
func (c *ControlPlane) MethodSet() map[string]func(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]func(ctx context.Context, params json.RawMessage) (interface{}, error){
		"status": func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return c.Status(ctx)
		},
		"analytics": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				WindowSeconds int `json:"window_seconds"`
			}
			_ = json.Unmarshal(params, &req)
			window := time.Duration(req.WindowSeconds) * time.Second
			if window <= 0 {
				window = 5 * time.Minute
			}
			return c.Analytics(ctx, window)
		},
		"control.scale": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				Pool     string `json:"pool"`
				Delta    *int   `json:"delta"`
				Absolute *int   `json:"absolute"`
				Reason   string `json:"reason"`
			}
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, orcherr.Invalid("control.scale", "malformed params")
			}
			n, err := c.Scale(ctx, req.Pool, req.Delta, req.Absolute, req.Reason)
			return map[string]any{"pool": req.Pool, "current": n}, err
		},
		"control.pause": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				Pool string `json:"pool"`
			}
			_ = json.Unmarshal(params, &req)
			return nil, c.Pause(ctx, req.Pool)
		},
		"control.resume": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				Pool string `json:"pool"`
			}
			_ = json.Unmarshal(params, &req)
			return nil, c.Resume(ctx, req.Pool)
		},
		"control.reclaim": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				Stream    string `json:"stream"`
				Group     string `json:"group"`
				MinIdleMs int64  `json:"min_idle_ms"`
			}
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, orcherr.Invalid("control.reclaim", "malformed params")
			}
			n, err := c.Reclaim(ctx, req.Stream, req.Group, req.MinIdleMs)
			return map[string]any{"reclaimed": n}, err
		},
		"control.dlq_list": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				Stream string `json:"stream"`
			}
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, orcherr.Invalid("control.dlq_list", "malformed params")
			}
			return c.DLQList(ctx, req.Stream)
		},
		"control.dlq_replay": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var req struct {
				DLQStream    string            `json:"dlq_stream"`
				OriginStream string            `json:"origin_stream"`
				Entry        *model.QueueEntry `json:"entry"`
			}
			if err := json.Unmarshal(params, &req); err != nil || req.Entry == nil {
				return nil, orcherr.Invalid("control.dlq_replay", "malformed params")
			}
			id, err := c.DLQReplay(ctx, req.DLQStream, req.OriginStream, req.Entry)
			return map[string]any{"entry_id": id}, err
		},
		"inject.task": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var task model.Task
			if err := json.Unmarshal(params, &task); err != nil {
				return nil, orcherr.Invalid("inject.task", "malformed params")
			}
			entryID, err := c.InjectTask(ctx, &task)
			return map[string]any{"task_id": task.TaskID, "entry_id": entryID, "status": "accepted"}, err
		},
	}
}
