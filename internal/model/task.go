// Package model holds the orchestrator's durable data types: Task,
// QueueEntry, Claim, Saga, SandboxJob, Result, and AuditEvent.
package model

import "time"

// PriorityClass is one of the four task priority tiers. Critical and High
// are preemption-eligible.
type PriorityClass string

const (
	PriorityCritical PriorityClass = "critical"
	PriorityHigh     PriorityClass = "high"
	PriorityNormal   PriorityClass = "normal"
	PriorityLow      PriorityClass = "low"
)

// Rank orders priority classes for strict-priority comparisons; lower rank
// drains first.
func (p PriorityClass) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four declared classes.
func (p PriorityClass) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// PreemptionEligible reports whether tasks of this class may preempt a
// lower-class worker.
func (p PriorityClass) PreemptionEligible() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskAccepted   TaskStatus = "accepted"
	TaskEnqueued   TaskStatus = "enqueued"
	TaskClaimed    TaskStatus = "claimed"
	TaskProcessing TaskStatus = "processing"
	TaskAcked      TaskStatus = "acked"
	TaskReclaimed  TaskStatus = "reclaimed"
)

// Task is a unit of work submitted through the JSON-RPC API.
type Task struct {
	TaskID        string            `json:"task_id"`
	Method        string            `json:"method"`
	Params        map[string]any    `json:"params"`
	PriorityClass PriorityClass     `json:"priority_class"`
	Capability    string            `json:"capability"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	Deadline      *time.Time        `json:"deadline,omitempty"`
	TenantID      string            `json:"tenant_id"`
	SubmitterID   string            `json:"submitter_id"`
	CorrelationID string            `json:"correlation_id"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Attempt       int               `json:"attempt"`
	Status        TaskStatus        `json:"status"`
}

// Expired reports whether the task's deadline has passed as of now.
func (t *Task) Expired(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// QueueEntry is a durable record appended to a priority stream.
type QueueEntry struct {
	EntryID       string        `json:"entry_id"`
	TaskID        string        `json:"task_id"`
	PriorityClass PriorityClass `json:"priority_class"`
	Capability    string        `json:"capability"`
	ConsumerGroup string        `json:"consumer_group"`
	PayloadRef    []byte        `json:"payload_ref"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	Attempt       int           `json:"attempt"`
}

// ClaimStatus tracks a claim's lifecycle.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimAcked     ClaimStatus = "acked"
	ClaimReclaimed ClaimStatus = "reclaimed"
)

// Claim is an entry delivered to a specific consumer.
type Claim struct {
	EntryID       string      `json:"entry_id"`
	ConsumerID    string      `json:"consumer_id"`
	ClaimedAt     time.Time   `json:"claimed_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Attempt       int         `json:"attempt"`
	Status        ClaimStatus `json:"status"`
}

// IdleDuration returns how long the claim has gone without a heartbeat.
func (c *Claim) IdleDuration(now time.Time) time.Duration {
	return now.Sub(c.LastHeartbeat)
}

// ResultStatus is the terminal outcome of a task.
type ResultStatus string

const (
	ResultOK          ResultStatus = "ok"
	ResultError       ResultStatus = "error"
	ResultTimeout     ResultStatus = "timeout"
	ResultCancelled   ResultStatus = "cancelled"
	ResultCompensated ResultStatus = "compensated"
)

// Result is an immutable outcome record.
type Result struct {
	TaskID      string         `json:"task_id"`
	Status      ResultStatus   `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	ErrorCode   int            `json:"error_code,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
	TraceID     string         `json:"trace_id,omitempty"`
}

// AuditEvent is an append-only security/lifecycle record.
type AuditEvent struct {
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"ts"`
	Actor         string         `json:"actor"`
	Subject       string         `json:"subject"`
	Action        string         `json:"action"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}
