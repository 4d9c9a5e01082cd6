package model

import "time"

// SagaStatus tracks a saga's finite state machine.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompensating SagaStatus = "compensating"
	SagaSucceeded    SagaStatus = "succeeded"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed"
)

// Terminal reports whether status cannot transition further.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaSucceeded, SagaCompensated, SagaFailed:
		return true
	default:
		return false
	}
}

// StepStatus tracks a single saga step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepSucceeded    StepStatus = "succeeded"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
)

// StepRecord is the durable record of one saga step's execution.
type StepRecord struct {
	Name         string         `json:"name"`
	Action       string         `json:"action"`
	Compensation string         `json:"compensation"`
	Status       StepStatus     `json:"status"`
	Attempt      int            `json:"attempt"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ResultRef    map[string]any `json:"result_ref,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Saga is a durable workflow aggregate.
type Saga struct {
	SagaID       string                    `json:"saga_id"`
	DefinitionID string                    `json:"definition_id"`
	CurrentStep  int                       `json:"current_step"`
	Status       SagaStatus                `json:"status"`
	Steps        []StepRecord              `json:"steps"`
	Checkpoints  map[string]map[string]any `json:"checkpoints,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// SucceededSteps returns the indices of steps whose status is Succeeded
// or Compensated, in ascending order — the set eligible for compensation.
func (s *Saga) SucceededSteps() []int {
	var out []int
	for i, step := range s.Steps {
		if step.Status == StepSucceeded || step.Status == StepCompensated {
			out = append(out, i)
		}
	}
	return out
}

// StepDefinition describes one ordered step of an immutable saga definition.
type StepDefinition struct {
	Name            string        `yaml:"name" json:"name"`
	Action          string        `yaml:"action" json:"action"`
	Compensation    string        `yaml:"compensation" json:"compensation"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	RetryableErrors []string      `yaml:"retryable_errors" json:"retryable_errors"`
}

// SagaDefinition is the immutable, named sequence of steps referenced by
// Saga.DefinitionID.
type SagaDefinition struct {
	DefinitionID string           `yaml:"definition_id" json:"definition_id"`
	Version      int              `yaml:"version" json:"version"`
	Steps        []StepDefinition `yaml:"steps" json:"steps"`
}
