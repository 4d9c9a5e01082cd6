// Package saga executes ordered multi-step workflows as a finite state
// machine with per-step retry and reverse-order compensation on failure,
// under an idempotency contract keyed by (saga_id, step_name, attempt).
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
	"github.com/taskorch/orchestrator/internal/resilience"
)

// ActionFunc implements a step's action or compensation. It must be
// idempotent for a given (sagaID, stepName, attempt) key.
type ActionFunc func(ctx context.Context, sagaID, stepName string, attempt int, params map[string]any) (map[string]any, error)

// Registry looks up action/compensation functions by name.
type Registry struct {
	actions map[string]ActionFunc
}

func NewRegistry() *Registry { return &Registry{actions: make(map[string]ActionFunc)} }

func (r *Registry) Register(name string, fn ActionFunc) { r.actions[name] = fn }

func (r *Registry) Lookup(name string) (ActionFunc, bool) {
	fn, ok := r.actions[name]
	return fn, ok
}

// Store persists saga aggregates and their definitions.
type Store interface {
	Get(ctx context.Context, sagaID string) (*model.Saga, error)
	Put(ctx context.Context, saga *model.Saga) error
	GetDefinition(ctx context.Context, definitionID string) (*model.SagaDefinition, error)
}

// IncidentSink records an unrecoverable compensation failure for operator
// attention.
type IncidentSink interface {
	RecordIncident(ctx context.Context, sagaID, reason string) error
}

// Engine runs sagas to completion or to a terminal failed/compensated
// state, persisting a checkpoint before and after each step.
type Engine struct {
	store     Store
	registry  *Registry
	incidents IncidentSink
	logger    *logging.Logger
}

func New(store Store, registry *Registry, incidents IncidentSink, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &Engine{store: store, registry: registry, incidents: incidents, logger: logger.With("saga")}
}

// Run executes saga from its CurrentStep forward (or resumes from it after
// a restart) until it reaches a terminal status.
func (e *Engine) Run(ctx context.Context, sagaID string, params map[string]any) error {
	s, err := e.store.Get(ctx, sagaID)
	if err != nil {
		return orcherr.NotFound("saga.Run", fmt.Sprintf("saga %s not found", sagaID))
	}
	if s.Status.Terminal() {
		return nil
	}
	def, err := e.store.GetDefinition(ctx, s.DefinitionID)
	if err != nil {
		return orcherr.NotFound("saga.Run", fmt.Sprintf("saga definition %s not found", s.DefinitionID))
	}

	if s.Status == model.SagaCompensating {
		return e.compensate(ctx, s, def)
	}

	for s.CurrentStep < len(def.Steps) {
		step := def.Steps[s.CurrentStep]
		rec := &s.Steps[s.CurrentStep]

		now := time.Now()
		rec.StartedAt = &now
		rec.Status = model.StepRunning
		rec.Attempt++
		s.UpdatedAt = now
		if err := e.store.Put(ctx, s); err != nil {
			return orcherr.Internal("saga.Run", err)
		}

		result, execErr := e.executeStep(ctx, s.SagaID, step, rec.Attempt, params)
		finished := time.Now()
		rec.FinishedAt = &finished

		if execErr == nil {
			rec.Status = model.StepSucceeded
			rec.ResultRef = result
			s.CurrentStep++
			s.UpdatedAt = finished
			if err := e.store.Put(ctx, s); err != nil {
				return orcherr.Internal("saga.Run", err)
			}
			continue
		}

		rec.Status = model.StepFailed
		rec.Error = execErr.Error()
		s.Status = model.SagaCompensating
		s.UpdatedAt = finished
		if err := e.store.Put(ctx, s); err != nil {
			return orcherr.Internal("saga.Run", err)
		}
		e.logger.Warn("step failed, entering compensation", logging.Fields{
			"saga_id": s.SagaID, "step": step.Name, "error": execErr.Error(),
		})
		return e.compensate(ctx, s, def)
	}

	s.Status = model.SagaSucceeded
	s.UpdatedAt = time.Now()
	return e.store.Put(ctx, s)
}

// executeStep runs step's action with the step's retry policy.
func (e *Engine) executeStep(ctx context.Context, sagaID string, step model.StepDefinition, attempt int, params map[string]any) (map[string]any, error) {
	fn, ok := e.registry.Lookup(step.Action)
	if !ok {
		return nil, fmt.Errorf("no action registered: %s", step.Action)
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  step.BackoffBase,
		MaxDelay:      step.BackoffCap,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	if retryCfg.InitialDelay <= 0 {
		retryCfg.InitialDelay = 200 * time.Millisecond
	}
	if retryCfg.MaxDelay <= 0 {
		retryCfg.MaxDelay = 10 * time.Second
	}

	var result map[string]any
	err := resilience.Retry(stepCtx, retryCfg, func() error {
		r, err := fn(stepCtx, sagaID, step.Name, attempt, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// compensate runs compensations in strict reverse order over every step
// whose status is Succeeded (or already Compensated, for resumed runs).
func (e *Engine) compensate(ctx context.Context, s *model.Saga, def *model.SagaDefinition) error {
	succeeded := s.SucceededSteps()
	for i := len(succeeded) - 1; i >= 0; i-- {
		idx := succeeded[i]
		if s.Steps[idx].Status == model.StepCompensated {
			continue
		}
		step := def.Steps[idx]
		rec := &s.Steps[idx]
		rec.Status = model.StepCompensating
		s.UpdatedAt = time.Now()
		if err := e.store.Put(ctx, s); err != nil {
			return orcherr.Internal("saga.compensate", err)
		}

		fn, ok := e.registry.Lookup(step.Compensation)
		if !ok {
			return e.failIrrecoverably(ctx, s, fmt.Sprintf("no compensation registered: %s", step.Compensation))
		}

		retryCfg := &resilience.RetryConfig{
			MaxAttempts: 5, InitialDelay: 200 * time.Millisecond,
			MaxDelay: 10 * time.Second, BackoffFactor: 2.0, JitterEnabled: true,
		}
		err := resilience.Retry(ctx, retryCfg, func() error {
			_, err := fn(ctx, s.SagaID, step.Name, rec.Attempt, nil)
			return err
		})
		if err != nil {
			return e.failIrrecoverably(ctx, s, fmt.Sprintf("compensation %s exhausted retries: %v", step.Compensation, err))
		}
		rec.Status = model.StepCompensated
		s.UpdatedAt = time.Now()
		if err := e.store.Put(ctx, s); err != nil {
			return orcherr.Internal("saga.compensate", err)
		}
	}

	s.Status = model.SagaCompensated
	s.UpdatedAt = time.Now()
	return e.store.Put(ctx, s)
}

func (e *Engine) failIrrecoverably(ctx context.Context, s *model.Saga, reason string) error {
	s.Status = model.SagaFailed
	s.UpdatedAt = time.Now()
	if err := e.store.Put(ctx, s); err != nil {
		e.logger.Error("failed to persist failed saga", logging.Fields{"saga_id": s.SagaID, "error": err.Error()})
	}
	if e.incidents != nil {
		if err := e.incidents.RecordIncident(ctx, s.SagaID, reason); err != nil {
			e.logger.Error("failed to record incident", logging.Fields{"saga_id": s.SagaID, "error": err.Error()})
		}
	}
	return orcherr.New("saga.compensate", orcherr.CodeSagaCompensationFailed, reason, nil)
}

// NewSaga initializes a fresh Saga aggregate from def, ready for Run.
func NewSaga(sagaID string, def *model.SagaDefinition) *model.Saga {
	steps := make([]model.StepRecord, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = model.StepRecord{Name: sd.Name, Action: sd.Action, Compensation: sd.Compensation, Status: model.StepPending}
	}
	now := time.Now()
	return &model.Saga{
		SagaID: sagaID, DefinitionID: def.DefinitionID, CurrentStep: 0,
		Status: model.SagaRunning, Steps: steps, CreatedAt: now, UpdatedAt: now,
	}
}
