// Package recovery restores liveness after worker and orchestrator
// failures: reclaiming idle in-flight queue entries, promoting
// chronically-failing entries to a dead-letter stream, and resuming
// non-terminal sagas from their last checkpoint.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/queue"
)

// Queue is the subset of the durable queue the supervisor needs.
type Queue interface {
	Pending(ctx context.Context, stream, group string) ([]queue.PendingEntry, error)
	Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]*model.QueueEntry, error)
	Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error)
	Ack(ctx context.Context, stream, group, entryID string) error
}

// SagaRunner resumes a non-terminal saga from its checkpoint.
type SagaRunner interface {
	Run(ctx context.Context, sagaID string, params map[string]any) error
}

// SagaStore lists non-terminal sagas for restart-time resumption.
type SagaStore interface {
	ListNonTerminal(ctx context.Context) ([]*model.Saga, error)
}

// AuditSink records reclaim and DLQ transitions.
type AuditSink interface {
	Record(ctx context.Context, event model.AuditEvent) (uint64, error)
}

// Watch describes one (stream, group) pair to scan.
type Watch struct {
	Stream     string
	Group      string
	Capability string
}

// Config tunes the supervisor's scan cadence and DLQ threshold.
type Config struct {
	ScanInterval time.Duration
	IdleReclaim  time.Duration
	MaxAttempts  int64
}

func DefaultConfig() Config {
	return Config{ScanInterval: 10 * time.Second, IdleReclaim: 60 * time.Second, MaxAttempts: 5}
}

// Supervisor periodically scans watched streams for stuck deliveries and,
// on startup, resumes every non-terminal saga.
type Supervisor struct {
	cron   *cron.Cron
	queue  Queue
	sagas  SagaStore
	runner SagaRunner
	audit  AuditSink
	config Config
	logger *logging.Logger

	watches    []Watch
	dlqName    func(capability string) string
	consumerID string
}

func New(queue Queue, sagas SagaStore, runner SagaRunner, audit AuditSink, config Config, dlqName func(string) string, logger *logging.Logger) *Supervisor {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 10 * time.Second
	}
	if config.IdleReclaim <= 0 {
		config.IdleReclaim = 60 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &Supervisor{
		cron: cron.New(cron.WithSeconds()), queue: queue, sagas: sagas, runner: runner,
		audit: audit, config: config, dlqName: dlqName, logger: logger.With("recovery"),
		consumerID: "recovery-supervisor",
	}
}

// WatchStream registers a (stream, group) pair for idle-entry scanning.
func (s *Supervisor) WatchStream(w Watch) {
	s.watches = append(s.watches, w)
}

// Start resumes every non-terminal saga once, then begins the periodic
// reclaim/DLQ scan loop. Blocks until ctx is done.
func (s *Supervisor) Start(ctx context.Context) error {
	s.resumeSagas(ctx)

	spec := fmt.Sprintf("@every %s", s.config.ScanInterval)
	if _, err := s.cron.AddFunc(spec, func() { s.scanAll(ctx) }); err != nil {
		return fmt.Errorf("recovery: schedule scan: %w", err)
	}
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *Supervisor) resumeSagas(ctx context.Context) {
	if s.sagas == nil || s.runner == nil {
		return
	}
	pending, err := s.sagas.ListNonTerminal(ctx)
	if err != nil {
		s.logger.Error("list non-terminal sagas failed", logging.Fields{"error": err.Error()})
		return
	}
	for _, saga := range pending {
		if err := s.runner.Run(ctx, saga.SagaID, nil); err != nil {
			s.logger.Error("saga resume failed", logging.Fields{"saga_id": saga.SagaID, "error": err.Error()})
		} else {
			s.logger.Info("saga resumed", logging.Fields{"saga_id": saga.SagaID, "from_step": saga.CurrentStep})
		}
	}
}

func (s *Supervisor) scanAll(ctx context.Context) {
	for _, w := range s.watches {
		if err := s.scanOne(ctx, w); err != nil {
			s.logger.Error("scan failed", logging.Fields{"stream": w.Stream, "error": err.Error()})
		}
	}
}

func (s *Supervisor) scanOne(ctx context.Context, w Watch) error {
	pending, err := s.queue.Pending(ctx, w.Stream, w.Group)
	if err != nil {
		return fmt.Errorf("pending %s: %w", w.Stream, err)
	}

	var idleIDs []string
	for _, p := range pending {
		if time.Duration(p.IdleMs)*time.Millisecond >= s.config.IdleReclaim {
			idleIDs = append(idleIDs, p.EntryID)
		}
	}
	if len(idleIDs) == 0 {
		return nil
	}

	entries, err := s.queue.Reclaim(ctx, w.Stream, w.Group, s.consumerID, s.config.IdleReclaim, idleIDs)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", w.Stream, err)
	}

	for _, entry := range entries {
		s.emit(ctx, "queue_reclaimed", entry.EntryID, map[string]any{"stream": w.Stream, "attempt": entry.Attempt})

		if int64(entry.Attempt) > s.config.MaxAttempts {
			if err := s.deadLetter(ctx, w, entry); err != nil {
				s.logger.Error("dead-letter promotion failed", logging.Fields{"entry_id": entry.EntryID, "error": err.Error()})
			}
		}
	}
	return nil
}

func (s *Supervisor) deadLetter(ctx context.Context, w Watch, entry *model.QueueEntry) error {
	dlq := w.Stream
	if s.dlqName != nil {
		dlq = s.dlqName(w.Capability)
	}
	if _, err := s.queue.Append(ctx, dlq, entry); err != nil {
		return fmt.Errorf("append to dlq: %w", err)
	}
	if err := s.queue.Ack(ctx, w.Stream, w.Group, entry.EntryID); err != nil {
		s.logger.Error("ack after dlq promotion failed", logging.Fields{"entry_id": entry.EntryID, "error": err.Error()})
	}
	s.emit(ctx, "dlq_promoted", entry.EntryID, map[string]any{"stream": w.Stream, "dlq": dlq, "attempt": entry.Attempt})
	s.logger.Warn("entry moved to dead-letter stream", logging.Fields{"entry_id": entry.EntryID, "attempt": entry.Attempt})
	return nil
}

func (s *Supervisor) emit(ctx context.Context, action, subject string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, model.AuditEvent{
		Actor: "recovery-supervisor", Subject: subject, Action: action, Details: details,
	}); err != nil {
		s.logger.Error("failed to record recovery audit event", logging.Fields{"subject": subject, "error": err.Error()})
	}
}
