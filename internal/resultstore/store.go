// Package resultstore persists terminal task results keyed by task_id,
// plus the idempotency-key index used to map duplicate submissions onto
// the same task_id within the retention window.
package resultstore

import (
	"context"
	"fmt"
	"time"

	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/store"
)

var (
	bucketResults     = []byte("results")
	bucketIdempotency = []byte("idempotency_keys")
)

func Buckets() [][]byte { return [][]byte{bucketResults, bucketIdempotency} }

type idempotencyRecord struct {
	TaskID    string    `json:"task_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists Result records and the idempotency-key -> task_id index.
type Store struct {
	db        *store.DB
	retention time.Duration
}

func New(db *store.DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{db: db, retention: retention}
}

// Put stores result, replacing any prior record for the same task_id.
func (s *Store) Put(ctx context.Context, result *model.Result) error {
	return s.db.Put(ctx, bucketResults, result.TaskID, result)
}

// Get retrieves the result for taskID, if it has completed.
func (s *Store) Get(ctx context.Context, taskID string) (*model.Result, bool, error) {
	var result model.Result
	found, err := s.db.Get(ctx, bucketResults, taskID, &result)
	if err != nil {
		return nil, false, err
	}
	return &result, found, nil
}

// ReserveIdempotencyKey returns the task_id previously associated with key,
// if any live mapping exists; otherwise it claims key for taskID and
// returns (taskID, false, nil).
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, taskID string) (string, bool, error) {
	if key == "" {
		return taskID, false, nil
	}
	var existing idempotencyRecord
	found, err := s.db.Get(ctx, bucketIdempotency, key, &existing)
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if found && time.Now().Before(existing.ExpiresAt) {
		return existing.TaskID, true, nil
	}

	rec := idempotencyRecord{TaskID: taskID, ExpiresAt: time.Now().Add(s.retention)}
	if err := s.db.Put(ctx, bucketIdempotency, key, rec); err != nil {
		return "", false, fmt.Errorf("idempotency claim: %w", err)
	}
	return taskID, false, nil
}
