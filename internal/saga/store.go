package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/store"
)

var (
	bucketSagas       = []byte("sagas")
	bucketDefinitions = []byte("saga_definitions")
)

// Buckets lists the bbolt buckets BoltStore requires; pass to store.Open.
func Buckets() [][]byte { return [][]byte{bucketSagas, bucketDefinitions} }

// BoltStore is the bbolt-backed Store implementation used in production;
// definitions are loaded once at startup and treated as immutable.
type BoltStore struct {
	db *store.DB
}

func NewBoltStore(db *store.DB) *BoltStore {
	return &BoltStore{db: db}
}

func (s *BoltStore) Get(ctx context.Context, sagaID string) (*model.Saga, error) {
	var saga model.Saga
	found, err := s.db.Get(ctx, bucketSagas, sagaID, &saga)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("saga %s not found", sagaID)
	}
	return &saga, nil
}

func (s *BoltStore) Put(ctx context.Context, saga *model.Saga) error {
	return s.db.Put(ctx, bucketSagas, saga.SagaID, saga)
}

// PutDefinition registers an immutable saga definition, keyed by
// definition_id. Definitions are append-only: callers should not overwrite
// an existing definition with different content.
func (s *BoltStore) PutDefinition(ctx context.Context, def *model.SagaDefinition) error {
	return s.db.Put(ctx, bucketDefinitions, def.DefinitionID, def)
}

func (s *BoltStore) GetDefinition(ctx context.Context, definitionID string) (*model.SagaDefinition, error) {
	var def model.SagaDefinition
	found, err := s.db.Get(ctx, bucketDefinitions, definitionID, &def)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("saga definition %s not found", definitionID)
	}
	return &def, nil
}

// ListNonTerminal returns every saga not yet in a terminal state, used by
// the recovery supervisor to resume interrupted workflows on restart.
func (s *BoltStore) ListNonTerminal(ctx context.Context) ([]*model.Saga, error) {
	var out []*model.Saga
	err := s.db.ForEachPrefix(bucketSagas, "", func(key string, value []byte) bool {
		var saga model.Saga
		if err := json.Unmarshal(value, &saga); err == nil && !saga.Status.Terminal() {
			out = append(out, &saga)
		}
		return true
	})
	return out, err
}
