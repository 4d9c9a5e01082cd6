// Package audit implements the append-only, tamper-evident audit log:
// every record is hash-chained to its predecessor so an operator can
// detect retroactive edits to stored history.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/store"
)

var (
	bucketEvents = []byte("audit_events")
	bucketChain  = []byte("audit_chain")
)

func Buckets() [][]byte { return [][]byte{bucketEvents, bucketChain} }

const chainHeadKey = "head"

// chainLink is the durable pointer to the tail of the hash chain.
type chainLink struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// record is the on-disk envelope: the event plus the chain metadata
// needed to re-verify it.
type record struct {
	Seq      uint64           `json:"seq"`
	Event    model.AuditEvent `json:"event"`
	PrevHash string           `json:"prev_hash"`
	Hash     string           `json:"hash"`
}

// Log is the append-only, hash-chained audit log.
type Log struct {
	db *store.DB
	mu sync.Mutex
}

func New(db *store.DB) *Log {
	return &Log{db: db}
}

// Record appends event to the chain, stamping an event_id and timestamp if
// absent, and returns the durable sequence number assigned to it.
func (l *Log) Record(ctx context.Context, event model.AuditEvent) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var head chainLink
	found, err := l.db.Get(ctx, bucketChain, chainHeadKey, &head)
	if err != nil {
		return 0, fmt.Errorf("audit: read chain head: %w", err)
	}
	if !found {
		head = chainLink{Seq: 0, Hash: ""}
	}

	seq := head.Seq + 1
	rec := record{Seq: seq, Event: event, PrevHash: head.Hash}
	rec.Hash = hashRecord(rec)

	key := fmt.Sprintf("%020d", seq)
	if err := l.db.Put(ctx, bucketEvents, key, rec); err != nil {
		return 0, fmt.Errorf("audit: write record: %w", err)
	}
	if err := l.db.Put(ctx, bucketChain, chainHeadKey, chainLink{Seq: seq, Hash: rec.Hash}); err != nil {
		return 0, fmt.Errorf("audit: advance chain head: %w", err)
	}
	return seq, nil
}

// hashRecord derives a record's hash from its sequence number, event
// content, and predecessor hash, chaining every record to the one before.
func hashRecord(rec record) string {
	rec.Hash = ""
	data, _ := json.Marshal(rec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify walks the entire chain and reports whether every record's stored
// hash matches its recomputed hash and correctly references its
// predecessor — detecting any retroactive tampering.
func (l *Log) Verify(ctx context.Context) (bool, uint64, error) {
	var prevHash string
	var count uint64
	ok := true

	err := l.db.ForEachPrefix(bucketEvents, "", func(key string, value []byte) bool {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			ok = false
			return false
		}
		if rec.PrevHash != prevHash {
			ok = false
			return false
		}
		want := rec.Hash
		got := hashRecord(rec)
		if want != got {
			ok = false
			return false
		}
		prevHash = rec.Hash
		count++
		return true
	})
	return ok, count, err
}

// Since returns every event recorded at or after fromSeq, in order.
func (l *Log) Since(ctx context.Context, fromSeq uint64) ([]model.AuditEvent, error) {
	var out []model.AuditEvent
	err := l.db.ForEachPrefix(bucketEvents, "", func(key string, value []byte) bool {
		var rec record
		if err := json.Unmarshal(value, &rec); err == nil && rec.Seq >= fromSeq {
			out = append(out, rec.Event)
		}
		return true
	})
	return out, err
}
