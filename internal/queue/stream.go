// Package queue implements the durable, consumer-group-based queue that
// backs each (capability, priority_class) pair, using Redis Streams for
// at-least-once delivery with claim/ack/pending/reclaim semantics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/orcherr"
	"github.com/taskorch/orchestrator/internal/resilience"
)

// StreamName derives the Redis stream key for a (capability, priority) pair.
func StreamName(capability string, priority model.PriorityClass) string {
	return fmt.Sprintf("orch:stream:%s:%s", capability, priority)
}

// DLQName derives the dead-letter stream key for a capability.
func DLQName(capability string) string {
	return fmt.Sprintf("orch:dlq:%s", capability)
}

// Config configures a Queue.
type Config struct {
	MaxLen         int64
	RetryAttempts  int
	RetryDelay     time.Duration
	CircuitBreaker *resilience.CircuitBreaker
	Logger         *logging.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxLen:        100000,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// Queue is a Redis-Streams-backed durable queue. One Queue instance serves
// all streams of a Redis connection; callers pass the target stream name
// per call so a single Queue can back every (capability, priority) pair.
type Queue struct {
	client *redis.Client
	config Config
	logger *logging.Logger
}

// New builds a Queue bound to client.
func New(client *redis.Client, config Config) *Queue {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	if config.MaxLen <= 0 {
		config.MaxLen = 100000
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	return &Queue{client: client, config: config, logger: logger.With("queue")}
}

// EnsureGroup creates stream and consumer group if they do not already
// exist; safe to call repeatedly.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return orcherr.New("queue.EnsureGroup", orcherr.CodeQueueUnavailable, "", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Append atomically appends entry's payload to stream, returning the
// assigned entry_id. Retries transient failures with exponential backoff
// through a circuit breaker; on persistent failure returns a
// queue_unavailable error per the durable-queue contract.
func (q *Queue) Append(ctx context.Context, stream string, entry *model.QueueEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", orcherr.Internal("queue.Append", err)
	}

	var id string
	op := func() error {
		res, err := q.xadd(ctx, stream, data)
		if err != nil {
			return err
		}
		id = res
		return nil
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts: q.config.RetryAttempts, InitialDelay: q.config.RetryDelay,
		MaxDelay: 5 * time.Second, BackoffFactor: 2.0, JitterEnabled: true,
	}
	var retryErr error
	if q.config.CircuitBreaker != nil {
		retryErr = resilience.RetryWithCircuitBreaker(ctx, retryCfg, q.config.CircuitBreaker, op)
	} else {
		retryErr = resilience.Retry(ctx, retryCfg, op)
	}
	if retryErr != nil {
		q.logger.Error("append failed after retries", logging.Fields{"stream": stream, "error": retryErr.Error()})
		return "", orcherr.New("queue.Append", orcherr.CodeQueueUnavailable, "", retryErr)
	}
	return id, nil
}

func (q *Queue) xadd(ctx context.Context, stream string, data []byte) (string, error) {
	res, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.config.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return res, nil
}

// Claim long-polls stream/group for up to count new entries for consumer,
// blocking up to blockMs when nothing is immediately available.
func (q *Queue) Claim(ctx context.Context, stream, group, consumer string, count int64, blockMs time.Duration) ([]*model.QueueEntry, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    blockMs,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, orcherr.New("queue.Claim", orcherr.CodeQueueUnavailable, "", err)
	}

	var entries []*model.QueueEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			entry, err := decodeEntry(msg)
			if err != nil {
				q.logger.Error("malformed queue entry skipped", logging.Fields{"entry_id": msg.ID, "error": err.Error()})
				continue
			}
			entry.EntryID = msg.ID
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func decodeEntry(msg redis.XMessage) (*model.QueueEntry, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return nil, fmt.Errorf("entry missing payload field")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entry payload not a string")
	}
	var entry model.QueueEntry
	if err := json.Unmarshal([]byte(s), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Ack marks entryID processed in group, removing it from the pending list.
func (q *Queue) Ack(ctx context.Context, stream, group, entryID string) error {
	if err := q.client.XAck(ctx, stream, group, entryID).Err(); err != nil {
		return orcherr.New("queue.Ack", orcherr.CodeQueueUnavailable, "", err)
	}
	return nil
}

// PendingEntry describes one in-flight, unacked delivery.
type PendingEntry struct {
	EntryID  string
	Consumer string
	IdleMs   int64
	Attempt  int64
}

// Pending lists the group's unacked deliveries.
func (q *Queue) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	res, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: group, Start: "-", End: "+", Count: 1000,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, orcherr.New("queue.Pending", orcherr.CodeQueueUnavailable, "", err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			EntryID: p.ID, Consumer: p.Consumer,
			IdleMs: p.Idle.Milliseconds(), Attempt: p.RetryCount,
		})
	}
	return out, nil
}

// Reclaim transfers ownership of ids idle beyond minIdle to newConsumer,
// incrementing each entry's delivery count as a side effect of XCLAIM.
func (q *Queue) Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]*model.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream: stream, Group: group, Consumer: newConsumer,
		MinIdle: minIdle, Messages: ids,
	}).Result()
	if err != nil {
		return nil, orcherr.New("queue.Reclaim", orcherr.CodeQueueUnavailable, "", err)
	}
	entries := make([]*model.QueueEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeEntry(msg)
		if err != nil {
			q.logger.Error("malformed reclaimed entry skipped", logging.Fields{"entry_id": msg.ID, "error": err.Error()})
			continue
		}
		entry.EntryID = msg.ID
		entry.Attempt++
		entries = append(entries, entry)
	}
	return entries, nil
}

// Requeue re-appends entry to the same stream with an incremented attempt
// and acks the original delivery — used by preemption checkpoint+requeue
// and by explicit worker-side requeue on failure.
func (q *Queue) Requeue(ctx context.Context, stream, group string, entry *model.QueueEntry) (string, error) {
	entry.Attempt++
	id, err := q.Append(ctx, stream, entry)
	if err != nil {
		return "", err
	}
	if entry.EntryID != "" {
		_ = q.Ack(ctx, stream, group, entry.EntryID)
	}
	return id, nil
}

// StreamFor satisfies priority.Dispatcher, deriving the stream key for a
// (capability, priority) pair the same way StreamName does.
func (q *Queue) StreamFor(capability string, priority model.PriorityClass) string {
	return StreamName(capability, priority)
}

// Len returns the approximate stream length.
func (q *Queue) Len(ctx context.Context, stream string) (int64, error) {
	n, err := q.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, orcherr.New("queue.Len", orcherr.CodeQueueUnavailable, "", err)
	}
	return n, nil
}
