// Package store provides a shared BoltDB-backed key-value layer used by
// the saga store, result store, and audit log. BoltDB is chosen
// over an external database for the same reason the reference workflow
// engine this is modeled on chose it: pure Go, no C dependency, single
// file, safe for concurrent readers.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DB wraps a bbolt.DB with bucket management and read/write latency
// instrumentation shared by every package built on top of it.
type DB struct {
	bolt *bbolt.DB
	mu   sync.RWMutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the BoltDB file at path, ensuring every bucket in
// buckets exists.
func Open(path string, meter metric.Meter, buckets ...[]byte) (*DB, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	bdb, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb %s: %w", path, err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("create buckets in %s: %w", path, err)
	}

	var readLatency, writeLatency metric.Float64Histogram
	if meter != nil {
		readLatency, _ = meter.Float64Histogram("orch_store_read_ms")
		writeLatency, _ = meter.Float64Histogram("orch_store_write_ms")
	}

	return &DB{bolt: bdb, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bolt.Close()
}

// Put JSON-encodes value and stores it under key in bucket.
func (d *DB) Put(ctx context.Context, bucket []byte, key string, value interface{}) error {
	start := time.Now()
	defer d.recordWrite(ctx, bucket, start)

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// Get JSON-decodes the value stored under key in bucket into out. Returns
// found=false, nil error if the key is absent.
func (d *DB) Get(ctx context.Context, bucket []byte, key string, out interface{}) (bool, error) {
	start := time.Now()
	defer d.recordRead(ctx, bucket, start)

	var data []byte
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		v := b.Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Delete removes key from bucket.
func (d *DB) Delete(ctx context.Context, bucket []byte, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEachPrefix calls fn for every key in bucket with the given prefix, in
// key order, stopping early if fn returns false.
func (d *DB) ForEachPrefix(bucket []byte, prefix string, fn func(key string, value []byte) bool) error {
	return d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if !fn(string(k), v) {
				break
			}
		}
		return nil
	})
}

// Stats returns the key count of each named bucket.
func (d *DB) Stats(buckets ...[]byte) map[string]int {
	out := make(map[string]int, len(buckets))
	d.bolt.View(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if b := tx.Bucket(name); b != nil {
				out[string(name)] = b.Stats().KeyN
			}
		}
		return nil
	})
	return out
}

func (d *DB) recordRead(ctx context.Context, bucket []byte, start time.Time) {
	if d.readLatency == nil {
		return
	}
	d.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("bucket", string(bucket))))
}

func (d *DB) recordWrite(ctx context.Context, bucket []byte, start time.Time) {
	if d.writeLatency == nil {
		return
	}
	d.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("bucket", string(bucket))))
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
