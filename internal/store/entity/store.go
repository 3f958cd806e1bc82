// Package entity implements the Entity Store (C2): BoltDB-backed persistence
// for every durable aggregate (drafts, instances, nodes, tasks, queues, file
// metadata, net-disk entries), with an in-memory front cache and optimistic
// concurrency on LastModifiedTime, grounded on the teacher's persistence.go
// WorkflowStore.
package entity

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

var (
	bucketDrafts    = []byte("drafts")
	bucketInstances = []byte("instances")
	bucketNodes     = []byte("nodes")
	bucketTasks     = []byte("tasks")
	bucketQueues    = []byte("queues")
	bucketFileMetas = []byte("filemetas")
	bucketNetDisk   = []byte("netdisk")

	allBuckets = [][]byte{bucketDrafts, bucketInstances, bucketNodes, bucketTasks, bucketQueues, bucketFileMetas, bucketNetDisk}
)

// ErrConflict is returned when an optimistic-lock compare fails because the
// stored record was modified since the caller last read it.
var ErrConflict = fmt.Errorf("entity store: conflicting concurrent update")

// ErrNotFound is returned when a lookup misses the store entirely.
var ErrNotFound = fmt.Errorf("entity store: not found")

// Store is the BoltDB-backed Entity Store.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	cache map[string]map[string][]byte // bucket name -> id -> raw JSON

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (or creates) the BoltDB file at dbPath/entities.db and prepares
// every aggregate bucket.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath+"/entities.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("wfe_entity_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("wfe_entity_db_write_ms")
	cacheHits, _ := meter.Int64Counter("wfe_entity_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("wfe_entity_cache_misses_total")

	s := &Store{
		db:           db,
		cache:        make(map[string]map[string][]byte),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	for _, b := range allBuckets {
		s.cache[string(b)] = make(map[string][]byte)
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			bucket := tx.Bucket(b)
			if bucket == nil {
				continue
			}
			dst := s.cache[string(b)]
			if err := bucket.ForEach(func(k, v []byte) error {
				cp := make([]byte, len(v))
				copy(cp, v)
				dst[string(k)] = cp
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) put(ctx context.Context, bucket []byte, id string, v any) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("bucket", string(bucket))))
	}()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucket, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", bucket, err)
	}
	s.cache[string(bucket)][id] = data
	return nil
}

func (s *Store) get(ctx context.Context, bucket []byte, id string, out any) (bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("bucket", string(bucket))))
	}()

	s.mu.RLock()
	data, found := s.cache[string(bucket)][id]
	s.mu.RUnlock()

	if found {
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", string(bucket))))
		return true, json.Unmarshal(data, out)
	}
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", string(bucket))))

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(id))
		if v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read %s: %w", bucket, err)
	}
	if raw == nil {
		return false, nil
	}
	s.mu.Lock()
	s.cache[string(bucket)][id] = raw
	s.mu.Unlock()
	return true, json.Unmarshal(raw, out)
}

func (s *Store) list(bucket []byte) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.cache[string(bucket)]))
	for _, v := range s.cache[string(bucket)] {
		out = append(out, v)
	}
	return out
}

func (s *Store) delete(ctx context.Context, bucket []byte, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", bucket, err)
	}
	delete(s.cache[string(bucket)], id)
	return nil
}

// GetStats reports bucket sizes and cache occupancy, mirroring the teacher's
// WorkflowStore.GetStats.
func (s *Store) GetStats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range allBuckets {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}

// NowMicros returns the current time in epoch microseconds, the precision
// this system's LastModifiedTime / LastUpdateTimestamp fields use (see
// DESIGN.md Open Question decision #1).
func NowMicros() int64 {
	return time.Now().UnixMicro()
}
