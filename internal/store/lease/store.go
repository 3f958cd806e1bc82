// Package lease implements the Lease Store (C3): a BoltDB-backed TTL key
// value store addressed by glob-regex keys, used for move registrations,
// multipart sessions, and snapshot records. Grounded on
// original_source/service/storage/src/mover.rs and multipart.rs, whose
// *_key_regex helpers this package's *Regex key helpers translate directly.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketLeases = []byte("leases")

// ErrNotFound is returned when a regex lookup matches no live (unexpired) key.
var ErrNotFound = fmt.Errorf("lease store: not found")

type record struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at_micros"`
}

// Store is the BoltDB-backed Lease Store.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex

	sweepInterval time.Duration
	stopCh        chan struct{}
}

// Open opens (or creates) the lease database and starts the expiry sweeper.
func Open(dbPath string, sweepInterval time.Duration) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/leases.db", 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	s := &Store{db: db, sweepInterval: sweepInterval, stopCh: make(chan struct{})}
	go s.sweepLoop()
	return s, nil
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	now := time.Now().UnixMicro()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		var expired [][]byte
		bucket.ForEach(func(k, v []byte) error {
			var r record
			if json.Unmarshal(v, &r) == nil && r.ExpiresAt <= now {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range expired {
			bucket.Delete(k)
		}
		return nil
	})
}

// InsertWithLease stores value under key with a TTL of ttlMs milliseconds. A
// negative ttlMs stores the value with no expiry.
func (s *Store) InsertWithLease(ctx context.Context, key string, value any, ttlMs int64) error {
	return s.upsert(key, value, ttlMs)
}

// UpdateWithLease overwrites the value under key and refreshes its TTL.
func (s *Store) UpdateWithLease(ctx context.Context, key string, value any, ttlMs int64) error {
	return s.upsert(key, value, ttlMs)
}

func (s *Store) upsert(key string, value any, ttlMs int64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal lease value: %w", err)
	}
	expiresAt := time.Now().UnixMicro() + ttlMs*1000
	if ttlMs < 0 {
		expiresAt = math.MaxInt64
	}
	r := record{Value: raw, ExpiresAt: expiresAt}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal lease record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).Put([]byte(key), data)
	})
}

// KeepAlive extends key's TTL without changing its value.
func (s *Store) KeepAlive(key string, ttlMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		r.ExpiresAt = time.Now().UnixMicro() + ttlMs*1000
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

// GetOneByKeyRegex returns the first live value whose key matches pattern
// (a glob where `*` matches any run of characters), or ErrNotFound.
func (s *Store) GetOneByKeyRegex(pattern string, out any) error {
	results, err := s.GetAllByKeyRegexRaw(pattern)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(results[0], out)
}

// GetAllByKeyRegexRaw returns every live value whose key matches pattern, as
// a slice of json.RawMessage for the caller to decode.
func (s *Store) GetAllByKeyRegexRaw(pattern string) ([]json.RawMessage, error) {
	re, err := globToRegex(pattern)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMicro()
	var out []json.RawMessage
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		return bucket.ForEach(func(k, v []byte) error {
			if !re.Match(k) {
				return nil
			}
			var r record
			if json.Unmarshal(v, &r) != nil || r.ExpiresAt <= now {
				return nil
			}
			out = append(out, r.Value)
			return nil
		})
	})
	return out, err
}

// DeleteByKeyRegex removes every key matching pattern.
func (s *Store) DeleteByKeyRegex(pattern string) error {
	re, err := globToRegex(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		var toDelete [][]byte
		bucket.ForEach(func(k, v []byte) error {
			if re.Match(k) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// globToRegex anchors pattern and turns every `*` into `.*`, escaping all
// other regex metacharacters, matching the glob semantics spec.md §6
// describes for Lease Store key addressing.
func globToRegex(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Key-format helpers, grounded verbatim on original_source's key builders.

func MoveRegKey(moveID, metaID string) string {
	return fmt.Sprintf("movereg_%s_%s", moveID, metaID)
}

func MoveRegMetaIDRegex(metaID string) string {
	return fmt.Sprintf("movereg_*_%s", metaID)
}

func MoveRegMoveIDRegex(moveID string) string {
	return fmt.Sprintf("movereg_%s_*", moveID)
}

func MultipartKey(metaID, hash string) string {
	return fmt.Sprintf("multipart_%s_%s", metaID, hash)
}

func MultipartIDRegex(metaID string) string {
	return fmt.Sprintf("multipart_%s_*", metaID)
}

func MultipartHashRegex(hash string) string {
	return fmt.Sprintf("multipart_*_%s", hash)
}

func SnapshotKey(id, nodeID, fileID string, timestamp int64, hashAlg, hash string) string {
	return fmt.Sprintf("snapshot_%s_%s_%s_%d_%s_%s", id, nodeID, fileID, timestamp, hashAlg, hash)
}
