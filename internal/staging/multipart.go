package staging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kuintessence/workflow-engine/internal/bus"
	"github.com/kuintessence/workflow-engine/internal/cachefs"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/lease"

	"lukechampine.com/blake3"
)

// MultipartService manages chunked upload sessions. Grounded verbatim on
// original_source's MultipartServiceImpl.
type MultipartService struct {
	leases  *lease.Store
	cache   *cachefs.Store
	events  *bus.Bus
	expMsecs int64
}

// NewMultipartService constructs a MultipartService with the original's
// default 24h lease TTL (see DESIGN.md Open Question decision #2).
func NewMultipartService(leases *lease.Store, cache *cachefs.Store, events *bus.Bus) *MultipartService {
	return &MultipartService{leases: leases, cache: cache, events: events, expMsecs: 24 * 60 * 60 * 1000}
}

// HashBlake3 computes the upper-cased BLAKE3 hex digest of content, matching
// original_source's blake3::hash(...).to_string().to_uppercase().
func HashBlake3(content []byte) string {
	sum := blake3.Sum256(content)
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

// Create begins a multipart session for metaID, rejecting a conflicting hash
// or a conflicting in-flight session for the same meta id.
func (s *MultipartService) Create(ctx context.Context, metaID, hash, hashAlgorithm string, count int) error {
	hash = strings.ToUpper(hash)

	var existingByHash model.MultipartSession
	if err := s.leases.GetOneByKeyRegex(lease.MultipartHashRegex(hash), &existingByHash); err == nil {
		return &ConflictedHashError{MetaID: existingByHash.MetaID, Hash: hash}
	}

	var existingByID model.MultipartSession
	if err := s.leases.GetOneByKeyRegex(lease.MultipartIDRegex(metaID), &existingByID); err == nil {
		return &ConflictedIDError{MetaID: metaID}
	}

	shards := make([]int, count)
	for i := range shards {
		shards[i] = i
	}
	mp := multipartWire{
		MetaID:              metaID,
		Hash:                hash,
		HashAlgorithm:       hashAlgorithm,
		Shards:              shards,
		PartCount:           count,
		LastUpdateTimestamp: time.Now().UnixMicro(),
	}
	return s.leases.InsertWithLease(ctx, lease.MultipartKey(metaID, hash), mp, s.expMsecs)
}

// multipartWire is the on-disk shape of a multipart session; Shards tracks
// remaining (not-yet-uploaded) part numbers, mirroring the original's
// Multipart.shards semantics.
type multipartWire struct {
	MetaID              string `json:"meta_id"`
	Hash                string `json:"hash"`
	HashAlgorithm       string `json:"hash_algorithm"`
	Shards              []int  `json:"shards"`
	PartCount           int    `json:"part_count"`
	LastUpdateTimestamp int64  `json:"last_update_timestamp"`
}

func removeShard(shards []int, nth int) []int {
	out := shards[:0]
	for _, s := range shards {
		if s != nth {
			out = append(out, s)
		}
	}
	return out
}

// CompletePart ingests one chunk, and if it was the last outstanding part,
// merges the whole file, verifies its hash, and writes it to the normal
// cache namespace. Returns the remaining outstanding shard numbers (empty
// once the upload is complete). moveRegFailer is invoked (best-effort) to
// mark the associated move registration failed on lock-retry exhaustion or
// hash mismatch, and taskFailer to publish a Task-Failed status change.
func (s *MultipartService) CompletePart(ctx context.Context, metaID string, nth int, content []byte, moveRegFailer func(reason string), taskFailer func(reason string)) ([]int, error) {
	if err := s.cache.WritePart(metaID, nth, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("write part: %w", err)
	}

	const maxRetries = 5
	const retryDelay = 200 * time.Millisecond

	var current multipartWire
	remaining := maxRetries
	for {
		var mp multipartWire
		if err := s.leases.GetOneByKeyRegex(lease.MultipartIDRegex(metaID), &mp); err != nil {
			return nil, &MultipartNotFoundError{MetaID: metaID}
		}
		mp.Shards = removeShard(mp.Shards, nth)

		var now multipartWire
		if err := s.leases.GetOneByKeyRegex(lease.MultipartIDRegex(metaID), &now); err != nil {
			return nil, &MultipartNotFoundError{MetaID: metaID}
		}

		if mp.LastUpdateTimestamp == now.LastUpdateTimestamp {
			mp.LastUpdateTimestamp = time.Now().UnixMicro()
			if err := s.leases.UpdateWithLease(ctx, lease.MultipartKey(metaID, mp.Hash), mp, s.expMsecs); err != nil {
				return nil, fmt.Errorf("persist multipart progress: %w", err)
			}
			if len(mp.Shards) > 0 {
				return mp.Shards, nil
			}
			current = mp
			break
		}

		remaining--
		if remaining == 0 {
			reason := "Lock retry failed"
			if moveRegFailer != nil {
				moveRegFailer(reason)
			}
			if taskFailer != nil {
				taskFailer(reason)
			}
			return nil, fmt.Errorf("staging: %s", reason)
		}
		time.Sleep(retryDelay)
	}

	completed := make([]byte, 0)
	for nth := 0; nth < current.PartCount; nth++ {
		f, err := s.cache.ReadPart(metaID, nth)
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", nth, err)
		}
		chunk, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", nth, err)
		}
		completed = append(completed, chunk...)
	}

	completedHash := HashBlake3(completed)
	if completedHash != current.Hash {
		reason := fmt.Sprintf("hash not match, provided: %s, completed: %s", current.Hash, completedHash)
		if moveRegFailer != nil {
			moveRegFailer(reason)
		}
		if taskFailer != nil {
			taskFailer(reason)
		}
		return nil, &UnmatchedHashError{MetaID: metaID, ProvidedHash: current.Hash, CompletedHash: completedHash}
	}

	if err := s.cache.WriteNormal(metaID, bytes.NewReader(completed)); err != nil {
		return nil, fmt.Errorf("write normal: %w", err)
	}
	if err := s.cache.RemoveMultipartDir(metaID); err != nil {
		return nil, fmt.Errorf("remove multipart dir: %w", err)
	}
	return nil, nil
}

// Info returns the current session for metaID.
func (s *MultipartService) Info(metaID string) (model.MultipartSession, error) {
	var mp multipartWire
	if err := s.leases.GetOneByKeyRegex(lease.MultipartIDRegex(metaID), &mp); err != nil {
		return model.MultipartSession{}, &MultipartNotFoundError{MetaID: metaID}
	}
	return model.MultipartSession{
		MetaID: mp.MetaID, Hash: mp.Hash, HashAlgorithm: mp.HashAlgorithm,
		TotalParts: mp.PartCount, LastUpdateTimestamp: mp.LastUpdateTimestamp,
	}, nil
}

// Remove deletes a session's lease record and on-disk parts.
func (s *MultipartService) Remove(metaID string) error {
	if err := s.leases.DeleteByKeyRegex(lease.MultipartIDRegex(metaID)); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return s.cache.RemoveMultipartDir(metaID)
}
