package staging

import (
	"context"
	"fmt"
	"io"

	"github.com/kuintessence/workflow-engine/internal/cachefs"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/lease"
)

// SnapshotService manages the snapshot namespace: finalized, content
// addressed files tied to a specific node's output slot. Grounded verbatim
// on original_source's SnapshotServiceImpl.
type SnapshotService struct {
	leases *lease.Store
	cache  *cachefs.Store
}

// NewSnapshotService constructs a SnapshotService. The original defaults its
// lease TTL to -1 (never expire); snapshots are long-lived records, not
// transient registrations, so this carries the same -1 (no sweep) default.
func NewSnapshotService(leases *lease.Store, cache *cachefs.Store) *SnapshotService {
	return &SnapshotService{leases: leases, cache: cache}
}

func snapshotKey(s model.Snapshot) string {
	return lease.SnapshotKey(s.ID, s.NodeID, s.FileID, s.Timestamp, s.HashAlgorithm, s.Hash)
}

func snapshotIDRegex(id string) string {
	return fmt.Sprintf("snapshot_%s_*_*_*_*_*", id)
}

func snapshotHashRegex(hash, hashAlgorithm string) string {
	return fmt.Sprintf("snapshot_*_*_*_*_%s_%s", hashAlgorithm, hash)
}

func snapshotNodeFileRegex(nodeID, fileID string) string {
	return fmt.Sprintf("snapshot_*_%s_%s_*_*_*", nodeID, fileID)
}

// Create moves a completed normal-namespace blob into the snapshot
// namespace and records it.
func (s *SnapshotService) Create(ctx context.Context, snap model.Snapshot) error {
	if err := s.cache.ChangeNormalToSnapshot(snap.MetaID); err != nil {
		return fmt.Errorf("change normal to snapshot: %w", err)
	}
	return s.leases.InsertWithLease(ctx, snapshotKey(snap), snap, -1)
}

// CreateRecord inserts a snapshot record without touching the filesystem,
// used when flash upload already has the bytes staged under another meta id.
func (s *SnapshotService) CreateRecord(ctx context.Context, snap model.Snapshot) error {
	return s.leases.InsertWithLease(ctx, snapshotKey(snap), snap, -1)
}

// Remove deletes the snapshot record for id, and removes the underlying blob
// only if no other snapshot still references the same (hash, algorithm).
func (s *SnapshotService) Remove(id string) error {
	var deleted model.Snapshot
	if err := s.leases.GetOneByKeyRegex(snapshotIDRegex(id), &deleted); err != nil {
		return fmt.Errorf("snapshot %s: %w", id, err)
	}
	if err := s.leases.DeleteByKeyRegex(snapshotIDRegex(id)); err != nil {
		return fmt.Errorf("delete snapshot record: %w", err)
	}
	var other model.Snapshot
	if err := s.leases.GetOneByKeyRegex(snapshotHashRegex(deleted.Hash, deleted.HashAlgorithm), &other); err == nil {
		return nil
	}
	return s.cache.RemoveSnapshot(deleted.MetaID)
}

// Read streams the bytes of the snapshot identified by id.
func (s *SnapshotService) Read(id string) (io.ReadCloser, error) {
	var snap model.Snapshot
	if err := s.leases.GetOneByKeyRegex(snapshotIDRegex(id), &snap); err != nil {
		return nil, fmt.Errorf("no such snapshot with id: %s", id)
	}
	return s.cache.ReadSnapshot(snap.MetaID)
}

// GetAllByNodeAndFile returns every snapshot recorded for a given (node,
// file) output slot.
func (s *SnapshotService) GetAllByNodeAndFile(nodeID, fileID string) ([]model.Snapshot, error) {
	raws, err := s.leases.GetAllByKeyRegexRaw(snapshotNodeFileRegex(nodeID, fileID))
	if err != nil {
		return nil, err
	}
	out := make([]model.Snapshot, 0, len(raws))
	for _, raw := range raws {
		var snap model.Snapshot
		if err := unmarshalInto(raw, &snap); err == nil {
			out = append(out, snap)
		}
	}
	return out, nil
}

// SatisfyFlashUpload returns the meta id of an existing snapshot with the
// same (hash, algorithm), if any.
func (s *SnapshotService) SatisfyFlashUpload(hash, hashAlgorithm string) (string, bool) {
	var snap model.Snapshot
	if err := s.leases.GetOneByKeyRegex(snapshotHashRegex(hash, hashAlgorithm), &snap); err != nil {
		return "", false
	}
	return snap.MetaID, true
}
