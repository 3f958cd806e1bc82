package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
	"github.com/kuintessence/workflow-engine/internal/store/lease"
)

// NetDiskCreator is the subset of the Net-Disk Projector (C12) the mover
// needs to record a StorageServer-destined upload in a user's virtual tree.
type NetDiskCreator interface {
	CreateFile(ctx context.Context, metaID, fileName, fileType string, kind model.RecordNetDiskKind) error
}

// UploadPublisher hands a finalized move off to the object-store consumer
// (internal/objectstore), mirroring the original's FileUploadCommand publish.
type UploadPublisher interface {
	PublishFileUpload(ctx context.Context, moveID, userID string) error
}

// MoveService registers and executes file moves to their final destination
// (snapshot or external object store), including flash-upload short
// circuiting. Grounded verbatim on original_source's FileMoveServiceImpl.
type MoveService struct {
	leases    *lease.Store
	entities  *entity.Store
	snapshots *SnapshotService
	multipart *MultipartService
	netdisk   NetDiskCreator
	uploads   UploadPublisher
	expMsecs  int64
	userID    string
}

// NewMoveService constructs a MoveService with the original's default 24h
// lease TTL for move registrations.
func NewMoveService(leases *lease.Store, entities *entity.Store, snapshots *SnapshotService, multipart *MultipartService, netdisk NetDiskCreator, uploads UploadPublisher, userID string) *MoveService {
	return &MoveService{
		leases: leases, entities: entities, snapshots: snapshots, multipart: multipart,
		netdisk: netdisk, uploads: uploads, expMsecs: 24 * 60 * 60 * 1000, userID: userID,
	}
}

// RegisterMove leases a pending move intent keyed by (move id, meta id).
func (m *MoveService) RegisterMove(ctx context.Context, info model.MoveRegistration) error {
	return m.leases.InsertWithLease(ctx, lease.MoveRegKey(info.ID, info.MetaID), info, m.expMsecs)
}

// DoRegisteredMoves executes every move registered against metaID: snapshot
// destinations are finalized synchronously, StorageServer destinations
// publish a FileUpload command for internal/objectstore to consume.
func (m *MoveService) DoRegisteredMoves(ctx context.Context, metaID string) error {
	raws, err := m.leases.GetAllByKeyRegexRaw(lease.MoveRegMetaIDRegex(metaID))
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	for _, raw := range raws {
		var reg model.MoveRegistration
		if err := unmarshalInto(raw, &reg); err != nil {
			continue
		}
		switch reg.Destination.Kind {
		case "Snapshot":
			snap := model.Snapshot{
				ID: newID(), MetaID: reg.MetaID, NodeID: reg.Destination.NodeID,
				FileID: reg.Destination.FileID, Timestamp: reg.Destination.Timestamp,
				FileName: reg.FileName, Size: reg.Size, Hash: reg.Hash, HashAlgorithm: reg.HashAlgorithm,
			}
			if err := m.snapshots.Create(ctx, snap); err != nil {
				return fmt.Errorf("create snapshot: %w", err)
			}
			if err := m.multipart.Remove(reg.MetaID); err != nil {
				return fmt.Errorf("remove multipart: %w", err)
			}
			if err := m.leases.DeleteByKeyRegex(lease.MoveRegMetaIDRegex(reg.MetaID)); err != nil {
				return fmt.Errorf("remove registrations: %w", err)
			}
		case "StorageServer":
			if m.userID == "" {
				return fmt.Errorf("staging: no provided user id in mover")
			}
			if m.uploads == nil {
				return fmt.Errorf("staging: no upload publisher configured")
			}
			if err := m.uploads.PublishFileUpload(ctx, reg.ID, m.userID); err != nil {
				return fmt.Errorf("publish file upload: %w", err)
			}
		}
	}
	return nil
}

// MaybeFlashUpload checks whether info's (hash, algorithm) is already
// stored, and if so short-circuits the move by reusing the existing meta id
// instead of re-uploading. When flash upload applies, it returns a
// *FlashUploadError (not a failure) per the original's control flow;
// callers should treat that as "move already satisfied."
func (m *MoveService) MaybeFlashUpload(ctx context.Context, info model.MoveRegistration) error {
	switch info.Destination.Kind {
	case "Snapshot":
		already, ok := m.snapshots.SatisfyFlashUpload(info.Hash, info.HashAlgorithm)
		if !ok {
			return nil
		}
		snap := model.Snapshot{
			ID: newID(), MetaID: already, NodeID: info.Destination.NodeID,
			FileID: info.Destination.FileID, Timestamp: info.Destination.Timestamp,
			FileName: info.FileName, Size: info.Size, Hash: info.Hash, HashAlgorithm: info.HashAlgorithm,
		}
		if err := m.snapshots.CreateRecord(ctx, snap); err != nil {
			return fmt.Errorf("create snapshot record: %w", err)
		}
		return &FlashUploadError{Destination: info.Destination.Kind, Hash: info.Hash, MetaID: info.MetaID, AlreadyID: already}

	case "StorageServer":
		already, ok := m.entities.FindFileMetaByHash(info.Hash, info.HashAlgorithm)
		if !ok {
			return nil
		}
		alreadyID := already.ID

		if rnd := info.Destination.RecordNetDisk; rnd != nil {
			if rnd.Kind.Kind == "NodeInstance" {
				if err := m.updateNodeInstancePreparedFileWithLock(ctx, rnd.Kind.NodeID, info.MetaID, alreadyID); err != nil {
					return err
				}
			}
			if m.netdisk != nil {
				if err := m.netdisk.CreateFile(ctx, alreadyID, info.FileName, rnd.FileType, rnd.Kind); err != nil {
					return fmt.Errorf("record net disk entry: %w", err)
				}
			}
		}
		return &FlashUploadError{Destination: info.Destination.Kind, Hash: info.Hash, MetaID: info.MetaID, AlreadyID: alreadyID}
	}
	return nil
}

// updateNodeInstancePreparedFileWithLock retries the flow instance's prepared
// file id substitution up to 5 times with a 1s backoff, mirroring
// if_possible_do_flash_upload's retry loop around update_immediately_with_lock.
func (m *MoveService) updateNodeInstancePreparedFileWithLock(ctx context.Context, nodeID, oldMetaID, newMetaID string) error {
	node, found, err := m.entities.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}
	if !found {
		return fmt.Errorf("no node instance %s", nodeID)
	}

	const maxRetries = 5
	remaining := maxRetries
	for {
		err := m.entities.UpdateInstanceWithLock(ctx, node.FlowInstanceID, func(inst model.WorkflowInstance) (model.WorkflowInstance, error) {
			inst.UpdateNodeInstancePreparedFileIDs(oldMetaID, newMetaID)
			return inst, nil
		})
		if err == nil {
			return nil
		}
		remaining--
		if remaining == 0 {
			return fmt.Errorf("update flow instance spec retry failed")
		}
		time.Sleep(1 * time.Second)
	}
}

// SetAllMovesWithSameMetaIDAsFailed marks every move registered for metaID
// as failed, recording failedReason on each.
func (m *MoveService) SetAllMovesWithSameMetaIDAsFailed(ctx context.Context, metaID, failedReason string) error {
	raws, err := m.leases.GetAllByKeyRegexRaw(lease.MoveRegMetaIDRegex(metaID))
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	for _, raw := range raws {
		var reg model.MoveRegistration
		if err := unmarshalInto(raw, &reg); err != nil {
			continue
		}
		reg.IsUploadFailed = true
		reg.FailedReason = failedReason
		if err := m.leases.UpdateWithLease(ctx, lease.MoveRegKey(reg.ID, metaID), reg, m.expMsecs); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}
	return nil
}

// SetMoveAsFailed marks a single move registration as failed.
func (m *MoveService) SetMoveAsFailed(ctx context.Context, moveID, failedReason string) error {
	info, err := m.innerGetMoveInfo(moveID)
	if err != nil {
		return err
	}
	info.IsUploadFailed = true
	info.FailedReason = failedReason
	return m.leases.UpdateWithLease(ctx, lease.MoveRegKey(moveID, info.MetaID), info, m.expMsecs)
}

// GetMoveInfo returns the current registration for moveID.
func (m *MoveService) GetMoveInfo(moveID string) (model.MoveRegistration, error) {
	return m.innerGetMoveInfo(moveID)
}

// GetMetaIDFailedInfo reports whether any move for metaID is marked failed,
// and its reason.
func (m *MoveService) GetMetaIDFailedInfo(metaID string) (bool, string, error) {
	raws, err := m.leases.GetAllByKeyRegexRaw(lease.MoveRegMetaIDRegex(metaID))
	if err != nil {
		return false, "", fmt.Errorf("list registrations: %w", err)
	}
	if len(raws) == 0 {
		return false, "", fmt.Errorf("no move info with meta_id: %s", metaID)
	}
	var reg model.MoveRegistration
	if err := unmarshalInto(raws[0], &reg); err != nil {
		return false, "", err
	}
	return reg.IsUploadFailed, reg.FailedReason, nil
}

// RemoveAllWithMetaID deletes every registration for metaID.
func (m *MoveService) RemoveAllWithMetaID(metaID string) error {
	return m.leases.DeleteByKeyRegex(lease.MoveRegMetaIDRegex(metaID))
}

func (m *MoveService) innerGetMoveInfo(moveID string) (model.MoveRegistration, error) {
	var reg model.MoveRegistration
	if err := m.leases.GetOneByKeyRegex(lease.MoveRegMoveIDRegex(moveID), &reg); err != nil {
		return model.MoveRegistration{}, fmt.Errorf("no such move with id: %s", moveID)
	}
	return reg, nil
}
