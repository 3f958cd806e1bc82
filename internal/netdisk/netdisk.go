// Package netdisk implements the Net-Disk Projector (C12): the virtual
// per-user directory tree that staged files get recorded into. Grounded on
// spec.md §4.12 and original_source's domain/storage/src/model/entity/net_disk.rs.
package netdisk

import (
	"context"
	"fmt"
	"time"

	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/entity"
)

// Projector materializes staged files into a user's virtual directory tree.
type Projector struct {
	entities *entity.Store
	newID    func() string
}

// New constructs a Projector. newID supplies fresh entity ids (the cmd/engine
// wiring passes uuid.New().String).
func New(entities *entity.Store, newID func() string) *Projector {
	return &Projector{entities: entities, newID: newID}
}

// userRootID is deterministic per user, so concurrent first-touches never
// race to create two different root directories (spec.md §4.12).
func userRootID(userID string) string {
	return userID + "-root"
}

// ensureUserRoot looks up or creates userID's root directory entry.
func (p *Projector) ensureUserRoot(ctx context.Context, userID string) (model.NetDiskEntry, error) {
	rootID := userRootID(userID)
	root, found, err := p.entities.GetNetDiskEntry(ctx, rootID)
	if err != nil {
		return model.NetDiskEntry{}, fmt.Errorf("get user root: %w", err)
	}
	if found {
		return root, nil
	}
	root = model.NetDiskEntry{ID: rootID, UserID: userID, ParentID: "", Name: "/", Kind: model.NetDiskDir}
	if err := p.entities.PutNetDiskEntry(ctx, root); err != nil {
		return model.NetDiskEntry{}, fmt.Errorf("create user root: %w", err)
	}
	return root, nil
}

// ensureNodeDir looks up or creates the per-node-instance directory under
// parentID, used for NodeInstance-kind records.
func (p *Projector) ensureNodeDir(ctx context.Context, userID, parentID, nodeID string) (model.NetDiskEntry, error) {
	dirID := "node-dir-" + nodeID
	dir, found, err := p.entities.GetNetDiskEntry(ctx, dirID)
	if err != nil {
		return model.NetDiskEntry{}, fmt.Errorf("get node dir: %w", err)
	}
	if found {
		return dir, nil
	}
	dir = model.NetDiskEntry{ID: dirID, UserID: userID, ParentID: parentID, Name: nodeID, Kind: model.NetDiskDir}
	if err := p.entities.PutNetDiskEntry(ctx, dir); err != nil {
		return model.NetDiskEntry{}, fmt.Errorf("create node dir: %w", err)
	}
	return dir, nil
}

// collisionName appends a millisecond timestamp suffix if an entry with the
// same (parentID, name) already exists under parentID, per spec.md §4.12's
// "_{YYYYMMDDHHMMSSsss}" collision rule.
func (p *Projector) collisionName(userID, parentID, name string) string {
	for _, sib := range p.entities.ListNetDiskChildren(userID, parentID) {
		if sib.Name == name {
			now := time.Now().UTC()
			return fmt.Sprintf("%s_%s%03d", name, now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond))
		}
	}
	return name
}

// CreateFile records metaID under the owning user's virtual tree per kind,
// satisfying internal/staging's NetDiskCreator contract. For NodeInstance
// records the owning user is resolved by walking node -> flow instance ->
// user id; User and FlowDraft records carry the user id directly on kind.
func (p *Projector) CreateFile(ctx context.Context, metaID, fileName, fileType string, kind model.RecordNetDiskKind) error {
	switch kind.Kind {
	case "NodeInstance":
		userID, err := p.resolveNodeOwner(ctx, kind.NodeID)
		if err != nil {
			return err
		}
		root, err := p.ensureUserRoot(ctx, userID)
		if err != nil {
			return err
		}
		nodeDir, err := p.ensureNodeDir(ctx, userID, root.ID, kind.NodeID)
		if err != nil {
			return err
		}
		name := p.collisionName(userID, nodeDir.ID, fileName)
		entry := model.NetDiskEntry{ID: p.newID(), UserID: userID, ParentID: nodeDir.ID, Name: name, Kind: model.NetDiskFile, MetaID: metaID}
		return p.entities.PutNetDiskEntry(ctx, entry)

	case "User":
		root, err := p.ensureUserRoot(ctx, kind.UserID)
		if err != nil {
			return err
		}
		name := p.collisionName(kind.UserID, root.ID, fileName)
		entry := model.NetDiskEntry{ID: p.newID(), UserID: kind.UserID, ParentID: root.ID, Name: name, Kind: model.NetDiskFile, MetaID: metaID}
		return p.entities.PutNetDiskEntry(ctx, entry)

	case "FlowDraft":
		_, err := p.ensureUserRoot(ctx, kind.UserID)
		return err

	default:
		return fmt.Errorf("netdisk: unknown record kind %q", kind.Kind)
	}
}

// resolveNodeOwner walks node -> flow instance -> user id.
func (p *Projector) resolveNodeOwner(ctx context.Context, nodeID string) (string, error) {
	node, found, err := p.entities.GetNode(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("get node: %w", err)
	}
	if !found {
		return "", fmt.Errorf("no node instance %s", nodeID)
	}
	inst, found, err := p.entities.GetInstance(ctx, node.FlowInstanceID)
	if err != nil {
		return "", fmt.Errorf("get flow instance: %w", err)
	}
	if !found {
		return "", fmt.Errorf("no flow instance %s", node.FlowInstanceID)
	}
	return inst.UserID, nil
}

// List returns the immediate children of parentID in userID's tree. An empty
// parentID lists the root's direct children.
func (p *Projector) List(ctx context.Context, userID, parentID string) ([]model.NetDiskEntry, error) {
	if parentID == "" {
		root, err := p.ensureUserRoot(ctx, userID)
		if err != nil {
			return nil, err
		}
		parentID = root.ID
	}
	return p.entities.ListNetDiskChildren(userID, parentID), nil
}
