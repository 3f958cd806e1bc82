package staging

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/kuintessence/workflow-engine/internal/cachefs"
	"github.com/kuintessence/workflow-engine/internal/model"
	"github.com/kuintessence/workflow-engine/internal/store/lease"
)

func newTestSnapshotService(t *testing.T) (*SnapshotService, *cachefs.Store) {
	t.Helper()
	leases, err := lease.Open(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("open leases: %v", err)
	}
	t.Cleanup(func() { leases.Close() })
	cache, err := cachefs.New(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return NewSnapshotService(leases, cache), cache
}

func TestSnapshotCreateMovesCacheBlobAndReadsBack(t *testing.T) {
	svc, cache := newTestSnapshotService(t)
	ctx := context.Background()

	content := []byte("snapshot bytes")
	if err := cache.WriteNormal("M1", bytes.NewReader(content)); err != nil {
		t.Fatalf("seed normal blob: %v", err)
	}

	snap := model.Snapshot{ID: "snap-1", MetaID: "M1", NodeID: "node-1", FileID: "file-1", Timestamp: 1000, FileName: "a.txt", Hash: "H", HashAlgorithm: "Blake3"}
	if err := svc.Create(ctx, snap); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !cache.IsSnapshotExists("M1") {
		t.Fatalf("expected snapshot namespace blob to exist after create")
	}
	if _, err := cache.ReadNormal("M1"); err == nil {
		t.Fatalf("expected normal blob to be gone after rename-move into snapshot namespace")
	}

	rc, err := svc.Read("snap-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

// TestSnapshotRemoveKeepsBlobWhileAnotherSnapshotSharesHash mirrors spec.md
// §4.6.3: the cache blob for a meta id is only deleted once no other
// snapshot references the same (hash, algorithm) pair.
func TestSnapshotRemoveKeepsBlobWhileAnotherSnapshotSharesHash(t *testing.T) {
	svc, cache := newTestSnapshotService(t)
	ctx := context.Background()

	if err := cache.WriteNormal("M2", bytes.NewReader([]byte("shared"))); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	first := model.Snapshot{ID: "snap-a", MetaID: "M2", NodeID: "n1", FileID: "f1", Timestamp: 1, Hash: "SHARED", HashAlgorithm: "Blake3"}
	second := model.Snapshot{ID: "snap-b", MetaID: "M2", NodeID: "n2", FileID: "f2", Timestamp: 2, Hash: "SHARED", HashAlgorithm: "Blake3"}

	if err := svc.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := svc.CreateRecord(ctx, second); err != nil {
		t.Fatalf("create second record: %v", err)
	}

	if err := svc.Remove("snap-a"); err != nil {
		t.Fatalf("remove snap-a: %v", err)
	}
	if !cache.IsSnapshotExists("M2") {
		t.Fatalf("expected blob to survive while snap-b still references it")
	}

	if err := svc.Remove("snap-b"); err != nil {
		t.Fatalf("remove snap-b: %v", err)
	}
	if cache.IsSnapshotExists("M2") {
		t.Fatalf("expected blob removed once no snapshot references it")
	}
}

func TestSnapshotSatisfyFlashUpload(t *testing.T) {
	svc, _ := newTestSnapshotService(t)
	ctx := context.Background()

	if _, ok := svc.SatisfyFlashUpload("H", "Blake3"); ok {
		t.Fatalf("expected no match before any snapshot recorded")
	}

	snap := model.Snapshot{ID: "snap-c", MetaID: "M3", NodeID: "n", FileID: "f", Timestamp: 3, Hash: "H", HashAlgorithm: "Blake3"}
	if err := svc.CreateRecord(ctx, snap); err != nil {
		t.Fatalf("create record: %v", err)
	}

	metaID, ok := svc.SatisfyFlashUpload("H", "Blake3")
	if !ok || metaID != "M3" {
		t.Fatalf("expected match against M3, got metaID=%s ok=%v", metaID, ok)
	}
}

