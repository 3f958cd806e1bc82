package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/kuintessence/workflow-engine/internal/cachefs"
	"github.com/kuintessence/workflow-engine/internal/store/lease"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	leases, err := lease.Open(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("open lease store: %v", err)
	}
	t.Cleanup(func() { leases.Close() })

	cache, err := cachefs.New(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	return &Broker{client: nil, bucket: "test-bucket", cache: cache, leases: leases}
}

func TestPublishFileUploadFailsWhenMoveUnregistered(t *testing.T) {
	b := newTestBroker(t)
	if err := b.PublishFileUpload(context.Background(), "missing-move", "user-1"); err == nil {
		t.Fatalf("expected an error resolving an unregistered move id")
	}
}

func TestUploadFailsWhenBlobNotStaged(t *testing.T) {
	b := newTestBroker(t)
	if err := b.Upload(context.Background(), "missing-meta", "user-1"); err == nil {
		t.Fatalf("expected an error opening a blob that was never staged")
	}
}
