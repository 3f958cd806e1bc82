// Package objectstore is the object-store driver stand-in consumed by the
// StorageServer move destination's FileUpload command. Grounded on
// original_source's infrastructure/service/minio_server_broker.rs, the one
// concrete storage backend named anywhere in original_source/.
package objectstore

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kuintessence/workflow-engine/internal/cachefs"
	"github.com/kuintessence/workflow-engine/internal/store/lease"
)

// Broker uploads staged files to a MinIO-compatible object store, driven by
// FileUpload commands published by internal/staging's MoveService.
type Broker struct {
	client *minio.Client
	bucket string
	cache  *cachefs.Store
	leases *lease.Store
}

// Config names the connection parameters for the backing MinIO deployment.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
}

// NewBroker dials the configured MinIO endpoint and ensures the target
// bucket exists.
func NewBroker(ctx context.Context, cfg Config, cache *cachefs.Store, leases *lease.Store) (*Broker, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("dial minio: %w", err)
	}
	b := &Broker{client: client, bucket: cfg.Bucket, cache: cache, leases: leases}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return b, nil
}

// moveRegistration is the subset of model.MoveRegistration this package
// needs to resolve a move id to its staged meta id.
type moveRegistration struct {
	MetaID string `json:"meta_id"`
}

// PublishFileUpload resolves moveID to its staged meta id and uploads the
// corresponding blob, implementing the UploadPublisher contract
// internal/staging's MoveService dispatches StorageServer moves through.
func (b *Broker) PublishFileUpload(ctx context.Context, moveID, userID string) error {
	var reg moveRegistration
	if err := b.leases.GetOneByKeyRegex(lease.MoveRegMoveIDRegex(moveID), &reg); err != nil {
		return fmt.Errorf("resolve move %s: %w", moveID, err)
	}
	return b.Upload(ctx, reg.MetaID, userID)
}

// Upload streams metaID's normal-namespace blob into the bucket under
// "{user_id}/{meta_id}".
func (b *Broker) Upload(ctx context.Context, metaID, userID string) error {
	f, err := b.cache.ReadNormal(metaID)
	if err != nil {
		return fmt.Errorf("open staged blob: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat staged blob: %w", err)
	}

	key := fmt.Sprintf("%s/%s", userID, metaID)
	if _, err := b.client.PutObject(ctx, b.bucket, key, f, info.Size(), minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
