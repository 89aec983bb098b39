package minio

import (
	"context"
	"fmt"
	"sync"

	"github.com/meepleai/meeple-backend/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	client  *minio.Client
	once    sync.Once
	initErr error
)

// GetClient initializes and returns the MinIO client used for rulebook
// file storage. The connection is established once per process.
func GetClient(cfg *config.MinIOConfig) (*minio.Client, error) {
	once.Do(func() {
		c, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.Secure,
		})
		if err != nil {
			initErr = fmt.Errorf("cannot create MinIO client: %w", err)
			return
		}

		// Verify connectivity and credentials up front.
		if _, err := c.ListBuckets(context.Background()); err != nil {
			initErr = fmt.Errorf("MinIO health check failed: %w", err)
			return
		}

		client = c
	})

	return client, initErr
}

// EnsureBucket creates the rulebook bucket if it does not exist yet.
func EnsureBucket(ctx context.Context, c *minio.Client, bucket string) error {
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("cannot check bucket '%s': %w", bucket, err)
	}
	if !exists {
		if err := c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("cannot create bucket '%s': %w", bucket, err)
		}
	}
	return nil
}

// HealthCheck verifies connectivity and authentication.
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("MinIO client not initialized")
	}
	if _, err := client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("MinIO health check failed: %w", err)
	}
	return nil
}
