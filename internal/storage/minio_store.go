package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/minio/minio-go/v7"
)

// MinIOStore implements FileStore over the rulebook bucket. Uploaded
// files live under the configured root prefix; extraction engines work
// on files, so Materialize downloads the object into a local cache
// directory and hands back the path.
type MinIOStore struct {
	client   *minio.Client
	bucket   string
	cacheDir string
	log      *logger.Logger
}

// NewMinIOStore creates a MinIOStore.
func NewMinIOStore(client *minio.Client, bucket, cacheDir string, log *logger.Logger) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket, cacheDir: cacheDir, log: log}
}

// Save streams the upload into the bucket under key.
func (s *MinIOStore) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("cannot store object '%s': %w", key, err)
	}
	return nil
}

// Materialize downloads the object to the cache directory and returns the
// local path. The caller removes the file when the stage is done.
func (s *MinIOStore) Materialize(ctx context.Context, key string) (string, error) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create cache dir: %w", err)
	}
	local := filepath.Join(s.cacheDir, filepath.Base(key))
	if err := s.client.FGetObject(ctx, s.bucket, key, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("cannot materialize object '%s': %w", key, err)
	}
	return local, nil
}

// Delete removes the object from the bucket.
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("cannot delete object '%s': %w", key, err)
	}
	return nil
}

var _ interfaces.FileStore = (*MinIOStore)(nil)
