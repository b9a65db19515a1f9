package killswitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
)

// ErrNotFound means the remote replica has no kill switch record.
var ErrNotFound = errors.New("kill switch record not found")

// RemoteStore is the third replica of the kill switch state.
type RemoteStore interface {
	Fetch(ctx context.Context) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context) error
}

const remoteObjectName = "kill-switch.json"

// GCSStore keeps the kill switch record in a Cloud Storage bucket so an
// operator can flip it even when the host API is unreachable.
type GCSStore struct {
	bucket *storage.BucketHandle
}

// NewGCSStore opens the bucket with ambient credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(bucket)}, nil
}

func (s *GCSStore) Fetch(ctx context.Context) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	r, err := s.bucket.Object(remoteObjectName).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open kill switch object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read kill switch object: %w", err)
	}
	return decodeRecord(data)
}

func (s *GCSStore) Put(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	w := s.bucket.Object(remoteObjectName).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(rec.encode()); err != nil {
		_ = w.Close()
		return fmt.Errorf("write kill switch object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit kill switch object: %w", err)
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.bucket.Object(remoteObjectName).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// FileRemoteStore backs the remote replica with a plain file. Used in tests
// and single-host deployments without a bucket.
type FileRemoteStore struct {
	path string
}

func NewFileRemoteStore(path string) *FileRemoteStore {
	return &FileRemoteStore{path: path}
}

func (s *FileRemoteStore) Fetch(ctx context.Context) (*Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (s *FileRemoteStore) Put(ctx context.Context, rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, rec.encode(), 0o644)
}

func (s *FileRemoteStore) Delete(ctx context.Context) error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
