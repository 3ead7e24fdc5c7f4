// Package miniostore implements block.Store on MinIO or any S3-compatible
// object store, one object per block.
package miniostore

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/minio/minio-go/v7"
)

// Store maps each block to the object <prefix>/<Key.Name()>.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a Store. rootPrefix is prepended to all object names.
func New(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: rootPrefix}
}

func (s *Store) object(k block.Key) string {
	return path.Join(s.prefix, k.Name())
}

// ReadBlock implements block.Reader. Missing objects map to block.ErrNotFound;
// throttling and server-side failures are reported as transient.
func (s *Store) ReadBlock(ctx context.Context, k block.Key) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object(k), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("read", k, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify("read", k, err)
	}
	return data, nil
}

// WriteBlock implements block.Writer.
func (s *Store) WriteBlock(ctx context.Context, k block.Key, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.object(k), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return s.classify("write", k, err)
	}
	return nil
}

func (s *Store) classify(op string, k block.Key, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound":
		return block.ErrNotFound
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return block.Transient(op, k, err)
	default:
		return err
	}
}

var _ block.Store = (*Store)(nil)
