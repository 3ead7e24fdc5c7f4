// Package s3store implements block.Store on Amazon S3 using aws-sdk-go-v2.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// API is the subset of the S3 client used by Store.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store maps each block to the object <prefix>/<Key.Name()> in one bucket.
type Store struct {
	client API
	bucket string
	prefix string
}

// New creates a Store on an existing S3 client.
func New(client API, bucket, rootPrefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: rootPrefix}
}

func (s *Store) object(k block.Key) string {
	return path.Join(s.prefix, k.Name())
}

// ReadBlock implements block.Reader.
func (s *Store) ReadBlock(ctx context.Context, k block.Key) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.object(k)),
	})
	if err != nil {
		return nil, classify("read", k, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, block.Transient("read", k, err)
	}
	return data, nil
}

// WriteBlock implements block.Writer.
func (s *Store) WriteBlock(ctx context.Context, k block.Key, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.object(k)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return classify("write", k, err)
	}
	return nil
}

func classify(op string, k block.Key, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return block.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound":
			return block.ErrNotFound
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return block.Transient(op, k, err)
		}
		return err
	}
	// No API error means the request never completed (network, timeout).
	return block.Transient(op, k, err)
}

var _ block.Store = (*Store)(nil)
