package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/block/boltstore"
	"github.com/IvanBrykalov/blockcache/block/memstore"
	"github.com/IvanBrykalov/blockcache/block/miniostore"
	"github.com/IvanBrykalov/blockcache/block/s3store"
	"github.com/IvanBrykalov/blockcache/config"
)

// synth returns deterministic, moderately compressible contents for k.
func synth(blockSize int) func(block.Key) []byte {
	return func(k block.Key) []byte {
		b := make([]byte, blockSize)
		h := k.Hash()
		for i := range b {
			if i%4 == 0 {
				h = h*6364136223846793005 + 1442695040888963407
			}
			b[i] = byte(h >> (8 * (i % 4)))
			if i%16 >= 8 {
				b[i] = 0
			}
		}
		return b
	}
}

// seeding serves never-written blocks from synth and persists them, so
// external stores fill up as the workload touches them.
type seeding struct {
	block.Store
	gen func(block.Key) []byte
	log *slog.Logger
}

func (s seeding) ReadBlock(ctx context.Context, k block.Key) ([]byte, error) {
	data, err := s.Store.ReadBlock(ctx, k)
	if !errors.Is(err, block.ErrNotFound) {
		return data, err
	}
	data = s.gen(k)
	if werr := s.Store.WriteBlock(ctx, k, data); werr != nil {
		s.log.Debug("seed write failed", "key", k, "err", werr)
	}
	return data, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore builds the primary store selected by sc.
func openStore(ctx context.Context, sc config.StoreConfig, blockSize int, log *slog.Logger) (block.Store, io.Closer, error) {
	gen := synth(blockSize)
	nop := nopCloser{}

	switch sc.Kind {
	case "mem":
		return memstore.New(memstore.WithGenerator(gen), memstore.WithDelay(sc.Delay)), nop, nil

	case "bolt":
		s, err := boltstore.Open(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return seeding{Store: s, gen: gen, log: log}, s, nil

	case "minio":
		client, err := minio.New(sc.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(sc.AccessKey, sc.SecretKey, ""),
			Secure: sc.Secure,
			Region: sc.Region,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("minio client: %w", err)
		}
		ok, err := client.BucketExists(ctx, sc.Bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("minio bucket %s: %w", sc.Bucket, err)
		}
		if !ok {
			if err := client.MakeBucket(ctx, sc.Bucket, minio.MakeBucketOptions{Region: sc.Region}); err != nil {
				return nil, nil, fmt.Errorf("minio make bucket %s: %w", sc.Bucket, err)
			}
		}
		return seeding{Store: miniostore.New(client, sc.Bucket, sc.Prefix), gen: gen, log: log}, nop, nil

	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if sc.Region != "" {
			opts = append(opts, awsconfig.WithRegion(sc.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if sc.Endpoint != "" {
				o.BaseEndpoint = aws.String(sc.Endpoint)
				o.UsePathStyle = true
			}
		})
		return seeding{Store: s3store.New(client, sc.Bucket, sc.Prefix), gen: gen, log: log}, nop, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", sc.Kind)
}
