package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

// Provider is the durable home of designated training archives. Keys are
// slash separated and scoped to a bucket.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}
