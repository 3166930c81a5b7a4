package objectstorage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by Head when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is the subset of object metadata the controllers record
// after verifying a worker upload.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

type Bucket interface {
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns the metadata of the object, or ErrObjectNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Get returns the full contents of the object, or ErrObjectNotFound.
	// Intended for small bookkeeping objects such as checksum files.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete deletes the specified object. Delete will return nil if the object is not found.
	Delete(ctx context.Context, key string) error
}
