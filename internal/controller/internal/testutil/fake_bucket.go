package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/cybozu-go/odoo-operator/internal/controller/internal/objectstorage"
)

// FakeBucket is an in-memory object store.
type FakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ objectstorage.Bucket = &FakeBucket{}

func NewFakeBucket() *FakeBucket {
	return &FakeBucket{objects: make(map[string][]byte)}
}

// Put stores an object, standing in for a worker upload.
func (b *FakeBucket) Put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *FakeBucket) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *FakeBucket) Head(_ context.Context, key string) (*objectstorage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, objectstorage.ErrObjectNotFound
	}
	return &objectstorage.ObjectInfo{
		Size:         int64(len(data)),
		ETag:         "fake",
		LastModified: time.Now(),
	}, nil
}

func (b *FakeBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, objectstorage.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *FakeBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}
