package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a CompareAndSwap lost against a concurrent writer.
	ErrConflict = errors.New("revision conflict")
)

type Record struct {
	Key       string
	Value     []byte
	Revision  int64
	UpdatedAt time.Time
}

// Store is a durable key → JSON document mapping. Every write bumps the
// record's revision; CompareAndSwap with revision 0 creates only if absent.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, value []byte) (int64, error)
	CompareAndSwap(ctx context.Context, key string, revision int64, value []byte) (int64, error)
	Delete(ctx context.Context, key string) (bool, error)
	ListByPrefix(ctx context.Context, prefix string) ([]Record, error)
	Close() error
}

// HealthChecker is implemented by stores backed by a network service.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}
