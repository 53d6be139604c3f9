package objectstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no object exists under the CID.
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable covers transport failures and timeouts against the
	// backing store.
	ErrUnavailable = errors.New("object store unavailable")
)

// Store is the narrow content-addressed capability the core depends on.
// Put is idempotent: the same bytes always yield the same CID.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
}
