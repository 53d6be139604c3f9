package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStore is the local durable content-addressed store.
type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open object store at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	cid := hex.EncodeToString(sum[:])

	has, err := s.db.Has([]byte(cid), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if has {
		return cid, nil
	}

	if err := s.db.Put([]byte(cid), data, nil); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cid, nil
}

func (s *LevelDBStore) Get(ctx context.Context, cid string) ([]byte, error) {
	data, err := s.db.Get([]byte(cid), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
