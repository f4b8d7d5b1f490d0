package store

import (
	"context"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PebbleStore keeps values in a pebble database on local disk.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

func OpenPebble(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "could not create store directory %s", dir)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open pebble store at %s", dir)
	}
	log.Debug().Str("dir", dir).Msg("opened pebble store")
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrap(ErrNotFound, key)
		}
		return nil, errors.Wrapf(err, "could not load %s", key)
	}
	defer func() {
		_ = closer.Close()
	}()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleStore) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(s.db.Set([]byte(key), value, pebble.Sync), "could not save %s", key)
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(s.db.Delete([]byte(key), pebble.Sync), "could not delete %s", key)
}

func (s *PebbleStore) List(ctx context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixUpperBound([]byte(prefix))
	}
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, errors.Wrap(err, "could not create iterator")
	}
	defer func() {
		_ = it.Close()
	}()

	var keys []string
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
