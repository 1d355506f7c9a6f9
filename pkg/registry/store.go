// Package registry keeps the local state of the runner: published package
// archives, installed packages and the run history. Everything lives in a
// single bolt database next to an archive directory so a checkout can be
// built, installed and inspected without any external service.
package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

type txCtxKey struct{}

var (
	artifactsBucket = []byte("artifacts")
	installsBucket  = []byte("installs")
	runsBucket      = []byte("runs")
)

// Store is an open registry rooted at a state directory.
type Store struct {
	root string
	db   *bolt.DB
}

// Open opens the registry under the given state directory, creating the
// directory and the database on first use.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", dir)
	}

	db, err := bolt.Open(filepath.Join(dir, "state.db"), 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open registry database in %s", dir)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{artifactsBucket, installsBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to prepare registry buckets")
	}

	return &Store{root: dir, db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the state directory the store was opened with.
func (s *Store) Root() string { return s.root }

// ArchiveDir returns the directory published archives are copied into.
func (s *Store) ArchiveDir() string { return filepath.Join(s.root, "artifacts") }

func ctxWithTx(ctx context.Context, tx *bolt.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

func txFromCtx(ctx context.Context) *bolt.Tx {
	val := ctx.Value(txCtxKey{})
	if val == nil {
		return nil
	}

	return val.(*bolt.Tx)
}

// BatchUpdate runs callback inside a write transaction. If the context
// already carries a transaction, the callback joins it instead of opening a
// second one.
func (s *Store) BatchUpdate(ctx context.Context, callback func(context.Context) error) error {
	if txFromCtx(ctx) != nil {
		return callback(ctx)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return callback(ctxWithTx(ctx, tx))
	})
}

// BatchRead runs callback inside a read transaction, joining an existing one
// from the context when present.
func (s *Store) BatchRead(ctx context.Context, callback func(context.Context) error) error {
	if txFromCtx(ctx) != nil {
		return callback(ctx)
	}

	return s.db.View(func(tx *bolt.Tx) error {
		return callback(ctxWithTx(ctx, tx))
	})
}
