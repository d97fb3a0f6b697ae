// Package storekv defines the abstract byte-to-byte key-value store
// contract the engine consumes (spec.md §6). It is deliberately the
// smallest surface spec.md's "deliberately out of scope" K-V store
// needs: get/put/remove/range-scan plus commit/rollback, all ordered by
// plain lexicographic byte comparison where the empty byte string sorts
// first — exactly what Go's bytes.Compare already gives for []byte, so
// no custom comparator is required anywhere in this package.
package storekv

import (
	"context"
	"errors"
)

// ErrStaleTransaction is returned by any StoreTx method once the
// underlying snapshot has been committed, rolled back, or otherwise
// invalidated (spec.md §5, "Cancellation").
var ErrStaleTransaction = errors.New("storekv: transaction is stale")

// KV is one key/value pair yielded by Scan, in ascending key order.
type KV struct {
	Key   []byte
	Value []byte
}

// StoreTx is the transactional surface the core engine drives. A StoreTx
// is single-threaded: callers never issue two operations on the same
// StoreTx concurrently (spec.md §5, "Scheduling model").
type StoreTx interface {
	// Get returns nil, nil if the key is absent.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// DeleteRange removes every key in [from, to).
	DeleteRange(from, to []byte) error
	// Scan returns an ordered iterator over [from, to), ascending by
	// key. The returned Iterator must be closed.
	Scan(from, to []byte) (Iterator, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Closed reports whether the underlying snapshot has already been
	// committed, rolled back, or invalidated out from under the caller
	// (spec.md §5, "Cancellation": surfaces as ErrStaleTransaction to
	// engine callers).
	Closed() bool
}

// Iterator walks a Scan result in ascending key order.
type Iterator interface {
	Next() bool
	KV() KV
	Err() error
	Close() error
}

// Store opens transactions against the underlying ordered map.
type Store interface {
	Begin(ctx context.Context) (StoreTx, error)
}

// CollectAll drains an Iterator into a slice; a convenience for tests and
// for callers of small index subspaces.
func CollectAll(it Iterator) ([]KV, error) {
	defer it.Close()
	var out []KV
	for it.Next() {
		out = append(out, it.KV())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
