// Package memkv is an in-memory ordered key-value Store backed by
// github.com/google/btree, the same ordered-map library used for
// iterating state elsewhere in this retrieval pack's blockchain-node
// example. It is the default backend the engine's own test suite runs
// against, and the storage a detached transaction's in-memory mirror is
// built from (spec.md §4.10 component, "Detached transaction").
package memkv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

type item struct {
	key, value []byte
}

func less(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// Store is an in-memory ordered map of byte keys to byte values.
type Store struct {
	mu   sync.Mutex
	tree *btree.BTreeG[item]
}

// New constructs an empty Store.
func New() *Store {
	return &Store{tree: btree.NewG(32, less)}
}

// Begin opens a transaction as a cheap copy-on-write clone of the
// current tree; Commit installs the clone back into the Store.
func (s *Store) Begin(_ context.Context) (storekv.StoreTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx{store: s, tree: s.tree.Clone()}, nil
}

// Snapshot returns a clone of the current tree that shares no mutable
// state with the Store.
func (s *Store) Snapshot() *btree.BTreeG[item] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Clone()
}

type tx struct {
	store  *Store
	tree   *btree.BTreeG[item]
	closed bool
}

func (t *tx) Get(key []byte) ([]byte, error) {
	if t.closed {
		return nil, storekv.ErrStaleTransaction
	}
	v, ok := t.tree.Get(item{key: key})
	if !ok {
		return nil, nil
	}
	return v.value, nil
}

func (t *tx) Put(key, value []byte) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	t.tree.ReplaceOrInsert(item{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (t *tx) Delete(key []byte) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	t.tree.Delete(item{key: key})
	return nil
}

func (t *tx) DeleteRange(from, to []byte) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	var toDelete [][]byte
	t.tree.AscendRange(item{key: from}, item{key: to}, func(it item) bool {
		toDelete = append(toDelete, it.key)
		return true
	})
	for _, k := range toDelete {
		t.tree.Delete(item{key: k})
	}
	return nil
}

func (t *tx) Scan(from, to []byte) (storekv.Iterator, error) {
	if t.closed {
		return nil, storekv.ErrStaleTransaction
	}
	var rows []storekv.KV
	t.tree.AscendRange(item{key: from}, item{key: to}, func(it item) bool {
		rows = append(rows, storekv.KV{Key: it.key, Value: it.value})
		return true
	})
	return &sliceIterator{rows: rows, idx: -1}, nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.closed {
		return storekv.ErrStaleTransaction
	}
	t.store.mu.Lock()
	t.store.tree = t.tree
	t.store.mu.Unlock()
	t.closed = true
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.closed = true
	return nil
}

func (t *tx) Closed() bool { return t.closed }

type sliceIterator struct {
	rows []storekv.KV
	idx  int
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.rows)
}

func (it *sliceIterator) KV() storekv.KV { return it.rows[it.idx] }
func (it *sliceIterator) Err() error     { return nil }
func (it *sliceIterator) Close() error   { return nil }
