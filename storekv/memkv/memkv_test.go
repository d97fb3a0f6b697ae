package memkv

import (
	"context"
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

func TestPutGetCommitVisibility(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	v, err := tx2.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("got %q, want %q", v, "1")
	}
}

func TestUncommittedChangesNotVisibleToOtherTx(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx1, _ := s.Begin(ctx)
	_ = tx1.Put([]byte("a"), []byte("1"))

	tx2, _ := s.Begin(ctx)
	v, err := tx2.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Fatalf("expected uncommitted write invisible to concurrent tx, got %q", v)
	}
}

func TestScanReturnsAscendingHalfOpenRange(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	for _, k := range []string{"a", "b", "c", "d"} {
		_ = tx.Put([]byte(k), []byte(k))
	}
	_ = tx.Commit(ctx)

	tx2, _ := s.Begin(ctx)
	it, err := tx2.Scan([]byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rows, err := storekv.CollectAll(it)
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if len(rows) != 2 || string(rows[0].Key) != "b" || string(rows[1].Key) != "c" {
		t.Fatalf("unexpected scan result: %+v", rows)
	}
}

func TestDeleteRangeRemovesHalfOpenSpan(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	for _, k := range []string{"a", "b", "c", "d"} {
		_ = tx.Put([]byte(k), []byte(k))
	}
	_ = tx.Commit(ctx)

	tx2, _ := s.Begin(ctx)
	if err := tx2.DeleteRange([]byte("b"), []byte("d")); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	_ = tx2.Commit(ctx)

	tx3, _ := s.Begin(ctx)
	it, _ := tx3.Scan([]byte(""), []byte{0xFF})
	rows, _ := storekv.CollectAll(it)
	if len(rows) != 2 || string(rows[0].Key) != "a" || string(rows[1].Key) != "d" {
		t.Fatalf("unexpected remaining rows after DeleteRange: %+v", rows)
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	_ = tx.Put([]byte("a"), []byte("1"))
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tx2, _ := s.Begin(ctx)
	v, _ := tx2.Get([]byte("a"))
	if v != nil {
		t.Fatalf("expected rolled-back write to be discarded, got %q", v)
	}
}

func TestStaleTransactionAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	_ = tx.Commit(ctx)

	if !tx.Closed() {
		t.Fatal("expected tx to report Closed() after Commit")
	}
	if err := tx.Put([]byte("a"), []byte("1")); err != storekv.ErrStaleTransaction {
		t.Fatalf("got %v, want ErrStaleTransaction", err)
	}
}
