package kvrecord

import (
	"context"
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/storekv"
	"github.com/cloudxsgmbh/kvrecord-go/storekv/memkv"
)

// testEnv bundles the plumbing every root-package test needs: a context, a
// fresh in-memory store, and a gateway. Kept minimal since most tests build
// their own Registry/Txn on top of it with the schema they need.
type testEnv struct {
	ctx   context.Context
	store storekv.Store
	gw    *Gateway
}

func newTestStore(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{ctx: context.Background(), store: memkv.New(), gw: NewGateway()}
}

// openTxn loads schema into a fresh registry and opens a transaction
// against the env's store, the common setup most transaction-level tests
// share.
func openTxn(t *testing.T, env *testEnv, types []*ObjectTypeDescriptor, composites []*CompositeIndexDescriptor, logger Logger) (*Txn, *Registry, *Schema) {
	t.Helper()
	r := NewRegistry(env.gw, Options{}, logger)
	schema, err := r.Load(types, composites)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tx, err := Open(env.ctx, env.store, r, env.gw, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tx, r, schema
}
