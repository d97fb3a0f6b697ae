package kvrecord

import (
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

func simpleField(name string, primitive enc.Kind) *FieldDescriptor {
	return &FieldDescriptor{Name: name, Kind: FieldSimple, Primitive: primitive}
}

func TestLoadAssignsDeterministicStorageIDs(t *testing.T) {
	r := NewRegistry(NewGateway(), Options{}, nil)
	typ := &ObjectTypeDescriptor{Name: "Widget", Fields: []*FieldDescriptor{simpleField("Name", enc.KindString)}}

	schema, err := r.Load([]*ObjectTypeDescriptor{typ}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if typ.StorageID != DeterministicStorageID("Widget") {
		t.Fatalf("type storage id %d != deterministic %d", typ.StorageID, DeterministicStorageID("Widget"))
	}
	if typ.Fields[0].StorageID != DeterministicStorageID("Widget.Name") {
		t.Fatalf("field storage id mismatch")
	}
	if schema.ID == "" {
		t.Fatal("expected non-empty schema id")
	}
}

func TestLoadSameContentReturnsCachedSchema(t *testing.T) {
	r := NewRegistry(NewGateway(), Options{}, nil)
	mk := func() []*ObjectTypeDescriptor {
		return []*ObjectTypeDescriptor{{Name: "Widget", Fields: []*FieldDescriptor{simpleField("Name", enc.KindString)}}}
	}
	s1, err := r.Load(mk(), nil)
	if err != nil {
		t.Fatalf("Load 1: %v", err)
	}
	s2, err := r.Load(mk(), nil)
	if err != nil {
		t.Fatalf("Load 2: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected identical schema content to return the cached *Schema")
	}
}

func TestLoadRejectsCounterIndexedOrUnique(t *testing.T) {
	r := NewRegistry(NewGateway(), Options{}, nil)
	typ := &ObjectTypeDescriptor{Name: "Widget", Fields: []*FieldDescriptor{
		{Name: "Hits", Kind: FieldCounter, Indexed: true},
	}}
	if _, err := r.Load([]*ObjectTypeDescriptor{typ}, nil); err == nil {
		t.Fatal("expected error for indexed counter field")
	}
}

func TestLoadRejectsIncongruentKindReuse(t *testing.T) {
	r := NewRegistry(NewGateway(), Options{}, nil)
	f1 := simpleField("Name", enc.KindString)
	f1.StorageID = 555
	typ1 := &ObjectTypeDescriptor{Name: "Widget", StorageID: 100, Fields: []*FieldDescriptor{f1}}
	if _, err := r.Load([]*ObjectTypeDescriptor{typ1}, nil); err != nil {
		t.Fatalf("Load 1: %v", err)
	}

	f2 := &FieldDescriptor{Name: "Name", StorageID: 555, Kind: FieldCounter}
	typ2 := &ObjectTypeDescriptor{Name: "Gadget", StorageID: 101, Fields: []*FieldDescriptor{f2}}
	if _, err := r.Load([]*ObjectTypeDescriptor{typ2}, nil); err == nil {
		t.Fatal("expected error reusing a storage id with an incompatible kind")
	}
}

func TestLoadRejectsBadCompositeIndexArity(t *testing.T) {
	r := NewRegistry(NewGateway(), Options{}, nil)
	typ := &ObjectTypeDescriptor{Name: "Widget", Fields: []*FieldDescriptor{
		simpleField("A", enc.KindInt64),
	}}
	composite := &CompositeIndexDescriptor{Name: "byA", Fields: []string{"A"}}
	if _, err := r.Load([]*ObjectTypeDescriptor{typ}, []*CompositeIndexDescriptor{composite}); err == nil {
		t.Fatal("expected error for single-field composite index")
	}
}

func TestLoadRejectsCompositeIndexOnNonSimpleField(t *testing.T) {
	r := NewRegistry(NewGateway(), Options{}, nil)
	typ := &ObjectTypeDescriptor{Name: "Widget", Fields: []*FieldDescriptor{
		simpleField("A", enc.KindInt64),
		{Name: "Tags", Kind: FieldSet, Elem: simpleField("", enc.KindString)},
	}}
	composite := &CompositeIndexDescriptor{Name: "byAB", Fields: []string{"A", "Tags"}}
	if _, err := r.Load([]*ObjectTypeDescriptor{typ}, []*CompositeIndexDescriptor{composite}); err == nil {
		t.Fatal("expected error for composite index referencing a non-simple field")
	}
}

func TestPersistAndResolveRoundTrip(t *testing.T) {
	ctx := newTestStore(t)
	r := NewRegistry(NewGateway(), Options{}, nil)
	typ := &ObjectTypeDescriptor{Name: "Widget", Fields: []*FieldDescriptor{simpleField("Name", enc.KindString)}}
	schema, err := r.Load([]*ObjectTypeDescriptor{typ}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tx, err := ctx.store.Begin(ctx.ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Persist(tx, schema); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := tx.Commit(ctx.ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r2 := NewRegistry(NewGateway(), Options{}, nil)
	tx2, err := ctx.store.Begin(ctx.ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	resolved, err := r2.Resolve(tx2, schema.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, ok := resolved.TypeByName("Widget")
	if !ok {
		t.Fatal("resolved schema missing Widget type")
	}
	if got.StorageID != typ.StorageID {
		t.Fatalf("got storage id %d, want %d", got.StorageID, typ.StorageID)
	}
}
