package kvrecord

import (
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

func personType() *ObjectTypeDescriptor {
	return &ObjectTypeDescriptor{
		Name: "Person",
		Fields: []*FieldDescriptor{
			{Name: "Name", Kind: FieldSimple, Primitive: enc.KindString, Indexed: true},
			{Name: "Age", Kind: FieldSimple, Primitive: enc.KindInt64, Indexed: true},
			{Name: "Email", Kind: FieldSimple, Primitive: enc.KindString, Unique: true},
			{Name: "Visits", Kind: FieldCounter},
		},
	}
}

func TestCreateGetWriteReadRoundTrip(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{personType()}, nil, nil)

	h, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteField("Name", "Alice"); err != nil {
		t.Fatalf("WriteField Name: %v", err)
	}
	if err := h.WriteField("Age", int64(30)); err != nil {
		t.Fatalf("WriteField Age: %v", err)
	}

	got, err := tx.Get(h.ID(), "Person")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected object to exist")
	}
	name, err := got.ReadField("Name")
	if err != nil || name != "Alice" {
		t.Fatalf("got name %v err %v", name, err)
	}
	age, err := got.ReadField("Age")
	if err != nil || age != int64(30) {
		t.Fatalf("got age %v err %v", age, err)
	}
}

func TestGetMismatchedTypeNameErrors(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{
		personType(),
		{Name: "Widget", Fields: []*FieldDescriptor{{Name: "N", Kind: FieldSimple, Primitive: enc.KindString}}},
	}, nil, nil)

	h, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tx.Get(h.ID(), "Widget"); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestDeleteThenExistsFalse(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{personType()}, nil, nil)

	h, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := tx.Delete(h.ID())
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	exists, err := tx.Exists(h.ID())
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("expected object to no longer exist")
	}
	ok, err = tx.Delete(h.ID())
	if err != nil || ok {
		t.Fatalf("second delete should report false, got ok=%v err=%v", ok, err)
	}
}

func TestCounterAdjust(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{personType()}, nil, nil)

	h, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, err := h.Counter("Visits")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	v, err := c.Adjust(3)
	if err != nil || v != 3 {
		t.Fatalf("got %d err %v, want 3", v, err)
	}
	v, err = c.Adjust(-1)
	if err != nil || v != 2 {
		t.Fatalf("got %d err %v, want 2", v, err)
	}
}

func TestQuerySimpleIndexRestrictedByStartType(t *testing.T) {
	env := newTestStore(t)
	types := []*ObjectTypeDescriptor{
		personType(),
		{Name: "Robot", Fields: []*FieldDescriptor{
			{Name: "Name", Kind: FieldSimple, Primitive: enc.KindString, Indexed: true},
		}},
	}
	tx, _, _ := openTxn(t, env, types, nil, nil)

	p, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create Person: %v", err)
	}
	if err := p.WriteField("Name", "shared"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	r, err := tx.Create("Robot")
	if err != nil {
		t.Fatalf("Create Robot: %v", err)
	}
	if err := r.WriteField("Name", "shared"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	view, err := tx.QuerySimpleIndex("Person", "Name", enc.KindString)
	if err != nil {
		t.Fatalf("QuerySimpleIndex: %v", err)
	}
	entries, err := view.Entries(env.ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != p.ID() {
		t.Fatalf("expected only the Person entry, got %+v", entries)
	}
}

func TestUniqueFieldRejectsDuplicateOnCommit(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{personType()}, nil, nil)

	a, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.WriteField("Email", "a@example.com"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	b, err := tx.Create("Person")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.WriteField("Email", "a@example.com"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	if err := tx.Validate(); err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestCompositeIndexQuery(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{
		Name: "Employee",
		Fields: []*FieldDescriptor{
			{Name: "Dept", Kind: FieldSimple, Primitive: enc.KindString},
			{Name: "Level", Kind: FieldSimple, Primitive: enc.KindInt64},
		},
	}
	composite := &CompositeIndexDescriptor{Name: "byDeptLevel", Fields: []string{"Dept", "Level"}}
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{typ}, []*CompositeIndexDescriptor{composite}, nil)

	h, err := tx.Create("Employee")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteField("Dept", "eng"); err != nil {
		t.Fatalf("WriteField Dept: %v", err)
	}
	if err := h.WriteField("Level", int64(3)); err != nil {
		t.Fatalf("WriteField Level: %v", err)
	}

	view, err := tx.QueryCompositeIndex("byDeptLevel")
	if err != nil {
		t.Fatalf("QueryCompositeIndex: %v", err)
	}
	entries, err := view.Entries(env.ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != h.ID() {
		t.Fatalf("unexpected composite index entries: %+v", entries)
	}
}
