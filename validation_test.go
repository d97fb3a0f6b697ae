package kvrecord

import (
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

func TestUserValidatorRunsOnCommit(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Account", Fields: []*FieldDescriptor{
		{Name: "Balance", Kind: FieldSimple, Primitive: enc.KindInt64},
	}}
	r := NewRegistry(env.gw, Options{}, nil)
	r.RegisterValidator("Account", func(h *Handle) error {
		v, err := h.ReadField("Balance")
		if err != nil {
			return err
		}
		if v != nil && v.(int64) < 0 {
			return NewError("balance cannot be negative", WithKind(ErrValidation))
		}
		return nil
	})
	if _, err := r.Load([]*ObjectTypeDescriptor{typ}, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	tx, err := Open(env.ctx, env.store, r, env.gw, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h, err := tx.Create("Account")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteField("Balance", int64(-5)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := tx.Validate(); err == nil {
		t.Fatal("expected validator to reject a negative balance")
	}
}

func TestUniqueFieldExcludesNull(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Account", Fields: []*FieldDescriptor{
		{Name: "Tag", Kind: FieldSimple, Primitive: enc.KindString, Unique: true, Exclude: &ExcludeValues{Null: true}},
	}}
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{typ}, nil, nil)

	a, err := tx.Create("Account")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := tx.Create("Account")
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	// Neither writes Tag, so both are null; null is excluded from the
	// uniqueness check, so two null Tags must not conflict.
	if err := tx.Validate(); err != nil {
		t.Fatalf("expected two null Tags to coexist, got %v", err)
	}
	_ = a
	_ = b
}

func TestUniqueFieldExcludesReservedRange(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Slot", Fields: []*FieldDescriptor{
		{Name: "Number", Kind: FieldSimple, Primitive: enc.KindInt64, Unique: true,
			Exclude: &ExcludeValues{Ranges: []ValueRange{{Lo: int64(0), LoInclusive: true, Hi: int64(0), HiInclusive: true}}}},
	}}
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{typ}, nil, nil)

	a, err := tx.Create("Slot")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := a.WriteField("Number", int64(0)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	b, err := tx.Create("Slot")
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if err := b.WriteField("Number", int64(0)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	// Both hold the reserved value 0, which the exclusion range covers,
	// so uniqueness is not enforced for this value and both may coexist.
	if err := tx.Validate(); err != nil {
		t.Fatalf("expected reserved value 0 to be excluded from uniqueness, got %v", err)
	}

	c, err := tx.Create("Slot")
	if err != nil {
		t.Fatalf("Create c: %v", err)
	}
	if err := c.WriteField("Number", int64(1)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	d, err := tx.Create("Slot")
	if err != nil {
		t.Fatalf("Create d: %v", err)
	}
	if err := d.WriteField("Number", int64(1)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := tx.Validate(); err == nil {
		t.Fatal("expected non-excluded duplicate value 1 to violate uniqueness")
	}
}

func TestCompositeUniqueWithTupleExclusion(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Reservation", Fields: []*FieldDescriptor{
		{Name: "Room", Kind: FieldSimple, Primitive: enc.KindString},
		{Name: "Day", Kind: FieldSimple, Primitive: enc.KindInt64},
	}}
	composite := &CompositeIndexDescriptor{
		Name: "byRoomDay", Fields: []string{"Room", "Day"}, Unique: true,
		Exclude: []*TupleExclusion{{Positions: []*ExcludeValues{
			{Atoms: []any{"maintenance"}},
			{NonNull: true},
		}}},
	}
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{typ}, []*CompositeIndexDescriptor{composite}, nil)

	a, err := tx.Create("Reservation")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := a.WriteField("Room", "maintenance"); err != nil {
		t.Fatalf("WriteField Room: %v", err)
	}
	if err := a.WriteField("Day", int64(1)); err != nil {
		t.Fatalf("WriteField Day: %v", err)
	}
	b, err := tx.Create("Reservation")
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if err := b.WriteField("Room", "maintenance"); err != nil {
		t.Fatalf("WriteField Room: %v", err)
	}
	if err := b.WriteField("Day", int64(1)); err != nil {
		t.Fatalf("WriteField Day: %v", err)
	}
	if err := tx.Validate(); err != nil {
		t.Fatalf("expected the maintenance room to be excluded from the composite unique check, got %v", err)
	}

	c, err := tx.Create("Reservation")
	if err != nil {
		t.Fatalf("Create c: %v", err)
	}
	if err := c.WriteField("Room", "101"); err != nil {
		t.Fatalf("WriteField Room: %v", err)
	}
	if err := c.WriteField("Day", int64(5)); err != nil {
		t.Fatalf("WriteField Day: %v", err)
	}
	d, err := tx.Create("Reservation")
	if err != nil {
		t.Fatalf("Create d: %v", err)
	}
	if err := d.WriteField("Room", "101"); err != nil {
		t.Fatalf("WriteField Room: %v", err)
	}
	if err := d.WriteField("Day", int64(5)); err != nil {
		t.Fatalf("WriteField Day: %v", err)
	}
	if err := tx.Validate(); err == nil {
		t.Fatal("expected non-excluded duplicate (room,day) pair to violate the composite unique index")
	}
}
