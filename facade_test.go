package kvrecord

import (
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

type widgetFacade struct{ h *Handle }

func (w *widgetFacade) Name() (any, error) { return w.h.ReadField("Name") }

func TestRegisteredFacadeWrapsHandle(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Widget", Fields: []*FieldDescriptor{
		{Name: "Name", Kind: FieldSimple, Primitive: enc.KindString},
	}}
	r := NewRegistry(env.gw, Options{}, nil)
	r.RegisterFacade("Widget", func(h *Handle) any { return &widgetFacade{h: h} })
	if _, err := r.Load([]*ObjectTypeDescriptor{typ}, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	tx, err := Open(env.ctx, env.store, r, env.gw, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, err := tx.Create("Widget")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteField("Name", "gizmo"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	wrapper, ok := tx.Facade(h)
	if !ok {
		t.Fatal("expected a registered facade for Widget")
	}
	wf, ok := wrapper.(*widgetFacade)
	if !ok {
		t.Fatalf("unexpected wrapper type %T", wrapper)
	}
	name, err := wf.Name()
	if err != nil || name != "gizmo" {
		t.Fatalf("got name %v err %v", name, err)
	}
}

func TestUntypedObjectFallbackAfterTypeDropped(t *testing.T) {
	env := newTestStore(t)
	r := NewRegistry(env.gw, Options{}, nil)
	typV1 := &ObjectTypeDescriptor{Name: "Legacy", Fields: []*FieldDescriptor{
		{Name: "Note", Kind: FieldSimple, Primitive: enc.KindString},
	}}
	if _, err := r.Load([]*ObjectTypeDescriptor{typV1}, nil); err != nil {
		t.Fatalf("Load v1: %v", err)
	}
	tx1, err := Open(env.ctx, env.store, r, env.gw, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, err := tx1.Create("Legacy")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteField("Note", "keep me"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	other := &ObjectTypeDescriptor{Name: "Other", Fields: []*FieldDescriptor{
		{Name: "X", Kind: FieldSimple, Primitive: enc.KindInt64},
	}}
	if _, err := r.Load([]*ObjectTypeDescriptor{other}, nil); err != nil {
		t.Fatalf("Load v2 without Legacy: %v", err)
	}

	tx2, err := Open(env.ctx, env.store, r, env.gw, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := tx2.Get(h.ID(), "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Typed() {
		t.Fatalf("expected an untyped handle for a type no longer in the current schema, got %+v", got)
	}
	raw, err := got.Untyped().RawFields()
	if err != nil {
		t.Fatalf("RawFields: %v", err)
	}
	if _, ok := raw["Note"]; !ok {
		t.Fatalf("expected raw Note field to survive as bytes, got %+v", raw)
	}
}
