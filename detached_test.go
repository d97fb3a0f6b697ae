package kvrecord

import (
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

func TestDetachedCopyInThenCopyOut(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Draft", Fields: []*FieldDescriptor{
		{Name: "Title", Kind: FieldSimple, Primitive: enc.KindString},
	}}
	r := NewRegistry(env.gw, Options{}, nil)
	if _, err := r.Load([]*ObjectTypeDescriptor{typ}, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	parent, err := Open(env.ctx, env.store, r, env.gw, nil)
	if err != nil {
		t.Fatalf("Open parent: %v", err)
	}
	h, err := parent.Create("Draft")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteField("Title", "hello"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	detached, err := OpenDetached(env.ctx, r, env.gw, nil)
	if err != nil {
		t.Fatalf("OpenDetached: %v", err)
	}
	mirroredID, err := detached.CopyIn(parent, h.ID())
	if err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if mirroredID == h.ID() {
		t.Fatal("expected CopyIn to allocate a fresh id in the mirror")
	}

	mirrored, err := detached.Txn.Get(mirroredID, "Draft")
	if err != nil || mirrored == nil {
		t.Fatalf("Get in mirror: %v err %v", mirrored, err)
	}
	title, err := mirrored.ReadField("Title")
	if err != nil || title != "hello" {
		t.Fatalf("got title %v err %v", title, err)
	}
	if err := mirrored.WriteField("Title", "changed in mirror"); err != nil {
		t.Fatalf("WriteField in mirror: %v", err)
	}

	original, err := parent.Get(h.ID(), "Draft")
	if err != nil || original == nil {
		t.Fatalf("Get original: %v err %v", original, err)
	}
	title, err = original.ReadField("Title")
	if err != nil || title != "hello" {
		t.Fatalf("expected parent's copy to be unaffected by mirror edits, got %v", title)
	}

	backID, err := detached.CopyOut(parent, mirroredID)
	if err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	copiedBack, err := parent.Get(backID, "Draft")
	if err != nil || copiedBack == nil {
		t.Fatalf("Get copied-back: %v err %v", copiedBack, err)
	}
	title, err = copiedBack.ReadField("Title")
	if err != nil || title != "changed in mirror" {
		t.Fatalf("got title %v err %v, want %q", title, err, "changed in mirror")
	}

	if err := detached.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
}
