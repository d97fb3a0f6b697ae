package kvrecord

import (
	"testing"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
)

func refTypes(action InverseDeleteAction) []*ObjectTypeDescriptor {
	return []*ObjectTypeDescriptor{
		{Name: "Owner", Fields: []*FieldDescriptor{
			{Name: "Name", Kind: FieldSimple, Primitive: enc.KindString},
		}},
		{Name: "Pet", Fields: []*FieldDescriptor{
			{Name: "OwnerRef", Kind: FieldReference, InverseDelete: action},
		}},
	}
}

func TestDeleteExceptionBlocksWhileReferenced(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, refTypes(DeleteException), nil, nil)

	owner, err := tx.Create("Owner")
	if err != nil {
		t.Fatalf("Create Owner: %v", err)
	}
	pet, err := tx.Create("Pet")
	if err != nil {
		t.Fatalf("Create Pet: %v", err)
	}
	if err := pet.WriteField("OwnerRef", owner.ID()); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	if _, err := tx.Delete(owner.ID()); err == nil {
		t.Fatal("expected exception deleting a still-referenced owner")
	}
}

func TestDeleteNullifyClearsHolder(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, refTypes(DeleteNullify), nil, nil)

	owner, _ := tx.Create("Owner")
	pet, _ := tx.Create("Pet")
	if err := pet.WriteField("OwnerRef", owner.ID()); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	ok, err := tx.Delete(owner.ID())
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	got, err := tx.Get(pet.ID(), "Pet")
	if err != nil || got == nil {
		t.Fatalf("Get Pet: %v err %v", got, err)
	}
	v, err := got.ReadField("OwnerRef")
	if err != nil {
		t.Fatalf("ReadField: %v", err)
	}
	if v != nil {
		t.Fatalf("expected OwnerRef nullified, got %v", v)
	}
}

func TestDeleteRemoveDeletesHolder(t *testing.T) {
	env := newTestStore(t)
	tx, _, _ := openTxn(t, env, refTypes(DeleteRemove), nil, nil)

	owner, _ := tx.Create("Owner")
	pet, _ := tx.Create("Pet")
	if err := pet.WriteField("OwnerRef", owner.ID()); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	if _, err := tx.Delete(owner.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err := tx.Exists(pet.ID())
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("expected holder to be removed along with its target")
	}
}

func TestCascadeDeleteAlongARing(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Node", Fields: []*FieldDescriptor{
		{Name: "Next", Kind: FieldReference, InverseDelete: DeleteCascade},
	}}
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{typ}, nil, nil)

	a, err := tx.Create("Node")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := tx.Create("Node")
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	c, err := tx.Create("Node")
	if err != nil {
		t.Fatalf("Create c: %v", err)
	}
	// a -> b -> c -> a, a ring. Each node's Next field is referenced by
	// its predecessor, with InverseDelete=cascade: deleting any one node
	// must not infinite-loop, and must remove the whole ring.
	if err := a.WriteField("Next", b.ID()); err != nil {
		t.Fatalf("WriteField a->b: %v", err)
	}
	if err := b.WriteField("Next", c.ID()); err != nil {
		t.Fatalf("WriteField b->c: %v", err)
	}
	if err := c.WriteField("Next", a.ID()); err != nil {
		t.Fatalf("WriteField c->a: %v", err)
	}

	ok, err := tx.Delete(a.ID())
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	for _, n := range []*Handle{a, b, c} {
		exists, err := tx.Exists(n.ID())
		if err != nil {
			t.Fatalf("Exists: %v", err)
		}
		if exists {
			t.Fatalf("expected every node in the ring to be removed, %s still exists", n.ID())
		}
	}
}

func TestCopyCascadeRemapsIdentity(t *testing.T) {
	env := newTestStore(t)
	typ := &ObjectTypeDescriptor{Name: "Node", Fields: []*FieldDescriptor{
		{Name: "Label", Kind: FieldSimple, Primitive: enc.KindString},
		{Name: "Child", Kind: FieldReference},
	}}
	tx, _, _ := openTxn(t, env, []*ObjectTypeDescriptor{typ}, nil, nil)

	child, err := tx.Create("Node")
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if err := child.WriteField("Label", "child"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	root, err := tx.Create("Node")
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}
	if err := root.WriteField("Label", "root"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := root.WriteField("Child", child.ID()); err != nil {
		t.Fatalf("WriteField Child: %v", err)
	}

	newRoot, err := tx.refs.CopyCascade(root.ID(), []string{"Child"}, 5)
	if err != nil {
		t.Fatalf("CopyCascade: %v", err)
	}
	if newRoot == root.ID() {
		t.Fatal("expected a freshly allocated id for the copy")
	}

	copied, err := tx.Get(newRoot, "Node")
	if err != nil || copied == nil {
		t.Fatalf("Get copied root: %v err %v", copied, err)
	}
	childRefAny, err := copied.ReadField("Child")
	if err != nil {
		t.Fatalf("ReadField Child: %v", err)
	}
	childRef := childRefAny.(objid.ID)
	if childRef == child.ID() {
		t.Fatal("expected the copied root's Child to point at a remapped copy, not the original")
	}
	copiedChild, err := tx.Get(childRef, "Node")
	if err != nil || copiedChild == nil {
		t.Fatalf("Get copied child: %v err %v", copiedChild, err)
	}
	label, err := copiedChild.ReadField("Label")
	if err != nil || label != "child" {
		t.Fatalf("got label %v err %v", label, err)
	}
}
