/*
Package kvrecord – reference & cascade engine.

Grounded on the donor's transact.go all-or-nothing batch dispatch
(TransactGetItems/TransactWriteItems sequencing) for the "one failure
aborts the whole graph traversal" shape, and on the normddb sketch's
notes on inverse-index walks for delete fan-out — generalized here into
spec.md §4.7's inverse-delete actions and named cascades.
*/
package kvrecord

import (
	"fmt"

	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
)

// ReferenceEngine resolves a delete request into the full set of side
// effects declared by InverseDelete actions and ForwardCascades (spec.md
// §4.7).
type ReferenceEngine struct {
	tx *Txn
}

func newReferenceEngine(tx *Txn) *ReferenceEngine { return &ReferenceEngine{tx: tx} }

// Delete removes id and, transitively, every inbound reference's
// declared consequence. A cycle is broken by tracking in-flight ids: an
// object already mid-deletion is never re-entered (spec.md §4.7, "cycles
// are broken by tracking in-progress deletions").
func (e *ReferenceEngine) Delete(id objid.ID) (bool, error) {
	if e.tx.deleting[id] {
		return false, nil
	}
	rec, err := e.tx.getRecord(id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	e.tx.deleting[id] = true
	defer delete(e.tx.deleting, id)

	if err := e.handleInboundReferences(id); err != nil {
		return false, err
	}
	if err := e.cascadeForward(id, rec); err != nil {
		return false, err
	}
	if err := e.tx.deleteRaw(id); err != nil {
		return false, err
	}
	e.tx.notif.ObjectDeleted(id)
	return true, nil
}

// handleInboundReferences walks every reference field in the schema that
// could point at id's type and applies its InverseDelete action. Only
// fields declared Indexed maintain a queryable application-facing index,
// but every reference field maintains an internal lookup index
// regardless, so cascades always find their holders (spec.md §4.7 design
// note, recorded in DESIGN.md).
func (e *ReferenceEngine) handleInboundReferences(id objid.ID) error {
	if e.tx.schema == nil {
		return nil
	}
	targetTypeID, err := id.TypeID()
	if err != nil {
		return err
	}
	for _, typ := range e.tx.schema.Types {
		for _, f := range typ.Fields {
			if f.Kind != FieldReference {
				continue
			}
			if !f.AllowsTarget(targetTypeID) && len(f.ReferenceTargets) > 0 {
				continue
			}
			holders, err := e.findHolders(f, id)
			if err != nil {
				return err
			}
			for _, holderID := range holders {
				if err := e.applyInverseAction(f, holderID, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// findHolders returns every object currently holding a reference to
// target via field f.
func (e *ReferenceEngine) findHolders(f *FieldDescriptor, target objid.ID) ([]objid.ID, error) {
	return e.tx.idx.FindReferenceHolders(e.tx.store, f.StorageID, target)
}

func (e *ReferenceEngine) applyInverseAction(f *FieldDescriptor, holderID, target objid.ID) error {
	switch f.InverseDelete {
	case DeleteException, "":
		return NewError(fmt.Sprintf("object %s is still referenced by field %q of %s", target, f.Name, holderID),
			WithKind(ErrReferencedObject))
	case DeleteIgnore:
		return nil
	case DeleteNullify:
		h, err := e.tx.Get(holderID, "")
		if err != nil {
			return err
		}
		if h == nil || h.typ == nil {
			return nil
		}
		return h.WriteField(f.Name, nil)
	case DeleteRemove:
		_, err := e.tx.Delete(holderID)
		return err
	case DeleteCascade:
		_, err := e.tx.Delete(holderID)
		return err
	default:
		return NewError(fmt.Sprintf("unknown inverse-delete action %q", f.InverseDelete), WithKind(ErrInvalidSchema))
	}
}

// cascadeForward deletes every object pointed to by a reference field
// declared ForwardDelete, after id itself is scheduled for removal
// (spec.md §4.7, "forward-delete flag: deleting the holder deletes its
// referenced object too").
func (e *ReferenceEngine) cascadeForward(id objid.ID, rec *objectRecord) error {
	typeStorageID, err := id.TypeID()
	if err != nil {
		return err
	}
	var typ *ObjectTypeDescriptor
	if e.tx.schema != nil {
		typ, _ = e.tx.schema.TypeByStorageID(typeStorageID)
	}
	if typ == nil {
		return nil
	}
	for _, f := range typ.Fields {
		if f.Kind != FieldReference || !f.ForwardDelete {
			continue
		}
		raw, ok := rec.Fields[f.Name]
		if !ok {
			continue
		}
		val, err := e.tx.decodeScalar(f, raw)
		if err != nil || val == nil {
			continue
		}
		target := val.(objid.ID)
		if _, err := e.tx.Delete(target); err != nil {
			return err
		}
	}
	return nil
}

// CopyCascade copies root and the subgraph reached by following the
// forward reference fields named in fieldNames, remapping identities as
// it goes, bounded by maxDepth (spec.md §4.7). Only forward references
// are followed: objects that refer to a copied object are not copied.
// Set, List, Map and enum-array fields of a copied object are not
// copied. remap tracks
// old-id→new-id translations so a subgraph copied more than once via
// shared references is copied consistently rather than duplicated.
func (e *ReferenceEngine) CopyCascade(root objid.ID, fieldNames []string, maxDepth int) (objid.ID, error) {
	remap := make(map[objid.ID]objid.ID)
	return e.copyCascade(root, fieldNames, maxDepth, remap)
}

func (e *ReferenceEngine) copyCascade(src objid.ID, fieldNames []string, depth int, remap map[objid.ID]objid.ID) (objid.ID, error) {
	if existing, ok := remap[src]; ok {
		return existing, nil
	}
	srcHandle, err := e.tx.Get(src, "")
	if err != nil {
		return objid.ID{}, err
	}
	if srcHandle == nil || srcHandle.typ == nil {
		return objid.ID{}, NewError("cannot copy-cascade an object with no resolvable type", WithKind(ErrTypeNotInSchema))
	}
	dst, err := e.tx.Create(srcHandle.typ.Name)
	if err != nil {
		return objid.ID{}, err
	}
	remap[src] = dst.id

	for _, f := range srcHandle.typ.Fields {
		switch f.Kind {
		case FieldSimple, FieldCounter, FieldEnum:
			v, err := srcHandle.ReadField(f.Name)
			if err != nil {
				return objid.ID{}, err
			}
			if v != nil {
				if err := dst.WriteField(f.Name, v); err != nil {
					return objid.ID{}, err
				}
			}
		case FieldReference:
			v, err := srcHandle.ReadField(f.Name)
			if err != nil {
				return objid.ID{}, err
			}
			if v == nil {
				continue
			}
			target := v.(objid.ID)
			named := contains(fieldNames, f.Name)
			if named && depth > 0 {
				newTarget, err := e.copyCascade(target, fieldNames, depth-1, remap)
				if err != nil {
					return objid.ID{}, err
				}
				if err := dst.WriteField(f.Name, newTarget); err != nil {
					return objid.ID{}, err
				}
			} else {
				if err := dst.WriteField(f.Name, target); err != nil {
					return objid.ID{}, err
				}
			}
		}
	}
	return dst.id, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
