/*
Package kvrecord – detached transaction.

Grounded on the donor's transact.go batch-staging pattern (building up a
TransactWriteItems batch against an isolated list of operations before
ever touching the real table) — generalized into spec.md §4.10's
detached transaction: a transaction that runs entirely against a private
in-memory mirror, with explicit copy-in/copy-out to move individual
objects across the boundary, remapping identity so the two id spaces
never collide.
*/
package kvrecord

import (
	"context"

	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
	"github.com/cloudxsgmbh/kvrecord-go/storekv/memkv"
)

// Detached is a transaction running against a private in-memory mirror,
// isolated from the store a normal Txn commits against (spec.md §4.10).
type Detached struct {
	Txn *Txn

	mirror *memkv.Store
}

// OpenDetached creates a fresh, empty in-memory mirror and opens a Txn
// against it using the same registry/schema/gateway as the caller, so
// object headers and field encodings remain directly comparable across
// the boundary.
func OpenDetached(ctx context.Context, registry *Registry, gw *Gateway, logger Logger) (*Detached, error) {
	mirror := memkv.New()
	txn, err := Open(ctx, mirror, registry, gw, logger)
	if err != nil {
		return nil, err
	}
	return &Detached{Txn: txn, mirror: mirror}, nil
}

// CopyIn copies one object (header, collection rows, and freshly derived
// simple-index entries) from parent into the detached mirror under a
// newly allocated id, and returns that new id. Composite-index entries
// are not written for the copy.
func (d *Detached) CopyIn(parent *Txn, id objid.ID) (objid.ID, error) {
	return copyObject(parent, d.Txn, id)
}

// CopyOut copies one object from the detached mirror into target under a
// newly allocated id in target's id space, and returns that new id.
func (d *Detached) CopyOut(target *Txn, id objid.ID) (objid.ID, error) {
	return copyObject(d.Txn, target, id)
}

// Discard abandons the detached transaction and its mirror; nothing it
// did is ever visible outside explicit CopyOut calls already performed.
func (d *Detached) Discard() error { return d.Txn.Rollback() }

// copyObject duplicates one object's header, out-of-line collection
// rows, and simple-index entries from src into dst under a freshly
// allocated id in dst's id space (spec.md §4.10, "identity remapping").
// It does not follow references: a reference field's stored ObjId
// travels across unchanged, so a multi-object copy is the caller's
// responsibility (see ReferenceEngine.CopyCascade for the in-store,
// recursive form of that).
func copyObject(src, dst *Txn, id objid.ID) (objid.ID, error) {
	rec, err := src.getRecord(id)
	if err != nil {
		return objid.ID{}, err
	}
	if rec == nil {
		return objid.ID{}, NewError("source object does not exist", WithKind(ErrDeletedObject))
	}
	typeStorageID, err := id.TypeID()
	if err != nil {
		return objid.ID{}, err
	}
	var typ *ObjectTypeDescriptor
	if dst.schema != nil {
		typ, _ = dst.schema.TypeByStorageID(typeStorageID)
	}
	if typ == nil {
		return objid.ID{}, NewError("destination schema has no matching type for this object", WithKind(ErrTypeNotInSchema))
	}

	newID, err := objid.New(typeStorageID, func(candidate objid.ID) bool {
		v, _ := dst.store.Get(dst.gw.ObjectKey(candidate))
		return v != nil
	})
	if err != nil {
		return objid.ID{}, err
	}

	newRec := &objectRecord{SchemaID: dst.schema.ID, Fields: make(map[string][]byte, len(rec.Fields))}
	for k, v := range rec.Fields {
		newRec.Fields[k] = append([]byte(nil), v...)
	}
	if err := dst.putRecord(newID, newRec); err != nil {
		return objid.ID{}, err
	}

	for _, f := range typ.Fields {
		switch f.Kind {
		case FieldSet, FieldList, FieldMap:
			from, to, err := src.gw.FieldScanBounds(f.StorageID, id)
			if err != nil {
				return objid.ID{}, err
			}
			rows, err := scanAll(src.store, from, to)
			if err != nil {
				return objid.ID{}, err
			}
			for _, row := range rows {
				sub := row.Key[len(from):]
				newKey, err := dst.gw.FieldSubKey(f.StorageID, newID, sub)
				if err != nil {
					return objid.ID{}, err
				}
				if err := dst.store.Put(newKey, append([]byte(nil), row.Value...)); err != nil {
					return objid.ID{}, err
				}
			}
		case FieldSimple, FieldReference, FieldEnum:
			if f.Kind != FieldReference && !f.Indexed && !f.Unique {
				continue
			}
			raw, ok := newRec.Fields[f.Name]
			if !ok {
				continue
			}
			val, err := dst.decodeScalar(f, raw)
			if err != nil {
				continue
			}
			if err := dst.idx.MaintainSimple(dst.store, f.StorageID, f.Kind, nil, val, newID); err != nil {
				return objid.ID{}, err
			}
		}
	}
	return newID, nil
}
