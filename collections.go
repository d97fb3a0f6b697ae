/*
Package kvrecord – collection field accessors.

Grounded on the donor's nested-attribute handling (model_prep.go's
dotted-path field resolution for nested list/map attributes) —
generalized from DynamoDB's native List/Map attribute types into
spec.md §4.5's out-of-line Set/List/Map field storage: each element, map
entry, or list slot is its own row under the field's FieldKey subspace,
addressed by FieldSubKey.
*/
package kvrecord

import (
	"github.com/cloudxsgmbh/kvrecord-go/enc"
	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

func (t *Txn) collectionField(h *Handle, name string, want FieldKind) (*FieldDescriptor, error) {
	if h.typ == nil {
		return nil, NewError("untyped handle cannot access collection fields", WithKind(ErrTypeNotInSchema))
	}
	f, ok := h.typ.Field(name)
	if !ok {
		return nil, NewError("no such field "+name, WithKind(ErrInvalidSchema))
	}
	if f.Kind != want {
		return nil, NewError("field "+name+" is not a "+string(want)+" field", WithKind(ErrInvalidSchema))
	}
	return f, nil
}

// --- Set ---

// SetAdd inserts value into the Set field name (spec.md §4.5). It writes
// only the element's own row; no simple-index entry is written for the
// element, whether or not the field is declared Indexed.
func (h *Handle) SetAdd(name string, value any) error {
	f, err := h.tx.collectionField(h, name, FieldSet)
	if err != nil {
		return err
	}
	elemRaw, err := h.tx.encodeScalar(f.Elem, value)
	if err != nil {
		return err
	}
	key, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, elemRaw)
	if err != nil {
		return err
	}
	if err := h.tx.store.Put(key, []byte{}); err != nil {
		return err
	}
	h.tx.notif.FieldCollectionChanged(h.id, h.typ, f, "element", nil, value)
	return nil
}

// SetRemove removes value from the Set field name, if present.
func (h *Handle) SetRemove(name string, value any) error {
	f, err := h.tx.collectionField(h, name, FieldSet)
	if err != nil {
		return err
	}
	elemRaw, err := h.tx.encodeScalar(f.Elem, value)
	if err != nil {
		return err
	}
	key, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, elemRaw)
	if err != nil {
		return err
	}
	if err := h.tx.store.Delete(key); err != nil {
		return err
	}
	h.tx.notif.FieldCollectionChanged(h.id, h.typ, f, "element", value, nil)
	return nil
}

// SetMembers returns every element currently in the Set field name, in
// ascending encoded order.
func (h *Handle) SetMembers(name string) ([]any, error) {
	f, err := h.tx.collectionField(h, name, FieldSet)
	if err != nil {
		return nil, err
	}
	from, to, err := h.tx.gw.FieldScanBounds(f.StorageID, h.id)
	if err != nil {
		return nil, err
	}
	rows, err := scanAll(h.tx.store, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		sub := row.Key[len(from):]
		v, err := h.tx.decodeScalar(f.Elem, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- Map ---

// MapPut sets key → value in the Map field name.
func (h *Handle) MapPut(name string, key, value any) error {
	f, err := h.tx.collectionField(h, name, FieldMap)
	if err != nil {
		return err
	}
	keyRaw, err := h.tx.encodeScalar(f.Key, key)
	if err != nil {
		return err
	}
	valRaw, err := h.tx.encodeScalar(f.Elem, value)
	if err != nil {
		return err
	}
	rowKey, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, keyRaw)
	if err != nil {
		return err
	}
	var oldVal any
	if old, _ := h.tx.store.Get(rowKey); old != nil {
		oldVal, _ = h.tx.decodeScalar(f.Elem, old)
	}
	if err := h.tx.store.Put(rowKey, valRaw); err != nil {
		return err
	}
	h.tx.notif.FieldCollectionChanged(h.id, h.typ, f, "value", oldVal, value)
	return nil
}

// MapGet returns the value for key, and whether it was present.
func (h *Handle) MapGet(name string, key any) (any, bool, error) {
	f, err := h.tx.collectionField(h, name, FieldMap)
	if err != nil {
		return nil, false, err
	}
	keyRaw, err := h.tx.encodeScalar(f.Key, key)
	if err != nil {
		return nil, false, err
	}
	rowKey, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, keyRaw)
	if err != nil {
		return nil, false, err
	}
	raw, err := h.tx.store.Get(rowKey)
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	v, err := h.tx.decodeScalar(f.Elem, raw)
	return v, true, err
}

// MapDelete removes key from the Map field name, if present.
func (h *Handle) MapDelete(name string, key any) error {
	f, err := h.tx.collectionField(h, name, FieldMap)
	if err != nil {
		return err
	}
	keyRaw, err := h.tx.encodeScalar(f.Key, key)
	if err != nil {
		return err
	}
	rowKey, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, keyRaw)
	if err != nil {
		return err
	}
	old, _ := h.tx.store.Get(rowKey)
	if err := h.tx.store.Delete(rowKey); err != nil {
		return err
	}
	if old != nil {
		h.tx.notif.FieldCollectionChanged(h.id, h.typ, f, "key", key, nil)
	}
	return nil
}

// MapKeys returns every key currently present in the Map field name, in
// ascending encoded order.
func (h *Handle) MapKeys(name string) ([]any, error) {
	f, err := h.tx.collectionField(h, name, FieldMap)
	if err != nil {
		return nil, err
	}
	from, to, err := h.tx.gw.FieldScanBounds(f.StorageID, h.id)
	if err != nil {
		return nil, err
	}
	rows, err := scanAll(h.tx.store, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		sub := row.Key[len(from):]
		k, err := h.tx.decodeScalar(f.Key, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// --- List ---

// listPositionKey encodes a fixed-width, order-preserving position
// component so list rows iterate in index order.
func listPositionKey(pos int64) []byte { return enc.EncodeInt64(pos) }

// ListLen returns the current number of elements in the List field name.
func (h *Handle) ListLen(name string) (int, error) {
	f, err := h.tx.collectionField(h, name, FieldList)
	if err != nil {
		return 0, err
	}
	from, to, err := h.tx.gw.FieldScanBounds(f.StorageID, h.id)
	if err != nil {
		return 0, err
	}
	rows, err := scanAll(h.tx.store, from, to)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ListAll returns every element of the List field name, in list order.
func (h *Handle) ListAll(name string) ([]any, error) {
	f, err := h.tx.collectionField(h, name, FieldList)
	if err != nil {
		return nil, err
	}
	from, to, err := h.tx.gw.FieldScanBounds(f.StorageID, h.id)
	if err != nil {
		return nil, err
	}
	rows, err := scanAll(h.tx.store, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		v, err := h.tx.decodeScalar(f.Elem, row.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListAppend adds value to the end of the List field name.
func (h *Handle) ListAppend(name string, value any) error {
	f, err := h.tx.collectionField(h, name, FieldList)
	if err != nil {
		return err
	}
	n, err := h.ListLen(name)
	if err != nil {
		return err
	}
	valRaw, err := h.tx.encodeScalar(f.Elem, value)
	if err != nil {
		return err
	}
	key, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, listPositionKey(int64(n)))
	if err != nil {
		return err
	}
	if err := h.tx.store.Put(key, valRaw); err != nil {
		return err
	}
	h.tx.notif.FieldCollectionChanged(h.id, h.typ, f, "element", nil, value)
	return nil
}

// ListSet overwrites the element at idx.
func (h *Handle) ListSet(name string, idx int, value any) error {
	f, err := h.tx.collectionField(h, name, FieldList)
	if err != nil {
		return err
	}
	valRaw, err := h.tx.encodeScalar(f.Elem, value)
	if err != nil {
		return err
	}
	key, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, listPositionKey(int64(idx)))
	if err != nil {
		return err
	}
	return h.tx.store.Put(key, valRaw)
}

// ListRemoveAt removes the element at idx, shifting subsequent elements
// down by one position (spec.md does not mandate a specific list
// representation; this engine keeps positions dense so ListAll/ListLen
// stay O(n) without gap bookkeeping).
func (h *Handle) ListRemoveAt(name string, idx int) error {
	f, err := h.tx.collectionField(h, name, FieldList)
	if err != nil {
		return err
	}
	all, err := h.ListAll(name)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(all) {
		return NewError("list index out of range", WithKind(ErrInvalidEncoding))
	}
	from, to, err := h.tx.gw.FieldScanBounds(f.StorageID, h.id)
	if err != nil {
		return err
	}
	if err := h.tx.store.DeleteRange(from, to); err != nil {
		return err
	}
	all = append(all[:idx], all[idx+1:]...)
	for i, v := range all {
		valRaw, err := h.tx.encodeScalar(f.Elem, v)
		if err != nil {
			return err
		}
		key, err := h.tx.gw.FieldSubKey(f.StorageID, h.id, listPositionKey(int64(i)))
		if err != nil {
			return err
		}
		if err := h.tx.store.Put(key, valRaw); err != nil {
			return err
		}
	}
	return nil
}

func scanAll(store storekv.StoreTx, from, to []byte) ([]storekv.KV, error) {
	it, err := store.Scan(from, to)
	if err != nil {
		return nil, err
	}
	return storekv.CollectAll(it)
}
