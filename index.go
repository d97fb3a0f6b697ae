/*
Package kvrecord – index manager.

Adapted from the donor's expression.go key-condition/filter building
(KeyOperators, addKey, addWhereFilters) — generalized from DynamoDB
condition expressions into the ordered-range scan bounds spec.md §4.6
describes: simple and composite index maintenance on every field
mutation, plus lazy bounded ordered views.
*/
package kvrecord

import (
	"bytes"
	"context"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

// IndexManager maintains simple and composite indexes consistently with
// every field mutation (spec.md §4.6).
type IndexManager struct {
	gw     *Gateway
	logger Logger
}

func newIndexManager(gw *Gateway, logger Logger) *IndexManager {
	return &IndexManager{gw: gw, logger: logger}
}

// encodeFieldValue encodes a Go value into an order-preserving byte
// component for use as an index key, given the field's kind.
func encodeFieldValue(kind FieldKind, v any) ([]byte, enc.Kind, error) {
	switch val := v.(type) {
	case nil:
		return []byte{}, enc.KindNull, nil
	case bool:
		return enc.EncodeBool(val), enc.KindBool, nil
	case int64:
		return enc.EncodeInt64(val), enc.KindInt64, nil
	case int:
		return enc.EncodeInt64(int64(val)), enc.KindInt64, nil
	case float64:
		return enc.EncodeFloat64(val), enc.KindFloat64, nil
	case string:
		return enc.EncodeString(val), enc.KindString, nil
	case []byte:
		return enc.EncodeBytes(val), enc.KindBytes, nil
	case objid.ID:
		return append([]byte(nil), val[:]...), enc.KindObjID, nil
	default:
		return nil, 0, NewError("unsupported field value type for encoding",
			WithKind(ErrInvalidEncoding), WithContext(map[string]any{"kind": kind, "goType": v}))
	}
}

// MaintainSimple removes the stale (oldValue, id) entry and inserts the
// fresh (newValue, id) entry for one simple index, when the value
// actually changed (spec.md §4.6: "remove (old-value, obj-id); insert
// (new-value, obj-id) when the value changed").
func (im *IndexManager) MaintainSimple(tx storekv.StoreTx, fieldStorageID uint32, kind FieldKind, oldValue, newValue any, id objid.ID) error {
	if valuesEqual(oldValue, newValue) {
		return nil
	}
	if oldValue != nil {
		oldEnc, _, err := encodeFieldValue(kind, oldValue)
		if err != nil {
			return err
		}
		key, err := im.gw.SimpleIndexKey(fieldStorageID, oldEnc, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	if newValue != nil {
		newEnc, _, err := encodeFieldValue(kind, newValue)
		if err != nil {
			return err
		}
		key, err := im.gw.SimpleIndexKey(fieldStorageID, newEnc, id)
		if err != nil {
			return err
		}
		if err := tx.Put(key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, err := compareValues(a, b)
	return err == nil && c == 0
}

// MaintainComposite re-derives the full tuple and moves the entry
// (spec.md §4.6: "re-derive the full tuple and move the entry").
func (im *IndexManager) MaintainComposite(tx storekv.StoreTx, ci *CompositeIndexDescriptor, fieldKinds []FieldKind, oldTuple, newTuple []any, id objid.ID) error {
	if tupleEqual(oldTuple, newTuple) {
		return nil
	}
	if oldTuple != nil {
		key, err := im.compositeKey(ci, fieldKinds, oldTuple, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	if newTuple != nil {
		key, err := im.compositeKey(ci, fieldKinds, newTuple, id)
		if err != nil {
			return err
		}
		if err := tx.Put(key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func tupleEqual(a, b []any) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (im *IndexManager) compositeKey(ci *CompositeIndexDescriptor, fieldKinds []FieldKind, tuple []any, id objid.ID) ([]byte, error) {
	prefix, err := compositeTupleKey(fieldKinds, tuple)
	if err != nil {
		return nil, err
	}
	return im.gw.CompositeIndexKey(ci.StorageID, prefix, id)
}

// compositeTupleKey encodes a composite tuple's self-delimiting prefix,
// without the object-id suffix, for use as a scan bound.
func compositeTupleKey(fieldKinds []FieldKind, tuple []any) ([]byte, error) {
	t := &enc.Tuple{}
	for i, v := range tuple {
		encoded, _, err := encodeFieldValue(fieldKinds[i], v)
		if err != nil {
			return nil, err
		}
		t.Append(encoded)
	}
	return t.Bytes(), nil
}

// FindReferenceHolders returns every object currently holding a
// reference to target via the simple index for fieldStorageID, by
// scanning for an (target-encoding, holder-id) entry. Shared by the
// reference engine's inverse-delete walk and the notifier's backward walk
// through a reference step, both of which need the identical lookup.
func (im *IndexManager) FindReferenceHolders(tx storekv.StoreTx, fieldStorageID uint32, target objid.ID) ([]objid.ID, error) {
	view := im.QuerySimpleIndex(tx, fieldStorageID, nil)
	lo := append([]byte(nil), target[:]...)
	hi := prefixUpperBound(lo)
	entries, err := view.WithValueBounds(lo, hi).Entries(context.Background())
	if err != nil {
		return nil, err
	}
	out := make([]objid.ID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out, nil
}

// IndexEntry is one (value, object-id) row yielded by a simple-index
// scan, in ascending (value, objectId) order.
type IndexEntry struct {
	RawValue []byte
	ID       objid.ID
}

// SimpleView is a lazy ordered view over one simple-field index
// (spec.md §4.6: "lazy ordered views that, at iteration time, scan the
// index subspace").
type SimpleView struct {
	tx            storekv.StoreTx
	gw            *Gateway
	fieldStorageID uint32
	startTypeID    *uint32
	lo, hi         []byte // optional value-bound overrides, encoded
}

// QuerySimpleIndex builds a lazy view over a simple-field index,
// restricted to objects whose runtime type is assignable to startType
// when startTypeID is non-nil (spec.md §4.5).
func (im *IndexManager) QuerySimpleIndex(tx storekv.StoreTx, fieldStorageID uint32, startTypeID *uint32) *SimpleView {
	return &SimpleView{tx: tx, gw: im.gw, fieldStorageID: fieldStorageID, startTypeID: startTypeID}
}

// WithValueBounds restricts the scan to a sub-range of encoded values;
// passing nil for either bound leaves that side open.
func (v *SimpleView) WithValueBounds(lo, hi []byte) *SimpleView {
	v.lo, v.hi = lo, hi
	return v
}

// Entries materializes the view by scanning the index subspace now.
func (v *SimpleView) Entries(_ context.Context) ([]IndexEntry, error) {
	base, end, err := v.gw.SimpleIndexScanBounds(v.fieldStorageID)
	if err != nil {
		return nil, err
	}
	from, to := base, end
	if v.lo != nil {
		from = append(append([]byte(nil), base...), v.lo...)
	}
	if v.hi != nil {
		to = append(append([]byte(nil), base...), v.hi...)
	}
	it, err := v.tx.Scan(from, to)
	if err != nil {
		return nil, err
	}
	rows, err := storekv.CollectAll(it)
	if err != nil {
		return nil, err
	}
	var out []IndexEntry
	prefixLen := len(base)
	for _, row := range rows {
		rest := row.Key[prefixLen:]
		if len(rest) < objid.Width {
			continue
		}
		var id objid.ID
		copy(id[:], rest[len(rest)-objid.Width:])
		if v.startTypeID != nil {
			typeID, err := id.TypeID()
			if err != nil || !IsSubtype(typeID, *v.startTypeID) {
				continue
			}
		}
		out = append(out, IndexEntry{RawValue: rest[:len(rest)-objid.Width], ID: id})
	}
	return out, nil
}

// Grouped materializes the view into value → ordered object-id-set form
// (spec.md §4.5: "returns an ordered map value → ordered set<object-id>").
// Values are grouped by identical raw encoding, which is exactly
// identical logical value since encode is injective.
func (v *SimpleView) Grouped(ctx context.Context) ([]GroupedEntry, error) {
	entries, err := v.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var groups []GroupedEntry
	for _, e := range entries {
		if len(groups) > 0 && bytes.Equal(groups[len(groups)-1].RawValue, e.RawValue) {
			groups[len(groups)-1].IDs = append(groups[len(groups)-1].IDs, e.ID)
			continue
		}
		groups = append(groups, GroupedEntry{RawValue: e.RawValue, IDs: []objid.ID{e.ID}})
	}
	return groups, nil
}

// GroupedEntry is one value and its ordered set of holder ids.
type GroupedEntry struct {
	RawValue []byte
	IDs      []objid.ID
}

// CompositeView is a lazy ordered view over one composite index.
type CompositeView struct {
	tx  storekv.StoreTx
	gw  *Gateway
	idx *CompositeIndexDescriptor
	lo, hi []byte
}

// QueryCompositeIndex builds a lazy view over a composite index.
func (im *IndexManager) QueryCompositeIndex(tx storekv.StoreTx, idx *CompositeIndexDescriptor) *CompositeView {
	return &CompositeView{tx: tx, gw: im.gw, idx: idx}
}

// WithTupleBounds restricts the scan to a sub-range of encoded tuple
// prefixes.
func (v *CompositeView) WithTupleBounds(lo, hi []byte) *CompositeView {
	v.lo, v.hi = lo, hi
	return v
}

// Entries scans the composite index subspace now.
func (v *CompositeView) Entries(_ context.Context) ([]IndexEntry, error) {
	base, end, err := v.gw.CompositeIndexScanBounds(v.idx.StorageID)
	if err != nil {
		return nil, err
	}
	from, to := base, end
	if v.lo != nil {
		from = append(append([]byte(nil), base...), v.lo...)
	}
	if v.hi != nil {
		to = append(append([]byte(nil), base...), v.hi...)
	}
	it, err := v.tx.Scan(from, to)
	if err != nil {
		return nil, err
	}
	rows, err := storekv.CollectAll(it)
	if err != nil {
		return nil, err
	}
	var out []IndexEntry
	prefixLen := len(base)
	for _, row := range rows {
		rest := row.Key[prefixLen:]
		if len(rest) < objid.Width {
			continue
		}
		var id objid.ID
		copy(id[:], rest[len(rest)-objid.Width:])
		out = append(out, IndexEntry{RawValue: rest[:len(rest)-objid.Width], ID: id})
	}
	return out, nil
}
