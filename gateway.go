/*
Package kvrecord – key-value gateway.

Thin adapter that namespaces every key by storage identifier (spec.md
§4.2). Generalizes the donor's execute()/marshall key-building from a
DynamoDB item shape to the spec's byte-key layout table.
*/
package kvrecord

import (
	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
)

// Namespace bytes distinguish the five key families of spec.md §4.2's
// layout table. Keeping them as a one-byte prefix ahead of every storage
// id means a scan by namespace-then-storage-id-prefix returns exactly
// one subspace, since storage ids are themselves prefix-free
// (objid.EncodeTypePrefix).
const (
	nsObject         byte = 0x01 // {object-type-id} ∥ {obj-suffix}
	nsField          byte = 0x02 // {field-id} ∥ {obj-id} [∥ {sub-key}]
	nsSimpleIndex    byte = 0x03 // {index-id} ∥ {value-encoding} ∥ {obj-id}
	nsCompositeIndex byte = 0x04 // {index-id} ∥ encode(v1)…encode(vk) ∥ {obj-id}
	nsSchema         byte = 0x05 // schema-registry subspace
)

// Gateway namespaces keys by storage id so the core transaction never
// constructs raw store keys itself.
type Gateway struct{}

// NewGateway constructs a Gateway. It holds no state today but exists as
// the seam the core depends on, matching spec.md's component split
// between the K-V gateway and the store it wraps.
func NewGateway() *Gateway { return &Gateway{} }

// ObjectKey is the per-object header + inline simple-field row.
func (g *Gateway) ObjectKey(id objid.ID) []byte {
	key := make([]byte, 0, 1+objid.Width)
	key = append(key, nsObject)
	key = append(key, id[:]...)
	return key
}

// ObjectScanBounds returns the [from,to) range covering every object,
// used by getAll()-style scans.
func (g *Gateway) ObjectScanBounds() (from, to []byte) {
	return []byte{nsObject}, []byte{nsObject + 1}
}

// TypeScanBounds returns the [from,to) range covering every object whose
// leading ObjId bytes match the given type storage id prefix.
func (g *Gateway) TypeScanBounds(typeStorageID uint32) (from, to []byte, err error) {
	prefix, err := objid.EncodeTypePrefix(typeStorageID)
	if err != nil {
		return nil, nil, err
	}
	from = append([]byte{nsObject}, prefix...)
	to = prefixUpperBound(from)
	return from, to, nil
}

// FieldKey is the out-of-line field value row for a complex field.
func (g *Gateway) FieldKey(fieldStorageID uint32, id objid.ID) ([]byte, error) {
	prefix, err := objid.EncodeTypePrefix(fieldStorageID)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, 1+len(prefix)+objid.Width)
	key = append(key, nsField)
	key = append(key, prefix...)
	key = append(key, id[:]...)
	return key, nil
}

// FieldSubKey is a set element / list index / map key row, nested under
// FieldKey.
func (g *Gateway) FieldSubKey(fieldStorageID uint32, id objid.ID, subKey []byte) ([]byte, error) {
	base, err := g.FieldKey(fieldStorageID, id)
	if err != nil {
		return nil, err
	}
	return append(base, subKey...), nil
}

// FieldScanBounds returns the [from,to) range covering every sub-key row
// belonging to one object's complex field.
func (g *Gateway) FieldScanBounds(fieldStorageID uint32, id objid.ID) ([]byte, []byte, error) {
	base, err := g.FieldKey(fieldStorageID, id)
	if err != nil {
		return nil, nil, err
	}
	return base, prefixUpperBound(base), nil
}

// SimpleIndexKey is a (value → objid) entry for a simple-field index.
func (g *Gateway) SimpleIndexKey(indexStorageID uint32, valueEncoding []byte, id objid.ID) ([]byte, error) {
	prefix, err := objid.EncodeTypePrefix(indexStorageID)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, 1+len(prefix)+len(valueEncoding)+objid.Width)
	key = append(key, nsSimpleIndex)
	key = append(key, prefix...)
	key = append(key, valueEncoding...)
	key = append(key, id[:]...)
	return key, nil
}

// SimpleIndexScanBounds returns the full-subspace range for one index.
func (g *Gateway) SimpleIndexScanBounds(indexStorageID uint32) ([]byte, []byte, error) {
	prefix, err := objid.EncodeTypePrefix(indexStorageID)
	if err != nil {
		return nil, nil, err
	}
	base := append([]byte{nsSimpleIndex}, prefix...)
	return base, prefixUpperBound(base), nil
}

// CompositeIndexKey is an (ordered tuple → objid) entry for a composite
// index.
func (g *Gateway) CompositeIndexKey(indexStorageID uint32, tupleEncoding []byte, id objid.ID) ([]byte, error) {
	prefix, err := objid.EncodeTypePrefix(indexStorageID)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, 1+len(prefix)+len(tupleEncoding)+objid.Width)
	key = append(key, nsCompositeIndex)
	key = append(key, prefix...)
	key = append(key, tupleEncoding...)
	key = append(key, id[:]...)
	return key, nil
}

// CompositeIndexScanBounds returns the full-subspace range for one
// composite index.
func (g *Gateway) CompositeIndexScanBounds(indexStorageID uint32) ([]byte, []byte, error) {
	prefix, err := objid.EncodeTypePrefix(indexStorageID)
	if err != nil {
		return nil, nil, err
	}
	base := append([]byte{nsCompositeIndex}, prefix...)
	return base, prefixUpperBound(base), nil
}

// SchemaManifestKey locates a persisted schema manifest by schema id.
func (g *Gateway) SchemaManifestKey(schemaID string) []byte {
	return append([]byte{nsSchema}, []byte(schemaID)...)
}

// prefixUpperBound returns the smallest key that is strictly greater
// than every key beginning with prefix, giving a half-open upper bound
// for a prefix scan. A prefix of all 0xFF bytes has no such bound; for
// it the function returns prefix followed by 0x00, so a scan up to that
// bound covers only the key equal to prefix, not the longer keys that
// begin with it.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// All bytes were 0xFF: no finite upper bound shorter than an
	// unbounded scan; return a key one byte longer so the range is still
	// well-formed (used only for pathological fixed-width key prefixes,
	// which storage ids here are not).
	return append(append([]byte(nil), prefix...), 0x00)
}
