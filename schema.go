/*
Package kvrecord – schema descriptor types.

A schema is an immutable set of object-type descriptors (spec.md §3).
Fields are variants tagged by FieldKind — simple/counter/reference/set/
list/map/enum/enum-array — and operations dispatch on that tag, the
"polymorphism over a capability set" design spec.md §9 calls for.
*/
package kvrecord

import (
	"fmt"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

// FieldKind names the field's capability variant.
type FieldKind string

const (
	FieldSimple    FieldKind = "simple"
	FieldCounter   FieldKind = "counter"
	FieldReference FieldKind = "reference"
	FieldSet       FieldKind = "set"
	FieldList      FieldKind = "list"
	FieldMap       FieldKind = "map"
	FieldEnum      FieldKind = "enum"
	FieldEnumArray FieldKind = "enum-array"
)

// InverseDeleteAction is the policy applied to an inbound reference when
// its target is deleted (spec.md §4.7).
type InverseDeleteAction string

const (
	DeleteException InverseDeleteAction = "exception"
	DeleteNullify   InverseDeleteAction = "nullify"
	DeleteRemove    InverseDeleteAction = "remove"
	DeleteCascade   InverseDeleteAction = "cascade"
	DeleteIgnore    InverseDeleteAction = "ignore"
)

// UpgradePolicy controls how a field's stored value is transformed
// during schema migration (spec.md §4.10).
type UpgradePolicy string

const (
	UpgradeAttempt UpgradePolicy = "attempt"
	UpgradeReset   UpgradePolicy = "reset"
	UpgradeRequire UpgradePolicy = "require"
)

// ValueRange is a half-open or closed bound pair used inside an
// ExcludeValues set (spec.md §4.8: "closed/half-open ranges").
type ValueRange struct {
	Lo          any
	LoInclusive bool
	Hi          any
	HiInclusive bool
}

// ExcludeValues is a unique-constraint exclusion set: atoms, ranges, and
// the null / non-null markers (spec.md §3, §4.8).
type ExcludeValues struct {
	Atoms   []any
	Ranges  []ValueRange
	Null    bool
	NonNull bool
}

// Matches reports whether v falls inside the exclusion set. v == nil
// represents the field's null state.
func (e *ExcludeValues) Matches(v any) bool {
	if e == nil {
		return false
	}
	if v == nil {
		return e.Null
	}
	if e.NonNull {
		return true
	}
	for _, a := range e.Atoms {
		if c, err := compareValues(v, a); err == nil && c == 0 {
			return true
		}
	}
	for _, r := range e.Ranges {
		if rangeContains(r, v) {
			return true
		}
	}
	return false
}

func rangeContains(r ValueRange, v any) bool {
	if r.Lo != nil {
		c, err := compareValues(v, r.Lo)
		if err != nil {
			return false
		}
		if c < 0 || (c == 0 && !r.LoInclusive) {
			return false
		}
	}
	if r.Hi != nil {
		c, err := compareValues(v, r.Hi)
		if err != nil {
			return false
		}
		if c > 0 || (c == 0 && !r.HiInclusive) {
			return false
		}
	}
	return true
}

// compareValues compares two field values of the same underlying type,
// using the natural order spec.md requires encodings to preserve.
func compareValues(a, b any) (int, error) {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, fmt.Errorf("kvrecord: incomparable values %T and %T", a, b)
		}
		return cmpOrdered(av, bv), nil
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, fmt.Errorf("kvrecord: incomparable values %T and %T", a, b)
		}
		return cmpOrdered(av, bv), nil
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("kvrecord: incomparable values %T and %T", a, b)
		}
		return cmpOrdered(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("kvrecord: incomparable values %T and %T", a, b)
		}
		if av == bv {
			return 0, nil
		}
		if !av {
			return -1, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("kvrecord: unsupported comparison type %T", a)
	}
}

func cmpOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FieldDescriptor describes one field of an object type (spec.md §3).
type FieldDescriptor struct {
	Name      string
	StorageID uint32
	Kind      FieldKind

	// Primitive names the underlying scalar encoding for Simple fields
	// (and, recursively, for a Map's Key or a Set/List's Elem when that
	// sub-descriptor is itself Simple). It tells the encoding layer which
	// of enc's typed encoders to use. Counter fields always use the int64
	// encoding and do not read it.
	Primitive enc.Kind

	// Elem is the element descriptor for Set/List/EnumArray, and the
	// value descriptor for Map.
	Elem *FieldDescriptor
	// Key is the key descriptor for Map fields.
	Key *FieldDescriptor

	Indexed bool

	// ReferenceTargets restricts a Reference field's allowed runtime
	// target types by storage id; empty means any type is allowed.
	ReferenceTargets []uint32
	InverseDelete    InverseDeleteAction
	ForwardDelete    bool
	AllowDeleted     bool
	ForwardCascades  map[string]bool
	InverseCascades  map[string]bool

	Unique  bool
	Exclude *ExcludeValues

	Upgrade UpgradePolicy

	// EnumIdentifiers is the ordered identifier list for Enum/EnumArray
	// fields; ordinal is the position within this slice.
	EnumIdentifiers []string
}

// EnumOrdinal returns the ordinal of name within the field's declared
// identifiers, or -1 if absent.
func (f *FieldDescriptor) EnumOrdinal(name string) int {
	for i, n := range f.EnumIdentifiers {
		if n == name {
			return i
		}
	}
	return -1
}

// AllowsTarget reports whether a reference field may point at a type
// with the given storage id.
func (f *FieldDescriptor) AllowsTarget(typeStorageID uint32) bool {
	if len(f.ReferenceTargets) == 0 {
		return true
	}
	for _, id := range f.ReferenceTargets {
		if id == typeStorageID {
			return true
		}
	}
	return false
}

// ObjectTypeDescriptor is one entry in a schema (spec.md §3).
type ObjectTypeDescriptor struct {
	Name      string
	StorageID uint32
	Fields    []*FieldDescriptor

	fieldByName      map[string]*FieldDescriptor
	fieldByStorageID map[uint32]*FieldDescriptor
}

func (t *ObjectTypeDescriptor) index() {
	t.fieldByName = make(map[string]*FieldDescriptor, len(t.Fields))
	t.fieldByStorageID = make(map[uint32]*FieldDescriptor, len(t.Fields))
	for _, f := range t.Fields {
		t.fieldByName[f.Name] = f
		t.fieldByStorageID[f.StorageID] = f
	}
}

// Field looks up a field descriptor by name.
func (t *ObjectTypeDescriptor) Field(name string) (*FieldDescriptor, bool) {
	if t.fieldByName == nil {
		t.index()
	}
	f, ok := t.fieldByName[name]
	return f, ok
}

// FieldByStorageID looks up a field descriptor by its storage id.
func (t *ObjectTypeDescriptor) FieldByStorageID(id uint32) (*FieldDescriptor, bool) {
	if t.fieldByStorageID == nil {
		t.index()
	}
	f, ok := t.fieldByStorageID[id]
	return f, ok
}

// TupleExclusion is one exclusion entry for a composite index: a
// per-position matcher (spec.md §4.8).
type TupleExclusion struct {
	Positions []*ExcludeValues
}

// Matches reports whether every position of values is matched by the
// corresponding positional exclusion. A composite value is excluded iff
// *some* TupleExclusion matches all positions (spec.md §4.8); callers OR
// the result of this method across the declared exclusion list.
func (e *TupleExclusion) Matches(values []any) bool {
	if len(values) != len(e.Positions) {
		return false
	}
	for i, pos := range e.Positions {
		if !pos.Matches(values[i]) {
			return false
		}
	}
	return true
}

// CompositeIndexDescriptor is a schema-level index over an ordered list
// of 2-4 simple fields (spec.md §3).
type CompositeIndexDescriptor struct {
	Name      string
	StorageID uint32
	Fields    []string // field names, in index order
	Unique    bool
	Exclude   []*TupleExclusion
}

// ExcludedByAny reports whether values is excluded by any declared
// TupleExclusion.
func (c *CompositeIndexDescriptor) ExcludedByAny(values []any) bool {
	for _, e := range c.Exclude {
		if e.Matches(values) {
			return true
		}
	}
	return false
}

// Schema is an immutable, content-addressed set of object-type
// descriptors plus composite indexes (spec.md §3).
type Schema struct {
	ID               string
	Types            []*ObjectTypeDescriptor
	CompositeIndexes []*CompositeIndexDescriptor

	typeByName      map[string]*ObjectTypeDescriptor
	typeByStorageID map[uint32]*ObjectTypeDescriptor
}

func (s *Schema) index() {
	s.typeByName = make(map[string]*ObjectTypeDescriptor, len(s.Types))
	s.typeByStorageID = make(map[uint32]*ObjectTypeDescriptor, len(s.Types))
	for _, t := range s.Types {
		s.typeByName[t.Name] = t
		s.typeByStorageID[t.StorageID] = t
	}
}

// TypeByName looks up an object-type descriptor by name.
func (s *Schema) TypeByName(name string) (*ObjectTypeDescriptor, bool) {
	if s.typeByName == nil {
		s.index()
	}
	t, ok := s.typeByName[name]
	return t, ok
}

// TypeByStorageID looks up an object-type descriptor by storage id.
func (s *Schema) TypeByStorageID(id uint32) (*ObjectTypeDescriptor, bool) {
	if s.typeByStorageID == nil {
		s.index()
	}
	t, ok := s.typeByStorageID[id]
	return t, ok
}

// IsSubtype reports whether candidate is assignable to ancestor: either
// the same type, or (in this engine's flat type model) ancestor is the
// sentinel root type storage id 0, which spec.md's scenario 3 calls
// "Object" — the supertype every declared type is assignable to.
func IsSubtype(candidate, ancestor uint32) bool {
	return ancestor == 0 || candidate == ancestor
}
