/*
Package kvrecord – core transaction.

Adapted from the donor's model.go CRUD surface (Create/Get/Find/Update/
Remove, parseResponse/transformReadAttribute, validateProperties) —
generalized from one DynamoDB item shape into the object/index engine
spec.md §4.5 describes: create/get/exists/delete, typed field read/
write with index maintenance, collection accessors, index queries, and
validate/commit.
*/
package kvrecord

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

// objectRecord is the header row's wire shape: the schema id the object
// is currently stored under, plus encoded bytes for every simple,
// counter, reference and enum field (spec.md §4.2: "per-object header
// byte (schema id) + inline simple-field values").
type objectRecord struct {
	SchemaID string
	Fields   map[string][]byte
}

// Txn is the read/write surface over the K-V gateway (spec.md §4.5).
// Callers obtain one via Open and must call Commit or Rollback exactly
// once.
type Txn struct {
	ctx      context.Context
	store    storekv.StoreTx
	registry *Registry
	gw       *Gateway
	schema   *Schema
	logger   Logger
	opts     Options

	idx   *IndexManager
	refs  *ReferenceEngine
	valid *Validator
	notif *Notifier

	deleting map[objid.ID]bool // cycle breaker for cascade delete
}

// Open starts a transaction against store using the registry's current
// schema.
func Open(ctx context.Context, store storekv.Store, registry *Registry, gw *Gateway, logger Logger) (*Txn, error) {
	stx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NopLogger{}
	}
	t := &Txn{
		ctx:      ctx,
		store:    stx,
		registry: registry,
		gw:       gw,
		schema:   registry.Current(),
		logger:   logger,
		opts:     registry.opts,
		deleting: make(map[objid.ID]bool),
	}
	t.idx = newIndexManager(gw, logger)
	t.refs = newReferenceEngine(t)
	t.valid = newValidator(t)
	t.notif = newNotifier(t)
	return t, nil
}

// Handle is a borrow-like typed view bound to the transaction that
// produced it (spec.md §3: "handles returned to the application are
// borrow-like views bound to that transaction").
type Handle struct {
	tx   *Txn
	id   objid.ID
	typ  *ObjectTypeDescriptor // nil => untyped handle
}

// ID returns the handle's object id.
func (h *Handle) ID() objid.ID { return h.id }

// Typed reports whether the handle carries a resolved type descriptor.
func (h *Handle) Typed() bool { return h.typ != nil }

// TypeName returns the handle's resolved type name, or "" if untyped.
func (h *Handle) TypeName() string {
	if h.typ == nil {
		return ""
	}
	return h.typ.Name
}

func (t *Txn) requireType(name string) (*ObjectTypeDescriptor, error) {
	if t.schema == nil {
		return nil, NewError("no schema registered", WithKind(ErrInvalidSchema))
	}
	typ, ok := t.schema.TypeByName(name)
	if !ok {
		return nil, NewError(fmt.Sprintf("unknown object type %q", name), WithKind(ErrTypeNotInSchema))
	}
	return typ, nil
}

// Create allocates an ObjId, writes the schema-id header with every field
// left absent, and returns a typed handle (spec.md §4.5).
func (t *Txn) Create(typeName string) (*Handle, error) {
	typ, err := t.requireType(typeName)
	if err != nil {
		return nil, err
	}
	id, err := objid.New(typ.StorageID, func(candidate objid.ID) bool {
		v, _ := t.store.Get(t.gw.ObjectKey(candidate))
		return v != nil
	})
	if err != nil {
		return nil, err
	}
	rec := &objectRecord{SchemaID: t.schema.ID, Fields: map[string][]byte{}}
	for _, f := range typ.Fields {
		switch f.Kind {
		case FieldSimple, FieldCounter, FieldReference, FieldEnum, FieldEnumArray:
			// left absent: ReadField reports an absent field as nil, and
			// Counter.Get reports an absent counter as 0.
		}
	}
	if err := t.putRecord(id, rec); err != nil {
		return nil, err
	}
	t.logger.Trace("object created", map[string]any{"id": id.String(), "type": typeName})
	return &Handle{tx: t, id: id, typ: typ}, nil
}

func (t *Txn) putRecord(id objid.ID, rec *objectRecord) error {
	b, err := msgpack.Marshal(rec)
	if err != nil {
		return NewError("failed to encode object record", WithKind(ErrInvalidEncoding), WithCause(err))
	}
	return t.store.Put(t.gw.ObjectKey(id), b)
}

func (t *Txn) getRecord(id objid.ID) (*objectRecord, error) {
	raw, err := t.store.Get(t.gw.ObjectKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec objectRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, NewError("failed to decode object record", WithKind(ErrInvalidEncoding), WithCause(err))
	}
	return &rec, nil
}

// Exists reports whether id currently names a live object.
func (t *Txn) Exists(id objid.ID) (bool, error) {
	rec, err := t.getRecord(id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Get returns a typed handle if the stored schema id is known and the
// type matches; if the stored type is not in the current schema, it
// returns an untyped handle (spec.md §4.5). typeName == "" skips the
// type-match check (the caller will discover the type from the handle).
func (t *Txn) Get(id objid.ID, typeName string) (*Handle, error) {
	rec, err := t.getRecord(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	rec, migratedTyp, err := t.ensureCurrentSchema(id, rec)
	if err != nil {
		return nil, err
	}
	typeStorageID, err := id.TypeID()
	if err != nil {
		return nil, NewError("invalid object id", WithKind(ErrInvalidEncoding), WithCause(err))
	}
	var typ *ObjectTypeDescriptor
	if migratedTyp != nil {
		typ = migratedTyp
	} else if t.schema != nil {
		typ, _ = t.schema.TypeByStorageID(typeStorageID)
	}
	if typ == nil {
		return &Handle{tx: t, id: id, typ: nil}, nil
	}
	if typeName != "" && typ.Name != typeName {
		return nil, NewError(fmt.Sprintf("object %s has type %q, requested %q", id, typ.Name, typeName),
			WithKind(ErrTypeNotInSchema))
	}
	return &Handle{tx: t, id: id, typ: typ}, nil
}

// Delete removes the object, returning true exactly for the first
// successful deletion (spec.md §3, §4.5). Inverse-delete actions and
// forward-delete cascades run via the reference engine.
func (t *Txn) Delete(id objid.ID) (bool, error) {
	return t.refs.Delete(id)
}

// deleteRaw performs the low-level removal of one object's rows:
// header, out-of-line field rows, and every index entry it participates
// in. The reference engine calls this after resolving cascades; it does
// not itself walk references.
func (t *Txn) deleteRaw(id objid.ID) error {
	rec, err := t.getRecord(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	typeStorageID, err := id.TypeID()
	if err != nil {
		return err
	}
	typ, _ := t.schemaForRecord(rec)
	if typ == nil && t.schema != nil {
		typ, _ = t.schema.TypeByStorageID(typeStorageID)
	}
	if typ != nil {
		for _, f := range typ.Fields {
			if err := t.clearFieldIndexes(id, typ, f, rec); err != nil {
				return err
			}
			if f.Kind == FieldSet || f.Kind == FieldList || f.Kind == FieldMap {
				from, to, err := t.gw.FieldScanBounds(f.StorageID, id)
				if err != nil {
					return err
				}
				if err := t.store.DeleteRange(from, to); err != nil {
					return err
				}
			}
		}
		for _, ci := range t.schema.CompositeIndexes {
			if !compositeTouchesType(ci, typ) {
				continue
			}
			tuple, kinds := make([]any, len(ci.Fields)), make([]FieldKind, len(ci.Fields))
			for i, fn := range ci.Fields {
				if f, ok := typ.Field(fn); ok {
					kinds[i] = f.Kind
					tuple[i], _ = t.decodeScalar(f, rec.Fields[fn])
				}
			}
			if err := t.idx.MaintainComposite(t.store, ci, kinds, tuple, nil, id); err != nil {
				return err
			}
		}
	}
	return t.store.Delete(t.gw.ObjectKey(id))
}

func (t *Txn) schemaForRecord(rec *objectRecord) (*ObjectTypeDescriptor, *Schema) {
	if rec.SchemaID == "" {
		return nil, nil
	}
	s, ok := t.registry.SchemaByID(rec.SchemaID)
	if !ok {
		return nil, nil
	}
	return nil, s
}

// clearFieldIndexes removes every index entry a field currently
// contributes, used during delete. Only FieldReference always maintains
// its internal lookup index regardless of Indexed (cascades must always
// find their holders); simple/enum fields are indexed, and hence cleared,
// only when declared Indexed or Unique (spec.md §4.6, "for each simple
// index on the field").
func (t *Txn) clearFieldIndexes(id objid.ID, typ *ObjectTypeDescriptor, f *FieldDescriptor, rec *objectRecord) error {
	switch f.Kind {
	case FieldReference:
	case FieldSimple, FieldEnum:
		if !f.Indexed && !f.Unique {
			return nil
		}
	default:
		return nil
	}
	raw, ok := rec.Fields[f.Name]
	if !ok {
		return nil
	}
	val, err := t.decodeScalar(f, raw)
	if err != nil {
		return nil // best-effort on delete
	}
	return t.idx.MaintainSimple(t.store, f.StorageID, f.Kind, val, nil, id)
}

// Validate runs the full validation queue (spec.md §4.8).
func (t *Txn) Validate() error { return t.valid.Run() }

// Commit runs Validate then delegates to the K-V gateway (spec.md
// §4.5).
func (t *Txn) Commit() error {
	if err := t.Validate(); err != nil {
		return err
	}
	return t.store.Commit(t.ctx)
}

// Rollback abandons the transaction.
func (t *Txn) Rollback() error { return t.store.Rollback(t.ctx) }

// --- scalar field read/write ---

func (t *Txn) decodeScalar(f *FieldDescriptor, raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch f.Kind {
	case FieldReference:
		if len(raw) != objid.Width {
			return nil, NewError("invalid reference encoding", WithKind(ErrInvalidEncoding))
		}
		var id objid.ID
		copy(id[:], raw)
		return id, nil
	case FieldEnum:
		name, ordinal, _, err := enc.DecodeEnumPrefix(raw)
		if err != nil {
			return nil, NewError("invalid enum encoding", WithKind(ErrInvalidEncoding), WithCause(err))
		}
		if f.EnumOrdinal(name) != int(ordinal) {
			return nil, nil // stored pair no longer matches declared identifiers
		}
		return name, nil
	case FieldEnumArray:
		return decodeEnumArray(f, raw)
	case FieldCounter:
		return enc.DecodeInt64(raw)
	default:
		switch f.Primitive {
		case enc.KindBool:
			return enc.DecodeBool(raw)
		case enc.KindInt64:
			return enc.DecodeInt64(raw)
		case enc.KindFloat64:
			return enc.DecodeFloat64(raw)
		case enc.KindString:
			s, _, err := enc.DecodeStringPrefix(raw)
			return s, err
		case enc.KindBytes:
			b, _, err := enc.DecodeBytesPrefix(raw)
			return b, err
		default:
			return nil, NewError("field has no declared primitive encoding", WithKind(ErrInvalidSchema),
				WithContext(map[string]any{"field": f.Name}))
		}
	}
}

func (t *Txn) encodeScalar(f *FieldDescriptor, v any) ([]byte, error) {
	switch f.Kind {
	case FieldReference:
		id, ok := v.(objid.ID)
		if !ok {
			return nil, NewError("reference field requires an ObjId value", WithKind(ErrInvalidEncoding))
		}
		return append([]byte(nil), id[:]...), nil
	case FieldEnum:
		name, ok := v.(string)
		if !ok {
			return nil, NewError("enum field requires a string identifier", WithKind(ErrInvalidEncoding))
		}
		ord := f.EnumOrdinal(name)
		if ord < 0 {
			return nil, NewError(fmt.Sprintf("unknown enum identifier %q", name), WithKind(ErrInvalidEncoding))
		}
		return enc.EncodeEnum(name, int32(ord)), nil
	case FieldEnumArray:
		names, ok := v.([]string)
		if !ok {
			return nil, NewError("enum-array field requires a []string value", WithKind(ErrInvalidEncoding))
		}
		return encodeEnumArray(f, names)
	default:
		raw, _, err := encodeFieldValue(f.Kind, v)
		return raw, err
	}
}

// encodeEnumArray encodes an ordered list of enum identifiers as a
// sequence of (more-marker, name, ordinal) components followed by a
// terminator byte marking the end of the array (spec.md §4.1, "arrays
// and nested arrays encode with a terminator byte").
func encodeEnumArray(f *FieldDescriptor, names []string) ([]byte, error) {
	out := make([]byte, 0, len(names)*8)
	for _, name := range names {
		ord := f.EnumOrdinal(name)
		if ord < 0 {
			return nil, NewError(fmt.Sprintf("unknown enum identifier %q", name), WithKind(ErrInvalidEncoding))
		}
		out = append(out, enumArrayMore)
		out = append(out, enc.EncodeEnum(name, int32(ord))...)
	}
	out = append(out, enumArrayEnd)
	return out, nil
}

// decodeEnumArray reverses encodeEnumArray.
func decodeEnumArray(f *FieldDescriptor, raw []byte) ([]string, error) {
	var names []string
	rest := raw
	for len(rest) > 0 {
		marker := rest[0]
		rest = rest[1:]
		if marker == enumArrayEnd {
			break
		}
		name, ordinal, next, err := enc.DecodeEnumPrefix(rest)
		if err != nil {
			return nil, NewError("invalid enum-array encoding", WithKind(ErrInvalidEncoding), WithCause(err))
		}
		if f.EnumOrdinal(name) != int(ordinal) {
			return nil, nil // stored element no longer matches declared identifiers
		}
		names = append(names, name)
		rest = next
	}
	return names, nil
}

const (
	enumArrayMore byte = 0x01
	enumArrayEnd  byte = 0x00
)

// ReadField reads a simple/counter/reference/enum field (spec.md §4.5).
func (h *Handle) ReadField(name string) (any, error) {
	if h.typ == nil {
		return nil, NewError("untyped handle cannot read fields", WithKind(ErrTypeNotInSchema))
	}
	f, ok := h.typ.Field(name)
	if !ok {
		return nil, NewError(fmt.Sprintf("no such field %q", name), WithKind(ErrInvalidSchema))
	}
	rec, err := h.tx.getRecord(h.id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, NewError("object has been deleted", WithKind(ErrDeletedObject))
	}
	raw, ok := rec.Fields[name]
	if !ok {
		return nil, nil
	}
	return h.tx.decodeScalar(f, raw)
}

// WriteField writes a simple/counter/reference/enum field with type
// checking; writing an indexed field updates the associated index
// atomically in-transaction (spec.md §4.5).
func (h *Handle) WriteField(name string, value any) error {
	if h.typ == nil {
		return NewError("untyped handle cannot write fields", WithKind(ErrTypeNotInSchema))
	}
	f, ok := h.typ.Field(name)
	if !ok {
		return NewError(fmt.Sprintf("no such field %q", name), WithKind(ErrInvalidSchema))
	}
	if f.Kind == FieldReference && value != nil {
		target, ok := value.(objid.ID)
		if !ok {
			return NewError("reference field requires an ObjId value", WithKind(ErrIncompatibleReference))
		}
		targetTypeID, err := target.TypeID()
		if err != nil {
			return NewError("invalid reference target id", WithKind(ErrIncompatibleReference), WithCause(err))
		}
		if !f.AllowsTarget(targetTypeID) {
			return NewError("reference target type outside declared restriction", WithKind(ErrIncompatibleReference))
		}
		if !f.AllowDeleted {
			live, err := h.tx.Exists(target)
			if err != nil {
				return err
			}
			if !live {
				return NewError("reference target does not exist", WithKind(ErrDeletedObject))
			}
		}
	}

	rec, err := h.tx.getRecord(h.id)
	if err != nil {
		return err
	}
	if rec == nil {
		return NewError("object has been deleted", WithKind(ErrDeletedObject))
	}
	var oldVal any
	if raw, ok := rec.Fields[name]; ok {
		oldVal, _ = h.tx.decodeScalar(f, raw)
	}

	if value == nil {
		delete(rec.Fields, name)
	} else {
		raw, err := h.tx.encodeScalar(f, value)
		if err != nil {
			return err
		}
		rec.Fields[name] = raw
	}
	if err := h.tx.putRecord(h.id, rec); err != nil {
		return err
	}

	if f.Kind != FieldCounter {
		// FieldReference always maintains its internal lookup index, even
		// when not Indexed, so inverse-delete cascades always find their
		// holders; simple/enum fields maintain a queryable index only when
		// declared Indexed or Unique, the unique check reading that index
		// (spec.md §4.6, "for each simple index on the field").
		if f.Kind == FieldReference || ((f.Indexed || f.Unique) && (f.Kind == FieldSimple || f.Kind == FieldEnum)) {
			if err := h.tx.idx.MaintainSimple(h.tx.store, f.StorageID, f.Kind, oldVal, value, h.id); err != nil {
				return err
			}
		}
		if err := h.tx.maintainComposites(h.id, h.typ, name, oldVal, value); err != nil {
			return err
		}
		h.tx.notif.FieldChanged(h.id, h.typ, f, oldVal, value)
	}
	// Every written object is queued for its full validation pass at
	// commit time, not just when the changed field itself is Unique: a
	// type-level predicate validator or a composite-unique index that
	// doesn't mark any one field Unique must still see the object.
	h.tx.valid.Enqueue(h.id)
	return nil
}

// maintainComposites recomputes every composite index that contains the
// changed field.
func (t *Txn) maintainComposites(id objid.ID, typ *ObjectTypeDescriptor, changedField string, oldVal, newVal any) error {
	if t.schema == nil {
		return nil
	}
	for _, ci := range t.schema.CompositeIndexes {
		contains := false
		for _, fn := range ci.Fields {
			if fn == changedField {
				contains = true
				break
			}
		}
		if !contains {
			continue
		}
		oldTuple := make([]any, len(ci.Fields))
		newTuple := make([]any, len(ci.Fields))
		kinds := make([]FieldKind, len(ci.Fields))
		for i, fn := range ci.Fields {
			f, ok := typ.Field(fn)
			if !ok {
				return nil
			}
			kinds[i] = f.Kind
			if fn == changedField {
				oldTuple[i], newTuple[i] = oldVal, newVal
				continue
			}
			v, err := h0ReadRaw(t, id, f)
			if err != nil {
				return err
			}
			oldTuple[i], newTuple[i] = v, v
		}
		if err := t.idx.MaintainComposite(t.store, ci, kinds, oldTuple, newTuple, id); err != nil {
			return err
		}
	}
	return nil
}

func h0ReadRaw(t *Txn, id objid.ID, f *FieldDescriptor) (any, error) {
	rec, err := t.getRecord(id)
	if err != nil || rec == nil {
		return nil, err
	}
	raw, ok := rec.Fields[f.Name]
	if !ok {
		return nil, nil
	}
	return t.decodeScalar(f, raw)
}

// Counter returns a handle-bound counter view.
type Counter struct {
	h *Handle
	f *FieldDescriptor
}

// Counter materializes the counter accessor for name, bypassing the
// change-notification machinery (spec.md §4.9).
func (h *Handle) Counter(name string) (*Counter, error) {
	if h.typ == nil {
		return nil, NewError("untyped handle has no counters", WithKind(ErrTypeNotInSchema))
	}
	f, ok := h.typ.Field(name)
	if !ok || f.Kind != FieldCounter {
		return nil, NewError(fmt.Sprintf("%q is not a counter field", name), WithKind(ErrInvalidSchema))
	}
	return &Counter{h: h, f: f}, nil
}

// Get returns the counter's current value (0 if never set).
func (c *Counter) Get() (int64, error) {
	rec, err := c.h.tx.getRecord(c.h.id)
	if err != nil || rec == nil {
		return 0, err
	}
	raw, ok := rec.Fields[c.f.Name]
	if !ok {
		return 0, nil
	}
	return enc.DecodeInt64(raw)
}

// Set assigns the counter's value directly.
func (c *Counter) Set(v int64) error {
	rec, err := c.h.tx.getRecord(c.h.id)
	if err != nil {
		return err
	}
	if rec == nil {
		return NewError("object has been deleted", WithKind(ErrDeletedObject))
	}
	rec.Fields[c.f.Name] = enc.EncodeInt64(v)
	return c.h.tx.putRecord(c.h.id, rec)
}

// Adjust atomically adds delta to the counter and returns the new value.
func (c *Counter) Adjust(delta int64) (int64, error) {
	cur, err := c.Get()
	if err != nil {
		return 0, err
	}
	next := cur + delta
	if err := c.Set(next); err != nil {
		return 0, err
	}
	return next, nil
}

// QuerySimpleIndex returns an ordered map value → ordered set<object-id>
// restricted to objects whose runtime type is assignable to startType
// (spec.md §4.5). valueKind must be comparable to the index's declared
// type or IncomparableValueType is raised.
func (t *Txn) QuerySimpleIndex(startType, fieldName string, valueKind enc.Kind) (*SimpleView, error) {
	f, typeID, err := t.resolveIndexedField(startType, fieldName)
	if err != nil {
		return nil, err
	}
	if !primitiveComparable(f, valueKind) {
		return nil, NewError("query value type not comparable to declared index type", WithKind(ErrIncomparableValueType))
	}
	return t.idx.QuerySimpleIndex(t.store, f.StorageID, &typeID), nil
}

func primitiveComparable(f *FieldDescriptor, k enc.Kind) bool {
	switch f.Kind {
	case FieldReference:
		return k == enc.KindObjID
	case FieldEnum:
		return k == enc.KindString
	default:
		return f.Primitive == k
	}
}

func (t *Txn) resolveIndexedField(startType, fieldName string) (*FieldDescriptor, uint32, error) {
	typ, err := t.requireType(startType)
	if err != nil {
		return nil, 0, err
	}
	f, ok := typ.Field(fieldName)
	if !ok {
		return nil, 0, NewError(fmt.Sprintf("no such field %q", fieldName), WithKind(ErrInvalidSchema))
	}
	return f, typ.StorageID, nil
}

// QueryCompositeIndex returns a lazy view over a composite index
// declared by name in the current schema (spec.md §4.5).
func (t *Txn) QueryCompositeIndex(indexName string) (*CompositeView, error) {
	if t.schema == nil {
		return nil, NewError("no schema registered", WithKind(ErrInvalidSchema))
	}
	for _, ci := range t.schema.CompositeIndexes {
		if ci.Name == indexName {
			return t.idx.QueryCompositeIndex(t.store, ci), nil
		}
	}
	return nil, NewError(fmt.Sprintf("no such composite index %q", indexName), WithKind(ErrInvalidSchema))
}
