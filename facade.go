/*
Package kvrecord – typed facade.

Grounded on the donor's Model[T] generic wrapper (one Go struct type per
DynamoDB item shape, with Create/Get/Update methods bound to it) —
generalized into spec.md §4.9's typed facade: a per-type method table the
application registers once, plus an untyped fallback for objects whose
stored type no longer appears in the current schema.
*/
package kvrecord

// Field looks up the handle's field descriptor by name; ok is false for
// an untyped handle or an unknown field.
func (h *Handle) Field(name string) (*FieldDescriptor, bool) {
	if h.typ == nil {
		return nil, false
	}
	return h.typ.Field(name)
}

// facadeCtor builds an application-defined wrapper value around a
// Handle. Registered per type name via Registry.RegisterFacade.
type facadeCtor func(*Handle) any

// RegisterFacade installs the constructor used by Txn.Facade to produce
// a typed, application-defined wrapper for every handle of typeName
// (spec.md §4.9, "per-type method table"). Only one constructor may be
// registered per type; a later call replaces the former.
func (r *Registry) RegisterFacade(typeName string, ctor func(*Handle) any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.facades == nil {
		r.facades = make(map[string]facadeCtor)
	}
	r.facades[typeName] = ctor
}

func (r *Registry) facadeFor(typeName string) (facadeCtor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.facades[typeName]
	return ctor, ok
}

// Facade constructs h's registered application-defined wrapper, or
// returns ok=false if no facade constructor is registered for its type
// (including when h is untyped).
func (t *Txn) Facade(h *Handle) (wrapper any, ok bool) {
	if h.typ == nil {
		return nil, false
	}
	ctor, ok := t.registry.facadeFor(h.typ.Name)
	if !ok {
		return nil, false
	}
	return ctor(h), true
}

// UntypedObject is the fallback view for an object whose stored schema
// id no longer resolves to a type in the current schema at all — e.g. a
// type that was dropped from the application's declared schema but
// whose instances persist in the store (spec.md §4.9, "untyped handle
// for types not in current schema").
type UntypedObject struct {
	h *Handle
}

// Untyped wraps h as an UntypedObject regardless of whether h actually
// resolved to a type; useful for inspection tools and migrations that
// need to read raw field bytes without a schema.
func (h *Handle) Untyped() *UntypedObject { return &UntypedObject{h: h} }

// RawFields returns every field's raw encoded bytes as stored, keyed by
// field name, without any type-directed decoding.
func (u *UntypedObject) RawFields() (map[string][]byte, error) {
	rec, err := u.h.tx.getRecord(u.h.id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, NewError("object has been deleted", WithKind(ErrDeletedObject))
	}
	out := make(map[string][]byte, len(rec.Fields))
	for k, v := range rec.Fields {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// SchemaID returns the schema id the object is currently stored under.
func (u *UntypedObject) SchemaID() (string, error) {
	rec, err := u.h.tx.getRecord(u.h.id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", NewError("object has been deleted", WithKind(ErrDeletedObject))
	}
	return rec.SchemaID, nil
}
