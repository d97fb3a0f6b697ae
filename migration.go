/*
Package kvrecord – schema migration.

Grounded on the donor's itemToSchemaDef/ReadSchema reconstruction path
(decoding a previously-saved schema definition back into live types) —
generalized from "read the one saved schema" into spec.md §4.10's lazy,
per-object migration: an object is upgraded the first time it is
touched after the registry's current schema moves past the one it was
written under, field by field, per each field's declared UpgradePolicy.
*/
package kvrecord

import (
	"fmt"
	"strconv"

	"github.com/cloudxsgmbh/kvrecord-go/enc"
	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
)

// ensureCurrentSchema migrates rec in place to the registry's current
// schema if it was written under an older one, returning the possibly
// rewritten record and its resolved current-schema type. It returns
// (rec, nil, nil) unchanged when no migration is needed or possible (the
// type no longer exists in the current schema, in which case the caller
// falls back to an untyped handle).
func (t *Txn) ensureCurrentSchema(id objid.ID, rec *objectRecord) (*objectRecord, *ObjectTypeDescriptor, error) {
	if t.schema == nil || rec.SchemaID == "" || rec.SchemaID == t.schema.ID {
		return rec, nil, nil
	}

	typeStorageID, err := id.TypeID()
	if err != nil {
		return nil, nil, err
	}
	newType, ok := t.schema.TypeByStorageID(typeStorageID)
	if !ok {
		return rec, nil, nil
	}
	oldSchema, err := t.registry.Resolve(t.store, rec.SchemaID)
	if err != nil {
		return nil, nil, err
	}
	oldType, ok := oldSchema.TypeByStorageID(typeStorageID)
	if !ok {
		return rec, nil, nil
	}

	oldValues := make(map[string]any)
	for _, f := range oldType.Fields {
		if raw, ok := rec.Fields[f.Name]; ok {
			if v, err := t.decodeScalar(f, raw); err == nil {
				oldValues[f.Name] = v
			}
		}
	}

	newRec := &objectRecord{SchemaID: t.schema.ID, Fields: map[string][]byte{}}
	for _, f := range newType.Fields {
		oldF, hadField := oldType.Field(f.Name)
		raw, hadValue := rec.Fields[f.Name]

		// UpgradeReset always starts the field absent, even when the old
		// and new encodings are identical: the policy means "never carry
		// a prior value forward", not "carry forward when compatible".
		if f.Upgrade == UpgradeReset {
			continue
		}

		var converted []byte
		var ok bool
		if hadField && hadValue {
			converted, ok, err = t.convertFieldValue(oldF, f, raw)
			if err != nil {
				return nil, nil, err
			}
		}
		if ok {
			newRec.Fields[f.Name] = converted
			continue
		}
		if f.Upgrade == UpgradeRequire {
			return nil, nil, NewError(
				fmt.Sprintf("object %s missing required field %q after schema upgrade", id, f.Name),
				WithKind(ErrUpgradeConversion), WithContext(map[string]any{"field": f.Name}))
		}
		// UpgradeAttempt leaves the field absent when no compatible or
		// convertible prior value exists; a registered migration hook is
		// the place to synthesize one explicitly.
	}

	if err := t.putRecord(id, newRec); err != nil {
		return nil, nil, err
	}

	h := &Handle{tx: t, id: id, typ: newType}
	for _, hook := range t.registry.migrationHooksFor(newType.Name) {
		if err := hook(h, oldValues); err != nil {
			return nil, nil, NewError(fmt.Sprintf("migration hook failed for %s", id),
				WithKind(ErrUpgradeConversion), WithCause(err))
		}
	}
	t.logger.Trace("object migrated", map[string]any{
		"id": id.String(), "from": rec.SchemaID, "to": t.schema.ID,
	})

	final, err := t.getRecord(id)
	if err != nil {
		return nil, nil, err
	}
	return final, newType, nil
}

// convertFieldValue decodes raw under oldF, converts the resulting value
// to newF's shape per convertScalar, and re-encodes it under newF. ok is
// false when no conversion exists for the (oldF, newF) pair or the old
// value fails to decode — the caller treats that the same as a field
// with no prior value at all.
func (t *Txn) convertFieldValue(oldF, newF *FieldDescriptor, raw []byte) ([]byte, bool, error) {
	oldVal, err := t.decodeScalar(oldF, raw)
	if err != nil || oldVal == nil {
		return nil, false, nil
	}
	converted, ok := convertScalar(oldF, newF, oldVal)
	if !ok {
		return nil, false, nil
	}
	encoded, err := t.encodeScalar(newF, converted)
	if err != nil {
		return nil, false, nil
	}
	return encoded, true, nil
}

// convertScalar implements spec.md §4.10's ATTEMPT-policy value
// conversions across a schema-version encoding change: numeric
// widening/narrowing between int64 and float64, a to-string rendering
// of an int64, float64, bool or string value, and an enum identifier
// read out as a plain string; a bytes value has no to-string
// conversion. Fields whose kind and primitive are unchanged pass through
// unconverted.
func convertScalar(oldF, newF *FieldDescriptor, v any) (any, bool) {
	if oldF.Kind == newF.Kind && (oldF.Kind != FieldSimple || oldF.Primitive == newF.Primitive) {
		return v, true
	}
	if newF.Kind != FieldSimple {
		return nil, false
	}
	switch newF.Primitive {
	case enc.KindString:
		if oldF.Kind == FieldEnum {
			return v.(string), true
		}
		if oldF.Kind != FieldSimple {
			return nil, false
		}
		switch oldF.Primitive {
		case enc.KindInt64:
			return strconv.FormatInt(v.(int64), 10), true
		case enc.KindFloat64:
			return strconv.FormatFloat(v.(float64), 'g', -1, 64), true
		case enc.KindBool:
			return strconv.FormatBool(v.(bool)), true
		case enc.KindString:
			return v.(string), true
		}
	case enc.KindInt64:
		if oldF.Kind != FieldSimple {
			return nil, false
		}
		switch oldF.Primitive {
		case enc.KindInt64:
			return v.(int64), true
		case enc.KindFloat64:
			return int64(v.(float64)), true
		case enc.KindString:
			n, err := strconv.ParseInt(v.(string), 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		}
	case enc.KindFloat64:
		if oldF.Kind != FieldSimple {
			return nil, false
		}
		switch oldF.Primitive {
		case enc.KindFloat64:
			return v.(float64), true
		case enc.KindInt64:
			return float64(v.(int64)), true
		case enc.KindString:
			f, err := strconv.ParseFloat(v.(string), 64)
			if err != nil {
				return nil, false
			}
			return f, true
		}
	}
	return nil, false
}
