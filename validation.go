/*
Package kvrecord – validation & uniqueness.

Grounded on the donor's validateSchema/checkUnique passes (LSI
uniqueness rules enforced against a proposed schema before it's saved) —
generalized from a one-shot schema check into spec.md §4.8's per-commit
to-validate queue: predicate validators plus unique/composite-unique
constraints, each checked once per enqueued object at commit time.
*/
package kvrecord

import (
	"fmt"

	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
)

// Validator accumulates the set of objects touched during a transaction
// that require a validation pass before commit, and performs that pass
// exactly once per object regardless of how many times it was enqueued
// (spec.md §4.8, "to-validate queue, deduplicated").
type Validator struct {
	tx      *Txn
	pending map[objid.ID]bool
	order   []objid.ID
}

func newValidator(tx *Txn) *Validator {
	return &Validator{tx: tx, pending: make(map[objid.ID]bool)}
}

// Enqueue marks id for validation at the next Run.
func (v *Validator) Enqueue(id objid.ID) {
	if v.pending[id] {
		return
	}
	v.pending[id] = true
	v.order = append(v.order, id)
}

// Run validates every enqueued object: user-declared predicates, simple
// unique constraints, and composite-unique constraints. The queue is
// drained (not just iterated) so a validator that itself mutates state
// and re-enqueues converges rather than looping forever on a fixed
// snapshot.
func (v *Validator) Run() error {
	for len(v.order) > 0 {
		id := v.order[0]
		v.order = v.order[1:]
		delete(v.pending, id)

		h, err := v.tx.Get(id, "")
		if err != nil {
			return err
		}
		if h == nil || h.typ == nil {
			continue
		}
		if err := v.validateObject(h); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateObject(h *Handle) error {
	for _, fn := range v.tx.registry.validatorsFor(h.typ.Name) {
		if err := fn(h); err != nil {
			return NewError(fmt.Sprintf("validation failed for %s: %v", h.id, err),
				WithKind(ErrValidation), WithCause(err))
		}
	}
	for _, f := range h.typ.Fields {
		if f.Unique {
			if err := v.checkUniqueField(h, f); err != nil {
				return err
			}
		}
	}
	if v.tx.schema == nil {
		return nil
	}
	for _, ci := range v.tx.schema.CompositeIndexes {
		if !ci.Unique {
			continue
		}
		if !compositeTouchesType(ci, h.typ) {
			continue
		}
		if err := v.checkUniqueComposite(h, ci); err != nil {
			return err
		}
	}
	return nil
}

func compositeTouchesType(ci *CompositeIndexDescriptor, typ *ObjectTypeDescriptor) bool {
	for _, fn := range ci.Fields {
		if _, ok := typ.Field(fn); ok {
			return true
		}
	}
	return false
}

// checkUniqueField enforces that at most one live object holds a given
// value for a Unique simple field, unless that value is covered by the
// field's declared ExcludeValues set (spec.md §4.8: "unique constraints
// with exclusion sets — e.g. null, or a reserved range, may repeat").
func (v *Validator) checkUniqueField(h *Handle, f *FieldDescriptor) error {
	val, err := h.ReadField(f.Name)
	if err != nil {
		return err
	}
	if f.Exclude.Matches(val) {
		return nil
	}
	view := v.tx.idx.QuerySimpleIndex(v.tx.store, f.StorageID, nil)
	raw, _, err := encodeFieldValue(f.Kind, val)
	if err != nil {
		return err
	}
	hi := prefixUpperBound(raw)
	entries, err := view.WithValueBounds(raw, hi).Entries(v.tx.ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID != h.id {
			return NewError(fmt.Sprintf("unique constraint violated on field %q", f.Name), WithKind(ErrValidation),
				WithContext(map[string]any{"field": f.Name, "conflictingId": e.ID.String()}))
		}
	}
	return nil
}

// checkUniqueComposite enforces composite-unique indexes, honoring
// per-position exclusion tuples and ranges (spec.md §4.8).
func (v *Validator) checkUniqueComposite(h *Handle, ci *CompositeIndexDescriptor) error {
	tuple := make([]any, len(ci.Fields))
	kinds := make([]FieldKind, len(ci.Fields))
	for i, fn := range ci.Fields {
		f, ok := h.typ.Field(fn)
		if !ok {
			return nil
		}
		kinds[i] = f.Kind
		val, err := h.ReadField(fn)
		if err != nil {
			return err
		}
		tuple[i] = val
	}
	if ci.ExcludedByAny(tuple) {
		return nil
	}
	view := v.tx.idx.QueryCompositeIndex(v.tx.store, ci)
	key, err := compositeTupleKey(kinds, tuple)
	if err != nil {
		return err
	}
	hi := prefixUpperBound(key)
	entries, err := view.WithTupleBounds(key, hi).Entries(v.tx.ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID != h.id {
			return NewError(fmt.Sprintf("composite unique constraint %q violated", ci.Name), WithKind(ErrValidation),
				WithContext(map[string]any{"index": ci.Name, "conflictingId": e.ID.String()}))
		}
	}
	return nil
}
