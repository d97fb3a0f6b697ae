/*
Package kvrecord – change notifications.

Grounded on the donor's listener-free update path generalized using the
same path-expression idea normddb's design notes sketch for propagating
index maintenance across related entities — here specialized to spec.md
§4.7's change-notification surface: forward paths ("->field",
"->list.element", "->map.key"/"->map.value") and inverse paths
("<-Type.field"), composed left-to-right into multi-hop listener paths
that fire when the field they ultimately watch changes anywhere along
the chain.
*/
package kvrecord

import (
	"fmt"
	"strings"

	"github.com/cloudxsgmbh/kvrecord-go/internal/objid"
)

// NotificationEvent describes one field change delivered to a registered
// listener (spec.md §4.7).
type NotificationEvent struct {
	ObjectID objid.ID
	TypeName string
	Field    string
	OldValue any
	NewValue any
}

// Notifier dispatches NotificationEvents to listeners registered on the
// transaction's registry.
type Notifier struct {
	tx *Txn
}

func newNotifier(tx *Txn) *Notifier { return &Notifier{tx: tx} }

// FieldChanged notifies listeners of a simple/counter/reference/enum
// field mutation on id.
func (n *Notifier) FieldChanged(id objid.ID, typ *ObjectTypeDescriptor, f *FieldDescriptor, oldVal, newVal any) {
	if typ == nil {
		return
	}
	n.dispatch(id, typ, f.Name, "", oldVal, newVal)
}

// FieldCollectionChanged notifies listeners of a Set/List/Map field's
// element/key/value mutation (spec.md §4.7's "-> list.element", "->
// map.key", "-> map.value" path forms).
func (n *Notifier) FieldCollectionChanged(id objid.ID, typ *ObjectTypeDescriptor, f *FieldDescriptor, component string, oldVal, newVal any) {
	if typ == nil {
		return
	}
	n.dispatch(id, typ, f.Name, component, oldVal, newVal)
}

// ObjectDeleted is a no-op hook point kept symmetrical with FieldChanged;
// deletions notify through the reference engine's inverse actions
// (nullify/remove/cascade) rather than a separate path form, matching
// spec.md §4.7's description of delete consequences as distinct from
// field-level change notification.
func (n *Notifier) ObjectDeleted(objid.ID) {}

// dispatch is the single entry point every field/collection mutation
// funnels through: every registered listener's path is tried against
// this one event.
func (n *Notifier) dispatch(id objid.ID, typ *ObjectTypeDescriptor, fieldName, component string, oldVal, newVal any) {
	if n.tx.registry == nil {
		return
	}
	for _, rl := range n.tx.registry.listenerRegistrations() {
		if len(rl.resolved) == 0 {
			continue // failed or not-yet-resolved registration; Load already reported any error
		}
		n.matchAndDispatch(rl, id, typ, fieldName, component, oldVal, newVal)
	}
}

// matchAndDispatch checks whether this mutation matches rl's last path
// step and, if so, walks the remaining steps backward to find the root
// object(s) to notify. A listener's last step matches in exactly one of
// three mutually exclusive ways:
//
//   - inverse ("<-OtherType.field"): the mutation is that exact reference
//     field changing on an OtherType object; the old/new reference values
//     ARE the objects one step closer to root.
//   - direct ("->field[.component]"): the mutation is that exact field or
//     component changing on an object of the step's holder type; the
//     mutated object itself is one step closer to root.
//   - endpoint ("->field" where field is reference-typed and terminal, so
//     the path has nowhere further to go): the mutation is ANY field
//     changing on an object reached by following that reference, per
//     spec.md §4.7's "path's final token may be empty, meaning any field
//     at the endpoint".
func (n *Notifier) matchAndDispatch(rl *registeredListener, id objid.ID, typ *ObjectTypeDescriptor, fieldName, component string, oldVal, newVal any) {
	last := rl.resolved[len(rl.resolved)-1]
	step := last.step

	if step.inverse {
		if step.otherType != typ.Name || step.field != fieldName {
			return
		}
		var targets []objid.ID
		if tid, ok := oldVal.(objid.ID); ok {
			targets = append(targets, tid)
		}
		if tid, ok := newVal.(objid.ID); ok && (len(targets) == 0 || targets[0] != tid) {
			targets = append(targets, tid)
		}
		n.resolveAndFire(rl, len(rl.resolved)-2, targets, fieldName, oldVal, newVal)
		return
	}

	if step.field == fieldName && step.component == component {
		if typeIn(last.holderTypes, typ) {
			n.resolveAndFire(rl, len(rl.resolved)-2, []objid.ID{id}, fieldName, oldVal, newVal)
		}
		return
	}

	if len(last.nextTypes) > 0 && typeIn(last.nextTypes, typ) {
		n.resolveAndFire(rl, len(rl.resolved)-1, []objid.ID{id}, fieldName, oldVal, newVal)
	}
}

// resolveAndFire walks ids backward through rl.resolved[0..uptoStep] and
// fires rl.fn once per distinct root object reached whose runtime type
// matches the path's declared root.
func (n *Notifier) resolveAndFire(rl *registeredListener, uptoStep int, ids []objid.ID, fieldName string, oldVal, newVal any) {
	roots, err := n.walkBackward(rl, uptoStep, ids)
	if err != nil {
		n.tx.logger.Error("change-notification backward walk failed", map[string]any{"path": rl.raw, "err": err.Error()})
		return
	}
	for _, rootID := range roots {
		rootTypeID, err := rootID.TypeID()
		if err != nil {
			continue
		}
		rootType, ok := n.tx.schema.TypeByStorageID(rootTypeID)
		if !ok || rootType.Name != rl.path.root {
			continue
		}
		ev := NotificationEvent{ObjectID: rootID, TypeName: rootType.Name, Field: fieldName, OldValue: oldVal, NewValue: newVal}
		if err := rl.fn(ev); err != nil {
			n.tx.logger.Error("notification listener failed", map[string]any{"path": rl.raw, "err": err.Error()})
		}
	}
}

// walkBackward follows rl.resolved[uptoStep], then [uptoStep-1], ...,
// down to [0], at each step replacing the current id set with every
// object that reaches it via that step's field.
func (n *Notifier) walkBackward(rl *registeredListener, uptoStep int, ids []objid.ID) ([]objid.ID, error) {
	cur := ids
	for i := uptoStep; i >= 0 && len(cur) > 0; i-- {
		rs := rl.resolved[i]
		var next []objid.ID
		for _, target := range cur {
			holders, err := n.holdersOfStep(rs, target)
			if err != nil {
				return nil, err
			}
			next = append(next, holders...)
		}
		cur = next
	}
	return cur, nil
}

// holdersOfStep returns every object, across all of rs's possible holder
// types, whose rs field currently points at (or, for a collection
// component, contains) target. A field with no component uses the
// reference lookup index directly; a Set/List/Map component has no
// reverse index, so its holder-type instances are scanned and tested for
// membership.
func (n *Notifier) holdersOfStep(rs resolvedStep, target objid.ID) ([]objid.ID, error) {
	var out []objid.ID
	for _, ht := range rs.holderTypes {
		f := rs.fieldsByType[ht.StorageID]
		if f == nil {
			continue
		}
		if rs.step.component == "" {
			ids, err := n.tx.idx.FindReferenceHolders(n.tx.store, f.StorageID, target)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
			continue
		}
		candidates, err := n.tx.scanObjectsOfType(ht.StorageID)
		if err != nil {
			return nil, err
		}
		for _, id := range candidates {
			ok, err := n.tx.collectionHoldsReference(id, f, rs.step.component, target)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// scanObjectsOfType returns every live object of typeStorageID.
func (t *Txn) scanObjectsOfType(typeStorageID uint32) ([]objid.ID, error) {
	from, to, err := t.gw.TypeScanBounds(typeStorageID)
	if err != nil {
		return nil, err
	}
	rows, err := scanAll(t.store, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]objid.ID, 0, len(rows))
	for _, row := range rows {
		if len(row.Key) != 1+objid.Width {
			continue
		}
		var id objid.ID
		copy(id[:], row.Key[1:])
		out = append(out, id)
	}
	return out, nil
}

// collectionHoldsReference reports whether holderID's f field currently
// holds target at the given component (element/key/value), by scanning
// f's out-of-line rows directly — Set/List/Map fields carry no reverse
// index of their own.
func (t *Txn) collectionHoldsReference(holderID objid.ID, f *FieldDescriptor, component string, target objid.ID) (bool, error) {
	from, to, err := t.gw.FieldScanBounds(f.StorageID, holderID)
	if err != nil {
		return false, err
	}
	rows, err := scanAll(t.store, from, to)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		var raw []byte
		switch component {
		case "element":
			if f.Kind == FieldSet {
				raw = row.Key[len(from):]
			} else {
				raw = row.Value
			}
		case "key":
			raw = row.Key[len(from):]
		case "value":
			raw = row.Value
		}
		if len(raw) != objid.Width {
			continue
		}
		var id objid.ID
		copy(id[:], raw)
		if id == target {
			return true, nil
		}
	}
	return false, nil
}

func typeIn(list []*ObjectTypeDescriptor, t *ObjectTypeDescriptor) bool {
	for _, c := range list {
		if c == t || c.Name == t.Name {
			return true
		}
	}
	return false
}

// --- path grammar (spec.md §4.7) ---

// pathStep is one hop of a parsed change-notification path.
type pathStep struct {
	inverse   bool   // "<-OtherType.field" instead of "->field[.component]"
	otherType string // set only when inverse
	field     string
	component string // "", "element", "key", or "value"
}

// notifyPath is a parsed RegisterListener path: a root type name followed
// by one or more steps composed left-to-right.
type notifyPath struct {
	raw   string
	root  string
	steps []pathStep
}

// parseNotifyPath splits raw on its "->"/"<-" arrows into a root type
// name and an ordered list of steps.
func parseNotifyPath(raw string) (*notifyPath, error) {
	type piece struct {
		arrow string
		body  string
	}
	var pieces []piece
	rest, arrow := raw, ""
	for {
		fi, ii := strings.Index(rest, "->"), strings.Index(rest, "<-")
		idx, next := -1, ""
		switch {
		case fi == -1 && ii == -1:
			// no more arrows in rest
		case fi == -1:
			idx, next = ii, "<-"
		case ii == -1:
			idx, next = fi, "->"
		case fi < ii:
			idx, next = fi, "->"
		default:
			idx, next = ii, "<-"
		}
		if idx == -1 {
			pieces = append(pieces, piece{arrow: arrow, body: rest})
			break
		}
		pieces = append(pieces, piece{arrow: arrow, body: rest[:idx]})
		rest, arrow = rest[idx+2:], next
	}
	if len(pieces) < 2 || pieces[0].body == "" {
		return nil, fmt.Errorf("malformed change-notification path %q", raw)
	}

	p := &notifyPath{raw: raw, root: pieces[0].body}
	for _, pc := range pieces[1:] {
		if pc.body == "" {
			return nil, fmt.Errorf("malformed change-notification path %q", raw)
		}
		switch pc.arrow {
		case "->":
			field, component := pc.body, ""
			if idx := strings.LastIndex(pc.body, "."); idx >= 0 {
				tail := pc.body[idx+1:]
				if tail == "element" || tail == "key" || tail == "value" {
					field, component = pc.body[:idx], tail
				}
			}
			if field == "" {
				return nil, fmt.Errorf("malformed change-notification path step %q", pc.body)
			}
			p.steps = append(p.steps, pathStep{field: field, component: component})
		case "<-":
			parts := strings.SplitN(pc.body, ".", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return nil, fmt.Errorf("malformed inverse path step %q", pc.body)
			}
			p.steps = append(p.steps, pathStep{inverse: true, otherType: parts[0], field: parts[1]})
		default:
			return nil, fmt.Errorf("malformed change-notification path %q", raw)
		}
	}
	return p, nil
}

// resolvedStep pins a pathStep to the concrete schema types and field
// descriptors it resolves to, computed once when the owning schema loads
// (spec.md §4.7: declarations that turn out to be impossible are
// "rejected at schema load with InvalidListener").
type resolvedStep struct {
	step         pathStep
	holderTypes  []*ObjectTypeDescriptor
	fieldsByType map[uint32]*FieldDescriptor // holder type storage id -> field on that type
	nextTypes    []*ObjectTypeDescriptor     // non-empty exactly when this step is traversable
}

// registeredListener pairs a raw RegisterListener call with its parsed
// and (once a schema is loaded) resolved path.
type registeredListener struct {
	raw      string
	fn       func(NotificationEvent) error
	path     *notifyPath
	parseErr error
	resolved []resolvedStep
}

// resolve validates rl's path against schema and records the resolved
// type chain, or returns a StoreError with ErrInvalidListener describing
// why the declaration is impossible.
func (rl *registeredListener) resolve(schema *Schema) error {
	if rl.parseErr != nil {
		return NewError(fmt.Sprintf("invalid change-notification path %q", rl.raw),
			WithKind(ErrInvalidListener), WithCause(rl.parseErr))
	}
	rootType, ok := schema.TypeByName(rl.path.root)
	if !ok {
		return NewError(fmt.Sprintf("change-notification path %q names unknown root type %q", rl.raw, rl.path.root),
			WithKind(ErrInvalidListener))
	}

	current := []*ObjectTypeDescriptor{rootType}
	resolved := make([]resolvedStep, len(rl.path.steps))

	for i, step := range rl.path.steps {
		rs := resolvedStep{step: step, fieldsByType: map[uint32]*FieldDescriptor{}}

		if step.inverse {
			holder, ok := schema.TypeByName(step.otherType)
			if !ok {
				return NewError(fmt.Sprintf("change-notification path %q references unknown type %q", rl.raw, step.otherType),
					WithKind(ErrInvalidListener))
			}
			f, ok := holder.Field(step.field)
			if !ok || f.Kind != FieldReference {
				return NewError(fmt.Sprintf("change-notification path %q: %q has no reference field %q", rl.raw, step.otherType, step.field),
					WithKind(ErrInvalidListener))
			}
			var next []*ObjectTypeDescriptor
			for _, c := range current {
				if f.AllowsTarget(c.StorageID) {
					next = append(next, c)
				}
			}
			if len(next) == 0 {
				return NewError(fmt.Sprintf("change-notification path %q: %q.%q cannot reference %s", rl.raw, step.otherType, step.field, rl.path.root),
					WithKind(ErrInvalidListener))
			}
			rs.holderTypes = []*ObjectTypeDescriptor{holder}
			rs.fieldsByType[holder.StorageID] = f
			rs.nextTypes = next
			resolved[i] = rs
			current = next
			continue
		}

		var holders, nextTypes []*ObjectTypeDescriptor
		seen := map[uint32]bool{}
		for _, c := range current {
			f, ok := c.Field(step.field)
			if !ok {
				return NewError(fmt.Sprintf("change-notification path %q: type %q has no field %q", rl.raw, c.Name, step.field),
					WithKind(ErrInvalidListener))
			}
			if err := validateStepKind(step, f); err != nil {
				return NewError(fmt.Sprintf("change-notification path %q: %v", rl.raw, err), WithKind(ErrInvalidListener))
			}
			holders = append(holders, c)
			rs.fieldsByType[c.StorageID] = f
			for _, nt := range referenceTargetsOf(schema, step, f) {
				if !seen[nt.StorageID] {
					seen[nt.StorageID] = true
					nextTypes = append(nextTypes, nt)
				}
			}
		}
		rs.holderTypes = holders
		rs.nextTypes = nextTypes
		resolved[i] = rs

		isLast := i == len(rl.path.steps)-1
		if len(nextTypes) == 0 {
			if !isLast {
				return NewError(fmt.Sprintf("change-notification path %q: field %q is not a reference and cannot be traversed further", rl.raw, step.field),
					WithKind(ErrInvalidListener))
			}
		} else {
			current = nextTypes
		}
	}

	rl.resolved = resolved
	return nil
}

// validateStepKind rejects a step whose declared component is impossible
// for the field it names — this engine's form of spec.md §4.7's
// "declaring an impossible combination ... is rejected at schema load".
func validateStepKind(step pathStep, f *FieldDescriptor) error {
	switch step.component {
	case "":
		if f.Kind == FieldSet || f.Kind == FieldList || f.Kind == FieldMap {
			return fmt.Errorf("field %q is a %s field and needs .element/.key/.value", f.Name, f.Kind)
		}
	case "element":
		if f.Kind != FieldSet && f.Kind != FieldList {
			return fmt.Errorf("field %q is not a set or list, \".element\" is invalid", f.Name)
		}
	case "key", "value":
		if f.Kind != FieldMap {
			return fmt.Errorf("field %q is not a map, \".%s\" is invalid", f.Name, step.component)
		}
	}
	return nil
}

// referenceTargetsOf reports which types a step can traverse into, or nil
// when the step names a non-reference slot and is necessarily terminal.
func referenceTargetsOf(schema *Schema, step pathStep, f *FieldDescriptor) []*ObjectTypeDescriptor {
	var elem *FieldDescriptor
	switch step.component {
	case "element", "value":
		elem = f.Elem
	case "key":
		elem = f.Key
	default:
		if f.Kind != FieldReference {
			return nil
		}
		elem = f
	}
	if elem == nil || elem.Kind != FieldReference {
		return nil
	}
	if len(elem.ReferenceTargets) == 0 {
		return schema.Types
	}
	var out []*ObjectTypeDescriptor
	for _, tid := range elem.ReferenceTargets {
		if t, ok := schema.TypeByStorageID(tid); ok {
			out = append(out, t)
		}
	}
	return out
}
