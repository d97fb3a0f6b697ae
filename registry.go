/*
Package kvrecord – schema registry.

Adapted from the donor's schema_manager.go lifecycle (newSchemaManager /
setSchemaInner / validateSchema / SaveSchema / ReadSchema), generalized
from a single active DynamoDB schema to a process-wide, content-addressed
catalog of every schema version an object might still be stored under
(spec.md §4.4, §4.10).
*/
package kvrecord

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cloudxsgmbh/kvrecord-go/storekv"
)

// manifestEnvelope is the internal, private wire shape used to persist a
// schema manifest into the reserved registry subspace. Its byte-level
// format is explicitly not part of the core contract (spec.md §6) — this
// is an implementation detail, not the normative encoding.
type manifestEnvelope struct {
	ID      string
	Types   []manifestType
	Indexes []manifestIndex
}

type manifestType struct {
	Name      string
	StorageID uint32
	Fields    []manifestField
}

type manifestField struct {
	Name             string
	StorageID        uint32
	Kind             FieldKind
	Indexed          bool
	ReferenceTargets []uint32
	InverseDelete    InverseDeleteAction
	ForwardDelete    bool
	AllowDeleted     bool
	Unique           bool
	Upgrade          UpgradePolicy
	EnumIdentifiers  []string
}

type manifestIndex struct {
	Name      string
	StorageID uint32
	Fields    []string
	Unique    bool
}

// Options tunes registry and transaction behaviour. Zero value is a
// usable default.
type Options struct {
	// CollisionRetryAttempts is stored with the registry options but not
	// read: ObjId allocation always uses objid.New's fixed bound of 64
	// attempts.
	CollisionRetryAttempts int
	// DefaultUpgradePolicy is used for fields that don't declare one.
	DefaultUpgradePolicy UpgradePolicy
	// ScanPageSize defaults to 256 but is not read: index views read
	// their whole range with a single Scan call.
	ScanPageSize int
}

func (o Options) withDefaults() Options {
	if o.DefaultUpgradePolicy == "" {
		o.DefaultUpgradePolicy = UpgradeAttempt
	}
	if o.ScanPageSize <= 0 {
		o.ScanPageSize = 256
	}
	return o
}

// Registry is the process-wide, immutable-per-version schema catalog
// (spec.md §5: "built once per schema and immutable thereafter, so
// concurrent reads require no coordination").
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]*Schema
	current  *Schema
	gw       *Gateway
	logger   Logger
	opts     Options
	fieldsByStorageID map[uint32]*FieldDescriptor // cross-schema congruence witnesses

	// validators holds user-declared predicate validators per type name,
	// run against every object enqueued during a transaction's validate
	// pass (spec.md §4.8). Kept out of the serialized manifest since Go
	// funcs cannot travel through the schema-registry subspace.
	validators map[string][]func(*Handle) error

	// migrationHooks fire once per object the first time it is read under
	// a newer schema than the one it was written under (spec.md §4.10,
	// "on-schema-change callbacks with an old-values-by-field-name map").
	migrationHooks map[string][]func(*Handle, map[string]any) error

	// listenerRegs holds change-notification subscriptions, each carrying
	// its parsed path and, once a schema has been loaded, that path
	// resolved against the schema's concrete types (spec.md §4.7: "->
	// field", "-> list.element", "-> map.key"/"value", "<- Type.field",
	// composed left-to-right).
	listenerRegs []*registeredListener

	// facades holds the per-type application-defined wrapper constructor
	// registered via RegisterFacade (spec.md §4.9).
	facades map[string]facadeCtor
}

// RegisterListener subscribes fn to fire whenever a change matching path
// occurs. path composes one or more steps left-to-right starting from a
// root type name: "->fieldName" follows a reference forward,
// "->fieldName.element"/".key"/".value" follows into a Set/List/Map
// field, and "<-OtherType.fieldName" follows the inverse of a reference
// declared on OtherType. The final step may name a simple field directly,
// or — when it names a reference-typed slot — fire on any field change at
// the object reached there (spec.md §4.7). The path is resolved against
// the schema the next time Load runs; an impossible declaration is
// rejected then with ErrInvalidListener.
func (r *Registry) RegisterListener(path string, fn func(NotificationEvent) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl := &registeredListener{raw: path, fn: fn}
	rl.path, rl.parseErr = parseNotifyPath(path)
	r.listenerRegs = append(r.listenerRegs, rl)
}

func (r *Registry) listenerRegistrations() []*registeredListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listenerRegs
}

// resolveListeners resolves every not-yet-resolved registration against
// schema, surfacing the first failure. Already-resolved registrations are
// left untouched so re-loading a content-identical schema doesn't redo
// work, but a listener registered after the first Load of that schema
// still gets resolved.
func (r *Registry) resolveListeners(schema *Schema) error {
	for _, rl := range r.listenerRegs {
		if rl.resolved != nil {
			continue
		}
		if err := rl.resolve(schema); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMigrationHook adds a callback run the first time an object of
// typeName is accessed after its stored schema id differs from the
// registry's current schema.
func (r *Registry) RegisterMigrationHook(typeName string, fn func(*Handle, map[string]any) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrationHooks == nil {
		r.migrationHooks = make(map[string][]func(*Handle, map[string]any) error)
	}
	r.migrationHooks[typeName] = append(r.migrationHooks[typeName], fn)
}

func (r *Registry) migrationHooksFor(typeName string) []func(*Handle, map[string]any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.migrationHooks[typeName]
}

// RegisterValidator adds a predicate validator for every object of
// typeName, run during Txn.Validate/Commit (spec.md §4.8, "user-declared
// predicate validators").
func (r *Registry) RegisterValidator(typeName string, fn func(*Handle) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.validators == nil {
		r.validators = make(map[string][]func(*Handle) error)
	}
	r.validators[typeName] = append(r.validators[typeName], fn)
}

func (r *Registry) validatorsFor(typeName string) []func(*Handle) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[typeName]
}

// NewRegistry constructs an empty registry bound to gw for manifest
// persistence.
func NewRegistry(gw *Gateway, opts Options, logger Logger) *Registry {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Registry{
		schemas:           make(map[string]*Schema),
		gw:                gw,
		logger:            logger,
		opts:              opts.withDefaults(),
		fieldsByStorageID: make(map[uint32]*FieldDescriptor),
	}
}

// Current returns the most recently loaded schema, or nil.
func (r *Registry) Current() *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SchemaByID returns a previously loaded schema from the process-wide
// cache, without touching the store. Used during migration to resolve
// the schema an older object was written under.
func (r *Registry) SchemaByID(id string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	return s, ok
}

// Load validates and registers a new schema version, assigning storage
// ids where they are zero, computing the schema id, checking
// cross-schema field congruence (spec.md "Invariants on schemas"), and
// making it the current schema. It does not touch the store; call
// Persist separately inside a transaction to durably record it.
func (r *Registry) Load(types []*ObjectTypeDescriptor, composites []*CompositeIndexDescriptor) (*Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range types {
		if t.StorageID == 0 {
			t.StorageID = deterministicID(t.Name)
		}
		for _, f := range t.Fields {
			if f.StorageID == 0 {
				f.StorageID = deterministicID(t.Name + "." + f.Name)
			}
			if f.Upgrade == "" {
				f.Upgrade = r.opts.DefaultUpgradePolicy
			}
			if f.Kind == FieldCounter && (f.Indexed || f.Unique) {
				return nil, NewError("counters cannot be indexed or unique",
					WithKind(ErrInvalidSchema), WithContext(map[string]any{"field": f.Name}))
			}
		}
		t.index()
	}

	if err := r.checkCongruence(types); err != nil {
		return nil, err
	}
	if err := r.checkCompositeIndexes(types, composites); err != nil {
		return nil, err
	}

	schema := &Schema{Types: types, CompositeIndexes: composites}
	schema.index()
	id, err := schemaContentID(schema)
	if err != nil {
		return nil, NewError("failed to compute schema id", WithKind(ErrInvalidSchema), WithCause(err))
	}
	schema.ID = id

	result := schema
	if existing, ok := r.schemas[id]; ok {
		result = existing
	} else {
		for _, t := range types {
			for _, f := range t.Fields {
				r.fieldsByStorageID[f.StorageID] = f
			}
		}
		r.schemas[id] = schema
		r.logger.Trace("schema registered", map[string]any{"schemaId": id, "types": len(types)})
	}
	r.current = result

	if err := r.resolveListeners(result); err != nil {
		return nil, err
	}
	return result, nil
}

// checkCongruence enforces: two schemas that share a field storage id
// must agree on field kind, and for Map fields on the key descriptor's
// kind; an indexed reference field's target restriction may only
// narrow across versions (spec.md "Invariants on schemas"). A simple
// field's Primitive encoding is not compared, so it may change between
// versions; migration converts such values under the field's
// UpgradePolicy.
func (r *Registry) checkCongruence(types []*ObjectTypeDescriptor) error {
	for _, t := range types {
		for _, f := range t.Fields {
			prior, ok := r.fieldsByStorageID[f.StorageID]
			if !ok {
				continue
			}
			if prior.Kind != f.Kind {
				return NewError(
					fmt.Sprintf("field storage id %d reused with incompatible kind %q (was %q)", f.StorageID, f.Kind, prior.Kind),
					WithKind(ErrInvalidSchema))
			}
			if f.Kind == FieldMap {
				if (prior.Key == nil) != (f.Key == nil) {
					return NewError(
						fmt.Sprintf("field storage id %d: map key encoding is incongruent across schemas", f.StorageID),
						WithKind(ErrInvalidSchema))
				}
				if prior.Key != nil && f.Key != nil && prior.Key.Kind != f.Key.Kind {
					return NewError(
						fmt.Sprintf("field storage id %d: map key kind changed from %q to %q", f.StorageID, prior.Key.Kind, f.Key.Kind),
						WithKind(ErrInvalidSchema))
				}
			}
			if f.Kind == FieldReference && f.Indexed && len(prior.ReferenceTargets) > 0 {
				if !isSubsetOf(f.ReferenceTargets, prior.ReferenceTargets) {
					return NewError(
						fmt.Sprintf("field storage id %d: reference target restriction widened; use a new storage id to widen", f.StorageID),
						WithKind(ErrInvalidSchema))
				}
			}
		}
	}
	return nil
}

func isSubsetOf(a, b []uint32) bool {
	set := make(map[uint32]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	for _, v := range a {
		if !set[v] {
			return false
		}
	}
	return true
}

func (r *Registry) checkCompositeIndexes(types []*ObjectTypeDescriptor, composites []*CompositeIndexDescriptor) error {
	for _, c := range composites {
		if len(c.Fields) < 2 || len(c.Fields) > 4 {
			return NewError(fmt.Sprintf("composite index %q must have 2-4 fields, has %d", c.Name, len(c.Fields)),
				WithKind(ErrInvalidSchema))
		}
		var kinds []FieldKind
		for _, fieldName := range c.Fields {
			var found *FieldDescriptor
			for _, t := range types {
				if f, ok := t.Field(fieldName); ok {
					found = f
					break
				}
			}
			if found == nil {
				return NewError(fmt.Sprintf("composite index %q references unknown field %q", c.Name, fieldName),
					WithKind(ErrInvalidSchema))
			}
			if found.Kind != FieldSimple && found.Kind != FieldEnum {
				return NewError(fmt.Sprintf("composite index %q field %q must be simple, got %q", c.Name, fieldName, found.Kind),
					WithKind(ErrInvalidSchema))
			}
			kinds = append(kinds, found.Kind)
		}
		for _, excl := range c.Exclude {
			if len(excl.Positions) != len(c.Fields) {
				return NewError(fmt.Sprintf("composite index %q exclusion arity mismatch", c.Name), WithKind(ErrInvalidSchema))
			}
		}
	}
	return nil
}

// deterministicID derives a storage id from a name when the caller
// leaves StorageID at its zero value. The spec treats storage ids as
// given and explicitly does not prescribe the hash composition used by
// auto-numbering (an open question); this registry's choice — FNV-1a
// over "TypeName" or "TypeName.FieldName", folded into [1, 2^31) — is
// this registry's own decision, not a guess at an external format.
func deterministicID(key string) uint32 { return DeterministicStorageID(key) }

// DeterministicStorageID is the exported form of the registry's
// auto-numbering function, so callers that need to pre-compute a storage
// id before calling Load — e.g. a CLI resolving a reference field's
// target type names to storage ids while building descriptors — derive
// the identical value Load would assign.
func DeterministicStorageID(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	v := h.Sum32()
	v &^= 1 << 31 // force into [0, 2^31)
	if v == 0 {
		v = 1
	}
	return v
}

// schemaContentID computes the deterministic content-hash schema id
// (spec.md §3 "each schema is identified by a deterministic schema id
// derived from its content"). Types and fields are sorted by storage id
// first so that declaration order never affects the hash.
func schemaContentID(s *Schema) (string, error) {
	env := manifestEnvelope{}
	types := append([]*ObjectTypeDescriptor(nil), s.Types...)
	sort.Slice(types, func(i, j int) bool { return types[i].StorageID < types[j].StorageID })
	for _, t := range types {
		mt := manifestType{Name: t.Name, StorageID: t.StorageID}
		fields := append([]*FieldDescriptor(nil), t.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].StorageID < fields[j].StorageID })
		for _, f := range fields {
			mt.Fields = append(mt.Fields, manifestField{
				Name: f.Name, StorageID: f.StorageID, Kind: f.Kind, Indexed: f.Indexed,
				ReferenceTargets: f.ReferenceTargets, InverseDelete: f.InverseDelete,
				ForwardDelete: f.ForwardDelete, AllowDeleted: f.AllowDeleted,
				Unique: f.Unique, Upgrade: f.Upgrade, EnumIdentifiers: f.EnumIdentifiers,
			})
		}
		env.Types = append(env.Types, mt)
	}
	composites := append([]*CompositeIndexDescriptor(nil), s.CompositeIndexes...)
	sort.Slice(composites, func(i, j int) bool { return composites[i].Name < composites[j].Name })
	for _, c := range composites {
		env.Indexes = append(env.Indexes, manifestIndex{Name: c.Name, StorageID: c.StorageID, Fields: c.Fields, Unique: c.Unique})
	}

	b, err := msgpack.Marshal(env)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Persist writes the schema's manifest into the reserved registry
// subspace, so ReadSchema/Resolve can reconstruct it from the store
// later (spec.md §4.4 point 5).
func (r *Registry) Persist(tx storekv.StoreTx, s *Schema) error {
	env := manifestEnvelope{ID: s.ID}
	for _, t := range s.Types {
		mt := manifestType{Name: t.Name, StorageID: t.StorageID}
		for _, f := range t.Fields {
			mt.Fields = append(mt.Fields, manifestField{
				Name: f.Name, StorageID: f.StorageID, Kind: f.Kind, Indexed: f.Indexed,
				ReferenceTargets: f.ReferenceTargets, InverseDelete: f.InverseDelete,
				ForwardDelete: f.ForwardDelete, AllowDeleted: f.AllowDeleted,
				Unique: f.Unique, Upgrade: f.Upgrade, EnumIdentifiers: f.EnumIdentifiers,
			})
		}
		env.Types = append(env.Types, mt)
	}
	for _, c := range s.CompositeIndexes {
		env.Indexes = append(env.Indexes, manifestIndex{Name: c.Name, StorageID: c.StorageID, Fields: c.Fields, Unique: c.Unique})
	}
	b, err := msgpack.Marshal(env)
	if err != nil {
		return NewError("failed to encode schema manifest", WithKind(ErrInvalidSchema), WithCause(err))
	}
	return tx.Put(r.gw.SchemaManifestKey(s.ID), b)
}

// Resolve reads a schema manifest back from the store by its id,
// reconstructing the Schema and caching it in-process. Used when a
// transaction encounters an object stamped with a schema id it has not
// seen yet (spec.md §4.10 migration path).
func (r *Registry) Resolve(tx storekv.StoreTx, id string) (*Schema, error) {
	if s, ok := r.SchemaByID(id); ok {
		return s, nil
	}
	raw, err := tx.Get(r.gw.SchemaManifestKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, NewError("schema id not found in registry", WithKind(ErrInvalidSchema),
			WithContext(map[string]any{"schemaId": id}))
	}
	var env manifestEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, NewError("failed to decode schema manifest", WithKind(ErrInvalidEncoding), WithCause(err))
	}
	schema := &Schema{ID: env.ID}
	for _, mt := range env.Types {
		t := &ObjectTypeDescriptor{Name: mt.Name, StorageID: mt.StorageID}
		for _, mf := range mt.Fields {
			t.Fields = append(t.Fields, &FieldDescriptor{
				Name: mf.Name, StorageID: mf.StorageID, Kind: mf.Kind, Indexed: mf.Indexed,
				ReferenceTargets: mf.ReferenceTargets, InverseDelete: mf.InverseDelete,
				ForwardDelete: mf.ForwardDelete, AllowDeleted: mf.AllowDeleted,
				Unique: mf.Unique, Upgrade: mf.Upgrade, EnumIdentifiers: mf.EnumIdentifiers,
			})
		}
		t.index()
		schema.Types = append(schema.Types, t)
	}
	for _, mi := range env.Indexes {
		schema.CompositeIndexes = append(schema.CompositeIndexes, &CompositeIndexDescriptor{
			Name: mi.Name, StorageID: mi.StorageID, Fields: mi.Fields, Unique: mi.Unique,
		})
	}
	schema.index()

	r.mu.Lock()
	r.schemas[id] = schema
	r.mu.Unlock()
	return schema, nil
}
