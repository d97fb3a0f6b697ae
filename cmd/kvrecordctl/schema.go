package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cloudxsgmbh/kvrecord-go"
	"github.com/cloudxsgmbh/kvrecord-go/enc"
)

// manifestFile is the JSON shape a schema declaration is authored in for
// this tool (SPEC_FULL.md §3's "schema manifest JSON for CLI"). It is
// deliberately simpler than the internal msgpack envelope registry.go
// persists: field kinds and primitives are spelled out as strings, and
// reference targets are type names rather than storage ids.
type manifestFile struct {
	Types      []manifestTypeJSON      `json:"types"`
	Composites []manifestCompositeJSON `json:"compositeIndexes"`
}

type manifestTypeJSON struct {
	Name   string             `json:"name"`
	Fields []manifestFieldJSON `json:"fields"`
}

type manifestFieldJSON struct {
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	Primitive        string   `json:"primitive,omitempty"`
	Indexed          bool     `json:"indexed,omitempty"`
	Unique           bool     `json:"unique,omitempty"`
	ReferenceTargets []string `json:"referenceTargets,omitempty"`
	InverseDelete    string   `json:"inverseDelete,omitempty"`
	ForwardDelete    bool     `json:"forwardDelete,omitempty"`
	EnumIdentifiers  []string `json:"enumIdentifiers,omitempty"`
}

type manifestCompositeJSON struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
}

func newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with schema manifests",
	}
	cmd.AddCommand(newSchemaDescribeCommand())
	return cmd
}

func newSchemaDescribeCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Load a JSON schema manifest and print its assigned storage ids and schema id",
		RunE: func(_ *cobra.Command, _ []string) error {
			return describeSchema(file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON schema manifest (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func describeSchema(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	types, composites, err := buildDescriptors(mf)
	if err != nil {
		return err
	}

	registry := kvrecord.NewRegistry(kvrecord.NewGateway(), kvrecord.Options{}, nil)
	schema, err := registry.Load(types, composites)
	if err != nil {
		return fmt.Errorf("schema rejected: %w", err)
	}

	fmt.Printf("schema id: %s\n\n", schema.ID)
	sortedTypes := append([]*kvrecord.ObjectTypeDescriptor(nil), schema.Types...)
	sort.Slice(sortedTypes, func(i, j int) bool { return sortedTypes[i].StorageID < sortedTypes[j].StorageID })
	for _, t := range sortedTypes {
		fmt.Printf("type %-20s storage-id %d\n", t.Name, t.StorageID)
		fields := append([]*kvrecord.FieldDescriptor(nil), t.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].StorageID < fields[j].StorageID })
		for _, f := range fields {
			fmt.Printf("  field %-20s storage-id %-10d kind %s\n", f.Name, f.StorageID, f.Kind)
		}
	}
	if len(schema.CompositeIndexes) > 0 {
		fmt.Println()
		for _, c := range schema.CompositeIndexes {
			fmt.Printf("composite %-20s storage-id %-10d fields %v unique=%v\n", c.Name, c.StorageID, c.Fields, c.Unique)
		}
	}
	return nil
}

func buildDescriptors(mf manifestFile) ([]*kvrecord.ObjectTypeDescriptor, []*kvrecord.CompositeIndexDescriptor, error) {
	var types []*kvrecord.ObjectTypeDescriptor
	for _, mt := range mf.Types {
		typ := &kvrecord.ObjectTypeDescriptor{Name: mt.Name}
		for _, mfld := range mt.Fields {
			f, err := buildField(mfld)
			if err != nil {
				return nil, nil, fmt.Errorf("type %s field %s: %w", mt.Name, mfld.Name, err)
			}
			typ.Fields = append(typ.Fields, f)
		}
		types = append(types, typ)
	}

	var composites []*kvrecord.CompositeIndexDescriptor
	for _, mc := range mf.Composites {
		composites = append(composites, &kvrecord.CompositeIndexDescriptor{
			Name: mc.Name, Fields: mc.Fields, Unique: mc.Unique,
		})
	}
	return types, composites, nil
}

func buildField(mfld manifestFieldJSON) (*kvrecord.FieldDescriptor, error) {
	f := &kvrecord.FieldDescriptor{
		Name:            mfld.Name,
		Kind:            kvrecord.FieldKind(mfld.Kind),
		Indexed:         mfld.Indexed,
		Unique:          mfld.Unique,
		ForwardDelete:   mfld.ForwardDelete,
		InverseDelete:   kvrecord.InverseDeleteAction(mfld.InverseDelete),
		EnumIdentifiers: mfld.EnumIdentifiers,
	}
	if mfld.Primitive != "" {
		kind, err := primitiveKind(mfld.Primitive)
		if err != nil {
			return nil, err
		}
		f.Primitive = kind
	}
	for _, targetName := range mfld.ReferenceTargets {
		f.ReferenceTargets = append(f.ReferenceTargets, kvrecord.DeterministicStorageID(targetName))
	}
	return f, nil
}

func primitiveKind(name string) (enc.Kind, error) {
	switch name {
	case "bool":
		return enc.KindBool, nil
	case "int64":
		return enc.KindInt64, nil
	case "float64":
		return enc.KindFloat64, nil
	case "string":
		return enc.KindString, nil
	case "bytes":
		return enc.KindBytes, nil
	default:
		return 0, fmt.Errorf("unknown primitive %q", name)
	}
}
