// Command kvrecordctl loads a JSON schema manifest, runs it through
// Registry.Load (no store is opened), and prints the assigned storage ids
// and content-addressed schema id — a standalone sanity check for a schema
// declaration before wiring it into an application (SPEC_FULL.md §2.6,
// §3 "schema manifest JSON for CLI").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvrecordctl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "kvrecordctl",
		Short: "Inspect and validate kvrecord schema manifests",
	}
	root.AddCommand(newSchemaCommand())
	return root
}
