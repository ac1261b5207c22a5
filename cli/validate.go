package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/registry"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a graph definition file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	def, err := loadDefinitionArg(args[0])
	if err != nil {
		return err
	}

	g, err := stepflow.BuildGraph(def, registry.NewRegistry())
	if err != nil {
		return exitError(exitValidation, "validation failed: %v", err)
	}

	warnings, err := g.Validate()
	if err != nil {
		return exitError(exitValidation, "validation failed: %v", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if strict && len(warnings) > 0 {
		return exitError(exitValidation, "%d warning(s) in strict mode", len(warnings))
	}

	fmt.Fprintf(out, "Graph %q is valid: %d node(s), entry point %q.\n",
		def.Name, len(def.Nodes), def.EntryPoint)
	return nil
}
