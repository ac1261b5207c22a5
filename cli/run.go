// Package cli implements the stepflow command-line interface: running
// graph files locally, validating definitions, and serving the HTTP
// API.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stepflow-labs/stepflow"
	"github.com/stepflow-labs/stepflow/loader"
	"github.com/stepflow-labs/stepflow/registry"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a graph definition file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial state as inline JSON string")
	cmd.Flags().StringP("input-file", "f", "", "Initial state from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write run record to file (default: stdout)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Int("max-steps", stepflow.DefaultMaxSteps, "Node execution cap per run")
	cmd.Flags().Bool("follow", false, "Print log entries as they are emitted")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	follow, _ := cmd.Flags().GetBool("follow")

	def, err := loadDefinitionArg(filePath)
	if err != nil {
		return err
	}

	initial, err := buildInitialState(cmd)
	if err != nil {
		return err
	}

	g, err := stepflow.BuildGraph(def, registry.NewRegistry())
	if err != nil {
		return exitError(exitValidation, "building graph: %v", err)
	}

	var publisher stepflow.Publisher
	if follow {
		out := cmd.OutOrStdout()
		publisher = stepflow.PublisherFunc(func(e stepflow.StreamEvent) {
			if e.Type == stepflow.StreamLog && e.Entry != nil {
				fmt.Fprintf(out, "%s  %-14s %s\n",
					e.Entry.Timestamp.Format(time.RFC3339), e.Entry.Action, e.Entry.Node)
			}
		})
	}

	engine := stepflow.NewEngine(stepflow.EngineConfig{
		MaxSteps:  maxSteps,
		Publisher: publisher,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	run := stepflow.NewRun(g.ID(), stepflow.NewStateWith(initial))
	engine.Execute(ctx, g, run)

	if err := writeRunRecord(cmd, run.Record()); err != nil {
		return err
	}
	if run.Status() != stepflow.StatusCompleted {
		return exitError(exitRuntime, "run %s: %s", run.Status(), run.Err())
	}
	return nil
}

func loadDefinitionArg(filePath string) (stepflow.GraphDefinition, error) {
	def, err := loader.LoadDefinition(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stepflow.GraphDefinition{}, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return stepflow.GraphDefinition{}, exitError(exitValidation, "loading definition: %v", err)
	}
	return def, nil
}

// buildInitialState resolves --input / --input-file into a state data
// map. Inline input takes precedence.
func buildInitialState(cmd *cobra.Command) (map[string]any, error) {
	inline, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inline != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(inline), &data); err != nil {
			return nil, exitError(exitInputParse, "parsing --input: %v", err)
		}
		return data, nil
	}
	data, err := loader.LoadStateData(inputFile)
	if err != nil {
		return nil, exitError(exitInputParse, "loading input file: %v", err)
	}
	return data, nil
}

func writeRunRecord(cmd *cobra.Command, rec stepflow.RunRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding run record: %v", err)
	}

	outPath, _ := cmd.Flags().GetString("output")
	if outPath != "" {
		if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
