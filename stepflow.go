// Package stepflow implements a directed-graph step execution engine.
//
// A Graph is a set of named nodes connected by plain, guarded, and loop
// edges. Each node wraps a step function that reads and writes a shared
// State. The Engine walks the graph from its entry point, records every
// transition in an ordered execution log, and publishes stream events
// that observers can consume live while a run is in flight.
//
// Graphs are usually built from a declarative GraphDefinition via
// BuildGraph, with step functions resolved through a tool registry:
//
//	def, _ := loader.LoadDefinition(raw)
//	g, err := stepflow.BuildGraph(def, registry.NewRegistry())
//	run := stepflow.NewRun(g.ID(), stepflow.NewStateWith(input))
//	engine.Execute(ctx, g, run)
package stepflow
