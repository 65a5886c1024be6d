// Package gantry provides a clustered workflow orchestration engine
// for Go. It executes multi-step workflows expressed as directed acyclic
// graphs, elects exactly one scheduler per cluster to dispatch due work,
// and isolates step execution from failing dependencies with circuit
// breakers.
//
// Gantry is designed as a library, not a service. Import it, configure a
// store, build workflow definitions, and hand them to the engine.
//
// # Quick Start
//
//	def, err := workflow.New("order-pipeline").
//	    Step("reserve", reserveStock).
//	    Step("charge", chargeCard, workflow.DependsOn("reserve"), workflow.WithRollback(refund)).
//	    Step("ship", shipOrder, workflow.DependsOn("charge")).
//	    Build()
//
//	eng := engine.New(store, engine.WithLogger(logger))
//	err = eng.Register(ctx, def)
//	exec, err := eng.StartExecution(ctx, "order-pipeline", input)
//
// # Architecture
//
// Gantry follows a composable store pattern where each subsystem
// (workflow, scheduler, election) defines its own store interface.
// A single backend implements all of them; store/memory for tests and
// development, store/postgres for clustered production deployments.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers that are safe to log and pass around as strings.
package gantry
