// Package api contains the types shared by every leadflow component:
// workflow definitions and their node configurations, execution and step
// records, node outcomes, the error taxonomy and the Observer interface.
//
// Most users interact with the top-level leadflow package, which re-exports
// the commonly used types from here.
//
// # Definitions
//
// A Definition is a versioned directed graph. Nodes are typed (start, end,
// action, delay, condition) and carry a typed config. Edges may carry a
// branch label; only edges leaving a Condition node are labelled.
// Definition.Validate checks the structural rules a graph must satisfy
// before it can be stored.
//
// # Executions
//
// An Execution is one run of a definition for a subject. It records the
// current node, the status and a JSON-compatible context that actions may
// patch. Every node the runtime processes is recorded as a StepExecution.
//
// # Outcomes
//
// Node executors report what should happen next as an Outcome: Advance to a
// node, follow a Branch label, Wait until a time, or Terminate. The runtime
// alone turns outcomes into ledger writes and queued jobs.
//
// # Errors
//
// Errors carry a stable Code (see the Code constants). Codes decide whether
// a failure is retried by the job queue (IsRetryable) and how it is
// presented over HTTP and MCP.
package api
