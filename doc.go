// Package leadflow is a durable graph workflow engine for lead engagement:
// send a message, wait, check whether the lead replied, branch, follow up.
//
// # Core Concepts
//
//  1. Definition: a versioned graph of typed nodes (start, action, delay,
//     condition, end) connected by optionally labelled edges.
//  2. Execution: one run of a definition for a subject, with a current-node
//     pointer, a status and a JSON-like context.
//  3. Runtime: moves an execution forward one node per job. Every state
//     change is a single guarded write, so duplicate or stale job deliveries
//     are harmless.
//  4. Queues: an immediate and a delayed job queue with leases, backoff and
//     dead-lettering.
//  5. Workers: pools that claim jobs and hand them to the runtime.
//
// # Backends
//
// Bundle constructors wire the runtime, queues and worker pools over one
// storage system:
//
//   - NewInMemoryBundle (non-durable, for tests)
//   - NewSQLiteBundle (embedded durability)
//   - NewPostgresBundle
//   - NewRedisBundle
//   - NewMongoBundle
//
// # Definitions
//
// Definitions are written as YAML documents (see the definitions loader used
// by the leadflow CLI) or built in code:
//
//	def := leadflow.NewDefinition("follow-up", "Follow up").
//	    Start("start").
//	    Action("send", "sms.send", nil).
//	    End("done", "").
//	    Chain("start", "send", "done").
//	    MustBuild()
//
// # Actions and predicates
//
// Action nodes call an ActionPerformer; errors are retried by the queue
// unless wrapped with Permanent, and ActionResult{OK: false} fails the
// execution unless the node is best-effort. Condition nodes evaluate an
// expr, CEL or jq expression against the execution context and follow the
// edge whose label matches the result, falling back to the "default" edge.
//
// # LocalRunner
//
// LocalRunner is an in-memory bundle with a Drain method that processes all
// eligible jobs on the calling goroutine, which makes workflow tests
// deterministic.
package leadflow
