// Package persistence implements the execution ledger: versioned definitions,
// executions guarded by their current node, and the step history.
//
// Backends: in-memory, SQLite (database/sql), PostgreSQL (pgxpool), Redis
// and MongoDB. Every backend makes a Transition atomic with respect to its
// guard, so concurrent deliveries of the same job advance an execution once.
package persistence
