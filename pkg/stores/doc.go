// Package stores provides the persistence layer for AquaOps.
//
// SQLStore runs on SQLite (modernc, WAL mode, immediate write locks) or
// PostgreSQL (lib/pq) with per-dialect embedded migrations. Query methods are
// shared by SQLStore and Tx, so an atomic unit calls the same methods inside
// WithTx that a single statement calls on the store.
//
// Uniqueness is enforced by the schema, not by locks: a duplicate generation,
// a second open predictive work order or a second breach of the same type is
// reported as an idempotency error or a skipped insert.
package stores
