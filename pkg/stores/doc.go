// Package stores provides engine.StateStore implementations for sbkube.
// SQLite (WAL mode, embedded migrations) is the default; Postgres and
// S3-compatible object storage let several operators share run history, and
// the in-memory store backs dry runs and tests. Every backend keeps a bounded
// history of runs per scope and answers "latest" with the newest run.
package stores
