// Package storage persists the engine's entities across restarts.
//
// The engine defines the record schema; the storage driver is an exchangeable
// detail. Two drivers exist:
//
//   - "sqlite": a single SQLite database file (WAL mode)
//   - "memory": process-local, for tests and throwaway runs
//
// Records are flat row types owned by this package. Domain packages map their
// own entities to/from records so that storage never imports them.
package storage
