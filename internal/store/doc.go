// Package store defines the persistent node store consumed by the
// conductor.
//
// The store is the only serialization point between conductors: every
// reservation claim and every in-flight transition marker is written with
// [NodeStore.AtomicUpdate], a single conditional check-and-set against one
// node row. No store-wide or table-wide lock is ever taken.
//
// Three drivers implement the interface:
//
//   - memory: go-memdb, for tests and single-process demos
//   - badger: an embedded on-disk store for a single host
//   - postgres: shared by conductors running on different hosts
package store
