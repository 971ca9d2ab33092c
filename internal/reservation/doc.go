// Package reservation implements the per-node exclusive lock.
//
// A reservation is the owner token stored in the node's reservation column.
// Both Reserve and Release are a single conditional update against the node
// store, so the lock is visible to every conductor sharing that store. No
// in-process locking is involved.
//
// Reserve is not idempotent: a second Reserve by the current holder fails
// with a NodeLocked error exactly like a Reserve by anyone else.
package reservation
