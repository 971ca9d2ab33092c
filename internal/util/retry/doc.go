// Package retry provides a fixed-interval retry loop for operations that
// fail transiently.
//
// The [Do] function runs an operation up to a configured number of
// attempts, sleeping a fixed interval between them. It backs the resilient
// remote client and the optimistic transactions of the on-disk node store.
package retry
