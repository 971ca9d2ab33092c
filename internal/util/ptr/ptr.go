// Package ptr returns pointers to values, for optional fields such as the
// tri-state filters of the node store.
package ptr

// To returns a pointer to a copy of v.
func To[T any](v T) *T { return &v }
