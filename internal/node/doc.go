// Package node defines the bare-metal node record shared by every layer of
// the conductor, the field vocabulary used for conditional store updates, and
// the error taxonomy surfaced to callers.
//
// Nullable columns are represented by the zero value: an empty Reservation
// means the node is unreserved, an empty TargetPowerState means no power
// transition is in flight, and so on.
package node
