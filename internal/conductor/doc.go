// Package conductor drives nodes through power and provision transitions.
//
// A request is checked against the node's recorded state, the node is
// reserved for this conductor, the in-flight target is written with a
// conditional update and the hardware work is handed to a bounded pool of
// background workers. The worker records the outcome and releases the
// reservation. A request that cannot get a worker is rolled back before it
// returns.
//
// The conductor also runs the periodic power state sync, which compares
// the recorded power state of every unreserved node with what the hardware
// reports.
package conductor
