// Package balancer places tasks on mesh nodes.
//
// # Strategies
//
// Strategy is a closed set:
//
//	least-loaded      lowest effective load, ties to the smaller id
//	round-robin       candidates sorted by id, index = assignments so far mod n
//	capability-match  nodes advertising every required capability, then least-loaded
//	random            pseudo-random, seeded by FNV-1a of the task id
//
// Effective load is the workload a node gossips about itself plus the
// weight this balancer has assigned to it and not yet seen completed.
// Because the balancer counts its own assignments immediately, a burst of
// tasks spreads across nodes before gossip catches up.
//
// # Determinism
//
// Given the same snapshot, strategy and tracked loads, Assign picks the same
// node; round-robin additionally depends on the assignment counter.
//
// # Failure handling
//
// Assign never panics and never errors: when nothing is eligible it
// returns false. Release hands back the assignments of a failed node so
// they can be placed elsewhere.
package balancer
