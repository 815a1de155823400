// Package gossip maintains each node's view of mesh membership and detects
// silent peers.
//
// Every node keeps a Table of PeerRecords: address, last known role, term,
// workload and capabilities, plus a version counter that only the record's
// owner increments. Each round the node sends its full snapshot to up to
// fanout random peers; the acknowledgement carries the peer's snapshot
// back. Both sides merge with one rule: take an incoming record only if its
// version is strictly newer than the stored one.
//
// A peer is considered alive while either it talks to us directly or a
// newer version of its record arrives. DetectFailures lists peers silent
// for longer than the timeout; the caller decides when to Remove them.
// Removal leaves a tombstone at the last version so old copies still in
// flight cannot resurrect the peer. A peer that is really back publishes a
// newer version and is admitted again.
//
// Delivery is best effort. A lost message is never retried; the next round
// covers it.
package gossip
