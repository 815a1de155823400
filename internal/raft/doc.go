// Package raft implements the consensus engine: leader election, log
// replication and commit tracking for a fixed or slowly changing set of
// peers.
//
// # Roles
//
// Every engine starts as a follower. A follower or candidate that hears
// nothing from a leader for its randomized election timeout campaigns for
// the next term. A candidate that collects votes from a strict majority of
// the cluster becomes leader. Any node that sees a higher term in a request
// or a response adopts it, clears its vote and reverts to follower.
//
// # Replication
//
// The leader appends commands at (current term, log length + 1) and pushes
// them with AppendEntries. Followers check that their entry at
// PrevLogIndex has PrevLogTerm; on a term mismatch the follower drops that
// entry and everything after it, then rejects. The leader backs next_index
// off to min(next_index-1, follower log length + 1) and retries at once.
//
// An entry is committed when a majority holds it and it belongs to the
// leader's current term. Committed entries are passed to the ApplyFunc
// exactly once and in order.
//
// # Concurrency
//
// One mutex guards all engine state and inbound handlers run entirely
// under it. Outbound RPCs are prepared under the lock, sent without it in
// parallel (each bounded by the RPC timeout), and their results are
// applied only if role and term are still the ones the request was sent
// with.
//
// # Durability
//
// Term, vote and log entries are written to a Store before any reply or
// vote leaves the node. LevelDBStore is the durable backend; MemoryStore
// serves tests. A restarted engine resumes its term and vote so it cannot
// vote twice in one term. The commit index is volatile and is relearned
// from the leader.
//
// # Usage
//
//	engine, err := raft.NewEngine(raft.Options{
//	    ID:        "n1",
//	    Peers:     peers,
//	    Transport: cluster.NewHTTPTransport(100 * time.Millisecond),
//	    Store:     store,
//	    Apply:     func(e raft.LogEntry) { ... },
//	})
//	...
//	engine.Tick(ctx) // from a ticker, every few milliseconds
//	ok := engine.Replicate(ctx, payload)
package raft
