// Package cluster defines node identity, the wire messages exchanged between
// mesh nodes, and the Transport capability that carries them.
//
// # Overview
//
// Every node in a mesh is a peer: there is no central coordinator. Nodes
// elect a leader among themselves through the consensus engine and spread
// liveness and load information through gossip. This package holds the
// pieces both layers share so neither depends on the other.
//
// # Core Types
//
// NodeInfo: a node's opaque id and the base URL peers use to reach it.
//
// Role: follower, candidate or leader.
//
// LogEntry: a replicated command stamped with its term, 1-based index and the
// hex SHA-256 of the payload. Followers refuse entries whose hash does not
// match their command.
//
// RequestVote/AppendEntries request and response pairs: consensus RPCs.
//
// GossipMessage/GossipAck: full membership snapshots pushed to a random
// subset of peers. The ack carries the responder's snapshot back, so each
// exchange is push-pull.
//
// # Transport
//
// Transport is the only way the consensus and gossip layers reach the
// network:
//
//	type Transport interface {
//	    RequestVote(ctx, target, req) (RequestVoteResponse, error)
//	    AppendEntries(ctx, target, req) (AppendEntriesResponse, error)
//	    Gossip(ctx, target, msg) (GossipAck, error)
//	}
//
// Any error is treated as "no response". Callers never retry within the same
// call; the next heartbeat or gossip round is the retry.
//
// HTTPTransport posts JSON to the paths below on the target's Addr:
//
//	POST /raft/request-vote
//	POST /raft/append-entries
//	POST /gossip
//
// Tests use the in-memory network in internal/testutil, which can crash and
// partition nodes deterministically.
//
// # HTTP Helpers
//
// PostJSON, GetJSON and DoJSON wrap a shared http.Client with a 5s timeout.
// Responses with status >= 300 become errors that include the first bytes of
// the response body.
package cluster
