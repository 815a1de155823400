// Package testutil provides an in-memory network and a manual clock for
// deterministic multi-node tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/mesh/internal/cluster"
)

// ErrUnreachable is returned for messages to crashed, partitioned or unknown
// nodes.
var ErrUnreachable = errors.New("node unreachable")

// RaftHandler is the consensus side of a node.
type RaftHandler interface {
	HandleRequestVote(req cluster.RequestVoteRequest) cluster.RequestVoteResponse
	HandleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse
}

// GossipHandler is the membership side of a node.
type GossipHandler interface {
	HandleGossip(msg cluster.GossipMessage) cluster.GossipAck
}

// Network delivers messages synchronously by calling the target's handler
// on the sender's goroutine.
type Network struct {
	mu       sync.Mutex
	handlers map[string]any
	down     map[string]bool
	group    map[string]int
	sent     int
	dropped  int
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]any),
		down:     make(map[string]bool),
		group:    make(map[string]int),
	}
}

// Register attaches a handler to id, replacing any earlier one. The handler
// may implement RaftHandler, GossipHandler or both.
func (n *Network) Register(id string, handler any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

// Crash makes id unreachable and unable to send.
func (n *Network) Crash(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Restore brings a crashed node back.
func (n *Network) Restore(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// Partition splits the nodes into groups; messages only flow within a group.
// Nodes not named end up in group 0 together.
func (n *Network) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[string]int)
	for i, g := range groups {
		for _, id := range g {
			n.group[id] = i + 1
		}
	}
}

// Heal removes every partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[string]int)
}

// Stats returns the number of delivered and dropped messages.
func (n *Network) Stats() (sent, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent, n.dropped
}

// Transport returns the endpoint from which id sends.
func (n *Network) Transport(from string) cluster.Transport {
	return &endpoint{net: n, from: from}
}

func (n *Network) route(ctx context.Context, from, to string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[to]
	if !ok || n.down[from] || n.down[to] || n.group[from] != n.group[to] {
		n.dropped++
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachable)
	}
	n.sent++
	return h, nil
}

type endpoint struct {
	net  *Network
	from string
}

func (e *endpoint) RequestVote(ctx context.Context, target cluster.NodeInfo, req cluster.RequestVoteRequest) (cluster.RequestVoteResponse, error) {
	h, err := e.net.route(ctx, e.from, target.ID)
	if err != nil {
		return cluster.RequestVoteResponse{}, err
	}
	rh, ok := h.(RaftHandler)
	if !ok {
		return cluster.RequestVoteResponse{}, fmt.Errorf("%s has no raft handler: %w", target.ID, ErrUnreachable)
	}
	return rh.HandleRequestVote(req), nil
}

func (e *endpoint) AppendEntries(ctx context.Context, target cluster.NodeInfo, req cluster.AppendEntriesRequest) (cluster.AppendEntriesResponse, error) {
	h, err := e.net.route(ctx, e.from, target.ID)
	if err != nil {
		return cluster.AppendEntriesResponse{}, err
	}
	rh, ok := h.(RaftHandler)
	if !ok {
		return cluster.AppendEntriesResponse{}, fmt.Errorf("%s has no raft handler: %w", target.ID, ErrUnreachable)
	}
	// Entries are copied so the receiver never aliases the sender's log.
	req.Entries = append([]cluster.LogEntry(nil), req.Entries...)
	return rh.HandleAppendEntries(req), nil
}

func (e *endpoint) Gossip(ctx context.Context, target cluster.NodeInfo, msg cluster.GossipMessage) (cluster.GossipAck, error) {
	h, err := e.net.route(ctx, e.from, target.ID)
	if err != nil {
		return cluster.GossipAck{}, err
	}
	gh, ok := h.(GossipHandler)
	if !ok {
		return cluster.GossipAck{}, fmt.Errorf("%s has no gossip handler: %w", target.ID, ErrUnreachable)
	}
	msg.Members = append([]cluster.MemberState(nil), msg.Members...)
	return gh.HandleGossip(msg), nil
}
