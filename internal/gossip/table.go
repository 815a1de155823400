package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/exp/slices"

	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/logging"
)

const (
	DefaultFanout         = 3
	DefaultRPCTimeout     = 100 * time.Millisecond
	DefaultFailureTimeout = 3 * time.Second
)

// PeerRecord is what this node knows about one member of the mesh.
// Only the member itself bumps Version; everyone else copies it.
type PeerRecord struct {
	ID           string       `json:"id"`
	Addr         string       `json:"addr"`
	Role         cluster.Role `json:"role"`
	Term         uint64       `json:"term"`
	Workload     float64      `json:"workload"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Version      uint64       `json:"version"`
	LastSeen     time.Time    `json:"last_seen"`
}

// Info returns the record's identity.
func (r PeerRecord) Info() cluster.NodeInfo {
	return cluster.NodeInfo{ID: r.ID, Addr: r.Addr}
}

func (r PeerRecord) state() cluster.MemberState {
	return cluster.MemberState{
		ID:           r.ID,
		Addr:         r.Addr,
		Role:         r.Role,
		Term:         r.Term,
		Workload:     r.Workload,
		Capabilities: slices.Clone(r.Capabilities),
		Version:      r.Version,
	}
}

// Outbound is one message of a gossip round.
type Outbound struct {
	Target  cluster.NodeInfo
	Message cluster.GossipMessage
}

// RoundResult summarises a GossipRound.
type RoundResult struct {
	Targets []string
	Acked   []string
	// Admitted lists members seen for the first time (or again after removal).
	Admitted []string
}

// Options configures a Table.
type Options struct {
	Self         cluster.NodeInfo
	Capabilities []string
	Transport    cluster.Transport
	Logger       *logging.Logger
	Fanout       int
	RPCTimeout   time.Duration
	Clock        func() time.Time
	Seed         int64
}

// Table is the membership view of one node. It is safe for concurrent use.
type Table struct {
	mu         sync.Mutex
	self       string
	records    map[string]*PeerRecord
	tombstones map[string]uint64

	// seeds are the peers given to Join. A removed seed is still probed,
	// one per round, so the two sides of a healed partition find each
	// other again.
	seeds     map[string]cluster.NodeInfo
	nextProbe int

	transport  cluster.Transport
	logger     *logging.Logger
	fanout     int
	rpcTimeout time.Duration
	now        func() time.Time
	rng        *rand.Rand
}

// NewTable creates a table that contains only the local node at version 0.
func NewTable(opts Options) *Table {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	seed := opts.Seed
	if seed == 0 {
		seed = opts.Clock().UnixNano()
	}

	t := &Table{
		self:       opts.Self.ID,
		records:    make(map[string]*PeerRecord),
		tombstones: make(map[string]uint64),
		seeds:      make(map[string]cluster.NodeInfo),
		transport:  opts.Transport,
		logger:     opts.Logger.WithComponent("gossip").WithNode(opts.Self.ID),
		fanout:     opts.Fanout,
		rpcTimeout: opts.RPCTimeout,
		now:        opts.Clock,
		rng:        rand.New(rand.NewSource(seed)),
	}
	t.records[opts.Self.ID] = &PeerRecord{
		ID:           opts.Self.ID,
		Addr:         opts.Self.Addr,
		Role:         cluster.Follower,
		Capabilities: slices.Clone(opts.Capabilities),
		LastSeen:     t.now(),
	}
	return t
}

// Join seeds a peer at version 0 so it is gossiped to and watched by the
// failure detector before anything has been heard from it.
func (t *Table) Join(peer cluster.NodeInfo) {
	if peer.ID == "" || peer.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seeds[peer.ID] = peer
	if _, ok := t.records[peer.ID]; ok {
		return
	}
	delete(t.tombstones, peer.ID)
	t.records[peer.ID] = &PeerRecord{ID: peer.ID, Addr: peer.Addr, LastSeen: t.now()}
	t.logger.Debug("peer seeded", "peer", peer.ID, "addr", peer.Addr)
}

// UpdateSelf publishes the local node's role, term and workload. The version
// is bumped only when something changed.
func (t *Table) UpdateSelf(role cluster.Role, term uint64, workload float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[t.self]
	if r.Role == role && r.Term == term && r.Workload == workload {
		return
	}
	r.Role, r.Term, r.Workload = role, term, workload
	r.Version++
	r.LastSeen = t.now()
}

// Heartbeat bumps the local version so peers keep seeing this node as alive
// even when none of its state changes.
func (t *Table) Heartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[t.self]
	r.Version++
	r.LastSeen = t.now()
}

func (t *Table) sortedIDs() []string {
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Table) snapshotLocked() []cluster.MemberState {
	ids := t.sortedIDs()
	out := make([]cluster.MemberState, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.records[id].state())
	}
	return out
}

// Round picks up to fanout distinct peers at random and builds the message
// each of them receives: the full local snapshot. When seeds have been
// removed, one of them, in turn, is added as an extra target.
func (t *Table) Round() []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]string, 0, len(t.records))
	for id := range t.records {
		if id != t.self {
			peers = append(peers, id)
		}
	}
	slices.Sort(peers)
	t.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > t.fanout {
		peers = peers[:t.fanout]
	}

	self := t.records[t.self].Info()
	members := t.snapshotLocked()
	out := make([]Outbound, 0, len(peers)+1)
	for _, id := range peers {
		out = append(out, Outbound{
			Target:  t.records[id].Info(),
			Message: cluster.GossipMessage{From: self, Members: members},
		})
	}
	if seed, ok := t.probeLocked(); ok {
		out = append(out, Outbound{
			Target:  seed,
			Message: cluster.GossipMessage{From: self, Members: members},
		})
	}
	return out
}

// probeLocked returns the next removed seed to contact.
func (t *Table) probeLocked() (cluster.NodeInfo, bool) {
	var removed []string
	for id := range t.seeds {
		if _, live := t.records[id]; !live {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return cluster.NodeInfo{}, false
	}
	slices.Sort(removed)
	seed := t.seeds[removed[t.nextProbe%len(removed)]]
	t.nextProbe++
	return seed, true
}

// GossipRound sends one round in parallel and merges every acknowledgement.
// Unanswered messages are simply lost.
func (t *Table) GossipRound(ctx context.Context) RoundResult {
	outbound := t.Round()
	var result RoundResult
	if t.transport == nil || len(outbound) == 0 {
		return result
	}

	var mu sync.Mutex
	var wg conc.WaitGroup
	for _, o := range outbound {
		result.Targets = append(result.Targets, o.Target.ID)
		wg.Go(func() {
			rctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
			defer cancel()
			ack, err := t.transport.Gossip(rctx, o.Target, o.Message)
			if err != nil {
				t.logger.Debug("gossip failed", "peer", o.Target.ID, "error", err)
				return
			}
			admitted := t.merge(o.Target.ID, ack.Members)
			mu.Lock()
			result.Acked = append(result.Acked, o.Target.ID)
			result.Admitted = append(result.Admitted, admitted...)
			mu.Unlock()
		})
	}
	wg.Wait()

	slices.Sort(result.Acked)
	slices.Sort(result.Admitted)
	result.Admitted = slices.Compact(result.Admitted)
	return result
}

// HandleGossip merges an incoming snapshot and answers with the local one.
func (t *Table) HandleGossip(msg cluster.GossipMessage) cluster.GossipAck {
	t.merge(msg.From.ID, msg.Members)
	t.mu.Lock()
	defer t.mu.Unlock()
	return cluster.GossipAck{From: t.self, Members: t.snapshotLocked()}
}

// Merge applies a snapshot received indirectly and returns the ids admitted.
func (t *Table) Merge(members []cluster.MemberState) []string {
	return t.merge("", members)
}

// merge adopts each incoming record whose version is newer than the stored
// one. from, when known, is the peer that was just heard from directly.
func (t *Table) merge(from string, members []cluster.MemberState) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var admitted []string
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		if m.ID == t.self {
			// A restarted node may find its old versions still circulating.
			self := t.records[t.self]
			if m.Version > self.Version {
				self.Version = m.Version + 1
			}
			continue
		}

		r, ok := t.records[m.ID]
		if !ok {
			if dead, gone := t.tombstones[m.ID]; gone && m.Version <= dead {
				continue
			}
			delete(t.tombstones, m.ID)
			r = &PeerRecord{ID: m.ID, Addr: m.Addr}
			t.records[m.ID] = r
			r.apply(m)
			r.LastSeen = now
			admitted = append(admitted, m.ID)
			t.logger.Info("peer joined", "peer", m.ID, "addr", m.Addr, "version", m.Version)
			continue
		}
		if m.Version <= r.Version {
			continue
		}
		r.apply(m)
		r.LastSeen = now
	}

	if r, ok := t.records[from]; ok && from != t.self {
		r.LastSeen = now
	}
	return admitted
}

func (r *PeerRecord) apply(m cluster.MemberState) {
	if m.Addr != "" {
		r.Addr = m.Addr
	}
	r.Role = m.Role
	r.Term = m.Term
	r.Workload = m.Workload
	r.Capabilities = slices.Clone(m.Capabilities)
	r.Version = m.Version
}

// DetectFailures returns, sorted, the peers not heard from for longer than
// timeout. It does not remove them.
func (t *Table) DetectFailures(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var failed []string
	for id, r := range t.records {
		if id == t.self {
			continue
		}
		if now.Sub(r.LastSeen) > timeout {
			failed = append(failed, id)
		}
	}
	slices.Sort(failed)
	return failed
}

// Remove drops a peer and leaves a tombstone at its last version so stale
// copies still circulating cannot bring it back.
func (t *Table) Remove(id string) bool {
	if id == t.self {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return false
	}
	t.tombstones[id] = r.Version
	delete(t.records, id)
	t.logger.Warn("peer removed", "peer", id, "version", r.Version, "silent_for", t.now().Sub(r.LastSeen).String())
	return true
}

// Get returns a copy of one record.
func (t *Table) Get(id string) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	cp := *r
	cp.Capabilities = slices.Clone(r.Capabilities)
	return cp, true
}

// Snapshot returns copies of every record, including the local node,
// sorted by id.
func (t *Table) Snapshot() []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.sortedIDs()
	out := make([]PeerRecord, 0, len(ids))
	for _, id := range ids {
		cp := *t.records[id]
		cp.Capabilities = slices.Clone(cp.Capabilities)
		out = append(out, cp)
	}
	return out
}

// Peers returns the identity of every known member except this node.
func (t *Table) Peers() []cluster.NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.sortedIDs()
	out := make([]cluster.NodeInfo, 0, len(ids))
	for _, id := range ids {
		if id != t.self {
			out = append(out, t.records[id].Info())
		}
	}
	return out
}
