package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/exp/slices"

	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/logging"
)

// ErrCorruptEntry is reported when an entry's hash does not match its command.
var ErrCorruptEntry = errors.New("log entry hash mismatch")

const (
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 50 * time.Millisecond
	DefaultRPCTimeout         = 100 * time.Millisecond

	// maxEntriesPerRequest bounds a single AppendEntries payload.
	maxEntriesPerRequest = 128
)

// ApplyFunc receives committed entries exactly once, in index order.
type ApplyFunc func(entry LogEntry)

// Options configures an Engine. Zero durations fall back to the defaults.
type Options struct {
	ID        string
	Peers     []cluster.NodeInfo
	Transport cluster.Transport
	Store     Store
	Logger    *logging.Logger
	Apply     ApplyFunc

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
	// Seed for the election timeout jitter; 0 seeds from the clock.
	Seed int64
}

// Engine is the consensus state machine of one node. All state is guarded
// by mu; the lock is never held while an RPC is in flight.
type Engine struct {
	mu sync.Mutex

	id        string
	peers     map[string]cluster.NodeInfo
	transport cluster.Transport
	store     Store
	logger    *logging.Logger

	// members is every peer that has ever been in peers. Removing a peer
	// stops RPCs to it but it keeps counting toward the quorum.
	members map[string]struct{}

	// persistent
	role        cluster.Role
	currentTerm uint64
	votedFor    string
	log         []LogEntry
	unsaved     bool // term or vote not yet persisted

	// volatile
	leaderID    string
	commitIndex uint64
	lastApplied uint64

	// leader only
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// timers
	now               func() time.Time
	rng               *rand.Rand
	electionMin       time.Duration
	electionMax       time.Duration
	electionTimeout   time.Duration
	heartbeatInterval time.Duration
	rpcTimeout        time.Duration
	lastContact       time.Time
	lastHeartbeat     time.Time

	apply   ApplyFunc
	applyMu sync.Mutex
}

// NewEngine creates a follower and restores any state saved in opts.Store.
func NewEngine(opts Options) (*Engine, error) {
	if opts.ID == "" {
		return nil, errors.New("raft: node id cannot be empty")
	}
	if opts.Transport == nil {
		return nil, errors.New("raft: transport is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ElectionTimeoutMin <= 0 {
		opts.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if opts.ElectionTimeoutMax <= opts.ElectionTimeoutMin {
		opts.ElectionTimeoutMax = opts.ElectionTimeoutMin * 2
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	seed := opts.Seed
	if seed == 0 {
		seed = opts.Clock().UnixNano()
	}

	hs, entries, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("raft: restore state: %w", err)
	}
	for i, e := range entries {
		if e.Index != uint64(i+1) {
			return nil, fmt.Errorf("raft: restored log has index %d at position %d", e.Index, i+1)
		}
	}

	e := &Engine{
		id:                opts.ID,
		peers:             make(map[string]cluster.NodeInfo),
		members:           make(map[string]struct{}),
		transport:         opts.Transport,
		store:             opts.Store,
		logger:            opts.Logger.WithComponent("raft").WithNode(opts.ID),
		role:              cluster.Follower,
		currentTerm:       hs.Term,
		votedFor:          hs.VotedFor,
		log:               entries,
		now:               opts.Clock,
		rng:               rand.New(rand.NewSource(seed)),
		electionMin:       opts.ElectionTimeoutMin,
		electionMax:       opts.ElectionTimeoutMax,
		heartbeatInterval: opts.HeartbeatInterval,
		rpcTimeout:        opts.RPCTimeout,
		apply:             opts.Apply,
	}
	for _, p := range opts.Peers {
		if p.ID != e.id {
			e.peers[p.ID] = p
			e.members[p.ID] = struct{}{}
		}
	}
	e.resetElectionTimer()

	if hs.Term > 0 || len(entries) > 0 {
		e.logger.Info("restored consensus state", "term", hs.Term, "voted_for", hs.VotedFor, "log_length", len(entries))
	}
	return e, nil
}

// ID returns the node id this engine runs as.
func (e *Engine) ID() string { return e.id }

// ---- log helpers, callers hold mu ----

func (e *Engine) lastLogIndex() uint64 { return uint64(len(e.log)) }

func (e *Engine) lastLogTerm() uint64 { return e.termAt(e.lastLogIndex()) }

func (e *Engine) termAt(index uint64) uint64 {
	if index == 0 || index > e.lastLogIndex() {
		return 0
	}
	return e.log[index-1].Term
}

// quorum is a strict majority of every member ever known plus this node.
// A node cut off from its peers therefore cannot elect itself or commit
// alone once the failure detector has removed them.
func (e *Engine) quorum() int {
	return (len(e.members)+1)/2 + 1
}

func (e *Engine) peerList() []cluster.NodeInfo {
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]cluster.NodeInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.peers[id])
	}
	return out
}

func (e *Engine) resetElectionTimer() {
	jitter := e.electionMax - e.electionMin
	e.electionTimeout = e.electionMin + time.Duration(e.rng.Int63n(int64(jitter)))
	e.lastContact = e.now()
}

func (e *Engine) persistHardState() error {
	err := e.store.SaveHardState(HardState{Term: e.currentTerm, VotedFor: e.votedFor})
	e.unsaved = err != nil
	if err != nil {
		e.logger.Error("failed to persist hard state", "term", e.currentTerm, "error", err)
	}
	return err
}

// advanceTerm adopts a newer term, clearing the vote. The term is raised in
// memory even if persisting fails so it never regresses.
func (e *Engine) advanceTerm(term uint64) error {
	e.currentTerm = term
	e.votedFor = ""
	return e.persistHardState()
}

func (e *Engine) becomeFollower(leaderID string) {
	if e.role != cluster.Follower {
		e.logger.Info("became follower", "term", e.currentTerm, "leader", leaderID)
	}
	e.role = cluster.Follower
	e.leaderID = leaderID
	e.nextIndex = nil
	e.matchIndex = nil
}

// stepDown handles contact with a higher term.
func (e *Engine) stepDown(term uint64) {
	_ = e.advanceTerm(term)
	e.becomeFollower("")
	e.resetElectionTimer()
}

func (e *Engine) becomeLeader() {
	e.role = cluster.Leader
	e.leaderID = e.id
	e.nextIndex = make(map[string]uint64, len(e.peers))
	e.matchIndex = make(map[string]uint64, len(e.peers))
	for id := range e.peers {
		e.nextIndex[id] = e.lastLogIndex() + 1
		e.matchIndex[id] = 0
	}
	e.lastHeartbeat = time.Time{}
	e.logger.Info("became leader", "term", e.currentTerm, "log_length", len(e.log))
}

// truncateFrom drops entries at index and above. Committed entries are
// never removed.
func (e *Engine) truncateFrom(index uint64) error {
	if index <= e.commitIndex {
		return fmt.Errorf("refusing to truncate committed index %d (commit %d)", index, e.commitIndex)
	}
	if index > e.lastLogIndex() {
		return nil
	}
	if err := e.store.TruncateFrom(index); err != nil {
		return err
	}
	e.logger.Info("truncated log", "from", index, "dropped", e.lastLogIndex()-index+1)
	e.log = e.log[:index-1]
	return nil
}

// ---- inbound RPCs ----

// HandleRequestVote decides whether to grant a vote to a candidate.
func (e *Engine) HandleRequestVote(req cluster.RequestVoteRequest) cluster.RequestVoteResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Term < e.currentTerm {
		return cluster.RequestVoteResponse{Term: e.currentTerm}
	}
	if req.Term > e.currentTerm {
		if err := e.advanceTerm(req.Term); err != nil {
			e.becomeFollower("")
			return cluster.RequestVoteResponse{Term: e.currentTerm}
		}
		e.becomeFollower("")
	}

	resp := cluster.RequestVoteResponse{Term: e.currentTerm}

	lastTerm := e.lastLogTerm()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= e.lastLogIndex())
	if !upToDate || (e.votedFor != "" && e.votedFor != req.CandidateID) {
		e.logger.Debug("vote denied", "candidate", req.CandidateID, "term", req.Term, "voted_for", e.votedFor, "up_to_date", upToDate)
		return resp
	}

	previous := e.votedFor
	e.votedFor = req.CandidateID
	if err := e.persistHardState(); err != nil {
		e.votedFor = previous
		return resp
	}
	e.resetElectionTimer()
	resp.VoteGranted = true
	e.logger.Debug("vote granted", "candidate", req.CandidateID, "term", req.Term)
	return resp
}

// HandleAppendEntries runs the follower side of replication and heartbeats.
func (e *Engine) HandleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse {
	resp := e.handleAppendEntries(req)
	if resp.Success {
		e.applyCommitted()
	}
	return resp
}

func (e *Engine) handleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Term < e.currentTerm {
		return cluster.AppendEntriesResponse{Term: e.currentTerm, LogLength: e.lastLogIndex()}
	}
	if req.Term > e.currentTerm {
		_ = e.advanceTerm(req.Term)
	}
	// Entries are only acknowledged once the term they belong to is durable.
	if e.unsaved && e.persistHardState() != nil {
		e.becomeFollower("")
		return cluster.AppendEntriesResponse{Term: e.currentTerm, LogLength: e.lastLogIndex()}
	}
	e.becomeFollower(req.LeaderID)
	e.resetElectionTimer()

	reject := func() cluster.AppendEntriesResponse {
		return cluster.AppendEntriesResponse{Term: e.currentTerm, LogLength: e.lastLogIndex()}
	}

	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex > e.lastLogIndex() {
			return reject()
		}
		if e.termAt(req.PrevLogIndex) != req.PrevLogTerm {
			// The entry at prev conflicts with the leader, so it and
			// everything after it are uncommitted.
			if err := e.truncateFrom(req.PrevLogIndex); err != nil {
				e.logger.Error("consistency check truncate failed", "index", req.PrevLogIndex, "error", err)
			}
			return reject()
		}
	}

	for i, entry := range req.Entries {
		if entry.Index != req.PrevLogIndex+uint64(i)+1 {
			e.logger.Warn("rejecting non-contiguous entries", "leader", req.LeaderID, "index", entry.Index)
			return reject()
		}
		if !entry.Verify() {
			e.logger.Warn("rejecting entry", "leader", req.LeaderID, "index", entry.Index, "error", ErrCorruptEntry)
			return reject()
		}
	}

	for i, entry := range req.Entries {
		if entry.Index <= e.lastLogIndex() {
			if e.termAt(entry.Index) == entry.Term {
				continue
			}
			if err := e.truncateFrom(entry.Index); err != nil {
				e.logger.Error("conflict truncate failed", "index", entry.Index, "error", err)
				return reject()
			}
		}
		fresh := append([]LogEntry(nil), req.Entries[i:]...)
		if err := e.store.Append(fresh); err != nil {
			e.logger.Error("failed to persist entries", "from", entry.Index, "error", err)
			return reject()
		}
		e.log = append(e.log, fresh...)
		break
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > e.commitIndex {
		newCommit := min(req.LeaderCommit, lastNew)
		if newCommit > e.commitIndex {
			e.commitIndex = newCommit
		}
	}

	return cluster.AppendEntriesResponse{Term: e.currentTerm, Success: true, LogLength: e.lastLogIndex()}
}

// ---- elections ----

// StartElection campaigns for leadership of the next term and reports
// whether this node won. RPC failures count as missing votes.
func (e *Engine) StartElection(ctx context.Context) bool {
	e.mu.Lock()
	if e.role == cluster.Leader {
		e.mu.Unlock()
		return true
	}
	e.role = cluster.Candidate
	e.leaderID = ""
	e.currentTerm++
	e.votedFor = e.id
	e.resetElectionTimer()
	if err := e.persistHardState(); err != nil {
		e.becomeFollower("")
		e.mu.Unlock()
		return false
	}
	term := e.currentTerm
	req := cluster.RequestVoteRequest{
		Term:         term,
		CandidateID:  e.id,
		LastLogIndex: e.lastLogIndex(),
		LastLogTerm:  e.lastLogTerm(),
	}
	peers := e.peerList()
	quorum := e.quorum()
	e.logger.Info("starting election", "term", term, "peers", len(peers), "quorum", quorum)
	e.mu.Unlock()

	var (
		mu        sync.Mutex
		responses []cluster.RequestVoteResponse
	)
	var wg conc.WaitGroup
	for _, peer := range peers {
		wg.Go(func() {
			rctx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
			defer cancel()
			resp, err := e.transport.RequestVote(rctx, peer, req)
			if err != nil {
				e.logger.Debug("request vote failed", "peer", peer.ID, "error", err)
				return
			}
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
		})
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	votes := 1
	for _, resp := range responses {
		if resp.Term > e.currentTerm {
			e.logger.Info("election lost to higher term", "term", term, "seen", resp.Term)
			e.stepDown(resp.Term)
			return false
		}
		if resp.VoteGranted && resp.Term == term {
			votes++
		}
	}

	// A heartbeat or higher term may have arrived while votes were in flight.
	if e.role != cluster.Candidate || e.currentTerm != term {
		return false
	}
	if votes < quorum {
		e.logger.Info("election lost", "term", term, "votes", votes, "quorum", quorum)
		return false
	}
	e.becomeLeader()
	return true
}

// ---- replication ----

// Replicate appends command to the leader's log and replicates it. It
// reports whether the entry is committed; false on a follower or when no
// majority acknowledged. An uncommitted entry stays in the leader's log.
func (e *Engine) Replicate(ctx context.Context, command []byte) bool {
	e.mu.Lock()
	if e.role != cluster.Leader {
		e.mu.Unlock()
		return false
	}
	entry := cluster.NewLogEntry(e.currentTerm, e.lastLogIndex()+1, command)
	if err := e.store.Append([]LogEntry{entry}); err != nil {
		e.logger.Error("failed to persist new entry", "index", entry.Index, "error", err)
		e.mu.Unlock()
		return false
	}
	e.log = append(e.log, entry)
	e.mu.Unlock()

	e.Heartbeat(ctx)

	e.mu.Lock()
	committed := e.commitIndex >= entry.Index && e.termAt(entry.Index) == entry.Term
	e.mu.Unlock()
	if !committed {
		e.logger.Warn("entry not committed", "index", entry.Index, "term", entry.Term)
	}
	return committed
}

// Heartbeat sends one AppendEntries round to every peer, carrying whatever
// entries each peer is missing, then advances the commit index. No-op unless
// leader.
func (e *Engine) Heartbeat(ctx context.Context) {
	e.mu.Lock()
	if e.role != cluster.Leader {
		e.mu.Unlock()
		return
	}
	term := e.currentTerm
	peers := e.peerList()
	e.lastHeartbeat = e.now()
	e.mu.Unlock()

	var wg conc.WaitGroup
	for _, peer := range peers {
		wg.Go(func() { e.replicateTo(ctx, peer, term) })
	}
	wg.Wait()

	e.mu.Lock()
	if e.role == cluster.Leader && e.currentTerm == term {
		e.advanceCommitIndex()
	}
	e.mu.Unlock()

	e.applyCommitted()
}

// replicateTo brings one peer up to date. Consistency rejections back off
// next_index and retry immediately; transport failures end the attempt.
func (e *Engine) replicateTo(ctx context.Context, peer cluster.NodeInfo, term uint64) {
	for {
		e.mu.Lock()
		if e.role != cluster.Leader || e.currentTerm != term {
			e.mu.Unlock()
			return
		}
		if _, ok := e.peers[peer.ID]; !ok {
			e.mu.Unlock()
			return
		}
		next := e.nextIndex[peer.ID]
		if next == 0 || next > e.lastLogIndex()+1 {
			next = e.lastLogIndex() + 1
		}
		prev := next - 1
		end := min(e.lastLogIndex(), prev+maxEntriesPerRequest)
		req := cluster.AppendEntriesRequest{
			Term:         term,
			LeaderID:     e.id,
			PrevLogIndex: prev,
			PrevLogTerm:  e.termAt(prev),
			Entries:      append([]LogEntry(nil), e.log[prev:end]...),
			LeaderCommit: e.commitIndex,
		}
		e.mu.Unlock()

		rctx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
		resp, err := e.transport.AppendEntries(rctx, peer, req)
		cancel()
		if err != nil {
			e.logger.Debug("append entries failed", "peer", peer.ID, "error", err)
			return
		}

		e.mu.Lock()
		if resp.Term > e.currentTerm {
			e.logger.Info("stepping down, peer has higher term", "peer", peer.ID, "term", resp.Term)
			e.stepDown(resp.Term)
			e.mu.Unlock()
			return
		}
		if e.role != cluster.Leader || e.currentTerm != term {
			e.mu.Unlock()
			return
		}

		if resp.Success {
			match := prev + uint64(len(req.Entries))
			if match > e.matchIndex[peer.ID] {
				e.matchIndex[peer.ID] = match
			}
			if match+1 > e.nextIndex[peer.ID] {
				e.nextIndex[peer.ID] = match + 1
			}
			more := e.nextIndex[peer.ID] <= e.lastLogIndex()
			e.mu.Unlock()
			if !more {
				return
			}
			continue
		}

		backoff := next - 1
		if resp.LogLength+1 < backoff {
			backoff = resp.LogLength + 1
		}
		if backoff < 1 {
			backoff = 1
		}
		if backoff >= next {
			e.mu.Unlock()
			return
		}
		e.nextIndex[peer.ID] = backoff
		e.logger.Debug("backing off next index", "peer", peer.ID, "next", backoff)
		e.mu.Unlock()
	}
}

// advanceCommitIndex commits the highest current-term index held by a
// majority. Caller holds mu.
func (e *Engine) advanceCommitIndex() {
	quorum := e.quorum()
	for n := e.lastLogIndex(); n > e.commitIndex; n-- {
		if e.termAt(n) != e.currentTerm {
			break
		}
		count := 1
		for id := range e.peers {
			if e.matchIndex[id] >= n {
				count++
			}
		}
		if count >= quorum {
			e.logger.Debug("commit index advanced", "from", e.commitIndex, "to", n)
			e.commitIndex = n
			return
		}
	}
}

// applyCommitted hands newly committed entries to the apply callback.
func (e *Engine) applyCommitted() {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	var pending []LogEntry
	for e.lastApplied < e.commitIndex {
		e.lastApplied++
		pending = append(pending, e.log[e.lastApplied-1])
	}
	apply := e.apply
	e.mu.Unlock()

	if apply == nil {
		return
	}
	for _, entry := range pending {
		apply(entry)
	}
}

// ---- timers ----

// Tick drives the engine's timers: a leader heartbeats once the heartbeat
// interval has passed; any other node campaigns once its randomized election
// timeout has passed without leader contact.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	now := e.now()
	if e.role == cluster.Leader {
		due := now.Sub(e.lastHeartbeat) >= e.heartbeatInterval
		e.mu.Unlock()
		if due {
			e.Heartbeat(ctx)
		}
		return
	}
	due := now.Sub(e.lastContact) >= e.electionTimeout
	e.mu.Unlock()

	if due && e.StartElection(ctx) {
		e.Heartbeat(ctx)
	}
}

// ElectionDue reports whether a non-leader has been idle past its timeout.
func (e *Engine) ElectionDue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role != cluster.Leader && e.now().Sub(e.lastContact) >= e.electionTimeout
}

// ---- membership ----

// AddPeer adds or updates a peer. A leader starts replicating to it from the
// end of its log.
func (e *Engine) AddPeer(peer cluster.NodeInfo) {
	if peer.ID == e.id {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, known := e.peers[peer.ID]
	e.peers[peer.ID] = peer
	e.members[peer.ID] = struct{}{}
	if known {
		return
	}
	if e.role == cluster.Leader {
		e.nextIndex[peer.ID] = e.lastLogIndex() + 1
		e.matchIndex[peer.ID] = 0
	}
	e.logger.Info("peer added", "peer", peer.ID, "addr", peer.Addr)
}

// RemovePeer stops sending RPCs to a peer. The peer still counts toward the
// quorum; AddPeer resumes replication to it.
func (e *Engine) RemovePeer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.peers[id]; !ok {
		return
	}
	delete(e.peers, id)
	delete(e.nextIndex, id)
	delete(e.matchIndex, id)
	e.logger.Info("peer removed", "peer", id)
}

// Peers returns the current peer set sorted by id.
func (e *Engine) Peers() []cluster.NodeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerList()
}

// ---- queries ----

// Status is a point-in-time view of the engine.
type Status struct {
	ID          string       `json:"id"`
	Role        cluster.Role `json:"role"`
	Term        uint64       `json:"term"`
	VotedFor    string       `json:"voted_for,omitempty"`
	LeaderID    string       `json:"leader_id,omitempty"`
	CommitIndex uint64       `json:"commit_index"`
	LastApplied uint64       `json:"last_applied"`
	LogLength   uint64       `json:"log_length"`
	// ClusterSize is this node plus every member ever known.
	ClusterSize int          `json:"cluster_size"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:          e.id,
		Role:        e.role,
		Term:        e.currentTerm,
		VotedFor:    e.votedFor,
		LeaderID:    e.leaderID,
		CommitIndex: e.commitIndex,
		LastApplied: e.lastApplied,
		LogLength:   e.lastLogIndex(),
		ClusterSize: len(e.members) + 1,
	}
}

// Entries returns a copy of the log.
func (e *Engine) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.log...)
}

// Entry returns the entry at a 1-based index.
func (e *Engine) Entry(index uint64) (LogEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index == 0 || index > e.lastLogIndex() {
		return LogEntry{}, false
	}
	return e.log[index-1], true
}

// Close closes the engine's store. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Close()
}
