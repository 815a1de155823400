package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/dreamware/mesh/internal/balancer"
	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/gossip"
	"github.com/dreamware/mesh/internal/logging"
	"github.com/dreamware/mesh/internal/raft"
	"github.com/dreamware/mesh/internal/storage"
)

var (
	// ErrNotLeader is returned when a command is submitted to a non-leader.
	// The concrete error is a *NotLeaderError carrying the known leader.
	ErrNotLeader = errors.New("not the leader")

	// ErrEmptyCommand rejects submissions without a payload.
	ErrEmptyCommand = errors.New("command payload is empty")
)

// NotLeaderError tells the caller where to resubmit. LeaderID is empty when
// no leader is known.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not the leader; leader unknown"
	}
	return fmt.Sprintf("not the leader; leader is %s (%s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

const (
	DefaultTickInterval   = 10 * time.Millisecond
	DefaultGossipInterval = 200 * time.Millisecond
)

// Options configures a Coordinator. Zero values fall back to the defaults
// of the package that owns the setting.
type Options struct {
	Self         cluster.NodeInfo
	Capabilities []string
	Workload     float64
	Peers        []cluster.NodeInfo
	Transport    cluster.Transport

	RaftStore    raft.Store
	AppliedStore storage.Store

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	TickInterval       time.Duration

	GossipInterval time.Duration
	Fanout         int
	FailureTimeout time.Duration

	Strategy      balancer.Strategy
	DefaultWeight float64

	Logger *logging.Logger
	Clock  func() time.Time
	Seed   int64
}

// Coordinator is one mesh node: it owns the node identity and composes the
// consensus engine, the gossip table, the balancer and the applied-command
// store. The embedding application creates it; there is no global instance.
type Coordinator struct {
	self     cluster.NodeInfo
	engine   *raft.Engine
	members  *gossip.Table
	balancer *balancer.Balancer
	commands *storage.CommandLog
	logger   *logging.Logger

	// membership serialises changes to the peer sets of the gossip table and
	// the engine so both always agree.
	membership sync.Mutex

	mu       sync.RWMutex
	workload float64

	tickInterval   time.Duration
	gossipInterval time.Duration
	failureTimeout time.Duration

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New builds a coordinator. A node without an id gets a random UUID.
func New(opts Options) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	if opts.Self.ID == "" {
		opts.Self.ID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.AppliedStore == nil {
		opts.AppliedStore = storage.NewMemoryStore()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.GossipInterval <= 0 {
		opts.GossipInterval = DefaultGossipInterval
	}
	if opts.FailureTimeout <= 0 {
		opts.FailureTimeout = gossip.DefaultFailureTimeout
	}

	c := &Coordinator{
		self:           opts.Self,
		commands:       storage.NewCommandLog(opts.AppliedStore),
		logger:         opts.Logger.WithComponent("coordinator").WithNode(opts.Self.ID),
		workload:       opts.Workload,
		tickInterval:   opts.TickInterval,
		gossipInterval: opts.GossipInterval,
		failureTimeout: opts.FailureTimeout,
	}

	engine, err := raft.NewEngine(raft.Options{
		ID:                 opts.Self.ID,
		Peers:              opts.Peers,
		Transport:          opts.Transport,
		Store:              opts.RaftStore,
		Logger:             opts.Logger,
		Apply:              c.apply,
		ElectionTimeoutMin: opts.ElectionTimeoutMin,
		ElectionTimeoutMax: opts.ElectionTimeoutMax,
		HeartbeatInterval:  opts.HeartbeatInterval,
		RPCTimeout:         opts.RPCTimeout,
		Clock:              opts.Clock,
		Seed:               opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	c.engine = engine

	c.members = gossip.NewTable(gossip.Options{
		Self:         opts.Self,
		Capabilities: opts.Capabilities,
		Transport:    opts.Transport,
		Logger:       opts.Logger,
		Fanout:       opts.Fanout,
		RPCTimeout:   opts.RPCTimeout,
		Clock:        opts.Clock,
		Seed:         opts.Seed,
	})
	for _, p := range opts.Peers {
		c.members.Join(p)
	}
	c.members.UpdateSelf(cluster.Follower, engine.Status().Term, opts.Workload)

	c.balancer = balancer.New(balancer.Options{
		Strategy:      opts.Strategy,
		DefaultWeight: opts.DefaultWeight,
		Logger:        opts.Logger,
		Clock:         opts.Clock,
	})

	c.logger.Info("coordinator created", "addr", opts.Self.Addr, "peers", len(opts.Peers), "strategy", c.balancer.Strategy().String())
	return c, nil
}

// apply records a committed entry in the applied-command store.
func (c *Coordinator) apply(entry raft.LogEntry) {
	if err := c.commands.Record(entry.Index, entry.Command); err != nil {
		c.logger.Error("failed to apply command", "index", entry.Index, "error", err)
		return
	}
	c.logger.Debug("command applied", "index", entry.Index, "term", entry.Term)
}

// Self returns this node's identity.
func (c *Coordinator) Self() cluster.NodeInfo { return c.self }

// ---- commands ----

// SubmitCommand replicates payload through the consensus log. It returns
// true once the command is committed. A non-leader fails closed with a
// *NotLeaderError; false with a nil error means the leader could not reach
// a majority and the entry stays uncommitted in its log.
func (c *Coordinator) SubmitCommand(ctx context.Context, payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, ErrEmptyCommand
	}
	if st := c.engine.Status(); st.Role != cluster.Leader {
		return false, c.notLeader(st.LeaderID)
	}
	if c.engine.Replicate(ctx, payload) {
		return true, nil
	}
	// Leadership may have been lost while replicating.
	if st := c.engine.Status(); st.Role != cluster.Leader {
		return false, c.notLeader(st.LeaderID)
	}
	return false, nil
}

func (c *Coordinator) notLeader(leaderID string) error {
	err := &NotLeaderError{LeaderID: leaderID}
	if rec, ok := c.members.Get(leaderID); ok {
		err.LeaderAddr = rec.Addr
	}
	return err
}

// Applied returns the command applied at index.
func (c *Coordinator) Applied(index uint64) ([]byte, error) {
	return c.commands.Command(index)
}

// ---- tasks ----

// candidates turns the gossip snapshot into balancer input. Seeded peers
// that have never been heard from (version 0) are left out.
func (c *Coordinator) candidates() []balancer.Candidate {
	snap := c.members.Snapshot()
	out := make([]balancer.Candidate, 0, len(snap))
	for _, r := range snap {
		if r.Version == 0 && r.ID != c.self.ID {
			continue
		}
		out = append(out, balancer.Candidate{ID: r.ID, Workload: r.Workload, Capabilities: r.Capabilities})
	}
	return out
}

// DistributeTask places a task on a node using the current membership
// snapshot. ok is false when no node is eligible.
func (c *Coordinator) DistributeTask(task balancer.Task) (string, bool) {
	return c.balancer.Assign(task, c.candidates())
}

// CompleteTask releases a task's weight from its node.
func (c *Coordinator) CompleteTask(taskID string) (balancer.Assignment, bool) {
	return c.balancer.Complete(taskID)
}

// Tasks lists the open assignments.
func (c *Coordinator) Tasks() []balancer.Assignment {
	return c.balancer.Assignments()
}

// SetWorkload sets the load this node reports about itself through gossip.
func (c *Coordinator) SetWorkload(w float64) error {
	if w < 0 {
		return fmt.Errorf("workload must be >= 0, got %v", w)
	}
	c.mu.Lock()
	c.workload = w
	c.mu.Unlock()
	st := c.engine.Status()
	c.members.UpdateSelf(st.Role, st.Term, w)
	return nil
}

// ---- inbound RPC ----

func (c *Coordinator) HandleRequestVote(req cluster.RequestVoteRequest) cluster.RequestVoteResponse {
	return c.engine.HandleRequestVote(req)
}

func (c *Coordinator) HandleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse {
	return c.engine.HandleAppendEntries(req)
}

func (c *Coordinator) HandleGossip(msg cluster.GossipMessage) cluster.GossipAck {
	return c.members.HandleGossip(msg)
}

// ---- status ----

// PeerStatus is the gossiped view of one member.
type PeerStatus struct {
	ID           string       `json:"id" yaml:"id"`
	Addr         string       `json:"addr" yaml:"addr"`
	Role         cluster.Role `json:"role" yaml:"role"`
	Term         uint64       `json:"term" yaml:"term"`
	Workload     float64      `json:"workload" yaml:"workload"`
	Capabilities []string     `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Version      uint64       `json:"version" yaml:"version"`
	LastSeen     time.Time    `json:"last_seen" yaml:"last_seen"`
	Voting       bool         `json:"voting" yaml:"voting"`
}

// Status is the answer to a status query.
type Status struct {
	ID          string       `json:"id" yaml:"id"`
	Addr        string       `json:"addr" yaml:"addr"`
	Role        cluster.Role `json:"role" yaml:"role"`
	Term        uint64       `json:"term" yaml:"term"`
	LeaderID    string       `json:"leader_id,omitempty" yaml:"leader_id,omitempty"`
	CommitIndex uint64       `json:"commit_index" yaml:"commit_index"`
	LastApplied uint64       `json:"last_applied" yaml:"last_applied"`
	LogLength   uint64       `json:"log_length" yaml:"log_length"`
	Workload    float64      `json:"workload" yaml:"workload"`
	Strategy    string       `json:"strategy" yaml:"strategy"`
	OpenTasks   int          `json:"open_tasks" yaml:"open_tasks"`
	Peers       []PeerStatus `json:"peers" yaml:"peers"`
}

func (c *Coordinator) Status() Status {
	st := c.engine.Status()
	voting := make(map[string]bool)
	for _, p := range c.engine.Peers() {
		voting[p.ID] = true
	}

	c.mu.RLock()
	workload := c.workload
	c.mu.RUnlock()

	out := Status{
		ID:          c.self.ID,
		Addr:        c.self.Addr,
		Role:        st.Role,
		Term:        st.Term,
		LeaderID:    st.LeaderID,
		CommitIndex: st.CommitIndex,
		LastApplied: st.LastApplied,
		LogLength:   st.LogLength,
		Workload:    workload,
		Strategy:    c.balancer.Strategy().String(),
		OpenTasks:   len(c.balancer.Assignments()),
		Peers:       []PeerStatus{},
	}
	for _, r := range c.members.Snapshot() {
		if r.ID == c.self.ID {
			continue
		}
		out.Peers = append(out.Peers, PeerStatus{
			ID:           r.ID,
			Addr:         r.Addr,
			Role:         r.Role,
			Term:         r.Term,
			Workload:     r.Workload,
			Capabilities: r.Capabilities,
			Version:      r.Version,
			LastSeen:     r.LastSeen,
			Voting:       voting[r.ID],
		})
	}
	return out
}

// Close releases the stores. Call after Stop.
func (c *Coordinator) Close() error {
	return errors.Join(c.commands.Close(), c.engine.Close())
}
