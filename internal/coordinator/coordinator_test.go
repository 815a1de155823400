package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/mesh/internal/balancer"
	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/testutil"
)

type nodeOpts struct {
	id           string
	capabilities []string
}

type testMesh struct {
	t     *testing.T
	net   *testutil.Network
	clock *testutil.Clock
	nodes map[string]*Coordinator
}

func info(id string) cluster.NodeInfo {
	return cluster.NodeInfo{ID: id, Addr: "mem://" + id}
}

// newTestMesh builds fully meshed coordinators on an in-memory network with
// a shared manual clock.
func newTestMesh(t *testing.T, nodes ...nodeOpts) *testMesh {
	t.Helper()
	m := &testMesh{
		t:     t,
		net:   testutil.NewNetwork(),
		clock: testutil.NewClock(),
		nodes: make(map[string]*Coordinator),
	}
	var peers []cluster.NodeInfo
	for _, s := range nodes {
		peers = append(peers, info(s.id))
	}
	for i, s := range nodes {
		m.add(s, peers, int64(i+1))
	}
	return m
}

func (m *testMesh) add(s nodeOpts, peers []cluster.NodeInfo, seed int64) *Coordinator {
	m.t.Helper()
	c, err := New(Options{
		Self:           info(s.id),
		Capabilities:   s.capabilities,
		Peers:          peers,
		Transport:      m.net.Transport(s.id),
		FailureTimeout: time.Second,
		Strategy:       balancer.CapabilityMatch,
		Clock:          m.clock.Now,
		Seed:           seed,
	})
	require.NoError(m.t, err)
	m.net.Register(s.id, c)
	m.nodes[s.id] = c
	m.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (m *testMesh) maintain(ids ...string) {
	for _, id := range ids {
		m.nodes[id].RunMaintenance(context.Background())
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{Self: info("a")})
	assert.Error(t, err)
}

func TestNewGeneratesNodeID(t *testing.T) {
	c, err := New(Options{Transport: testutil.NewNetwork().Transport("")})
	require.NoError(t, err)
	defer c.Close()

	_, err = uuid.Parse(c.Self().ID)
	assert.NoError(t, err, "generated id should be a UUID")
	assert.Equal(t, c.Self().ID, c.Status().ID)
}

func TestSubmitCommand(t *testing.T) {
	ctx := context.Background()
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"}, nodeOpts{id: "C"})
	a, b := m.nodes["A"], m.nodes["B"]

	t.Run("no leader yet", func(t *testing.T) {
		ok, err := a.SubmitCommand(ctx, []byte("x"))
		assert.False(t, ok)
		require.ErrorIs(t, err, ErrNotLeader)
		var nl *NotLeaderError
		require.True(t, errors.As(err, &nl))
		assert.Empty(t, nl.LeaderID)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := a.SubmitCommand(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})

	require.True(t, a.engine.StartElection(ctx))

	t.Run("leader commits and applies", func(t *testing.T) {
		ok, err := a.SubmitCommand(ctx, []byte(`{"op":"put"}`))
		require.NoError(t, err)
		require.True(t, ok)

		got, err := a.Applied(1)
		require.NoError(t, err)
		assert.Equal(t, `{"op":"put"}`, string(got))

		// Followers apply once the next heartbeat carries the commit index.
		a.engine.Heartbeat(ctx)
		got, err = b.Applied(1)
		require.NoError(t, err)
		assert.Equal(t, `{"op":"put"}`, string(got))
	})

	t.Run("follower returns leader hint", func(t *testing.T) {
		ok, err := b.SubmitCommand(ctx, []byte("y"))
		assert.False(t, ok)
		var nl *NotLeaderError
		require.True(t, errors.As(err, &nl))
		assert.Equal(t, "A", nl.LeaderID)
		assert.Equal(t, "mem://A", nl.LeaderAddr)
		assert.Contains(t, err.Error(), "leader is A")
	})

	t.Run("leader without majority leaves entry uncommitted", func(t *testing.T) {
		m.net.Crash("B")
		m.net.Crash("C")
		ok, err := a.SubmitCommand(ctx, []byte("z"))
		assert.NoError(t, err)
		assert.False(t, ok)
		_, err = a.Applied(2)
		assert.Error(t, err)
		st := a.Status()
		assert.Equal(t, uint64(2), st.LogLength)
		assert.Equal(t, uint64(1), st.CommitIndex)
	})
}

func TestMaintenanceAddsGossipedPeers(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"})
	a := m.nodes["A"]

	// D only knows A; A learns about D through gossip.
	d := m.add(nodeOpts{id: "D"}, []cluster.NodeInfo{info("A")}, 9)
	report := d.RunMaintenance(context.Background())
	assert.Equal(t, []string{"A"}, report.Acked)

	report = a.RunMaintenance(context.Background())
	assert.Equal(t, []string{"D"}, report.Joined)
	assert.Contains(t, a.engine.Peers(), info("D"))

	// A's snapshot told D about B.
	var ids []string
	for _, p := range d.engine.Peers() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"A", "B"}, ids)
}

func TestMaintenanceRemovesFailedPeerAndReassignsTasks(t *testing.T) {
	m := newTestMesh(t,
		nodeOpts{id: "A"},
		nodeOpts{id: "B"},
		nodeOpts{id: "C", capabilities: []string{"gpu"}},
	)
	a := m.nodes["A"]

	// Exchange versions so A knows C's capabilities.
	m.maintain("A", "B", "C", "A")
	require.NoError(t, a.SetWorkload(5))

	place := func(task balancer.Task) string {
		node, ok := a.DistributeTask(task)
		require.True(t, ok, task.ID)
		return node
	}
	assert.Equal(t, "B", place(balancer.Task{ID: "t1"}))
	assert.Equal(t, "C", place(balancer.Task{ID: "t2"}))
	assert.Equal(t, "B", place(balancer.Task{ID: "t3"}))
	assert.Equal(t, "C", place(balancer.Task{ID: "t4", Capabilities: []string{"gpu"}}))

	m.net.Crash("C")
	m.clock.Advance(2 * time.Second)
	report := a.RunMaintenance(context.Background())

	assert.Equal(t, []string{"C"}, report.Failed)
	assert.Equal(t, map[string]string{"t2": "B"}, report.Reassigned)
	assert.Equal(t, []string{"t4"}, report.Unplaced)

	assert.NotContains(t, a.engine.Peers(), info("C"))
	for _, p := range a.Status().Peers {
		assert.NotEqual(t, "C", p.ID)
	}

	var open []string
	for _, task := range a.Tasks() {
		open = append(open, task.TaskID)
		assert.Equal(t, "B", task.NodeID)
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, open)

	// Stale gossip about C does not bring it back.
	m.maintain("B", "A")
	_, known := a.members.Get("C")
	assert.False(t, known)
}

// TestPartitionAndHeal cuts a leader off from the majority until the failure
// detector drops its peers on both sides, then heals the network.
func TestPartitionAndHeal(t *testing.T) {
	ctx := context.Background()
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"}, nodeOpts{id: "C"})
	a := m.nodes["A"]
	ids := []string{"A", "B", "C"}

	leaders := map[uint64]map[string]bool{}
	pass := func() {
		m.clock.Advance(100 * time.Millisecond)
		m.maintain(ids...)
		for _, id := range ids {
			st := m.nodes[id].Status()
			if st.Role != cluster.Leader {
				continue
			}
			if leaders[st.Term] == nil {
				leaders[st.Term] = map[string]bool{}
			}
			leaders[st.Term][id] = true
		}
	}
	majorityLeader := func() *Coordinator {
		for _, id := range []string{"B", "C"} {
			if m.nodes[id].Status().Role == cluster.Leader {
				return m.nodes[id]
			}
		}
		return nil
	}

	require.True(t, a.engine.StartElection(ctx))
	ok, err := a.SubmitCommand(ctx, []byte("x1"))
	require.NoError(t, err)
	require.True(t, ok)
	m.maintain(ids...)

	m.net.Partition([]string{"A"}, []string{"B", "C"})
	for range 15 {
		pass()
	}

	assert.Empty(t, a.engine.Peers(), "A dropped its unreachable peers")
	assert.Equal(t, 3, a.engine.Status().ClusterSize)
	assert.Equal(t, cluster.Leader, a.Status().Role, "A has not heard of a newer term yet")

	ok, err = a.SubmitCommand(ctx, []byte("minority-write"))
	assert.NoError(t, err)
	assert.False(t, ok, "an isolated node cannot commit")
	assert.Equal(t, uint64(1), a.Status().CommitIndex)

	b := majorityLeader()
	require.NotNil(t, b, "the majority side elected a leader")
	assert.Equal(t, uint64(2), b.Status().Term)
	ok, err = b.SubmitCommand(ctx, []byte("majority-write"))
	require.NoError(t, err)
	require.True(t, ok)

	m.net.Heal()
	for range 10 {
		pass()
	}

	st := a.Status()
	assert.Equal(t, cluster.Follower, st.Role, "stale leader stepped down")
	assert.Equal(t, b.Status().Term, st.Term)
	assert.Equal(t, b.Self().ID, st.LeaderID)

	for term, who := range leaders {
		assert.LessOrEqual(t, len(who), 1, "term %d had leaders %v", term, who)
	}

	for _, x := range ids {
		for _, y := range ids {
			cx, cy := m.nodes[x].Status().CommitIndex, m.nodes[y].Status().CommitIndex
			for i := uint64(1); i <= min(cx, cy); i++ {
				ex, _ := m.nodes[x].engine.Entry(i)
				ey, _ := m.nodes[y].engine.Entry(i)
				assert.Equal(t, ex, ey, "%s and %s disagree at committed index %d", x, y, i)
			}
		}
	}
	for _, id := range ids {
		got, err := m.nodes[id].Applied(2)
		require.NoError(t, err, id)
		assert.Equal(t, "majority-write", string(got), id)
	}
}

func TestBackgroundMaintenanceLeavesTicksToTickLoop(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"}, nodeOpts{id: "C"})
	a := m.nodes["A"]
	m.clock.Advance(time.Second)

	report := a.maintain(context.Background(), false)
	assert.True(t, report.ElectionDue)
	assert.Equal(t, cluster.Follower, report.Role)
	assert.Zero(t, report.Term)

	report = a.RunMaintenance(context.Background())
	assert.Equal(t, cluster.Leader, report.Role)
}

func TestUnheardPeersAreNotCandidates(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"})
	a := m.nodes["A"]
	require.NoError(t, a.SetWorkload(5))

	node, ok := a.DistributeTask(balancer.Task{ID: "t1"})
	require.True(t, ok)
	assert.Equal(t, "A", node, "B was only seeded and has never answered")

	m.maintain("B")
	node, ok = a.DistributeTask(balancer.Task{ID: "t2"})
	require.True(t, ok)
	assert.Equal(t, "B", node)
}

func TestMaintenanceElectsLeader(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"}, nodeOpts{id: "C"})

	report := m.nodes["A"].RunMaintenance(context.Background())
	assert.False(t, report.ElectionDue)
	assert.Equal(t, cluster.Follower, report.Role)

	m.clock.Advance(time.Second)
	report = m.nodes["A"].RunMaintenance(context.Background())
	assert.True(t, report.ElectionDue)
	assert.Equal(t, cluster.Leader, report.Role)
	assert.Equal(t, uint64(1), report.Term)

	// The new role is gossiped.
	m.maintain("B")
	rec, ok := m.nodes["B"].members.Get("A")
	require.True(t, ok)
	assert.Equal(t, cluster.Leader, rec.Role)
	assert.Equal(t, uint64(1), rec.Term)
}

func TestTaskLifecycle(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"})
	a := m.nodes["A"]

	node, ok := a.DistributeTask(balancer.Task{ID: "job", Weight: 0.5})
	require.True(t, ok)
	assert.Equal(t, "A", node)

	again, ok := a.DistributeTask(balancer.Task{ID: "job", Weight: 0.5})
	require.True(t, ok)
	assert.Equal(t, node, again, "duplicate task id keeps its placement")
	assert.Len(t, a.Tasks(), 1)
	assert.Equal(t, 1, a.Status().OpenTasks)

	done, ok := a.CompleteTask("job")
	require.True(t, ok)
	assert.Equal(t, 0.5, done.Weight)
	assert.Empty(t, a.Tasks())

	_, ok = a.CompleteTask("job")
	assert.False(t, ok)
}

func TestSetWorkload(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"})
	a := m.nodes["A"]

	assert.Error(t, a.SetWorkload(-1))
	require.NoError(t, a.SetWorkload(0.75))
	assert.Equal(t, 0.75, a.Status().Workload)

	m.maintain("A")
	rec, ok := m.nodes["B"].members.Get("A")
	require.True(t, ok)
	assert.Equal(t, 0.75, rec.Workload)
}

func TestStatus(t *testing.T) {
	m := newTestMesh(t, nodeOpts{id: "A"}, nodeOpts{id: "B"}, nodeOpts{id: "C"})
	a := m.nodes["A"]
	require.True(t, a.engine.StartElection(context.Background()))

	st := a.Status()
	assert.Equal(t, "A", st.ID)
	assert.Equal(t, "mem://A", st.Addr)
	assert.Equal(t, cluster.Leader, st.Role)
	assert.Equal(t, "A", st.LeaderID)
	assert.Equal(t, "capability-match", st.Strategy)
	require.Len(t, st.Peers, 2)
	assert.Equal(t, "B", st.Peers[0].ID)
	assert.Equal(t, "C", st.Peers[1].ID)
	assert.True(t, st.Peers[0].Voting)
}

func TestStartStop(t *testing.T) {
	net := testutil.NewNetwork()
	ids := []string{"A", "B", "C"}
	var peers []cluster.NodeInfo
	for _, id := range ids {
		peers = append(peers, info(id))
	}

	var nodes []*Coordinator
	for i, id := range ids {
		c, err := New(Options{
			Self:               info(id),
			Peers:              peers,
			Transport:          net.Transport(id),
			ElectionTimeoutMin: 20 * time.Millisecond,
			ElectionTimeoutMax: 60 * time.Millisecond,
			HeartbeatInterval:  5 * time.Millisecond,
			TickInterval:       2 * time.Millisecond,
			GossipInterval:     10 * time.Millisecond,
			FailureTimeout:     5 * time.Second,
			Seed:               int64(i + 1),
		})
		require.NoError(t, err)
		net.Register(id, c)
		nodes = append(nodes, c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, c := range nodes {
		c.Start(ctx)
		c.Start(ctx) // second call is a no-op
	}

	assert.Eventually(t, func() bool {
		leaders := 0
		for _, c := range nodes {
			if c.Status().Role == cluster.Leader {
				leaders++
			}
		}
		return leaders == 1
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range nodes {
		c.Stop()
		c.Stop()
		assert.NoError(t, c.Close())
	}
}
