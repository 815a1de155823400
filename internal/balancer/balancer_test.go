package balancer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"least-loaded", LeastLoaded, false},
		{"Round-Robin", RoundRobin, false},
		{" capability-match ", CapabilityMatch, false},
		{"random", Random, false},
		{"fastest", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnknownStrategy))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, name := range StrategyNames() {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.String())
	}
}

func TestStrategyText(t *testing.T) {
	text, err := CapabilityMatch.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "capability-match", string(text))

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("random")))
	assert.Equal(t, Random, s)

	_, err = Strategy(42).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Equal(t, "strategy(42)", Strategy(42).String())
}

// TestLeastLoadedPicksLowest: workloads [0.2, 0.5, 0.1] place on the 0.1
// node, whose effective load then grows by the task weight.
func TestLeastLoadedPicksLowest(t *testing.T) {
	b := New(Options{Strategy: LeastLoaded})
	snapshot := []Candidate{
		{ID: "p1", Workload: 0.2},
		{ID: "p2", Workload: 0.5},
		{ID: "p3", Workload: 0.1},
	}

	node, ok := b.Assign(Task{ID: "t1"}, snapshot)
	require.True(t, ok)
	assert.Equal(t, "p3", node)
	assert.InDelta(t, 0.1+DefaultWeight, b.EffectiveLoad(snapshot, "p3"), 1e-9)
	assert.InDelta(t, DefaultWeight, b.TrackedLoad("p3"), 1e-9)

	// p3 is now at 0.2, tied with p1; the smaller id wins.
	node, ok = b.Assign(Task{ID: "t2"}, snapshot)
	require.True(t, ok)
	assert.Equal(t, "p1", node)

	node, ok = b.Assign(Task{ID: "t3", Weight: 0.5}, snapshot)
	require.True(t, ok)
	assert.Equal(t, "p3", node, "p3 at 0.2 vs p1 at 0.3")
	assert.InDelta(t, 0.7, b.EffectiveLoad(snapshot, "p3"), 1e-9)
}

func TestRoundRobinCycles(t *testing.T) {
	b := New(Options{Strategy: RoundRobin})
	snapshot := []Candidate{{ID: "c"}, {ID: "a"}, {ID: "b"}}

	var got []string
	for i := range 6 {
		node, ok := b.Assign(Task{ID: fmt.Sprintf("t%d", i)}, snapshot)
		require.True(t, ok)
		got = append(got, node)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestCapabilityMatch(t *testing.T) {
	b := New(Options{Strategy: CapabilityMatch})
	snapshot := []Candidate{
		{ID: "cpu-1", Workload: 0.0, Capabilities: []string{"cpu"}},
		{ID: "gpu-1", Workload: 0.6, Capabilities: []string{"cpu", "gpu"}},
		{ID: "gpu-2", Workload: 0.4, Capabilities: []string{"gpu", "cpu", "ssd"}},
	}

	node, ok := b.Assign(Task{ID: "render", Capabilities: []string{"gpu", "cpu"}}, snapshot)
	require.True(t, ok)
	assert.Equal(t, "gpu-2", node, "least loaded of the capable nodes")

	node, ok = b.Assign(Task{ID: "plain"}, snapshot)
	require.True(t, ok)
	assert.Equal(t, "cpu-1", node, "no requirements means every node qualifies")

	node, ok = b.Assign(Task{ID: "quantum", Capabilities: []string{"qpu"}}, snapshot)
	assert.False(t, ok)
	assert.Empty(t, node)
	_, placed := b.Assignment("quantum")
	assert.False(t, placed)
}

func TestRandomIsDeterministicPerTask(t *testing.T) {
	snapshot := []Candidate{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	reversed := []Candidate{{ID: "d"}, {ID: "c"}, {ID: "b"}, {ID: "a"}}

	spread := map[string]bool{}
	for i := range 40 {
		task := Task{ID: fmt.Sprintf("job-%d", i)}
		first, ok := New(Options{Strategy: Random}).Assign(task, snapshot)
		require.True(t, ok)
		second, ok := New(Options{Strategy: Random}).Assign(task, reversed)
		require.True(t, ok)
		assert.Equal(t, first, second, "snapshot order must not matter")
		spread[first] = true
	}
	assert.Greater(t, len(spread), 1, "tasks are spread over more than one node")
}

func TestDeterminismAcrossBalancers(t *testing.T) {
	snapshot := []Candidate{
		{ID: "n1", Workload: 0.3, Capabilities: []string{"x"}},
		{ID: "n2", Workload: 0.3, Capabilities: []string{"x", "y"}},
		{ID: "n3", Workload: 0.7, Capabilities: []string{"y"}},
	}
	for _, s := range []Strategy{LeastLoaded, CapabilityMatch, Random} {
		t.Run(s.String(), func(t *testing.T) {
			b1 := New(Options{Strategy: s})
			b2 := New(Options{Strategy: s})
			for i := range 10 {
				task := Task{ID: fmt.Sprintf("t%d", i), Capabilities: []string{"y"}[:i%2]}
				n1, ok1 := b1.Assign(task, snapshot)
				n2, ok2 := b2.Assign(task, snapshot)
				assert.Equal(t, ok1, ok2)
				assert.Equal(t, n1, n2)
			}
		})
	}
}

func TestCompleteFloorsAtZero(t *testing.T) {
	b := New(Options{Strategy: LeastLoaded, DefaultWeight: 0.25})
	snapshot := []Candidate{{ID: "a"}}

	_, ok := b.Assign(Task{ID: "t1"}, snapshot)
	require.True(t, ok)
	_, ok = b.Assign(Task{ID: "t2", Weight: 0.5}, snapshot)
	require.True(t, ok)
	assert.InDelta(t, 0.75, b.TrackedLoad("a"), 1e-9)

	a, ok := b.Complete("t2")
	require.True(t, ok)
	assert.Equal(t, "a", a.NodeID)
	assert.InDelta(t, 0.5, a.Weight, 1e-9)
	assert.InDelta(t, 0.25, b.TrackedLoad("a"), 1e-9)

	_, ok = b.Complete("t2")
	assert.False(t, ok, "completing twice is a no-op")

	// Drive the tracked load below the stored weight, then complete.
	b.mu.Lock()
	b.load["a"] = 0.1
	b.mu.Unlock()
	_, ok = b.Complete("t1")
	require.True(t, ok)
	assert.Equal(t, 0.0, b.TrackedLoad("a"))
	assert.Empty(t, b.Assignments())
}

func TestAssignEdgeCases(t *testing.T) {
	b := New(Options{})
	assert.Equal(t, LeastLoaded, b.Strategy())

	_, ok := b.Assign(Task{ID: "t"}, nil)
	assert.False(t, ok, "empty snapshot")

	_, ok = b.Assign(Task{}, []Candidate{{ID: "a"}})
	assert.False(t, ok, "task without id")

	_, ok = b.Assign(Task{ID: "t"}, []Candidate{{ID: ""}})
	assert.False(t, ok, "nodes without id are skipped")

	node, ok := b.Assign(Task{ID: "t"}, []Candidate{{ID: "a"}, {ID: "a", Workload: 9}})
	require.True(t, ok)
	assert.Equal(t, "a", node)

	again, ok := b.Assign(Task{ID: "t", Weight: 5}, []Candidate{{ID: "b"}})
	require.True(t, ok)
	assert.Equal(t, "a", again, "re-assigning returns the existing placement")
	assert.InDelta(t, DefaultWeight, b.TrackedLoad("a"), 1e-9)
	assert.Len(t, b.Assignments(), 1)

	unknown := New(Options{Strategy: Strategy(99)})
	assert.Equal(t, LeastLoaded, unknown.Strategy())
}

func TestReleaseFailedNode(t *testing.T) {
	b := New(Options{Strategy: RoundRobin})
	snapshot := []Candidate{{ID: "a"}, {ID: "b"}}
	for i := range 4 {
		_, ok := b.Assign(Task{ID: fmt.Sprintf("t%d", i)}, snapshot)
		require.True(t, ok)
	}

	orphaned := b.Release("b")
	require.Len(t, orphaned, 2)
	assert.Equal(t, "t1", orphaned[0].TaskID)
	assert.Equal(t, "t3", orphaned[1].TaskID)
	assert.Equal(t, Task{ID: "t1", Weight: DefaultWeight}, orphaned[0].Task())
	assert.Equal(t, 0.0, b.TrackedLoad("b"))
	assert.Len(t, b.Assignments(), 2)
	assert.Empty(t, b.Release("b"))
}
