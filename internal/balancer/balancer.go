package balancer

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/mesh/internal/logging"
)

// DefaultWeight is charged for a task that declares no weight.
const DefaultWeight = 0.1

// Task is a unit of work to place on a node.
type Task struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Weight       float64  `json:"weight,omitempty"`
}

// Candidate is one node of the membership snapshot the balancer places
// against. Workload is the node's self-reported, gossiped load.
type Candidate struct {
	ID           string   `json:"id"`
	Workload     float64  `json:"workload"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Assignment records where a task was placed and what it was charged.
//
// Assignments returned by the Balancer are copies; modifying them has no
// effect on its bookkeeping.
type Assignment struct {
	TaskID       string    `json:"task_id"`
	NodeID       string    `json:"node_id"`
	Weight       float64   `json:"weight"`
	Capabilities []string  `json:"capabilities,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Task returns the task this assignment placed, for placing it again.
func (a Assignment) Task() Task {
	return Task{ID: a.TaskID, Capabilities: slices.Clone(a.Capabilities), Weight: a.Weight}
}

// Options configures a Balancer.
type Options struct {
	Strategy      Strategy
	DefaultWeight float64
	Logger        *logging.Logger
	Clock         func() time.Time
}

// Balancer places tasks on nodes and tracks the load it has handed out.
//
// The tracked load of a node is the sum of the weights of tasks assigned to
// it and not yet completed. It is local bookkeeping, kept apart from the
// workload a node gossips about itself; placement decisions use the sum of
// both (the effective load).
//
// Concurrency Model:
//   - Assign, Complete and Release take the write lock
//   - Queries take the read lock and return copies
//
// Example:
//
//	b := balancer.New(balancer.Options{Strategy: balancer.LeastLoaded})
//	node, ok := b.Assign(balancer.Task{ID: "t1"}, snapshot)
//	if !ok {
//	    // no eligible node
//	}
//	...
//	b.Complete("t1")
type Balancer struct {
	mu            sync.RWMutex
	strategy      Strategy
	placer        placer
	defaultWeight float64
	assignments   map[string]*Assignment // task id -> assignment
	load          map[string]float64     // node id -> tracked load
	counter       uint64                 // successful assignments so far
	now           func() time.Time
	logger        *logging.Logger
}

// New creates a balancer. An unknown strategy falls back to LeastLoaded and
// a non-positive default weight to DefaultWeight.
func New(opts Options) *Balancer {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultWeight <= 0 {
		opts.DefaultWeight = DefaultWeight
	}
	p, ok := opts.Strategy.placer()
	if !ok {
		opts.Logger.Warn("unknown strategy, using least-loaded", "strategy", opts.Strategy.String())
		opts.Strategy = LeastLoaded
		p, _ = LeastLoaded.placer()
	}
	return &Balancer{
		strategy:      opts.Strategy,
		placer:        p,
		defaultWeight: opts.DefaultWeight,
		assignments:   make(map[string]*Assignment),
		load:          make(map[string]float64),
		now:           opts.Clock,
		logger:        opts.Logger.WithComponent("balancer"),
	}
}

// Strategy returns the configured strategy.
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Assign places task on one of the snapshot's nodes and charges that node
// the task's weight (DefaultWeight when unset).
//
// Placement is a pure function of the strategy, the snapshot, the tracked
// loads and, for RoundRobin only, the assignment counter. Snapshot order
// does not matter: candidates are sorted by id first.
//
// Parameters:
//   - task: The task; its ID must be non-empty
//   - snapshot: Nodes that may receive the task
//
// Returns:
//   - The chosen node id and true
//   - "" and false when no node is eligible (empty snapshot, empty task id,
//     or no node has the required capabilities)
//
// Assigning a task id that is already placed returns the existing placement
// and charges nothing.
func (b *Balancer) Assign(task Task, snapshot []Candidate) (string, bool) {
	if task.ID == "" {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.assignments[task.ID]; ok {
		return existing.NodeID, true
	}

	candidates := b.candidatesLocked(snapshot)
	if len(candidates) == 0 {
		b.logger.Warn("no candidates for task", "task", task.ID)
		return "", false
	}
	idx, ok := b.placer.pick(task, candidates, b.counter)
	if !ok {
		b.logger.Warn("no eligible node for task", "task", task.ID, "strategy", b.strategy.String(), "capabilities", strings.Join(task.Capabilities, ","))
		return "", false
	}

	weight := task.Weight
	if weight <= 0 {
		weight = b.defaultWeight
	}
	node := candidates[idx].id
	b.assignments[task.ID] = &Assignment{
		TaskID:       task.ID,
		NodeID:       node,
		Weight:       weight,
		Capabilities: slices.Clone(task.Capabilities),
		AssignedAt:   b.now(),
	}
	b.load[node] += weight
	b.counter++

	b.logger.Info("task assigned", "task", task.ID, "node", node, "weight", weight, "strategy", b.strategy.String(), "effective_load", candidates[idx].load+weight)
	return node, true
}

func (b *Balancer) candidatesLocked(snapshot []Candidate) []candidate {
	out := make([]candidate, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, c := range snapshot {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, candidate{
			id:           c.ID,
			load:         c.Workload + b.load[c.ID],
			capabilities: c.Capabilities,
		})
	}
	slices.SortFunc(out, func(x, y candidate) int { return strings.Compare(x.id, y.id) })
	return out
}

// Complete removes a task's assignment and refunds its weight to the node,
// never taking the tracked load below zero.
func (b *Balancer) Complete(taskID string) (Assignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.assignments[taskID]
	if !ok {
		return Assignment{}, false
	}
	delete(b.assignments, taskID)
	b.releaseLocked(a.NodeID, a.Weight)
	b.logger.Info("task completed", "task", taskID, "node", a.NodeID, "tracked_load", b.load[a.NodeID])
	return *a, true
}

func (b *Balancer) releaseLocked(node string, weight float64) {
	remaining := b.load[node] - weight
	if remaining <= 0 {
		delete(b.load, node)
		return
	}
	b.load[node] = remaining
}

// Release drops every assignment held by node, typically after it failed,
// and returns them sorted by task id so the caller can place them again.
func (b *Balancer) Release(node string) []Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()

	var orphaned []Assignment
	for id, a := range b.assignments {
		if a.NodeID == node {
			orphaned = append(orphaned, *a)
			delete(b.assignments, id)
		}
	}
	delete(b.load, node)
	slices.SortFunc(orphaned, func(x, y Assignment) int { return strings.Compare(x.TaskID, y.TaskID) })
	if len(orphaned) > 0 {
		b.logger.Warn("released assignments of node", "node", node, "tasks", len(orphaned))
	}
	return orphaned
}

// Assignment returns the placement of one task.
func (b *Balancer) Assignment(taskID string) (Assignment, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.assignments[taskID]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// Assignments returns every open assignment sorted by task id.
func (b *Balancer) Assignments() []Assignment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Assignment, 0, len(b.assignments))
	for _, a := range b.assignments {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(x, y Assignment) int { return strings.Compare(x.TaskID, y.TaskID) })
	return out
}

// TrackedLoad returns the weight currently charged to node by this balancer.
func (b *Balancer) TrackedLoad(node string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.load[node]
}

// EffectiveLoad returns node's gossiped workload from snapshot plus its
// tracked load.
func (b *Balancer) EffectiveLoad(snapshot []Candidate, node string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	load := b.load[node]
	for _, c := range snapshot {
		if c.ID == node {
			return c.Workload + load
		}
	}
	return load
}
