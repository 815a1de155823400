package coordinator

import (
	"context"
	"time"

	"github.com/dreamware/mesh/internal/cluster"
)

// MaintenanceReport describes what one maintenance pass did.
type MaintenanceReport struct {
	// Gossip round
	Targets []string `json:"targets"`
	Acked   []string `json:"acked"`
	// Joined lists peers added to the consensus peer set this pass.
	Joined []string `json:"joined,omitempty"`
	// Failed lists peers dropped by the failure detector.
	Failed []string `json:"failed,omitempty"`
	// Reassigned maps orphaned task ids to their new node.
	Reassigned map[string]string `json:"reassigned,omitempty"`
	// Unplaced lists orphaned tasks no remaining node could take.
	Unplaced []string `json:"unplaced,omitempty"`

	ElectionDue bool         `json:"election_due"`
	Role        cluster.Role `json:"role"`
	Term        uint64       `json:"term"`
}

// RunMaintenance performs one maintenance pass:
//
//  0. refresh the local gossip record with the engine's role and term
//  1. run one gossip round and add newly learned peers to the engine
//  2. sweep for failed peers, removing each from both peer sets and moving
//     its tasks elsewhere
//  3. tick the engine, which campaigns or heartbeats as its timers require
//
// Tests and embedders without background loops call it directly. The loop
// started by Start runs the same pass every gossip interval but leaves step
// 3 to the tick loop.
func (c *Coordinator) RunMaintenance(ctx context.Context) MaintenanceReport {
	return c.maintain(ctx, true)
}

func (c *Coordinator) maintain(ctx context.Context, tick bool) MaintenanceReport {
	var report MaintenanceReport

	c.refreshSelf()
	c.members.Heartbeat()

	round := c.members.GossipRound(ctx)
	report.Targets = round.Targets
	report.Acked = round.Acked
	report.Joined = c.syncPeers()

	report.Failed = c.members.DetectFailures(c.failureTimeout)
	for _, id := range report.Failed {
		c.removePeer(id)
	}
	if len(report.Failed) > 0 {
		report.Reassigned, report.Unplaced = c.reassign(report.Failed)
	}

	report.ElectionDue = c.engine.ElectionDue()
	if tick {
		c.engine.Tick(ctx)
	}

	st := c.engine.Status()
	report.Role, report.Term = st.Role, st.Term
	c.refreshSelf()

	if len(report.Joined) > 0 || len(report.Failed) > 0 {
		c.logger.Info("membership changed",
			"joined", report.Joined,
			"failed", report.Failed,
			"reassigned", len(report.Reassigned),
			"unplaced", len(report.Unplaced),
		)
	}
	return report
}

func (c *Coordinator) refreshSelf() {
	st := c.engine.Status()
	c.mu.RLock()
	w := c.workload
	c.mu.RUnlock()
	c.members.UpdateSelf(st.Role, st.Term, w)
}

// syncPeers adds gossip members the engine does not know yet and returns
// their ids.
func (c *Coordinator) syncPeers() []string {
	c.membership.Lock()
	defer c.membership.Unlock()

	known := make(map[string]bool)
	for _, p := range c.engine.Peers() {
		known[p.ID] = true
	}
	var joined []string
	for _, p := range c.members.Peers() {
		if !known[p.ID] {
			c.engine.AddPeer(p)
			joined = append(joined, p.ID)
		}
	}
	return joined
}

// removePeer drops id from the gossip table and the consensus peer set
// together so the two views never disagree.
func (c *Coordinator) removePeer(id string) {
	c.membership.Lock()
	defer c.membership.Unlock()
	c.members.Remove(id)
	c.engine.RemovePeer(id)
}

// reassign places the tasks of failed nodes on the surviving ones.
func (c *Coordinator) reassign(failed []string) (map[string]string, []string) {
	placed := make(map[string]string)
	var unplaced []string
	for _, id := range failed {
		for _, a := range c.balancer.Release(id) {
			node, ok := c.DistributeTask(a.Task())
			if !ok {
				unplaced = append(unplaced, a.TaskID)
				continue
			}
			placed[a.TaskID] = node
		}
	}
	if len(placed) == 0 {
		placed = nil
	}
	return placed, unplaced
}

// Start launches the background loops: the engine tick every tick interval
// and maintenance every gossip interval. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Go(func() { c.loop(loopCtx, c.tickInterval, c.engine.Tick) })
	c.wg.Go(func() {
		c.loop(loopCtx, c.gossipInterval, func(ctx context.Context) { c.maintain(ctx, false) })
	})
	c.logger.Info("coordinator started", "tick_interval", c.tickInterval.String(), "gossip_interval", c.gossipInterval.String())
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop cancels the background loops and waits for them to return. It is
// safe to call more than once, and before Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}
