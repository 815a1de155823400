// Package coordinator composes one mesh node: the consensus engine, the
// gossip membership table, the workload balancer and the applied-command
// store, behind a single handle owned by the embedding application.
//
// # Overview
//
//	┌──────────────────────────────────────────┐
//	│               Coordinator                │
//	├──────────────────────────────────────────┤
//	│  raft.Engine      log, elections, commit │
//	│  gossip.Table     membership, workload   │
//	│  balancer         task placement         │
//	│  storage          applied commands       │
//	└──────────────────────────────────────────┘
//	        ▲ inbound RPC          │ outbound RPC
//	        │ (internal/api)       ▼ (cluster.Transport)
//
// # Maintenance
//
// RunMaintenance is the periodic housekeeping pass. It refreshes the local
// gossip record from the engine, runs one gossip round, adds newly learned
// members to the consensus peer set, drops members the failure detector
// gave up on from both peer sets at once, re-places their tasks and finally
// ticks the engine.
//
// Dropping a member only stops RPCs to it. The engine keeps counting it
// toward the quorum, so a node cut off by a partition cannot elect itself
// or commit alone. Removed seed peers are still probed by gossip; once the
// partition heals their newer versions re-admit them and the stale side
// steps down on the first higher-term reply.
//
// Start runs that pass every gossip interval and a separate engine tick every
// tick interval until Stop is called; the engine is then ticked by the tick
// loop only. Tests drive RunMaintenance directly with a manual clock.
//
// # Commands
//
// SubmitCommand only works on the leader. Other nodes fail closed with a
// *NotLeaderError naming the leader they know about; callers resubmit there.
// Committed commands are written to the applied store and read back with
// Applied.
//
// # Example
//
//	c, err := coordinator.New(coordinator.Options{
//	    Self:      cluster.NodeInfo{ID: "n1", Addr: "http://10.0.0.1:7000"},
//	    Peers:     peers,
//	    Transport: cluster.NewHTTPTransport(100 * time.Millisecond),
//	})
//	if err != nil {
//	    return err
//	}
//	c.Start(ctx)
//	defer c.Close()
//	defer c.Stop()
package coordinator
