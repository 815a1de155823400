package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/mesh/internal/api"
	"github.com/dreamware/mesh/internal/balancer"
	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/config"
	"github.com/dreamware/mesh/internal/coordinator"
	"github.com/dreamware/mesh/internal/logging"
	"github.com/dreamware/mesh/internal/raft"
	"github.com/dreamware/mesh/internal/storage"
)

const nodeIDFile = "node_id"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mesh node",
	Long: `Run a mesh node until interrupted.

Peers are given as id=addr pairs, for example:

  meshnode run --id n1 --listen :7001 --advertise http://10.0.0.1:7001 \
    --peers n2=http://10.0.0.2:7001,n3=http://10.0.0.3:7001

With --data-dir set, consensus state and applied commands survive restarts.`,
	RunE: runNode,
}

func init() {
	f := runCmd.Flags()
	f.String("id", "", "node id (default: generated, and kept in the data dir)")
	f.String("listen", "", "address to serve HTTP on")
	f.String("advertise", "", "base URL peers use to reach this node")
	f.StringSlice("peers", nil, "peers as id=addr")
	f.StringSlice("capabilities", nil, "capabilities advertised to the balancer")
	f.String("data-dir", "", "directory for durable state (default: memory only)")
	f.String("strategy", "", "task placement strategy: "+strings.Join(balancer.StrategyNames(), ", "))
	f.String("log-level", "", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("node.id", f.Lookup("id"))
	_ = viper.BindPFlag("node.listen", f.Lookup("listen"))
	_ = viper.BindPFlag("node.addr", f.Lookup("advertise"))
	_ = viper.BindPFlag("peers", f.Lookup("peers"))
	_ = viper.BindPFlag("node.capabilities", f.Lookup("capabilities"))
	_ = viper.BindPFlag("storage.data_dir", f.Lookup("data-dir"))
	_ = viper.BindPFlag("balancer.strategy", f.Lookup("strategy"))
	_ = viper.BindPFlag("logging.level", f.Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	node, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.NewServer(node, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.Node.Listen) }()
	node.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	node.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("server shutdown", "error", shutdownErr)
	}
	return err
}

// build opens the stores and creates the coordinator described by cfg.
func build(cfg *config.Config, logger *logging.Logger) (*coordinator.Coordinator, error) {
	peers, err := cfg.PeerNodes()
	if err != nil {
		return nil, err
	}
	strategy, err := balancer.ParseStrategy(cfg.Balancer.Strategy)
	if err != nil {
		return nil, err
	}

	opts := coordinator.Options{
		Self:              cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.Node.Addr},
		Capabilities:      cfg.Node.Capabilities,
		Workload:          cfg.Node.Workload,
		Peers:             peers,
		Transport:         cluster.NewHTTPTransport(cfg.Raft.RPCTimeout()),
		HeartbeatInterval: cfg.Raft.HeartbeatInterval(),
		RPCTimeout:        cfg.Raft.RPCTimeout(),
		TickInterval:      cfg.Raft.TickInterval(),
		GossipInterval:    cfg.Gossip.Interval(),
		Fanout:            cfg.Gossip.Fanout,
		FailureTimeout:    cfg.Gossip.FailureTimeout(),
		Strategy:          strategy,
		DefaultWeight:     cfg.Balancer.DefaultWeight,
		Logger:            logger,
	}
	opts.ElectionTimeoutMin, opts.ElectionTimeoutMax = cfg.Raft.ElectionTimeoutRange()

	if dir := cfg.Storage.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		if opts.Self.ID, err = loadNodeID(dir, opts.Self.ID); err != nil {
			return nil, err
		}
		raftStore, err := raft.OpenLevelDBStore(filepath.Join(dir, "raft"))
		if err != nil {
			return nil, err
		}
		applied, err := storage.OpenBoltStore(filepath.Join(dir, "applied.db"))
		if err != nil {
			_ = raftStore.Close()
			return nil, err
		}
		opts.RaftStore, opts.AppliedStore = raftStore, applied
	}

	node, err := coordinator.New(opts)
	if err != nil {
		if opts.RaftStore != nil {
			_ = opts.RaftStore.Close()
			_ = opts.AppliedStore.Close()
		}
		return nil, err
	}
	return node, nil
}

// loadNodeID returns the node id to run as and records it in dir. A
// configured id must match the recorded one; without either a UUID is
// generated.
func loadNodeID(dir, configured string) (string, error) {
	path := filepath.Join(dir, nodeIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		recorded := strings.TrimSpace(string(data))
		if configured == "" || configured == recorded {
			return recorded, nil
		}
		return "", fmt.Errorf("data dir %s belongs to node %q, not %q", dir, recorded, configured)
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	id := configured
	if id == "" {
		id = uuid.NewString()
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to record node id: %w", err)
	}
	return id, nil
}
