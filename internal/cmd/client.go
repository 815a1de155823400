package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/mesh/internal/api"
	"github.com/dreamware/mesh/internal/balancer"
	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/coordinator"
)

const defaultNodeAddr = "http://127.0.0.1:7070"

var clientTimeout = 10 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a node's consensus and membership state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var submitCmd = &cobra.Command{
	Use:   "submit <payload>",
	Short: "Replicate a command through the leader",
	Long: `Submit a command payload to a node. A follower answers with the leader
it knows about; with --follow (the default) the command is resubmitted there.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var getCmd = &cobra.Command{
	Use:   "get <index>",
	Short: "Print the command applied at a log index",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Place a task on the mesh",
	Long: `Ask a node to place a task. The node picks the target with its configured
balancer strategy and the capabilities and workloads it has learned through
gossip.`,
	Args: cobra.NoArgs,
	RunE: runTask,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open task assignments",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a task completed and release its weight",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var workloadCmd = &cobra.Command{
	Use:   "workload <value>",
	Short: "Set the workload a node reports through gossip",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkload,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, submitCmd, getCmd, workloadCmd} {
		c.Flags().String("addr", defaultNodeAddr, "base URL of the node to talk to")
		rootCmd.AddCommand(c)
	}
	taskCmd.PersistentFlags().String("addr", defaultNodeAddr, "base URL of the node to talk to")
	taskCmd.AddCommand(taskListCmd, taskCompleteCmd)
	rootCmd.AddCommand(taskCmd)

	submitCmd.Flags().Bool("follow", true, "resubmit to the leader named by a follower")

	taskCmd.Flags().String("id", "", "task id (default: generated)")
	taskCmd.Flags().StringSlice("cap", nil, "required capability, repeatable")
	taskCmd.Flags().Float64("weight", 0, "task weight (default: the node's default weight)")
}

func addrFlag(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	return strings.TrimRight(addr, "/")
}

func clientContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, clientTimeout)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := clientContext(cmd)
	defer cancel()

	var st coordinator.Status
	if err := cluster.GetJSON(ctx, addrFlag(cmd)+api.PathStatus, &st); err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	return printYAML(cmd.OutOrStdout(), st)
}

// submitResult is what submit prints.
type submitResult struct {
	Node     string `yaml:"node"`
	Accepted bool   `yaml:"accepted"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := clientContext(cmd)
	defer cancel()

	follow, _ := cmd.Flags().GetBool("follow")
	addr := addrFlag(cmd)
	payload := []byte(args[0])

	err := submit(ctx, addr, payload)
	var notLeader *notLeaderReply
	if follow && errors.As(err, &notLeader) && notLeader.LeaderAddr != "" && notLeader.LeaderAddr != addr {
		addr = notLeader.LeaderAddr
		err = submit(ctx, addr, payload)
	}
	if err != nil {
		return err
	}
	return printYAML(cmd.OutOrStdout(), submitResult{Node: addr, Accepted: true})
}

// notLeaderReply is a 409 from a follower.
type notLeaderReply struct {
	api.ErrorResponse
}

func (e *notLeaderReply) Error() string {
	if e.LeaderID == "" {
		return "node is not the leader and knows no leader"
	}
	return fmt.Sprintf("node is not the leader; leader is %s at %s", e.LeaderID, e.LeaderAddr)
}

// submit posts a raw payload. The JSON helpers in cluster cannot be used
// because the payload is sent as is.
func submit(ctx context.Context, addr string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+api.PathCommands, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	var body api.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode == http.StatusConflict {
		return &notLeaderReply{ErrorResponse: body}
	}
	return fmt.Errorf("submit to %s: %d: %s", addr, resp.StatusCode, body.Error)
}

func runGet(cmd *cobra.Command, args []string) error {
	index, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || index == 0 {
		return fmt.Errorf("invalid index %q", args[0])
	}
	ctx, cancel := clientContext(cmd)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s/%d", addrFlag(cmd), api.PathCommands, index), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no command applied at index %d", index)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get command %d: %d", index, resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return err
}

func runTask(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	caps, _ := cmd.Flags().GetStringSlice("cap")
	weight, _ := cmd.Flags().GetFloat64("weight")
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := clientContext(cmd)
	defer cancel()

	task := balancer.Task{ID: id, Capabilities: caps, Weight: weight}
	var placed api.TaskResponse
	if err := cluster.PostJSON(ctx, addrFlag(cmd)+api.PathTasks, task, &placed); err != nil {
		return fmt.Errorf("failed to place task: %w", err)
	}
	return printYAML(cmd.OutOrStdout(), map[string]string{"task": placed.TaskID, "node": placed.NodeID})
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx, cancel := clientContext(cmd)
	defer cancel()

	var list api.TasksResponse
	if err := cluster.GetJSON(ctx, addrFlag(cmd)+api.PathTasks, &list); err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	type row struct {
		Task         string    `yaml:"task"`
		Node         string    `yaml:"node"`
		Weight       float64   `yaml:"weight"`
		Capabilities []string  `yaml:"capabilities,omitempty"`
		AssignedAt   time.Time `yaml:"assigned_at"`
	}
	rows := make([]row, 0, len(list.Tasks))
	for _, a := range list.Tasks {
		rows = append(rows, row{a.TaskID, a.NodeID, a.Weight, a.Capabilities, a.AssignedAt})
	}
	return printYAML(cmd.OutOrStdout(), rows)
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	ctx, cancel := clientContext(cmd)
	defer cancel()

	var done balancer.Assignment
	if err := cluster.DoJSON(ctx, http.MethodDelete, addrFlag(cmd)+api.PathTasks+"/"+args[0], nil, &done); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return printYAML(cmd.OutOrStdout(), map[string]any{"task": done.TaskID, "node": done.NodeID, "released": done.Weight})
}

func runWorkload(cmd *cobra.Command, args []string) error {
	w, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid workload %q", args[0])
	}
	ctx, cancel := clientContext(cmd)
	defer cancel()

	if err := cluster.DoJSON(ctx, http.MethodPut, addrFlag(cmd)+api.PathWorkload, api.WorkloadRequest{Workload: &w}, nil); err != nil {
		return fmt.Errorf("failed to set workload: %w", err)
	}
	return printYAML(cmd.OutOrStdout(), map[string]float64{"workload": w})
}
