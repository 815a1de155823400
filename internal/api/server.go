package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/mesh/internal/balancer"
	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/coordinator"
	"github.com/dreamware/mesh/internal/logging"
	"github.com/dreamware/mesh/internal/storage"
)

// Node is the part of a coordinator the HTTP surface needs.
type Node interface {
	HandleRequestVote(req cluster.RequestVoteRequest) cluster.RequestVoteResponse
	HandleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse
	HandleGossip(msg cluster.GossipMessage) cluster.GossipAck

	SubmitCommand(ctx context.Context, payload []byte) (bool, error)
	Applied(index uint64) ([]byte, error)
	DistributeTask(task balancer.Task) (string, bool)
	CompleteTask(taskID string) (balancer.Assignment, bool)
	Tasks() []balancer.Assignment
	SetWorkload(w float64) error
	Status() coordinator.Status
}

// maxCommandBytes bounds a submitted command payload.
const maxCommandBytes = 1 << 20

// Client-facing paths.
const (
	PathCommands = "/commands"
	PathTasks    = "/tasks"
	PathWorkload = "/workload"
	PathStatus   = "/status"
	PathHealth   = "/health"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	LeaderID   string `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

type SubmitResponse struct {
	Accepted bool `json:"accepted"`
}

type TaskResponse struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

type TasksResponse struct {
	Tasks []balancer.Assignment `json:"tasks"`
}

type WorkloadRequest struct {
	Workload *float64 `json:"workload"`
}

// Server serves the inbound RPC and client API of one node.
type Server struct {
	node   Node
	logger *logging.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer builds the router. Set the gin mode before calling it.
func NewServer(node Node, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		node:   node,
		logger: logger.WithComponent("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.POST(cluster.PathRequestVote, s.handleRequestVote)
	r.POST(cluster.PathAppendEntries, s.handleAppendEntries)
	r.POST(cluster.PathGossip, s.handleGossip)

	r.POST(PathCommands, s.handleSubmit)
	r.GET(PathCommands+"/:index", s.handleApplied)

	r.POST(PathTasks, s.handleDistribute)
	r.GET(PathTasks, s.handleListTasks)
	r.DELETE(PathTasks+"/:id", s.handleComplete)

	r.PUT(PathWorkload, s.handleWorkload)
	r.GET(PathStatus, s.handleStatus)
	r.GET(PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router = r
	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// logRequests logs client requests at info and RPC traffic at debug.
func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		}
		switch c.FullPath() {
		case cluster.PathRequestVote, cluster.PathAppendEntries, cluster.PathGossip, PathHealth:
			s.logger.Debug("request", args...)
		default:
			s.logger.Info("request", args...)
		}
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

// ---- inbound RPC ----

func (s *Server) handleRequestVote(c *gin.Context) {
	var req cluster.RequestVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.node.HandleRequestVote(req))
}

func (s *Server) handleAppendEntries(c *gin.Context) {
	var req cluster.AppendEntriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.node.HandleAppendEntries(req))
}

func (s *Server) handleGossip(c *gin.Context) {
	var msg cluster.GossipMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.node.HandleGossip(msg))
}

// ---- commands ----

// handleSubmit replicates the raw request body as one command.
//
// Responses:
//   - 202: committed on a majority
//   - 400: empty body
//   - 409: this node is not the leader; the body names the leader if known
//   - 503: the leader could not reach a majority
func (s *Server) handleSubmit(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCommandBytes+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(payload) > maxCommandBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "command too large"})
		return
	}

	ok, err := s.node.SubmitCommand(c.Request.Context(), payload)
	var notLeader *coordinator.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:      err.Error(),
			LeaderID:   notLeader.LeaderID,
			LeaderAddr: notLeader.LeaderAddr,
		})
	case errors.Is(err, coordinator.ErrEmptyCommand):
		badRequest(c, err)
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	case !ok:
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "command not committed"})
	default:
		c.JSON(http.StatusAccepted, SubmitResponse{Accepted: true})
	}
}

func (s *Server) handleApplied(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil || index == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "index must be a positive integer"})
		return
	}
	payload, err := s.node.Applied(index)
	if errors.Is(err, storage.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", payload)
}

// ---- tasks ----

func (s *Server) handleDistribute(c *gin.Context) {
	var task balancer.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		badRequest(c, err)
		return
	}
	if task.ID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "task id is required"})
		return
	}
	if task.Weight < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "task weight must be >= 0"})
		return
	}
	node, ok := s.node.DistributeTask(task)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no eligible node"})
		return
	}
	c.JSON(http.StatusCreated, TaskResponse{TaskID: task.ID, NodeID: node})
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, TasksResponse{Tasks: s.node.Tasks()})
}

func (s *Server) handleComplete(c *gin.Context) {
	a, ok := s.node.CompleteTask(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown task"})
		return
	}
	c.JSON(http.StatusOK, a)
}

// ---- node ----

func (s *Server) handleWorkload(c *gin.Context) {
	var req WorkloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Workload == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "workload is required"})
		return
	}
	if err := s.node.SetWorkload(*req.Workload); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Status())
}
