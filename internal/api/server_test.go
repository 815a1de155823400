package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/mesh/internal/balancer"
	"github.com/dreamware/mesh/internal/cluster"
	"github.com/dreamware/mesh/internal/coordinator"
	"github.com/dreamware/mesh/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakeNode records what the handlers pass through.
type fakeNode struct {
	submitted []byte
	submitOK  bool
	submitErr error

	applied map[uint64][]byte

	tasks    map[string]balancer.Assignment
	eligible bool

	workload float64
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		applied:  map[uint64][]byte{},
		tasks:    map[string]balancer.Assignment{},
		eligible: true,
	}
}

func (f *fakeNode) HandleRequestVote(req cluster.RequestVoteRequest) cluster.RequestVoteResponse {
	return cluster.RequestVoteResponse{Term: req.Term, VoteGranted: req.CandidateID == "good"}
}

func (f *fakeNode) HandleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse {
	return cluster.AppendEntriesResponse{Term: req.Term, Success: true, LogLength: uint64(len(req.Entries))}
}

func (f *fakeNode) HandleGossip(msg cluster.GossipMessage) cluster.GossipAck {
	return cluster.GossipAck{From: "self", Members: msg.Members}
}

func (f *fakeNode) SubmitCommand(_ context.Context, payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, coordinator.ErrEmptyCommand
	}
	f.submitted = payload
	return f.submitOK, f.submitErr
}

func (f *fakeNode) Applied(index uint64) ([]byte, error) {
	v, ok := f.applied[index]
	if !ok {
		return nil, fmt.Errorf("command %d: %w", index, storage.ErrKeyNotFound)
	}
	return v, nil
}

func (f *fakeNode) DistributeTask(task balancer.Task) (string, bool) {
	if !f.eligible {
		return "", false
	}
	f.tasks[task.ID] = balancer.Assignment{TaskID: task.ID, NodeID: "n1", Weight: task.Weight}
	return "n1", true
}

func (f *fakeNode) CompleteTask(id string) (balancer.Assignment, bool) {
	a, ok := f.tasks[id]
	delete(f.tasks, id)
	return a, ok
}

func (f *fakeNode) Tasks() []balancer.Assignment {
	var out []balancer.Assignment
	for _, a := range f.tasks {
		out = append(out, a)
	}
	return out
}

func (f *fakeNode) SetWorkload(w float64) error {
	if w < 0 {
		return errors.New("workload must be >= 0")
	}
	f.workload = w
	return nil
}

func (f *fakeNode) Status() coordinator.Status {
	return coordinator.Status{ID: "n1", Role: cluster.Leader, Term: 3, Workload: f.workload}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRPCEndpoints(t *testing.T) {
	h := NewServer(newFakeNode(), nil).Handler()

	w := do(t, h, http.MethodPost, cluster.PathRequestVote, `{"term":4,"candidate_id":"good"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cluster.RequestVoteResponse{Term: 4, VoteGranted: true}, decode[cluster.RequestVoteResponse](t, w))

	entry := cluster.NewLogEntry(1, 1, []byte("x"))
	body, err := json.Marshal(cluster.AppendEntriesRequest{Term: 1, LeaderID: "a", Entries: []cluster.LogEntry{entry}})
	require.NoError(t, err)
	w = do(t, h, http.MethodPost, cluster.PathAppendEntries, string(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cluster.AppendEntriesResponse{Term: 1, Success: true, LogLength: 1}, decode[cluster.AppendEntriesResponse](t, w))

	w = do(t, h, http.MethodPost, cluster.PathGossip, `{"from":{"id":"b"},"members":[{"id":"b","version":2}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	ack := decode[cluster.GossipAck](t, w)
	assert.Equal(t, "self", ack.From)
	require.Len(t, ack.Members, 1)
	assert.Equal(t, uint64(2), ack.Members[0].Version)

	w = do(t, h, http.MethodPost, cluster.PathAppendEntries, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitCommand(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		ok       bool
		err      error
		wantCode int
		wantBody ErrorResponse
	}{
		{name: "committed", body: `{"op":"x"}`, ok: true, wantCode: http.StatusAccepted},
		{name: "empty", body: "", wantCode: http.StatusBadRequest, wantBody: ErrorResponse{Error: coordinator.ErrEmptyCommand.Error()}},
		{
			name:     "not leader",
			body:     "x",
			err:      &coordinator.NotLeaderError{LeaderID: "n2", LeaderAddr: "http://n2"},
			wantCode: http.StatusConflict,
			wantBody: ErrorResponse{Error: "not the leader; leader is n2 (http://n2)", LeaderID: "n2", LeaderAddr: "http://n2"},
		},
		{name: "no majority", body: "x", wantCode: http.StatusServiceUnavailable, wantBody: ErrorResponse{Error: "command not committed"}},
		{name: "store failure", body: "x", err: errors.New("disk full"), wantCode: http.StatusInternalServerError, wantBody: ErrorResponse{Error: "disk full"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode()
			node.submitOK, node.submitErr = tt.ok, tt.err
			w := do(t, NewServer(node, nil).Handler(), http.MethodPost, PathCommands, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode == http.StatusAccepted {
				assert.Equal(t, SubmitResponse{Accepted: true}, decode[SubmitResponse](t, w))
				assert.Equal(t, tt.body, string(node.submitted))
				return
			}
			assert.Equal(t, tt.wantBody, decode[ErrorResponse](t, w))
		})
	}
}

func TestSubmitCommandTooLarge(t *testing.T) {
	h := NewServer(newFakeNode(), nil).Handler()
	w := do(t, h, http.MethodPost, PathCommands, strings.Repeat("x", maxCommandBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAppliedCommand(t *testing.T) {
	node := newFakeNode()
	node.applied[1] = []byte(`{"op":"x"}`)
	h := NewServer(node, nil).Handler()

	w := do(t, h, http.MethodGet, "/commands/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"op":"x"}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/commands/2", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/commands/0", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/commands/abc", "").Code)
}

func TestTaskEndpoints(t *testing.T) {
	node := newFakeNode()
	h := NewServer(node, nil).Handler()

	w := do(t, h, http.MethodPost, PathTasks, `{"id":"t1","capabilities":["gpu"],"weight":0.5}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, TaskResponse{TaskID: "t1", NodeID: "n1"}, decode[TaskResponse](t, w))

	w = do(t, h, http.MethodGet, PathTasks, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[TasksResponse](t, w)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "t1", list.Tasks[0].TaskID)

	w = do(t, h, http.MethodDelete, "/tasks/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.5, decode[balancer.Assignment](t, w).Weight)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/tasks/t1", "").Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, PathTasks, `{"weight":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, PathTasks, `{"id":"t2","weight":-1}`).Code)

	node.eligible = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, PathTasks, `{"id":"t3"}`).Code)
}

func TestWorkloadAndStatus(t *testing.T) {
	node := newFakeNode()
	h := NewServer(node, nil).Handler()

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, PathWorkload, `{"workload":0.4}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, PathWorkload, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, PathWorkload, `{"workload":-2}`).Code)

	w := do(t, h, http.MethodGet, PathStatus, "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[coordinator.Status](t, w)
	assert.Equal(t, "n1", st.ID)
	assert.Equal(t, cluster.Leader, st.Role)
	assert.Equal(t, uint64(3), st.Term)
	assert.Equal(t, 0.4, st.Workload)

	w = do(t, h, http.MethodGet, PathHealth, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRawPayloadRoundTrip(t *testing.T) {
	node := newFakeNode()
	node.submitOK = true
	h := NewServer(node, nil).Handler()

	payload := []byte{0x00, 0xff, 0x10}
	req := httptest.NewRequest(http.MethodPost, PathCommands, bytes.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, payload, node.submitted)
}
