package cluster

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Role is a node's consensus role.
type Role string

const (
	Follower  Role = "follower"
	Candidate Role = "candidate"
	Leader    Role = "leader"
)

// NodeInfo identifies a node and where to reach it.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// LogEntry is a single replicated command.
type LogEntry struct {
	Term    uint64 `json:"term"`
	Index   uint64 `json:"index"`
	Command []byte `json:"command"`
	Hash    string `json:"hash"`
}

// NewLogEntry builds an entry and stamps its content hash.
func NewLogEntry(term, index uint64, command []byte) LogEntry {
	return LogEntry{Term: term, Index: index, Command: command, Hash: HashCommand(command)}
}

// HashCommand returns the hex SHA-256 digest of a command payload.
func HashCommand(command []byte) string {
	sum := sha256.Sum256(command)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the entry's hash matches its command.
func (e LogEntry) Verify() bool {
	return e.Hash == HashCommand(e.Command)
}

type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit uint64     `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// LogLength is the responder's log length after handling the request,
	// used by the leader to back off next_index.
	LogLength uint64 `json:"log_length"`
}

// MemberState is one row of a gossiped membership snapshot.
type MemberState struct {
	ID           string   `json:"id"`
	Addr         string   `json:"addr"`
	Role         Role     `json:"role"`
	Term         uint64   `json:"term"`
	Workload     float64  `json:"workload"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      uint64   `json:"version"`
}

type GossipMessage struct {
	From    NodeInfo      `json:"from"`
	Members []MemberState `json:"members"`
}

// GossipAck acknowledges a gossip message and carries the responder's own
// snapshot back to the sender.
type GossipAck struct {
	From    string        `json:"from"`
	Members []MemberState `json:"members"`
}

// Transport delivers inbound RPCs to peers. Any error, including a deadline,
// means "no response".
type Transport interface {
	RequestVote(ctx context.Context, target NodeInfo, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, target NodeInfo, req AppendEntriesRequest) (AppendEntriesResponse, error)
	Gossip(ctx context.Context, target NodeInfo, msg GossipMessage) (GossipAck, error)
}

// HTTP paths served by every node for the inbound RPC surface.
const (
	PathRequestVote   = "/raft/request-vote"
	PathAppendEntries = "/raft/append-entries"
	PathGossip        = "/gossip"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// HTTPTransport implements Transport with JSON over HTTP POST.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests are bounded by timeout
// in addition to the caller's context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, target NodeInfo, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := postJSON(ctx, t.client, target.Addr+PathRequestVote, req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, target NodeInfo, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := postJSON(ctx, t.client, target.Addr+PathAppendEntries, req, &resp)
	return resp, err
}

func (t *HTTPTransport) Gossip(ctx context.Context, target NodeInfo, msg GossipMessage) (GossipAck, error) {
	var ack GossipAck
	err := postJSON(ctx, t.client, target.Addr+PathGossip, msg, &ack)
	return ack, err
}

// PostJSON posts body as JSON to url and decodes the reply into out.
// A non-2xx status is returned as an error carrying the start of the body.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

// DoJSON issues a request with an optional JSON body and decodes a JSON reply
// into out when out is non-nil.
func DoJSON(ctx context.Context, method, url string, body any, out any) error {
	return doJSON(ctx, httpClient, method, url, body, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	return doJSON(ctx, client, http.MethodPost, url, body, out)
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError reports a non-2xx response, including the start of its body.
func statusError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("http %s: %d: %s", url, resp.StatusCode, msg)
	}
	return fmt.Errorf("http %s: %d", url, resp.StatusCode)
}
