package raft

import (
	"sync"

	"github.com/dreamware/mesh/internal/cluster"
)

// LogEntry is a replicated command; see cluster.LogEntry.
type LogEntry = cluster.LogEntry

// HardState is the part of the engine state that must survive a restart
// before any vote or acknowledgement is sent.
type HardState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
}

// Store persists consensus state. Implementations must make each call
// durable before returning.
type Store interface {
	// Load returns the saved hard state and log, ordered by index.
	Load() (HardState, []LogEntry, error)
	SaveHardState(hs HardState) error
	// Append writes entries, replacing any stored entries with the same index.
	Append(entries []LogEntry) error
	// TruncateFrom deletes every entry whose index is >= index.
	TruncateFrom(index uint64) error
	Close() error
}

// MemoryStore keeps consensus state in memory. A restarted process loses it,
// so it is only suitable for tests and throwaway clusters.
type MemoryStore struct {
	mu      sync.Mutex
	hs      HardState
	entries []LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (HardState, []LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hs, append([]LogEntry(nil), m.entries...), nil
}

func (m *MemoryStore) SaveHardState(hs HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hs = hs
	return nil
}

func (m *MemoryStore) Append(entries []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		pos := int(e.Index) - 1
		if pos < len(m.entries) {
			m.entries[pos] = e
			continue
		}
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *MemoryStore) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index == 0 {
		index = 1
	}
	if int(index-1) < len(m.entries) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
