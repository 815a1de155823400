// Package storage holds the applied-command state machine of a mesh node:
// every command the consensus engine commits is written here under its log
// index.
//
// # Overview
//
// The consensus log itself lives in the raft package. This package stores
// the result of applying it, which is what clients read back through
// GET /commands/:index.
//
//	┌─────────────────────────────────────┐
//	│         Consensus Engine            │
//	│   (commit index advances)           │
//	└─────────────────────────────────────┘
//	                 │ ApplyFunc
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           CommandLog                │
//	│   cmd/00000000000000000001 → bytes  │
//	└─────────────────────────────────────┘
//	                 │
//	        ┌────────┴────────┐
//	        ▼                 ▼
//	┌──────────────┐  ┌──────────────┐
//	│ MemoryStore  │  │  BoltStore   │
//	└──────────────┘  └──────────────┘
//
// # Core Interfaces
//
// Store: basic key-value operations
//   - Get(key) - Retrieve a value, ErrKeyNotFound if missing
//   - Put(key, value) - Store or overwrite
//   - Delete(key) - Remove, idempotent
//   - List() - All keys, ascending
//   - Stats() - Key count and value bytes
//
// # Implementations
//
// MemoryStore: map guarded by a sync.RWMutex. Lost on restart, which is
// fine: the engine re-applies committed entries once it relearns the
// commit index.
//
// BoltStore: a single bucket in a bolt database file under the configured
// data directory. Writes are transactional and fsynced by bolt.
//
// # Replay
//
// Commands are keyed by index, so applying the same committed entry twice
// rewrites identical bytes. A restarted node replays from index 1 without
// special casing.
package storage
