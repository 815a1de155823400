package raft

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	hardStateKey = []byte("hardstate")
	logPrefix    = []byte("log/")
)

// syncWrites forces an fsync per write so a vote is on disk before the reply.
var syncWrites = &opt.WriteOptions{Sync: true}

// LevelDBStore persists consensus state in a goleveldb database. Entries are
// keyed by zero-padded index so iteration order is log order.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDBStore opens or creates the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft store %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func entryKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", logPrefix, index))
}

func (s *LevelDBStore) Load() (HardState, []LogEntry, error) {
	var hs HardState
	data, err := s.db.Get(hardStateKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return hs, nil, fmt.Errorf("read hard state: %w", err)
	default:
		if err := json.Unmarshal(data, &hs); err != nil {
			return hs, nil, fmt.Errorf("decode hard state: %w", err)
		}
	}

	var entries []LogEntry
	iter := s.db.NewIterator(util.BytesPrefix(logPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var e LogEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return hs, nil, fmt.Errorf("decode entry %s: %w", iter.Key(), err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return hs, nil, fmt.Errorf("iterate log: %w", err)
	}
	return hs, entries, nil
}

func (s *LevelDBStore) SaveHardState(hs HardState) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	return s.db.Put(hardStateKey, data, syncWrites)
}

func (s *LevelDBStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(entryKey(e.Index), data)
	}
	return s.db.Write(batch, syncWrites)
}

func (s *LevelDBStore) TruncateFrom(index uint64) error {
	rng := util.BytesPrefix(logPrefix)
	rng.Start = entryKey(index)

	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(rng, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, syncWrites)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
