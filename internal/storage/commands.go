package storage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const commandPrefix = "cmd/"

// CommandKey is the key a committed command is stored under. Indexes are
// zero padded so key order is log order.
func CommandKey(index uint64) string {
	return fmt.Sprintf("%s%020d", commandPrefix, index)
}

// CommandLog is the applied-command state machine: committed log entries
// written by index into a Store. Writing the same index twice stores the
// same bytes again, so replay after a restart is harmless.
type CommandLog struct {
	store Store

	mu        sync.Mutex
	lastIndex uint64
}

// NewCommandLog wraps store and recovers the highest applied index from it.
func NewCommandLog(store Store) *CommandLog {
	c := &CommandLog{store: store}
	for _, key := range store.List() {
		if idx, ok := parseCommandKey(key); ok && idx > c.lastIndex {
			c.lastIndex = idx
		}
	}
	return c
}

func parseCommandKey(key string) (uint64, bool) {
	rest, ok := strings.CutPrefix(key, commandPrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.ParseUint(rest, 10, 64)
	return idx, err == nil
}

// Record stores the command committed at index.
func (c *CommandLog) Record(index uint64, command []byte) error {
	if err := c.store.Put(CommandKey(index), command); err != nil {
		return fmt.Errorf("record command %d: %w", index, err)
	}
	c.mu.Lock()
	if index > c.lastIndex {
		c.lastIndex = index
	}
	c.mu.Unlock()
	return nil
}

// Command returns the command applied at index, or ErrKeyNotFound.
func (c *CommandLog) Command(index uint64) ([]byte, error) {
	value, err := c.store.Get(CommandKey(index))
	if err != nil {
		return nil, fmt.Errorf("command %d: %w", index, err)
	}
	return value, nil
}

// LastIndex returns the highest index recorded so far.
func (c *CommandLog) LastIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIndex
}

// Stats reports the size of the underlying store.
func (c *CommandLog) Stats() StoreStats {
	return c.store.Stats()
}

func (c *CommandLog) Close() error {
	return c.store.Close()
}
