package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dreamware/mesh/internal/balancer"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "raft.heartbeat_interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateNode()...)
	errors = append(errors, c.validatePeers()...)
	errors = append(errors, c.validateRaft()...)
	errors = append(errors, c.validateGossip()...)
	errors = append(errors, c.validateBalancer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateNode() []ValidationError {
	var errors []ValidationError

	if c.Node.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "node.addr",
			Value:   c.Node.Addr,
			Message: "must not be empty",
		})
	}
	if c.Node.Workload < 0 {
		errors = append(errors, ValidationError{
			Field:   "node.workload",
			Value:   c.Node.Workload,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validatePeers() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for _, p := range c.Peers {
		node, err := ParsePeer(p)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   "peers",
				Value:   p,
				Message: "must have the form id=addr",
			})
			continue
		}
		if seen[node.ID] {
			errors = append(errors, ValidationError{
				Field:   "peers",
				Value:   p,
				Message: "duplicate peer id",
			})
		}
		seen[node.ID] = true
	}

	return errors
}

func (c *Config) validateRaft() []ValidationError {
	var errors []ValidationError

	if c.Raft.ElectionTimeoutMinMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "raft.election_timeout_min_ms",
			Value:   c.Raft.ElectionTimeoutMinMs,
			Message: "must be positive",
		})
	}
	if c.Raft.ElectionTimeoutMaxMs <= c.Raft.ElectionTimeoutMinMs {
		errors = append(errors, ValidationError{
			Field:   "raft.election_timeout_max_ms",
			Value:   c.Raft.ElectionTimeoutMaxMs,
			Message: "must be greater than raft.election_timeout_min_ms",
		})
	}
	// Followers time out if heartbeats are not strictly faster than the minimum timeout
	if c.Raft.HeartbeatIntervalMs <= 0 || c.Raft.HeartbeatIntervalMs >= c.Raft.ElectionTimeoutMinMs {
		errors = append(errors, ValidationError{
			Field:   "raft.heartbeat_interval_ms",
			Value:   c.Raft.HeartbeatIntervalMs,
			Message: "must be positive and below raft.election_timeout_min_ms",
		})
	}
	if c.Raft.TickIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "raft.tick_interval_ms",
			Value:   c.Raft.TickIntervalMs,
			Message: "must be positive",
		})
	}
	if c.Raft.RPCTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "raft.rpc_timeout_ms",
			Value:   c.Raft.RPCTimeoutMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateGossip() []ValidationError {
	var errors []ValidationError

	if c.Gossip.IntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "gossip.interval_ms",
			Value:   c.Gossip.IntervalMs,
			Message: "must be positive",
		})
	}
	if c.Gossip.Fanout < 1 {
		errors = append(errors, ValidationError{
			Field:   "gossip.fanout",
			Value:   c.Gossip.Fanout,
			Message: "must be at least 1",
		})
	}
	if c.Gossip.FailureTimeoutMs <= c.Gossip.IntervalMs {
		errors = append(errors, ValidationError{
			Field:   "gossip.failure_timeout_ms",
			Value:   c.Gossip.FailureTimeoutMs,
			Message: "must be greater than gossip.interval_ms",
		})
	}

	return errors
}

func (c *Config) validateBalancer() []ValidationError {
	var errors []ValidationError

	if _, err := balancer.ParseStrategy(c.Balancer.Strategy); err != nil {
		errors = append(errors, ValidationError{
			Field:   "balancer.strategy",
			Value:   c.Balancer.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(balancer.StrategyNames(), ", ")),
		})
	}
	if c.Balancer.DefaultWeight <= 0 {
		errors = append(errors, ValidationError{
			Field:   "balancer.default_weight",
			Value:   c.Balancer.DefaultWeight,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
