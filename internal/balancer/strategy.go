package balancer

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrUnknownStrategy is returned by ParseStrategy for unrecognised names.
var ErrUnknownStrategy = errors.New("unknown placement strategy")

// Strategy selects how a task is placed. The set is closed: every value has
// a placer and ParseStrategy accepts exactly the names below.
type Strategy int

const (
	// LeastLoaded picks the candidate with the lowest effective workload.
	LeastLoaded Strategy = iota
	// RoundRobin cycles through candidates sorted by id, driven by the
	// balancer's global assignment counter.
	RoundRobin
	// CapabilityMatch keeps candidates advertising every capability the task
	// requires, then picks the least loaded of them.
	CapabilityMatch
	// Random picks a candidate pseudo-randomly, seeded by the task id so the
	// same task and snapshot always land on the same node.
	Random
)

var strategyNames = map[Strategy]string{
	LeastLoaded:     "least-loaded",
	RoundRobin:      "round-robin",
	CapabilityMatch: "capability-match",
	Random:          "random",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy maps a configuration name onto a Strategy. Matching ignores
// case and surrounding space.
//
// Example:
//
//	s, err := balancer.ParseStrategy("capability-match")
//	if errors.Is(err, balancer.ErrUnknownStrategy) { ... }
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// StrategyNames lists the accepted strategy names in declaration order.
func StrategyNames() []string {
	return []string{
		LeastLoaded.String(),
		RoundRobin.String(),
		CapabilityMatch.String(),
		Random.String(),
	}
}

// candidate is a snapshot row with its effective load resolved.
type candidate struct {
	id           string
	load         float64
	capabilities []string
}

// placer is implemented once per Strategy. candidates are non-empty and
// sorted by id; pick returns an index into them or false.
type placer interface {
	pick(task Task, candidates []candidate, counter uint64) (int, bool)
}

func (s Strategy) placer() (placer, bool) {
	switch s {
	case LeastLoaded:
		return leastLoaded{}, true
	case RoundRobin:
		return roundRobin{}, true
	case CapabilityMatch:
		return capabilityMatch{}, true
	case Random:
		return seededRandom{}, true
	}
	return nil, false
}

type leastLoaded struct{}

func (leastLoaded) pick(_ Task, candidates []candidate, _ uint64) (int, bool) {
	best := 0
	for i := 1; i < len(candidates); i++ {
		// Strictly lower only, so ties keep the smaller id.
		if candidates[i].load < candidates[best].load {
			best = i
		}
	}
	return best, true
}

type roundRobin struct{}

func (roundRobin) pick(_ Task, candidates []candidate, counter uint64) (int, bool) {
	return int(counter % uint64(len(candidates))), true
}

type capabilityMatch struct{}

func (capabilityMatch) pick(task Task, candidates []candidate, counter uint64) (int, bool) {
	best := -1
	for i, c := range candidates {
		if !hasAll(c.capabilities, task.Capabilities) {
			continue
		}
		if best < 0 || c.load < candidates[best].load {
			best = i
		}
	}
	return best, best >= 0
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

type seededRandom struct{}

func (seededRandom) pick(task Task, candidates []candidate, _ uint64) (int, bool) {
	rng := rand.New(rand.NewSource(int64(taskSeed(task.ID))))
	return rng.Intn(len(candidates)), true
}

// taskSeed hashes a task id with FNV-1a.
func taskSeed(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}
