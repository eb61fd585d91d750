package manager

import (
	"math/rand"
	"sync"
	"time"

	"github.com/crosspool/crosspool/internal/config"
)

// FailoverMode selects how dispatch reroutes around an unavailable pool.
type FailoverMode string

const (
	FailoverLocalOnly     FailoverMode = "local_only"
	FailoverActiveStandby FailoverMode = "active_standby"
	FailoverLoadBalanced  FailoverMode = "load_balanced"
)

// BalanceAlgorithm selects among healthy members of a load-balanced policy.
type BalanceAlgorithm string

const (
	BalanceRoundRobin         BalanceAlgorithm = "round_robin"
	BalanceLeastConnections   BalanceAlgorithm = "least_connections"
	BalanceWeightedRoundRobin BalanceAlgorithm = "weighted_round_robin"
	BalanceRandom             BalanceAlgorithm = "random"
)

// FailoverPolicy is the tagged policy variant. Primary, Backup, and
// SwitchThreshold apply to active/standby; Pools, Algorithm, and Weights to
// load-balanced. Weights default to 1 per member.
type FailoverPolicy struct {
	Mode            FailoverMode     `json:"mode"`
	Primary         string           `json:"primary,omitempty"`
	Backup          string           `json:"backup,omitempty"`
	SwitchThreshold time.Duration    `json:"switch_threshold,omitempty"`
	Pools           []string         `json:"pools,omitempty"`
	Algorithm       BalanceAlgorithm `json:"algorithm,omitempty"`
	Weights         map[string]int   `json:"weights,omitempty"`
}

// LocalOnly is the default policy: never reroute.
func LocalOnly() FailoverPolicy {
	return FailoverPolicy{Mode: FailoverLocalOnly}
}

// PolicyFromConfig maps the file form onto a policy.
func PolicyFromConfig(fc *config.FailoverConfig) FailoverPolicy {
	if fc == nil {
		return LocalOnly()
	}
	p := FailoverPolicy{
		Mode:            FailoverMode(fc.Mode),
		Primary:         fc.Primary,
		Backup:          fc.Backup,
		SwitchThreshold: fc.SwitchThreshold,
		Pools:           fc.Pools,
		Algorithm:       BalanceAlgorithm(fc.Algorithm),
		Weights:         fc.Weights,
	}
	if p.Mode == "" {
		p.Mode = FailoverLocalOnly
	}
	if p.Algorithm == "" {
		p.Algorithm = BalanceRoundRobin
	}
	return p
}

// lbState is the per-policy balancer state: the round-robin cursor and the
// smooth-WRR rolling credits. It is replaced whenever the policy changes.
type lbState struct {
	mu      sync.Mutex
	cursor  int
	credits map[string]int
}

func newLBState() *lbState {
	return &lbState{credits: make(map[string]int)}
}

// pick selects one member among the healthy candidates. Candidates keep
// policy list order; activeOf reports the live active-session count for
// least-connections.
func (s *lbState) pick(policy FailoverPolicy, candidates []string, activeOf func(string) int) string {
	if len(candidates) == 0 {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch policy.Algorithm {
	case BalanceLeastConnections:
		best := candidates[0]
		bestActive := activeOf(best)
		for _, id := range candidates[1:] {
			if a := activeOf(id); a < bestActive {
				best, bestActive = id, a
			}
		}
		return best

	case BalanceWeightedRoundRobin:
		return s.pickSmoothWRR(policy, candidates)

	case BalanceRandom:
		return candidates[rand.Intn(len(candidates))]

	default: // round-robin
		id := candidates[s.cursor%len(candidates)]
		s.cursor++
		return id
	}
}

// pickSmoothWRR schedules by rolling credit: every candidate gains its
// weight, the highest credit wins and pays back the total weight.
func (s *lbState) pickSmoothWRR(policy FailoverPolicy, candidates []string) string {
	total := 0
	for _, id := range candidates {
		w := policy.Weights[id]
		if w <= 0 {
			w = 1
		}
		s.credits[id] += w
		total += w
	}

	best := candidates[0]
	for _, id := range candidates[1:] {
		if s.credits[id] > s.credits[best] {
			best = id
		}
	}
	s.credits[best] -= total
	return best
}
