package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crosspool/crosspool/internal/config"
)

func noActive(string) int { return 0 }

func TestRoundRobinCyclesInOrder(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceRoundRobin}
	members := []string{"a", "b", "c"}

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, s.pick(policy, members, noActive))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRoundRobinSkipsMissingMembers(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceRoundRobin}

	// Candidates already filtered to healthy members; the cursor keeps
	// advancing over whatever remains.
	assert.Equal(t, "b", s.pick(policy, []string{"b", "c"}, noActive))
	assert.Equal(t, "c", s.pick(policy, []string{"b", "c"}, noActive))
	assert.Equal(t, "b", s.pick(policy, []string{"b", "c"}, noActive))
}

func TestLeastConnectionsPrefersQuietest(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceLeastConnections}
	active := map[string]int{"a": 4, "b": 1, "c": 2}

	pick := s.pick(policy, []string{"a", "b", "c"}, func(id string) int { return active[id] })
	assert.Equal(t, "b", pick)
}

func TestLeastConnectionsTieBreaksByListOrder(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceLeastConnections}

	pick := s.pick(policy, []string{"c", "a", "b"}, noActive)
	assert.Equal(t, "c", pick)
}

func TestSmoothWRRRespectsWeights(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{
		Mode:      FailoverLoadBalanced,
		Algorithm: BalanceWeightedRoundRobin,
		Weights:   map[string]int{"a": 3, "b": 1},
	}
	members := []string{"a", "b"}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		counts[s.pick(policy, members, noActive)]++
	}
	assert.Equal(t, 6, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestSmoothWRRSpreadsPicks(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{
		Mode:      FailoverLoadBalanced,
		Algorithm: BalanceWeightedRoundRobin,
		Weights:   map[string]int{"a": 2, "b": 1},
	}
	members := []string{"a", "b"}

	// Classic smooth-WRR schedule for 2:1 is a, b, a repeating.
	picks := []string{
		s.pick(policy, members, noActive),
		s.pick(policy, members, noActive),
		s.pick(policy, members, noActive),
	}
	assert.Equal(t, []string{"a", "b", "a"}, picks)
}

func TestSmoothWRRDefaultsWeightToOne(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceWeightedRoundRobin}
	members := []string{"a", "b"}

	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		counts[s.pick(policy, members, noActive)]++
	}
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestRandomPicksOnlyCandidates(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceRandom}
	members := []string{"a", "b"}

	for i := 0; i < 20; i++ {
		pick := s.pick(policy, members, noActive)
		assert.Contains(t, members, pick)
	}
}

func TestPickEmptyCandidates(t *testing.T) {
	s := newLBState()
	policy := FailoverPolicy{Mode: FailoverLoadBalanced, Algorithm: BalanceRoundRobin}
	assert.Equal(t, "", s.pick(policy, nil, noActive))
}

func TestPolicyFromConfig(t *testing.T) {
	assert.Equal(t, FailoverLocalOnly, PolicyFromConfig(nil).Mode)

	p := PolicyFromConfig(&config.FailoverConfig{
		Mode:    "load_balanced",
		Pools:   []string{"a", "b"},
		Weights: map[string]int{"a": 2},
	})
	assert.Equal(t, FailoverLoadBalanced, p.Mode)
	assert.Equal(t, BalanceRoundRobin, p.Algorithm, "algorithm defaults to round-robin")
	assert.Equal(t, []string{"a", "b"}, p.Pools)
}
