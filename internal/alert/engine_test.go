package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary(errorRate, p99, util float64) Summary {
	return Summary{
		PoolID:        "p1",
		ErrorRate:     errorRate,
		P99LatencyMs:  p99,
		Utilization:   util,
		PoolHealthy:   true,
		SystemHealthy: true,
	}
}

func TestEvaluateTriggersOnce(t *testing.T) {
	e := NewEngine()

	e.Evaluate(summary(0.10, 500, 0.5))

	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "high_error_rate_p1", active[0].ID)
	assert.Equal(t, "high_error_rate", active[0].RuleID)
	assert.Equal(t, SeverityWarning, active[0].Severity)
	assert.Nil(t, active[0].ResolvedAt)

	// Re-evaluating the same condition is idempotent.
	e.Evaluate(summary(0.10, 500, 0.5))
	assert.Len(t, e.ActiveAlerts(), 1)
}

func TestEvaluateResolvesAndRetriggers(t *testing.T) {
	e := NewEngine()

	e.Evaluate(summary(0.10, 500, 0.5))
	first := e.ActiveAlerts()[0]

	e.Evaluate(summary(0.01, 500, 0.5))
	assert.Empty(t, e.ActiveAlerts())

	history := e.History()
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].ResolvedAt)

	// Resolving again must not duplicate the resolution.
	e.Evaluate(summary(0.01, 500, 0.5))
	assert.Len(t, e.History(), 1)

	// A fresh violation creates a new instance under the same identity.
	e.Evaluate(summary(0.20, 500, 0.5))
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
	assert.NotEqual(t, first.InstanceID, active[0].InstanceID)
}

func TestDefaultRuleThresholds(t *testing.T) {
	e := NewEngine()

	// Exactly at every default threshold: comparisons are strict, nothing fires.
	e.Evaluate(summary(0.05, 1000, 0.9))
	assert.Empty(t, e.ActiveAlerts())

	// Utilization above 0.9 fires the critical rule.
	e.Evaluate(summary(0.0, 0, 0.95))
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "high_connection_utilization_p1", active[0].ID)
	assert.Equal(t, SeverityCritical, active[0].Severity)
}

func TestDisabledRuleNeverFires(t *testing.T) {
	e := NewEngine()
	require.True(t, e.SetRuleEnabled("high_error_rate", false))

	e.Evaluate(summary(0.50, 0, 0))
	assert.Empty(t, e.ActiveAlerts())
}

func TestMinConsecutiveDwell(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{
		ID:             "err_dwell",
		Name:           "Error rate with dwell",
		Condition:      Condition{Kind: ConditionErrorRate, Threshold: 0.01},
		Severity:       SeverityWarning,
		Enabled:        true,
		MinConsecutive: 3,
	})
	require.True(t, e.SetRuleEnabled("high_error_rate", false))

	e.Evaluate(summary(0.50, 0, 0))
	e.Evaluate(summary(0.50, 0, 0))
	assert.Empty(t, e.ActiveAlerts(), "fires only after the dwell is met")

	e.Evaluate(summary(0.50, 0, 0))
	require.Len(t, e.ActiveAlerts(), 1)

	// A single good evaluation resets the streak.
	e.Evaluate(summary(0.0, 0, 0))
	assert.Empty(t, e.ActiveAlerts())
	e.Evaluate(summary(0.50, 0, 0))
	assert.Empty(t, e.ActiveAlerts())
}

func TestPoolUnhealthyCondition(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{
		ID:        "pool_down",
		Name:      "Pool unhealthy",
		Condition: Condition{Kind: ConditionPoolUnhealthy},
		Severity:  SeverityCritical,
		Enabled:   true,
	})

	s := summary(0, 0, 0)
	s.PoolHealthy = false
	e.Evaluate(s)

	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "pool_down_p1", active[0].ID)
}

func TestSystemUnhealthyUsesSystemScope(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{
		ID:        "system_down",
		Name:      "System unhealthy",
		Condition: Condition{Kind: ConditionSystemUnhealthy},
		Severity:  SeverityCritical,
		Enabled:   true,
	})

	e.Evaluate(Summary{SystemHealthy: false, PoolHealthy: true})
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "system_down_system", active[0].ID)
	assert.Empty(t, active[0].PoolID)
}
