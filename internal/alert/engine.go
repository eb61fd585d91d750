// Package alert evaluates a rule set against per-pool metric summaries and
// maintains alert instances with an idempotent trigger/resolve lifecycle.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosspool/crosspool/internal/logger"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ConditionKind selects what a rule watches.
type ConditionKind string

const (
	ConditionErrorRate       ConditionKind = "error_rate"
	ConditionP99Latency      ConditionKind = "p99_latency"
	ConditionUtilization     ConditionKind = "utilization"
	ConditionPoolUnhealthy   ConditionKind = "pool_unhealthy"
	ConditionSystemUnhealthy ConditionKind = "system_unhealthy"
)

// Condition is a threshold predicate over a summary. Threshold is a ratio
// for error-rate and utilization, and milliseconds for p99 latency; the
// health conditions ignore it.
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Threshold float64       `json:"threshold"`
}

// Rule is one alerting rule. MinConsecutive is the dwell: the condition
// must hold for that many consecutive evaluations before the alert fires
// (values below 1 behave as 1).
type Rule struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Condition      Condition `json:"condition"`
	Severity       Severity  `json:"severity"`
	Enabled        bool      `json:"enabled"`
	MinConsecutive int       `json:"min_consecutive"`
}

// Alert is a materialized rule violation. ID is the synthetic identity
// (rule id + pool id) under which at most one unresolved instance exists;
// InstanceID distinguishes successive instances under the same identity.
type Alert struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	RuleID     string     `json:"rule_id"`
	PoolID     string     `json:"pool_id,omitempty"`
	Message    string     `json:"message"`
	Severity   Severity   `json:"severity"`
	TriggeredAt time.Time `json:"triggered_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Summary is the evaluation input for one pool (or, with an empty PoolID,
// the system as a whole).
type Summary struct {
	PoolID        string
	ErrorRate     float64
	P99LatencyMs  float64
	Utilization   float64
	PoolHealthy   bool
	SystemHealthy bool
}

// Engine owns the rules and the alert instances.
type Engine struct {
	mu     sync.Mutex
	rules  []Rule
	alerts []Alert
	streak map[string]int
}

// NewEngine returns an engine seeded with the default rules.
func NewEngine() *Engine {
	return &Engine{
		rules: []Rule{
			{
				ID:        "high_error_rate",
				Name:      "High error rate",
				Condition: Condition{Kind: ConditionErrorRate, Threshold: 0.05},
				Severity:  SeverityWarning,
				Enabled:   true,
			},
			{
				ID:        "high_latency",
				Name:      "High p99 latency",
				Condition: Condition{Kind: ConditionP99Latency, Threshold: 1000},
				Severity:  SeverityWarning,
				Enabled:   true,
			},
			{
				ID:        "high_connection_utilization",
				Name:      "High connection utilization",
				Condition: Condition{Kind: ConditionUtilization, Threshold: 0.9},
				Severity:  SeverityCritical,
				Enabled:   true,
			},
		},
		streak: make(map[string]int),
	}
}

// AddRule appends a rule; a rule with a duplicate id replaces the original.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == r.ID {
			e.rules[i] = r
			return
		}
	}
	e.rules = append(e.rules, r)
}

// Rules returns a copy of the rule set.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// SetRuleEnabled toggles a rule; false is returned for an unknown id.
func (e *Engine) SetRuleEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Evaluate applies every enabled rule to the summary. Repeated evaluations
// with an unchanged condition neither duplicate alerts nor duplicate
// resolutions.
func (e *Engine) Evaluate(s Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.rules {
		rule := e.rules[i]
		if !rule.Enabled {
			continue
		}

		scope := s.PoolID
		if rule.Condition.Kind == ConditionSystemUnhealthy {
			scope = ""
		}
		syntheticID := syntheticID(rule.ID, scope)

		if e.shouldTrigger(rule.Condition, s) {
			e.streak[syntheticID]++
			dwell := rule.MinConsecutive
			if dwell < 1 {
				dwell = 1
			}
			if e.streak[syntheticID] >= dwell {
				e.trigger(rule, scope, syntheticID, s)
			}
		} else {
			e.streak[syntheticID] = 0
			e.resolve(syntheticID)
		}
	}
}

func (e *Engine) shouldTrigger(c Condition, s Summary) bool {
	switch c.Kind {
	case ConditionErrorRate:
		return s.ErrorRate > c.Threshold
	case ConditionP99Latency:
		return s.P99LatencyMs > c.Threshold
	case ConditionUtilization:
		return s.Utilization > c.Threshold
	case ConditionPoolUnhealthy:
		return !s.PoolHealthy
	case ConditionSystemUnhealthy:
		return !s.SystemHealthy
	default:
		return false
	}
}

func syntheticID(ruleID, poolID string) string {
	if poolID == "" {
		poolID = "system"
	}
	return ruleID + "_" + poolID
}

func (e *Engine) trigger(rule Rule, poolID, syntheticID string, s Summary) {
	for i := range e.alerts {
		if e.alerts[i].ID == syntheticID && e.alerts[i].ResolvedAt == nil {
			return
		}
	}

	a := Alert{
		ID:          syntheticID,
		InstanceID:  uuid.NewString(),
		RuleID:      rule.ID,
		PoolID:      poolID,
		Message:     renderMessage(rule, poolID, s),
		Severity:    rule.Severity,
		TriggeredAt: time.Now(),
	}
	e.alerts = append(e.alerts, a)
	logger.Warn("alert triggered", "rule", rule.ID, "pool", poolID, "message", a.Message)
}

func (e *Engine) resolve(syntheticID string) {
	for i := range e.alerts {
		if e.alerts[i].ID == syntheticID && e.alerts[i].ResolvedAt == nil {
			now := time.Now()
			e.alerts[i].ResolvedAt = &now
			logger.Info("alert resolved", "alert", syntheticID)
			return
		}
	}
}

func renderMessage(rule Rule, poolID string, s Summary) string {
	scope := poolID
	if scope == "" {
		scope = "system"
	}
	switch rule.Condition.Kind {
	case ConditionErrorRate:
		return fmt.Sprintf("pool %s error rate %.1f%% exceeds %.1f%%", scope, s.ErrorRate*100, rule.Condition.Threshold*100)
	case ConditionP99Latency:
		return fmt.Sprintf("pool %s p99 latency %.0fms exceeds %.0fms", scope, s.P99LatencyMs, rule.Condition.Threshold)
	case ConditionUtilization:
		return fmt.Sprintf("pool %s connection utilization %.1f%% exceeds %.1f%%", scope, s.Utilization*100, rule.Condition.Threshold*100)
	case ConditionPoolUnhealthy:
		return fmt.Sprintf("pool %s is unhealthy", scope)
	case ConditionSystemUnhealthy:
		return "no healthy pool remains"
	default:
		return fmt.Sprintf("rule %s fired for %s", rule.Name, scope)
	}
}

// ActiveAlerts returns the unresolved alerts.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for _, a := range e.alerts {
		if a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

// History returns every alert instance, resolved ones included.
func (e *Engine) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, len(e.alerts))
	copy(out, e.alerts)
	return out
}
