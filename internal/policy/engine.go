package policy

import (
	"math"
	"regexp"
	"strings"
)

// Engine evaluates proposals against a compiled rule set. It performs no
// I/O: construction compiles every pattern once, evaluation is pure.
type Engine struct {
	rules          RuleSet
	hardPatterns   []*regexp.Regexp
	signalPatterns []*regexp.Regexp
}

// NewEngine compiles a rule set into an evaluator.
func NewEngine(rs RuleSet) (*Engine, error) {
	hard, signals, err := compilePatterns(rs)
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rs, hardPatterns: hard, signalPatterns: signals}, nil
}

// MustDefaultEngine returns an engine over the compiled-in v1.0.0 tables.
// The default patterns are covered by tests; a compile failure here is a
// programming error.
func MustDefaultEngine() *Engine {
	e, err := NewEngine(DefaultRuleSet())
	if err != nil {
		panic(err)
	}
	return e
}

// Version is the policy_version stamped onto every ledger event.
func (e *Engine) Version() string {
	return e.rules.Version
}

// Evaluate maps (action_type, content) to a decision, risk score, and
// violations. Hard violations always deny; risk signals accumulate and
// escalate at the threshold; otherwise the proposal is approved.
func (e *Engine) Evaluate(actionType, content string) Result {
	actionType = strings.ToLower(strings.TrimSpace(actionType))

	res := Result{Violations: []Violation{}}
	risk := 0.0

	for i, rule := range e.rules.HardRules {
		if !rule.Scope.matches(actionType) {
			continue
		}
		if e.hardPatterns[i].MatchString(content) {
			res.Violations = append(res.Violations, Violation{Rule: rule.Rule, Description: rule.Description})
			risk += e.rules.HardViolationWeight
		}
	}
	for i, rule := range e.rules.Signals {
		if !rule.Scope.matches(actionType) {
			continue
		}
		if e.signalPatterns[i].MatchString(content) {
			res.Signals = append(res.Signals, Signal{Rule: rule.Rule, Description: rule.Description, Weight: rule.Weight})
			risk += rule.Weight
		}
	}

	res.RiskScore = ClampRisk(risk)

	switch {
	case len(res.Violations) > 0:
		res.Decision = Denied
	case res.RiskScore >= e.rules.EscalationThreshold:
		res.Decision = Escalated
	default:
		res.Decision = Approved
	}
	return res
}

// ClampRisk bounds a raw accumulated score to [0, 1].
func ClampRisk(score float64) float64 {
	clamped := math.Min(math.Max(score, 0), 1)
	// Round away float drift (0.4+0.4 -> 0.8000000000000001) so scores
	// serialize identically across processes.
	return math.Round(clamped*100) / 100
}
