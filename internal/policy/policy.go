// Package policy implements the deterministic policy engine: a pure
// function from a proposed action to a decision, a risk score, and a set
// of structured violations. The rule tables are data, versioned by the
// policy_version string stamped onto every ledger event.
package policy

// Decision is the authoritative outcome of one evaluation.
type Decision string

const (
	Approved  Decision = "APPROVED"
	Denied    Decision = "DENIED"
	Escalated Decision = "ESCALATED"
)

// Violation is one hard-rule hit. Hard violations always deny.
type Violation struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// Signal is one risk-signal hit. Signals accumulate risk but never deny
// on their own.
type Signal struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Result of one evaluation. Same inputs always yield the same Result,
// across processes, for a given rule-set version.
type Result struct {
	Decision   Decision    `json:"decision"`
	RiskScore  float64     `json:"risk_score"`
	Violations []Violation `json:"violations"`
	Signals    []Signal    `json:"signals,omitempty"`
}

// Passed reports whether the proposal cleared policy outright.
func (r Result) Passed() bool {
	return r.Decision == Approved
}
