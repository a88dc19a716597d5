package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// Scope restricts a rule to shell actions, file-mutation actions, or any
// action type.
type Scope string

const (
	ScopeShell Scope = "shell"
	ScopeFile  Scope = "file"
	ScopeAny   Scope = "any"
)

// Action types that run through a shell.
var shellActionTypes = map[string]bool{
	"bash": true, "shell": true, "command": true, "exec": true, "terminal": true,
}

// Action types that mutate files.
var fileActionTypes = map[string]bool{
	"file_write": true, "file_edit": true, "file_delete": true, "file_move": true,
	"write": true, "edit": true, "delete": true,
}

// HardRule always denies when its pattern matches in scope.
type HardRule struct {
	Rule        string `yaml:"rule"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
	Scope       Scope  `yaml:"scope"`
}

// SignalRule adds Weight to the risk score when its pattern matches.
type SignalRule struct {
	Rule        string  `yaml:"rule"`
	Description string  `yaml:"description"`
	Pattern     string  `yaml:"pattern"`
	Scope       Scope   `yaml:"scope"`
	Weight      float64 `yaml:"weight"`
}

// RuleSet is the declarative constitution in force. Changing any entry
// changes Version, so historical evaluations stay reproducible.
type RuleSet struct {
	Version             string       `yaml:"version"`
	EscalationThreshold float64      `yaml:"escalation_threshold"`
	HardViolationWeight float64      `yaml:"hard_violation_weight"`
	HardRules           []HardRule   `yaml:"hard_rules"`
	Signals             []SignalRule `yaml:"signals"`
}

// DefaultRuleSet is policy v1.0.0, compiled in so the engine works with no
// policy file on disk.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version:             "1.0.0",
		EscalationThreshold: 0.8,
		HardViolationWeight: 0.9,
		HardRules: []HardRule{
			{
				Rule:        "NO_SUDO",
				Description: "Use of 'sudo' is prohibited",
				Pattern:     `(^|\s)sudo(\s|$)`,
				Scope:       ScopeShell,
			},
			{
				Rule:        "NO_CHMOD_777",
				Description: "chmod 777 is prohibited",
				Pattern:     `\bchmod\s+777\b`,
				Scope:       ScopeShell,
			},
			{
				Rule:        "PROTECTED_PATH",
				Description: "Modification of governance/, policy/, or the identity allow-list is prohibited",
				Pattern:     `(^|[\s"'=/])(governance|policy)/|\bidentities\.json\b`,
				Scope:       ScopeAny,
			},
			{
				Rule:        "DESTRUCTIVE_RM",
				Description: "Destructive 'rm -rf' against / or * is prohibited",
				Pattern:     `\brm\s+-rf\s+[/*]`,
				Scope:       ScopeShell,
			},
			{
				Rule:        "NO_MKFS",
				Description: "Filesystem format commands are prohibited",
				Pattern:     `\bmkfs\b`,
				Scope:       ScopeShell,
			},
			{
				Rule:        "NO_RAW_DISK_WRITE",
				Description: "Raw disk writes via dd are prohibited",
				Pattern:     `\bdd\s+.*\bof=/dev/`,
				Scope:       ScopeShell,
			},
		},
		Signals: []SignalRule{
			{
				Rule:        "INFRA_VERB",
				Description: "Cluster/infra tooling invoked",
				Pattern:     `\b(kubectl|terraform|helm)\b`,
				Scope:       ScopeShell,
				Weight:      0.4,
			},
			{
				Rule:        "INFRA_MUTATION",
				Description: "Cluster/infra tooling invoked with a state-changing verb",
				Pattern:     `\b(kubectl|terraform|helm)\b.*\b(scale|apply|delete|destroy|rollout|restart|install|upgrade|uninstall)\b`,
				Scope:       ScopeShell,
				Weight:      0.4,
			},
			{
				Rule:        "OUTBOUND_NETWORK",
				Description: "Outbound network access from a shell action",
				Pattern:     `\b(curl|wget)\b|https?://`,
				Scope:       ScopeShell,
				Weight:      0.3,
			},
			{
				Rule:        "SHARED_CONFIG_WRITE",
				Description: "File write under a shared configuration directory",
				Pattern:     `(^|[\s"'=])/?etc/|(^|[\s"'=/])\.?config/`,
				Scope:       ScopeFile,
				Weight:      0.2,
			},
			{
				Rule:        "DESTRUCTIVE_VERB",
				Description: "Destructive verb present",
				Pattern:     `\brm\s+-rf\b|\bDROP\s+(TABLE|DATABASE|SCHEMA|INDEX)\b`,
				Scope:       ScopeAny,
				Weight:      0.5,
			},
		},
	}
}

// LoadRuleSet reads a rule table from a YAML file. Zero-valued tuning
// fields fall back to the defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read policy file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if rs.Version == "" {
		return RuleSet{}, fmt.Errorf("policy file %s: missing version", path)
	}
	if rs.EscalationThreshold == 0 {
		rs.EscalationThreshold = 0.8
	}
	if rs.HardViolationWeight == 0 {
		rs.HardViolationWeight = 0.9
	}
	return rs, nil
}

func (s Scope) matches(actionType string) bool {
	switch s {
	case ScopeShell:
		return shellActionTypes[actionType]
	case ScopeFile:
		return fileActionTypes[actionType]
	default:
		return true
	}
}

func compilePatterns(rs RuleSet) (hard []*regexp.Regexp, signals []*regexp.Regexp, err error) {
	hard = make([]*regexp.Regexp, len(rs.HardRules))
	for i, r := range rs.HardRules {
		hard[i], err = regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("hard rule %s: %w", r.Rule, err)
		}
	}
	signals = make([]*regexp.Regexp, len(rs.Signals))
	for i, r := range rs.Signals {
		signals[i], err = regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("signal %s: %w", r.Rule, err)
		}
	}
	return hard, signals, nil
}
