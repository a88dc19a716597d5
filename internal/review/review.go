// Package review runs deterministic checks over an evidence packet:
// scope compliance, forbidden path detection, secret exposure, dependency
// file changes, and network access attempts. Checks are pure pattern
// matching so the same packet always produces the same result.
package review

import (
	"path"
	"regexp"
	"time"

	"github.com/gavel/backend/internal/blastbox"
	"github.com/gavel/backend/internal/evidence"
	"github.com/gavel/backend/internal/ledger"
)

// Finding categories.
const (
	CategoryScopeViolation   = "scope_violation"
	CategoryForbiddenPath    = "forbidden_path"
	CategorySecretExposure   = "secret_exposure"
	CategoryDependencyChange = "dependency_change"
	CategoryNetworkAttempt   = "network_attempt"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ReviewerActorID is the principal attributed to review events.
const ReviewerActorID = "system:evidence_review"

// Finding is one detected issue.
type Finding struct {
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	FilePath       string `json:"file_path,omitempty"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// Result is the outcome of reviewing one packet.
type Result struct {
	Passed         bool      `json:"passed"`
	Findings       []Finding `json:"findings"`
	RiskDelta      float64   `json:"risk_delta"`
	ScopeCompliant bool      `json:"scope_compliant"`
	ReviewedAt     time.Time `json:"reviewed_at"`
}

var forbiddenPaths = []*regexp.Regexp{
	regexp.MustCompile(`(?i)CONSTITUTION\.md`),
	regexp.MustCompile(`(?i)governance[/\\]`),
	regexp.MustCompile(`(?i)policy[/\\]`),
	regexp.MustCompile(`(?i)\.env`),
	regexp.MustCompile(`(?i)\.git[/\\]`),
	regexp.MustCompile(`(?i).*\.key$`),
	regexp.MustCompile(`(?i).*\.pem$`),
	regexp.MustCompile(`(?i)id_rsa`),
}

var dependencyFiles = map[string]struct{}{
	"package-lock.json": {},
	"package.json":      {},
	"poetry.lock":       {},
	"pyproject.toml":    {},
	"requirements.txt":  {},
	"Gemfile.lock":      {},
	"go.mod":            {},
	"go.sum":            {},
	"Cargo.lock":        {},
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

var networkPatterns = []namedPattern{
	{"Network command", regexp.MustCompile(`\b(?:curl|wget|fetch|http\.get|requests\.get|urllib)\b`)},
	{"URL reference", regexp.MustCompile(`(?:https?|ftp)://`)},
	{"DNS operation", regexp.MustCompile(`\b(?:getaddrinfo|resolve|nslookup|dig)\b`)},
	{"Socket operation", regexp.MustCompile(`(?:connect\(\)|socket\(|SOCK_STREAM)`)},
	{"Network error (blocked)", regexp.MustCompile(`(?:Network is unreachable|Could not resolve host|Connection refused|Name or service not known)`)},
}

var secretPatterns = []namedPattern{
	{"AWS Access Key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"GitHub Token", regexp.MustCompile(`gh[posrt]_[A-Za-z0-9_]{36,}`)},
	{"Generic API Key", regexp.MustCompile(`[Aa]pi[_\-]?[Kk]ey\s*[:=]\s*\S+`)},
	{"Private Key Header", regexp.MustCompile(`-----BEGIN.*PRIVATE KEY-----`)},
}

var riskDeltaByCategory = map[string]float64{
	CategoryScopeViolation:   0.3,
	CategoryForbiddenPath:    0.5,
	CategorySecretExposure:   0.5,
	CategoryDependencyChange: 0.1,
	CategoryNetworkAttempt:   0.2,
}

// Review runs every check on a packet. allowPaths nil means scope
// checking is skipped; non-nil means every added or modified file must
// start with one of the prefixes.
func Review(packet *evidence.Packet, allowPaths []string) Result {
	var findings []Finding
	diff := packet.WorkspaceDiff

	if allowPaths != nil {
		findings = append(findings, reviewScope(diff, allowPaths)...)
	}
	findings = append(findings, reviewForbiddenPaths(diff)...)
	findings = append(findings, reviewStreams(packet.Stdout, packet.Stderr, secretPatterns, CategorySecretExposure, SeverityCritical)...)
	findings = append(findings, reviewDependencies(diff)...)
	findings = append(findings, reviewStreams(packet.Stdout, packet.Stderr, networkPatterns, CategoryNetworkAttempt, SeverityMedium)...)

	result := Result{
		Findings:       findings,
		RiskDelta:      riskDelta(findings),
		Passed:         true,
		ScopeCompliant: true,
		ReviewedAt:     time.Now().UTC(),
	}
	for _, f := range findings {
		if f.Severity == SeverityCritical || f.Severity == SeverityHigh {
			result.Passed = false
		}
		if f.Category == CategoryScopeViolation {
			result.ScopeCompliant = false
		}
	}
	return result
}

func reviewScope(diff blastbox.WorkspaceDiff, allowPaths []string) []Finding {
	var findings []Finding
	for _, file := range append(append([]string{}, diff.Added...), diff.Modified...) {
		if !underAnyPrefix(file, allowPaths) {
			findings = append(findings, Finding{
				Category:    CategoryScopeViolation,
				Severity:    SeverityHigh,
				Description: "File '" + file + "' is outside allowed paths",
				FilePath:    file,
			})
		}
	}
	return findings
}

func underAnyPrefix(file string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(file) >= len(p) && file[:len(p)] == p {
			return true
		}
	}
	return false
}

func reviewForbiddenPaths(diff blastbox.WorkspaceDiff) []Finding {
	var findings []Finding
	all := append(append(append([]string{}, diff.Added...), diff.Modified...), diff.Deleted...)
	for _, file := range all {
		for _, re := range forbiddenPaths {
			if re.MatchString(file) {
				findings = append(findings, Finding{
					Category:       CategoryForbiddenPath,
					Severity:       SeverityCritical,
					Description:    "Forbidden path touched: '" + file + "'",
					FilePath:       file,
					MatchedPattern: re.String(),
				})
				break
			}
		}
	}
	return findings
}

func reviewDependencies(diff blastbox.WorkspaceDiff) []Finding {
	var findings []Finding
	for _, file := range append(append([]string{}, diff.Added...), diff.Modified...) {
		if _, ok := dependencyFiles[path.Base(file)]; ok {
			findings = append(findings, Finding{
				Category:    CategoryDependencyChange,
				Severity:    SeverityMedium,
				Description: "Dependency file changed: '" + file + "'",
				FilePath:    file,
			})
		}
	}
	return findings
}

// reviewStreams matches each pattern at most once per stream so chatty
// output cannot inflate the risk delta.
func reviewStreams(stdout, stderr string, patterns []namedPattern, category, severity string) []Finding {
	var findings []Finding
	for _, stream := range []struct {
		name string
		text string
	}{{"stdout", stdout}, {"stderr", stderr}} {
		for _, p := range patterns {
			if p.re.MatchString(stream.text) {
				findings = append(findings, Finding{
					Category:       category,
					Severity:       severity,
					Description:    p.name + " detected in " + stream.name,
					MatchedPattern: p.re.String(),
				})
			}
		}
	}
	return findings
}

func riskDelta(findings []Finding) float64 {
	var total float64
	for _, f := range findings {
		total += riskDeltaByCategory[f.Category]
	}
	if total > 1.0 {
		return 1.0
	}
	return total
}

// Payload renders a review result as the ledger event payload for a
// packet.
func Payload(packet *evidence.Packet, result Result) map[string]any {
	summaries := make([]any, 0, len(result.Findings))
	for _, f := range result.Findings {
		summary := map[string]any{
			"category":    f.Category,
			"severity":    f.Severity,
			"description": f.Description,
		}
		if f.FilePath != "" {
			summary["file_path"] = f.FilePath
		}
		if f.MatchedPattern != "" {
			summary["matched_pattern"] = f.MatchedPattern
		}
		summaries = append(summaries, summary)
	}
	return map[string]any{
		"proposal_id":     packet.ProposalID,
		"evidence_hash":   packet.EvidenceHash,
		"passed":          result.Passed,
		"findings_count":  len(result.Findings),
		"risk_delta":      result.RiskDelta,
		"scope_compliant": result.ScopeCompliant,
		"findings":        summaries,
		"reviewed_at":     result.ReviewedAt.Format(ledger.CreatedAtLayout),
	}
}
