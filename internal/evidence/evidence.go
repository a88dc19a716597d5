// Package evidence builds and verifies evidence packets: the tamper-
// evident record of what a sandboxed run actually did. The packet hash
// covers every field through the same canonical JSON used by the ledger,
// so any later edit to a stored packet is detectable.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gavel/backend/internal/blastbox"
	"github.com/gavel/backend/internal/ledger"
)

// Environment records the sandbox configuration a run executed under, so
// a third party can audit not just what ran but what contained it.
type Environment struct {
	Image          string  `json:"image"`
	NetworkMode    string  `json:"network_mode"`
	MemoryLimit    string  `json:"memory_limit"`
	CPULimit       float64 `json:"cpu_limit"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Packet is the evidence record for one sandbox run. It is stored as the
// payload of an EVIDENCE_PACKET ledger event.
type Packet struct {
	ProposalID    string                 `json:"proposal_id"`
	Command       string                 `json:"command"`
	ExitCode      int                    `json:"exit_code"`
	DurationMS    int64                  `json:"duration_ms"`
	Stdout        string                 `json:"stdout"`
	Stderr        string                 `json:"stderr"`
	TimedOut      bool                   `json:"timed_out"`
	OOMKilled     bool                   `json:"oom_killed"`
	Truncated     bool                   `json:"truncated"`
	WorkspaceDiff blastbox.WorkspaceDiff `json:"workspace_diff"`
	Environment   Environment            `json:"environment"`
	EvidenceHash  string                 `json:"evidence_hash"`
}

// Build assembles a sealed packet from a run result.
func Build(proposalID, command string, environment Environment, result *blastbox.RunResult, diff blastbox.WorkspaceDiff) (*Packet, error) {
	p := &Packet{
		ProposalID:    proposalID,
		Command:       command,
		ExitCode:      result.ExitCode,
		DurationMS:    result.DurationMS(),
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		TimedOut:      result.TimedOut,
		OOMKilled:     result.OOMKilled,
		Truncated:     result.Truncated,
		WorkspaceDiff: diff,
		Environment:   environment,
	}
	hash, err := ComputeHash(p)
	if err != nil {
		return nil, err
	}
	p.EvidenceHash = hash
	return p, nil
}

// ComputeHash hashes the canonical form of every field except the hash
// itself.
func ComputeHash(p *Packet) (string, error) {
	canonical, err := canonicalBody(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the hash and reports whether the packet is intact.
func Verify(p *Packet) (bool, error) {
	if p.EvidenceHash == "" {
		return false, fmt.Errorf("packet has no evidence hash")
	}
	want, err := ComputeHash(p)
	if err != nil {
		return false, err
	}
	return want == p.EvidenceHash, nil
}

// Payload renders the packet as a ledger payload map.
func (p *Packet) Payload() map[string]any {
	m := p.body()
	m["evidence_hash"] = p.EvidenceHash
	return m
}

// body is the hashed portion of the packet: everything except the hash.
func (p *Packet) body() map[string]any {
	return map[string]any{
		"proposal_id": p.ProposalID,
		"command":     p.Command,
		"exit_code":   p.ExitCode,
		"duration_ms": p.DurationMS,
		"stdout":      p.Stdout,
		"stderr":      p.Stderr,
		"timed_out":   p.TimedOut,
		"oom_killed":  p.OOMKilled,
		"truncated":   p.Truncated,
		"workspace_diff": map[string]any{
			"added":    p.WorkspaceDiff.Added,
			"modified": p.WorkspaceDiff.Modified,
			"deleted":  p.WorkspaceDiff.Deleted,
		},
		"environment": map[string]any{
			"image":           p.Environment.Image,
			"network_mode":    p.Environment.NetworkMode,
			"memory_limit":    p.Environment.MemoryLimit,
			"cpu_limit":       p.Environment.CPULimit,
			"timeout_seconds": p.Environment.TimeoutSeconds,
		},
	}
}

func canonicalBody(p *Packet) ([]byte, error) {
	return ledger.MarshalCanonical(p.body())
}
