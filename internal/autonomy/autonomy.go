// Package autonomy defines the tiered autonomy contract: what an actor's
// trust tier permits at execution time.
//
//	Tier 0: propose-only, no execution
//	Tier 1: sandbox execution only
//	Tier 2: canary + attestations (not yet implemented)
//	Tier 3: production execution with mandatory human approval
package autonomy

import (
	"fmt"

	"github.com/gavel/backend/internal/identity"
)

// TierPolicy captures what a tier allows.
type TierPolicy struct {
	Tier                  int
	CanExecute            bool
	RequiresSandbox       bool
	RequiresHumanApproval bool
	Description           string
}

var tierPolicies = map[int]TierPolicy{
	0: {Tier: 0, Description: "Propose-only: no execution permitted"},
	1: {Tier: 1, CanExecute: true, RequiresSandbox: true, Description: "Sandbox execution only"},
	2: {Tier: 2, CanExecute: true, RequiresSandbox: true, Description: "Canary + attestations (not yet implemented)"},
	3: {Tier: 3, CanExecute: true, RequiresHumanApproval: true, Description: "Production execution with human approval"},
}

// PolicyForTier looks up the contract for a tier.
func PolicyForTier(tier int) (TierPolicy, error) {
	p, ok := tierPolicies[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("unknown autonomy tier %d", tier)
	}
	return p, nil
}

// CheckExecutionAllowed decides whether an actor may execute right now.
// Returns the decision and a human-readable reason.
func CheckExecutionAllowed(ident identity.Identity, hasHumanApproval bool) (bool, string) {
	p, err := PolicyForTier(ident.Tier)
	if err != nil {
		return false, err.Error()
	}
	switch p.Tier {
	case 0:
		return false, "tier 0: propose-only, execution not permitted"
	case 1:
		return true, "tier 1: sandbox execution permitted"
	case 2:
		return false, "tier 2: canary execution not yet implemented"
	case 3:
		if !hasHumanApproval {
			return false, "tier 3: requires human approval"
		}
		return true, "tier 3: production execution with human approval"
	}
	return false, fmt.Sprintf("unknown tier %d", p.Tier)
}
