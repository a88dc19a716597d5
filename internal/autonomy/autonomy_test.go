package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gavel/backend/internal/identity"
)

func TestCheckExecutionAllowed(t *testing.T) {
	cases := []struct {
		name     string
		tier     int
		approved bool
		want     bool
	}{
		{"tier0 never executes", 0, true, false},
		{"tier1 sandbox", 1, false, true},
		{"tier2 not implemented", 2, true, false},
		{"tier3 without approval", 3, false, false},
		{"tier3 with approval", 3, true, true},
		{"unknown tier", 9, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := CheckExecutionAllowed(identity.Identity{ActorID: "agent:x", Tier: tc.tier}, tc.approved)
			assert.Equal(t, tc.want, got, reason)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestPolicyForTier(t *testing.T) {
	p, err := PolicyForTier(1)
	assert.NoError(t, err)
	assert.True(t, p.RequiresSandbox)

	_, err = PolicyForTier(42)
	assert.Error(t, err)
}
