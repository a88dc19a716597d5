package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeAllowlist(t *testing.T, actors map[string]Identity) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "identities.json")
	data, err := json.Marshal(map[string]any{"actors": actors})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestValidateActor(t *testing.T) {
	path := writeAllowlist(t, map[string]Identity{
		"agent:coder":   {Role: "agent", Status: "active", Tier: 1},
		"agent:retired": {Role: "agent", Status: "suspended", Tier: 0},
		"human:alice":   {Role: "admin", Status: "active", Tier: 3},
	})
	reg, err := NewRegistry(path, "")
	require.NoError(t, err)

	ident, err := reg.ValidateActor("agent:coder")
	require.NoError(t, err)
	assert.Equal(t, "agent:coder", ident.ActorID)
	assert.Equal(t, 1, ident.Tier)

	_, err = reg.ValidateActor("agent:unknown")
	assert.ErrorIs(t, err, ErrUnknownActor)

	_, err = reg.ValidateActor("agent:retired")
	assert.ErrorIs(t, err, ErrInactiveActor)
}

func TestAuthenticateHuman_SharedSecret(t *testing.T) {
	reg, err := NewRegistry("", "super-secret")
	require.NoError(t, err)

	ident, err := reg.AuthenticateHuman("super-secret")
	require.NoError(t, err)
	assert.Equal(t, OperatorActorID, ident.ActorID)

	_, err = reg.AuthenticateHuman("wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateHuman_EmptySecretClosesSurface(t *testing.T) {
	reg, err := NewRegistry("", "")
	require.NoError(t, err)
	_, err = reg.AuthenticateHuman("anything")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = reg.AuthenticateHuman("")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateHuman_Fingerprint(t *testing.T) {
	fp, err := bcrypt.GenerateFromPassword([]byte("alice-key"), bcrypt.MinCost)
	require.NoError(t, err)
	path := writeAllowlist(t, map[string]Identity{
		"human:alice": {Role: "admin", Status: "active", Tier: 3, KeyFingerprint: string(fp)},
		"agent:coder": {Role: "agent", Status: "active", Tier: 1},
	})
	reg, err := NewRegistry(path, "")
	require.NoError(t, err)

	ident, err := reg.AuthenticateHuman("alice-key")
	require.NoError(t, err)
	assert.Equal(t, "human:alice", ident.ActorID)

	_, err = reg.AuthenticateHuman("not-alice")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateHuman_InactiveFingerprint(t *testing.T) {
	fp, err := bcrypt.GenerateFromPassword([]byte("bob-key"), bcrypt.MinCost)
	require.NoError(t, err)
	path := writeAllowlist(t, map[string]Identity{
		"human:bob": {Role: "admin", Status: "revoked", KeyFingerprint: string(fp)},
	})
	reg, err := NewRegistry(path, "")
	require.NoError(t, err)
	_, err = reg.AuthenticateHuman("bob-key")
	assert.ErrorIs(t, err, ErrInactiveActor)
}

func TestReload_PicksUpNewActors(t *testing.T) {
	path := writeAllowlist(t, map[string]Identity{
		"agent:coder": {Role: "agent", Status: "active"},
	})
	reg, err := NewRegistry(path, "")
	require.NoError(t, err)
	_, err = reg.ValidateActor("agent:new")
	assert.ErrorIs(t, err, ErrUnknownActor)

	data, err := json.Marshal(map[string]any{"actors": map[string]Identity{
		"agent:coder": {Role: "agent", Status: "active"},
		"agent:new":   {Role: "agent", Status: "active"},
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.NoError(t, reg.Reload())
	_, err = reg.ValidateActor("agent:new")
	assert.NoError(t, err)
}

func TestNewRegistry_EmptyPathRejectsAll(t *testing.T) {
	reg, err := NewRegistry("", "")
	require.NoError(t, err)
	assert.Zero(t, reg.Len())
	_, err = reg.ValidateActor("agent:coder")
	assert.ErrorIs(t, err, ErrUnknownActor)
}
