package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavel/backend/internal/ledger"
)

type harness struct {
	store *ledger.MemStore
	reg   *Registry
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: ledger.NewMemStore(),
		now:   time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
	}
	h.store.Now = func() time.Time { return h.now }
	h.reg = NewRegistry(h.store, DefaultConfig(), "1.0.0")
	h.reg.Now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// escalate seeds an INBOUND_INTENT plus its POLICY_EVAL:ESCALATED event
// and returns both ids.
func (h *harness) escalate(t *testing.T, actor, actionType, content string) (intentID, policyID string) {
	t.Helper()
	ctx := context.Background()
	intent, err := h.store.Append(ctx, ledger.Draft{
		ActorID:       actor,
		ActionType:    ledger.TypeInboundIntent,
		IntentPayload: map[string]any{"action_type": actionType, "content": content},
		PolicyVersion: "1.0.0",
	})
	require.NoError(t, err)
	eval, err := h.store.Append(ctx, ledger.Draft{
		ActorID:       actor,
		ActionType:    ledger.PolicyEvalType("ESCALATED"),
		IntentPayload: map[string]any{"decision": "ESCALATED", "intent_event_id": intent.ID},
		PolicyVersion: "1.0.0",
	})
	require.NoError(t, err)
	return intent.ID, eval.ID
}

func TestGrantThenConsume_OneShot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "kubectl scale deployment web --replicas=3")

	grant, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeApprovalGranted, grant.ActionType)

	// New identical proposal consumes the grant.
	reIntentID, _ := h.escalate(t, "agent:a", "bash", "kubectl scale deployment web --replicas=3")
	consumed, matched, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "kubectl scale deployment web --replicas=3", reIntentID)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, grant.ID, matched.ID)
	assert.Equal(t, grant.ID, consumed.PayloadString("approval_event_id"))
	assert.Equal(t, reIntentID, consumed.PayloadString("current_intent_event_id"))

	// Second consumption attempt finds nothing.
	thirdIntentID, _ := h.escalate(t, "agent:a", "bash", "kubectl scale deployment web --replicas=3")
	consumed2, _, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "kubectl scale deployment web --replicas=3", thirdIntentID)
	require.NoError(t, err)
	assert.Nil(t, consumed2)
}

func TestConsume_TrimsContentWhitespace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "helm upgrade web ./chart")
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)

	reIntentID, _ := h.escalate(t, "agent:a", "bash", "  helm upgrade web ./chart\n")
	consumed, _, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "  helm upgrade web ./chart\n", reIntentID)
	require.NoError(t, err)
	assert.NotNil(t, consumed)
}

func TestConsume_ActorScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)

	consumed, _, err := h.reg.ConsumeIfValid(ctx, "agent:b", "bash", "terraform apply", "other-intent")
	require.NoError(t, err)
	assert.Nil(t, consumed)
}

func TestConsume_ExpiredGrantInvisible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)

	h.advance(time.Hour + time.Second)
	consumed, _, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "terraform apply", "new-intent")
	require.NoError(t, err)
	assert.Nil(t, consumed)
}

func TestConsume_DenialBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")

	_, err := h.reg.Deny(ctx, intentID, policyID, "too risky today", "human:alice")
	require.NoError(t, err)

	consumed, _, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "terraform apply", "new-intent")
	require.NoError(t, err)
	assert.Nil(t, consumed)

	// And the intent is resolved for grant purposes.
	_, err = h.reg.Grant(ctx, intentID, policyID, "human:alice")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestConsume_NewestGrantWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	firstIntent, firstPolicy := h.escalate(t, "agent:a", "bash", "terraform apply")
	_, err := h.reg.Grant(ctx, firstIntent, firstPolicy, "human:alice")
	require.NoError(t, err)

	h.advance(time.Minute)
	secondIntent, secondPolicy := h.escalate(t, "agent:a", "bash", "terraform apply")
	newest, err := h.reg.Grant(ctx, secondIntent, secondPolicy, "human:bob")
	require.NoError(t, err)

	consumed, matched, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "terraform apply", "re-intent")
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, newest.ID, matched.ID)
}

func TestGrant_UnknownIntent(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Grant(context.Background(), "00000000-0000-0000-0000-000000000000", "p", "human:alice")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGrant_SecondGrantAlreadyResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)
	_, err = h.reg.Grant(ctx, intentID, policyID, "human:bob")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestStatus_WindowBoundaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")
	eval, err := h.store.Get(ctx, policyID)
	require.NoError(t, err)

	state, err := h.reg.Status(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, StatePendingReview, state)

	// Exactly at the initial window boundary.
	h.now = eval.CreatedAt.Add(5 * time.Minute)
	state, err = h.reg.Status(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, StateHumanRequired, state)

	// Exactly at the hard deadline.
	h.now = eval.CreatedAt.Add(time.Hour)
	state, err = h.reg.Status(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, StateAutoDenied, state)
}

func TestGrant_AfterHardDeadlineAlreadyResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")

	h.advance(time.Hour + time.Minute)
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestSweepExpired_WritesAutoDenyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, _ := h.escalate(t, "agent:a", "bash", "terraform apply")

	h.advance(2 * time.Hour)
	denied, err := h.reg.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{intentID}, denied)

	// Idempotent: a second sweep writes nothing.
	denied, err = h.reg.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, denied)

	events, err := h.store.List(ctx, ledger.Filter{ActionType: ledger.TypeAutoDenied}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, SweeperActorID, events[0].ActorID)

	state, err := h.reg.Status(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
}

func TestSummarize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, _ := h.escalate(t, "agent:a", "bash", "terraform apply")
	_ = pending

	h.advance(10 * time.Minute)
	// First escalation is now HUMAN_REQUIRED; add a fresh pending one and
	// a resolved one.
	resolvedIntent, resolvedPolicy := h.escalate(t, "agent:b", "bash", "helm install web ./chart")
	_, err := h.reg.Grant(ctx, resolvedIntent, resolvedPolicy, "human:alice")
	require.NoError(t, err)
	h.escalate(t, "agent:c", "bash", "kubectl delete pod web-0")

	sum, err := h.reg.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, 1, sum.HumanRequired)
	assert.Equal(t, 1, sum.Resolved)
	assert.Zero(t, sum.AutoDenied)
}

func TestConsumedGrantStaysConsumedUnderDeepLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)

	reIntentID, _ := h.escalate(t, "agent:a", "bash", "terraform apply")
	consumed, _, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "terraform apply", reIntentID)
	require.NoError(t, err)
	require.NotNil(t, consumed)

	// Bury the consumption record under several pages of unrelated
	// APPROVAL_CONSUMED events. The one-shot check must page through all
	// of them, not just the newest 500.
	for i := 0; i < 2*projectionPageSize+50; i++ {
		_, err := h.store.Append(ctx, ledger.Draft{
			ActorID:    "agent:other",
			ActionType: ledger.TypeApprovalConsumed,
			IntentPayload: map[string]any{
				"approval_event_id":       uuid.New().String(),
				"intent_event_id":         uuid.New().String(),
				"current_intent_event_id": uuid.New().String(),
			},
			PolicyVersion: "1.0.0",
		})
		require.NoError(t, err)
	}

	thirdIntentID, _ := h.escalate(t, "agent:a", "bash", "terraform apply")
	again, _, err := h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "terraform apply", thirdIntentID)
	require.NoError(t, err)
	assert.Nil(t, again)

	// The buried consumption is still visible to the upgrade check.
	ok, err := h.reg.HasConsumedApproval(ctx, reIntentID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasConsumedApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intentID, policyID := h.escalate(t, "agent:a", "bash", "terraform apply")
	_, err := h.reg.Grant(ctx, intentID, policyID, "human:alice")
	require.NoError(t, err)

	reIntentID, _ := h.escalate(t, "agent:a", "bash", "terraform apply")
	ok, err := h.reg.HasConsumedApproval(ctx, reIntentID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = h.reg.ConsumeIfValid(ctx, "agent:a", "bash", "terraform apply", reIntentID)
	require.NoError(t, err)

	ok, err = h.reg.HasConsumedApproval(ctx, reIntentID)
	require.NoError(t, err)
	assert.True(t, ok)
}
