package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavel/backend/internal/approval"
	"github.com/gavel/backend/internal/blastbox"
	"github.com/gavel/backend/internal/config"
	"github.com/gavel/backend/internal/evidence"
	"github.com/gavel/backend/internal/identity"
	"github.com/gavel/backend/internal/ledger"
	"github.com/gavel/backend/internal/policy"
)

const testHumanKey = "operator-secret"

type env struct {
	server  *Server
	store   *ledger.MemStore
	runtime *blastbox.FakeRuntime
	now     time.Time
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: ledger.NewMemStore(),
		runtime: &blastbox.FakeRuntime{
			Up: true,
			Result: blastbox.RunResult{
				ExitCode: 0,
				Stdout:   "done\n",
				Duration: 120 * time.Millisecond,
			},
		},
		now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	e.store.Now = func() time.Time { return e.now }

	path := filepath.Join(t.TempDir(), "identities.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "actors": {
    "agent:builder":  {"role": "agent", "status": "active",   "tier": 1},
    "agent:watcher":  {"role": "agent", "status": "active",   "tier": 0},
    "agent:deployer": {"role": "agent", "status": "active",   "tier": 3},
    "agent:retired":  {"role": "agent", "status": "inactive", "tier": 1}
  }
}`), 0o644))
	identities, err := identity.NewRegistry(path, testHumanKey)
	require.NoError(t, err)

	engine := policy.MustDefaultEngine()
	approvals := approval.NewRegistry(e.store, approval.DefaultConfig(), engine.Version())
	approvals.Now = func() time.Time { return e.now }

	cfg := config.Default()
	cfg.Server.HumanAPIKey = testHumanKey
	e.server = NewServer(Deps{
		Config:     cfg,
		Store:      e.store,
		Engine:     engine,
		Identities: identities,
		Approvals:  approvals,
		Runtime:    e.runtime,
		Registry:   prometheus.NewRegistry(),
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (e *env) propose(t *testing.T, actor, actionType, content string) (*httptest.ResponseRecorder, proposeResponse) {
	rec := e.do(t, "POST", "/propose", proposeRequest{ActorID: actor, ActionType: actionType, Content: content}, nil)
	return rec, decode[proposeResponse](t, rec)
}

func authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testHumanKey}
}

func TestProposeBenignApproved(t *testing.T) {
	e := newEnv(t)
	rec, resp := e.propose(t, "agent:builder", "bash", "ls -la /workspace")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, policy.Approved, resp.Decision)
	assert.Zero(t, resp.RiskScore)
	assert.NotEmpty(t, resp.IntentEventID)
	assert.NotEmpty(t, resp.PolicyEventID)
}

func TestProposeHardViolationDenied(t *testing.T) {
	e := newEnv(t)
	rec, resp := e.propose(t, "agent:builder", "bash", "sudo rm -rf /")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, policy.Denied, resp.Decision)
	rules := make([]string, 0, len(resp.Violations))
	for _, v := range resp.Violations {
		rules = append(rules, v.Rule)
	}
	assert.Contains(t, rules, "NO_SUDO")
	assert.Contains(t, rules, "DESTRUCTIVE_RM")
	assert.Equal(t, 1.0, resp.RiskScore)

	// Both the intent and the denial are on the ledger.
	intent, err := e.store.Get(context.Background(), resp.IntentEventID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeInboundIntent, intent.ActionType)
	eval, err := e.store.Get(context.Background(), resp.PolicyEventID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PolicyEvalType("DENIED"), eval.ActionType)
}

func TestProposeUnknownActor(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/propose", proposeRequest{ActorID: "agent:ghost", ActionType: "bash", Content: "ls"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, CodeUnauthenticated, body.Error)
}

func TestProposeInactiveActor(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/propose", proposeRequest{ActorID: "agent:retired", ActionType: "bash", Content: "ls"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProposeMissingFields(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/propose", proposeRequest{ActorID: "agent:builder"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEscalateApproveConsumeLifecycle(t *testing.T) {
	e := newEnv(t)
	cmd := "kubectl scale deployment web --replicas=10"

	rec, first := e.propose(t, "agent:builder", "bash", cmd)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, policy.Escalated, first.Decision)
	assert.GreaterOrEqual(t, first.RiskScore, 0.8)

	// Human grants the escalation.
	rec = e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID, PolicyEventID: first.PolicyEventID}, authHeader())
	assert.Equal(t, http.StatusOK, rec.Code)
	granted := decode[resolveResponse](t, rec)
	assert.True(t, granted.OK)
	assert.NotEmpty(t, granted.ApprovalEventID)
	assert.Empty(t, granted.DenialEventID)
	assert.Equal(t, identity.OperatorActorID, granted.ApproverID)

	// Identical re-submission consumes the grant and comes back APPROVED.
	rec, second := e.propose(t, "agent:builder", "bash", cmd)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, policy.Approved, second.Decision)
	assert.NotEmpty(t, second.ApprovedVia)
	// Risk is reported as evaluated even though the grant upgraded it.
	assert.GreaterOrEqual(t, second.RiskScore, 0.8)

	// The grant is one-shot: a third submission escalates again.
	rec, third := e.propose(t, "agent:builder", "bash", cmd)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, policy.Escalated, third.Decision)
}

func TestApprovalIsActorScoped(t *testing.T) {
	e := newEnv(t)
	cmd := "kubectl scale deployment web --replicas=10"

	_, first := e.propose(t, "agent:builder", "bash", cmd)
	rec := e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID}, authHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	// A different actor with the same command cannot consume the grant.
	rec, other := e.propose(t, "agent:deployer", "bash", cmd)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, policy.Escalated, other.Decision)
}

func TestDenyBlocksConsumption(t *testing.T) {
	e := newEnv(t)
	cmd := "kubectl scale deployment web --replicas=10"

	_, first := e.propose(t, "agent:builder", "bash", cmd)
	rec := e.do(t, "POST", "/deny", resolveRequest{IntentEventID: first.IntentEventID, Reason: "not during freeze"}, authHeader())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, second := e.propose(t, "agent:builder", "bash", cmd)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, policy.Escalated, second.Decision)
}

func TestApproveAuthAndStateErrors(t *testing.T) {
	e := newEnv(t)
	_, first := e.propose(t, "agent:builder", "bash", "kubectl scale deployment web --replicas=10")

	// Missing and wrong bearer tokens.
	rec := e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown intent.
	rec = e.do(t, "POST", "/approve", resolveRequest{IntentEventID: "00000000-0000-0000-0000-000000000000"}, authHeader())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Double resolution conflicts.
	rec = e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID}, authHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID}, authHeader())
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, CodeApprovalState, body.Error)
}

func TestDenyWithoutReason(t *testing.T) {
	e := newEnv(t)
	_, first := e.propose(t, "agent:builder", "bash", "kubectl scale deployment web --replicas=10")
	rec := e.do(t, "POST", "/deny", resolveRequest{IntentEventID: first.IntentEventID}, authHeader())
	assert.Equal(t, http.StatusOK, rec.Code)
	denied := decode[resolveResponse](t, rec)
	assert.True(t, denied.OK)
	assert.NotEmpty(t, denied.DenialEventID)
	assert.Empty(t, denied.ApprovalEventID)
}

func TestExecuteApprovedProposal(t *testing.T) {
	e := newEnv(t)
	_, prop := e.propose(t, "agent:builder", "bash", "make test")
	require.Equal(t, policy.Approved, prop.Decision)

	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: prop.IntentEventID}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[executeResponse](t, rec)
	assert.Equal(t, prop.IntentEventID, resp.ProposalID)
	require.NotNil(t, resp.EvidencePacket)
	assert.Equal(t, "make test", resp.EvidencePacket.Command)
	assert.Equal(t, 0, resp.EvidencePacket.ExitCode)
	ok, err := evidence.Verify(resp.EvidencePacket)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, resp.Review.Passed)

	// The packet and review landed on the ledger.
	packetEvent, err := e.store.Get(context.Background(), resp.EvidenceEventID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeEvidencePacket, packetEvent.ActionType)
	reviewEvent, err := e.store.Get(context.Background(), resp.ReviewEventID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeEvidenceReview, reviewEvent.ActionType)

	require.Len(t, e.runtime.Calls, 1)
	assert.Equal(t, "make test", e.runtime.Calls[0].Command)
}

func TestExecuteDeniedRefusedEscalatedParked(t *testing.T) {
	e := newEnv(t)

	_, denied := e.propose(t, "agent:builder", "bash", "sudo reboot")
	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: denied.IntentEventID}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodePolicyDenied, decode[errorBody](t, rec).Error)

	// An escalated proposal parks until a human resolves it.
	_, escalated := e.propose(t, "agent:builder", "bash", "kubectl scale deployment web --replicas=10")
	rec = e.do(t, "POST", "/execute", executeRequest{ProposalID: escalated.IntentEventID}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var parked struct {
		Status     string `json:"status"`
		ProposalID string `json:"proposal_id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&parked))
	assert.Equal(t, "awaiting_human", parked.Status)
	assert.Equal(t, escalated.IntentEventID, parked.ProposalID)
	assert.Empty(t, e.runtime.Calls)
}

func TestExecuteTierGates(t *testing.T) {
	e := newEnv(t)

	// Tier 0 may propose but never execute.
	_, prop := e.propose(t, "agent:watcher", "bash", "ls /workspace")
	require.Equal(t, policy.Approved, prop.Decision)
	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: prop.IntentEventID}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeExecutionForbidden, decode[errorBody](t, rec).Error)

	// Tier 3 requires a consumed human approval.
	_, prop3 := e.propose(t, "agent:deployer", "bash", "ls /workspace")
	require.Equal(t, policy.Approved, prop3.Decision)
	rec = e.do(t, "POST", "/execute", executeRequest{ProposalID: prop3.IntentEventID}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExecuteTier3WithConsumedApproval(t *testing.T) {
	e := newEnv(t)
	cmd := "kubectl scale deployment web --replicas=10"

	_, first := e.propose(t, "agent:deployer", "bash", cmd)
	require.Equal(t, policy.Escalated, first.Decision)
	rec := e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID}, authHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	_, second := e.propose(t, "agent:deployer", "bash", cmd)
	require.Equal(t, policy.Approved, second.Decision)

	rec = e.do(t, "POST", "/execute", executeRequest{ProposalID: second.IntentEventID}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteSandboxUnavailable(t *testing.T) {
	e := newEnv(t)
	e.runtime.Up = false

	_, prop := e.propose(t, "agent:builder", "bash", "make test")
	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: prop.IntentEventID}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeSandboxUnavailable, decode[errorBody](t, rec).Error)
}

func TestExecuteTimedOutRunStillRecordsEvidence(t *testing.T) {
	e := newEnv(t)
	e.runtime.Result = blastbox.RunResult{
		ExitCode: -1,
		TimedOut: true,
		Duration: 30 * time.Second,
	}

	_, prop := e.propose(t, "agent:builder", "bash", "make soak")
	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: prop.IntentEventID}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[executeResponse](t, rec)
	assert.True(t, resp.EvidencePacket.TimedOut)
	assert.Equal(t, -1, resp.EvidencePacket.ExitCode)
}

func TestExecuteOldProposalUnderDeepLedger(t *testing.T) {
	e := newEnv(t)
	_, prop := e.propose(t, "agent:builder", "bash", "make test")
	require.Equal(t, policy.Approved, prop.Decision)

	// Bury the proposal's evaluation under several pages of newer policy
	// events; resolving the decision must page past all of them.
	for i := 0; i < 1050; i++ {
		_, err := e.store.Append(context.Background(), ledger.Draft{
			ActorID:    "agent:deployer",
			ActionType: ledger.PolicyEvalType("APPROVED"),
			IntentPayload: map[string]any{
				"decision":        "APPROVED",
				"intent_event_id": uuid.New().String(),
			},
			PolicyVersion: e.server.engine.Version(),
		})
		require.NoError(t, err)
	}

	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: prop.IntentEventID}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[executeResponse](t, rec)
	require.NotNil(t, resp.EvidencePacket)
	assert.Equal(t, "make test", resp.EvidencePacket.Command)
}

func TestExecuteUnknownProposal(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/execute", executeRequest{ProposalID: "00000000-0000-0000-0000-000000000000"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscalationsView(t *testing.T) {
	e := newEnv(t)
	_, first := e.propose(t, "agent:builder", "bash", "kubectl scale deployment web --replicas=10")

	rec := e.do(t, "GET", "/escalations", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Summary     approval.Summary   `json:"summary"`
		Escalations []approval.Tracker `json:"escalations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Summary.Pending)
	require.Len(t, body.Escalations, 1)
	assert.Equal(t, first.IntentEventID, body.Escalations[0].IntentEventID)
	assert.Equal(t, approval.StatePendingReview, body.Escalations[0].State)
}

func TestHealthReportsChainState(t *testing.T) {
	e := newEnv(t)
	_, prop := e.propose(t, "agent:builder", "bash", "ls")

	type healthBody struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Error   string `json:"error"`
		Chain   struct {
			TotalEvents int64  `json:"total_events"`
			ChainValid  bool   `json:"chain_valid"`
			BreakAt     string `json:"break_at"`
		} `json:"chain"`
	}

	rec := e.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	healthy := decode[healthBody](t, rec)
	assert.Equal(t, "ok", healthy.Status)
	assert.Equal(t, "gavel", healthy.Service)
	assert.True(t, healthy.Chain.ChainValid)
	assert.Empty(t, healthy.Chain.BreakAt)

	// Corrupt a stored payload; health must go dark.
	e.store.Tamper(prop.IntentEventID, func(ev *ledger.AuditEvent) {
		ev.IntentPayload["content"] = "something else"
	})
	rec = e.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	broken := decode[healthBody](t, rec)
	assert.Equal(t, CodeChainBroken, broken.Error)
	assert.False(t, broken.Chain.ChainValid)
	assert.Equal(t, prop.IntentEventID, broken.Chain.BreakAt)
}

func TestEventsListAndGet(t *testing.T) {
	e := newEnv(t)
	_, prop := e.propose(t, "agent:builder", "bash", "ls")
	e.propose(t, "agent:deployer", "bash", "pwd")

	rec := e.do(t, "GET", "/events?actor_id=agent:builder", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []*ledger.AuditEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body.Events)
	for _, ev := range body.Events {
		assert.Equal(t, "agent:builder", ev.ActorID)
	}

	rec = e.do(t, "GET", "/events/"+prop.IntentEventID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/events/00000000-0000-0000-0000-000000000000", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t)
	e.server.limiter = NewRateLimiter(2)

	for i := 0; i < 2; i++ {
		rec, _ := e.propose(t, "agent:builder", "bash", "ls")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := e.do(t, "POST", "/propose", proposeRequest{ActorID: "agent:builder", ActionType: "bash", Content: "ls"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other actors are unaffected.
	rec, _ = e.propose(t, "agent:deployer", "bash", "ls")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSweeperAutoDenies(t *testing.T) {
	e := newEnv(t)
	_, first := e.propose(t, "agent:builder", "bash", "kubectl scale deployment web --replicas=10")

	e.advance(2 * time.Hour)
	e.server.sweepOnce(context.Background())

	events, err := e.store.List(context.Background(), ledger.Filter{ActionType: ledger.TypeAutoDenied}, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first.IntentEventID, events[0].PayloadString("intent_event_id"))

	// Approving after the deadline conflicts.
	rec := e.do(t, "POST", "/approve", resolveRequest{IntentEventID: first.IntentEventID}, authHeader())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.propose(t, "agent:builder", "bash", "ls")
	rec := e.do(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gavel_proposals_total")
}
