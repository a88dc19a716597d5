package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gavel/backend/internal/autonomy"
	"github.com/gavel/backend/internal/blastbox"
	"github.com/gavel/backend/internal/evidence"
	"github.com/gavel/backend/internal/ledger"
	"github.com/gavel/backend/internal/notify"
	"github.com/gavel/backend/internal/policy"
	"github.com/gavel/backend/internal/review"
)

type executeRequest struct {
	ProposalID string `json:"proposal_id"`
}

type executeResponse struct {
	ProposalID      string           `json:"proposal_id"`
	EvidenceEventID string           `json:"evidence_event_id"`
	ReviewEventID   string           `json:"review_event_id"`
	EvidencePacket  *evidence.Packet `json:"evidence_packet"`
	Review          review.Result    `json:"review"`
}

// handleExecute runs an approved proposal in the sandbox and records the
// evidence packet plus its deterministic review. Execution is refused
// unless the latest policy decision for the proposal is APPROVED and the
// actor's autonomy tier permits it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProposalID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "proposal_id is required")
		return
	}

	ctx := r.Context()
	intent, err := s.store.Get(ctx, req.ProposalID)
	if err != nil {
		mapLedgerError(w, err)
		return
	}
	if intent.ActionType != ledger.TypeInboundIntent {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "proposal_id does not reference a proposal")
		return
	}

	eval, err := s.latestEval(ctx, intent.ID)
	if err != nil {
		mapLedgerError(w, err)
		return
	}
	if eval == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "proposal has no policy decision")
		return
	}

	decision := policy.Decision(eval.PayloadString("decision"))
	switch decision {
	case policy.Approved:
	case policy.Denied:
		writeError(w, http.StatusForbidden, CodePolicyDenied, "proposal was denied by policy")
		return
	case policy.Escalated:
		// Not an error: the proposal is parked awaiting a human. The caller
		// re-submits after approval to consume the grant.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":      "awaiting_human",
			"proposal_id": intent.ID,
			"detail":      "proposal is escalated; re-submit after approval to consume the grant",
		})
		return
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "unrecognized policy decision")
		return
	}

	ident, err := s.identities.ValidateActor(intent.ActorID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
		return
	}
	hasHumanApproval := eval.PayloadString("approved_via") != ""
	if !hasHumanApproval {
		if consumed, err := s.approvals.HasConsumedApproval(ctx, intent.ID); err == nil {
			hasHumanApproval = consumed
		}
	}
	if allowed, reason := autonomy.CheckExecutionAllowed(ident, hasHumanApproval); !allowed {
		writeError(w, http.StatusForbidden, CodeExecutionForbidden, reason)
		return
	}

	if !s.runtime.Available(ctx) {
		s.metrics.SandboxRuns.WithLabelValues("unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, CodeSandboxUnavailable, "sandbox backend is unreachable")
		return
	}

	command := intent.PayloadString("content")
	before, err := blastbox.Snapshot(s.cfg.Sandbox.WorkspaceDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "workspace snapshot failed")
		return
	}

	result, err := s.runtime.Run(ctx, blastbox.RunSpec{
		Command:      command,
		WorkspaceDir: s.cfg.Sandbox.WorkspaceDir,
		Timeout:      s.cfg.Sandbox.Timeout(),
	})
	if err != nil {
		if errors.Is(err, blastbox.ErrUnavailable) {
			s.metrics.SandboxRuns.WithLabelValues("unavailable").Inc()
			writeError(w, http.StatusServiceUnavailable, CodeSandboxUnavailable, "sandbox backend is unreachable")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "sandbox run failed")
		return
	}
	s.observeRun(result)

	after, err := blastbox.Snapshot(s.cfg.Sandbox.WorkspaceDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "workspace snapshot failed")
		return
	}

	environment := evidence.Environment{
		Image:          s.cfg.Sandbox.Image,
		NetworkMode:    "none",
		MemoryLimit:    s.cfg.Sandbox.Memory,
		CPULimit:       s.cfg.Sandbox.CPUs,
		TimeoutSeconds: s.cfg.Sandbox.TimeoutSeconds,
	}
	packet, err := evidence.Build(intent.ID, command, environment, result, blastbox.Diff(before, after))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "evidence packet build failed")
		return
	}
	packetEvent, err := s.append(ctx, ledger.Draft{
		ActorID:       intent.ActorID,
		ActionType:    ledger.TypeEvidencePacket,
		IntentPayload: packet.Payload(),
		PolicyVersion: s.engine.Version(),
	})
	if err != nil {
		mapLedgerError(w, err)
		return
	}

	var allowPaths []string
	if len(s.cfg.Sandbox.AllowedPaths) > 0 {
		allowPaths = s.cfg.Sandbox.AllowedPaths
	}
	reviewResult := review.Review(packet, allowPaths)
	reviewEvent, err := s.append(ctx, ledger.Draft{
		ActorID:       review.ReviewerActorID,
		ActionType:    ledger.TypeEvidenceReview,
		IntentPayload: review.Payload(packet, reviewResult),
		PolicyVersion: s.engine.Version(),
	})
	if err != nil {
		mapLedgerError(w, err)
		return
	}

	s.bus.Publish(ctx, notify.Notification{
		Kind:          notify.KindExecuted,
		ActorID:       intent.ActorID,
		IntentEventID: intent.ID,
		Detail:        command,
	})

	writeJSON(w, http.StatusOK, executeResponse{
		ProposalID:      intent.ID,
		EvidenceEventID: packetEvent.ID,
		ReviewEventID:   reviewEvent.ID,
		EvidencePacket:  packet,
		Review:          reviewResult,
	})
}

func (s *Server) observeRun(result *blastbox.RunResult) {
	outcome := "ok"
	switch {
	case result.TimedOut:
		outcome = "timeout"
	case result.OOMKilled:
		outcome = "oom"
	case result.ExitCode != 0:
		outcome = "nonzero"
	}
	s.metrics.SandboxRuns.WithLabelValues(outcome).Inc()
	s.metrics.SandboxDuration.Observe(result.Duration.Seconds())
}

// latestEval finds the newest policy evaluation for an intent, paging
// through the whole ledger: an old proposal's decision still binds no
// matter how many events have landed since.
func (s *Server) latestEval(ctx context.Context, intentEventID string) (*ledger.AuditEvent, error) {
	const pageSize = 500
	for page := 1; ; page++ {
		evals, err := s.store.List(ctx, ledger.Filter{ActionTypePrefix: "POLICY_EVAL:"}, page, pageSize)
		if err != nil {
			return nil, err
		}
		for _, ev := range evals {
			if ev.PayloadString("intent_event_id") == intentEventID {
				return ev, nil
			}
		}
		if len(evals) < pageSize {
			return nil, nil
		}
	}
}
