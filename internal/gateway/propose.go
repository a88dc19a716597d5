package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gavel/backend/internal/identity"
	"github.com/gavel/backend/internal/ledger"
	"github.com/gavel/backend/internal/notify"
	"github.com/gavel/backend/internal/policy"
)

type proposeRequest struct {
	ActorID    string `json:"actor_id"`
	ActionType string `json:"action_type"`
	Content    string `json:"content"`
}

type proposeResponse struct {
	IntentEventID string             `json:"intent_event_id"`
	PolicyEventID string             `json:"policy_event_id"`
	Decision      policy.Decision    `json:"decision"`
	RiskScore     float64            `json:"risk_score"`
	Violations    []policy.Violation `json:"violations"`
	Signals       []policy.Signal    `json:"signals,omitempty"`
	ApprovedVia   string             `json:"approved_via,omitempty"`
	PolicyVersion string             `json:"policy_version"`
}

// handlePropose runs the full intake sequence: authenticate, record the
// intent, evaluate policy, try to consume a standing approval when the
// evaluation escalates, and record the final decision. The intent event
// is written before evaluation so even a denied proposal leaves a trace.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	req.ActionType = strings.TrimSpace(req.ActionType)
	if req.ActorID == "" || req.ActionType == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "actor_id, action_type, and content are required")
		return
	}

	if _, err := s.identities.ValidateActor(req.ActorID); err != nil {
		if errors.Is(err, identity.ErrUnknownActor) || errors.Is(err, identity.ErrInactiveActor) {
			writeError(w, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "identity check failed")
		return
	}

	if !s.limiter.Allow(req.ActorID) {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
		return
	}

	ctx := r.Context()
	intent, err := s.append(ctx, ledger.Draft{
		ActorID:    req.ActorID,
		ActionType: ledger.TypeInboundIntent,
		IntentPayload: map[string]any{
			"action_type": req.ActionType,
			"content":     req.Content,
		},
		PolicyVersion: s.engine.Version(),
	})
	if err != nil {
		mapLedgerError(w, err)
		return
	}

	result := s.engine.Evaluate(req.ActionType, req.Content)
	approvedVia := ""

	if result.Decision == policy.Escalated {
		consumed, grant, err := s.approvals.ConsumeIfValid(ctx, req.ActorID, req.ActionType, req.Content, intent.ID)
		if err != nil {
			mapLedgerError(w, err)
			return
		}
		if consumed != nil {
			// The standing grant upgrades the decision; risk and signals
			// stay as evaluated so the record shows what was approved.
			result.Decision = policy.Approved
			approvedVia = grant.ID
			s.metrics.Approvals.WithLabelValues("consumed").Inc()
		}
	}

	payload := map[string]any{
		"intent_event_id": intent.ID,
		"decision":        string(result.Decision),
		"risk_score":      result.RiskScore,
		"violations":      violationsPayload(result.Violations),
	}
	if len(result.Signals) > 0 {
		payload["signals"] = signalsPayload(result.Signals)
	}
	if approvedVia != "" {
		payload["approved_via"] = approvedVia
	}
	eval, err := s.append(ctx, ledger.Draft{
		ActorID:       req.ActorID,
		ActionType:    ledger.PolicyEvalType(string(result.Decision)),
		IntentPayload: payload,
		PolicyVersion: s.engine.Version(),
	})
	if err != nil {
		mapLedgerError(w, err)
		return
	}

	s.metrics.ProposalsTotal.WithLabelValues(string(result.Decision)).Inc()
	s.metrics.RiskScore.WithLabelValues(string(result.Decision)).Observe(result.RiskScore)

	resp := proposeResponse{
		IntentEventID: intent.ID,
		PolicyEventID: eval.ID,
		Decision:      result.Decision,
		RiskScore:     result.RiskScore,
		Violations:    result.Violations,
		Signals:       result.Signals,
		ApprovedVia:   approvedVia,
		PolicyVersion: s.engine.Version(),
	}

	switch result.Decision {
	case policy.Denied:
		writeJSON(w, http.StatusForbidden, resp)
	case policy.Escalated:
		s.bus.Publish(ctx, notify.Notification{
			Kind:          notify.KindEscalated,
			ActorID:       req.ActorID,
			IntentEventID: intent.ID,
			Detail:        req.ActionType + ": " + req.Content,
		})
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func violationsPayload(violations []policy.Violation) []any {
	out := make([]any, 0, len(violations))
	for _, v := range violations {
		out = append(out, map[string]any{"rule": v.Rule, "description": v.Description})
	}
	return out
}

func signalsPayload(signals []policy.Signal) []any {
	out := make([]any, 0, len(signals))
	for _, sig := range signals {
		out = append(out, map[string]any{"rule": sig.Rule, "description": sig.Description, "weight": sig.Weight})
	}
	return out
}
