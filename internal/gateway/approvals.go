package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gavel/backend/internal/approval"
	"github.com/gavel/backend/internal/ledger"
	"github.com/gavel/backend/internal/notify"
)

type resolveRequest struct {
	IntentEventID string `json:"intent_event_id"`
	PolicyEventID string `json:"policy_event_id"`
	Reason        string `json:"reason"`
}

type resolveResponse struct {
	OK              bool   `json:"ok"`
	ApprovalEventID string `json:"approval_event_id,omitempty"`
	DenialEventID   string `json:"denial_event_id,omitempty"`
	IntentEventID   string `json:"intent_event_id"`
	ApproverID      string `json:"approver_id"`
}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleResolve(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.handleResolve(w, r, false)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, grant bool) {
	approver, err := s.identities.AuthenticateHuman(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "valid bearer token required")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IntentEventID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "intent_event_id is required")
		return
	}

	ctx := r.Context()
	var ev *ledger.AuditEvent
	if grant {
		ev, err = s.approvals.Grant(ctx, req.IntentEventID, req.PolicyEventID, approver.ActorID)
	} else {
		ev, err = s.approvals.Deny(ctx, req.IntentEventID, req.PolicyEventID, req.Reason, approver.ActorID)
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "no such proposal")
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, CodeApprovalState, "proposal is already resolved")
		return
	case err != nil:
		mapLedgerError(w, err)
		return
	}

	resolution := "granted"
	kind := notify.KindGranted
	if !grant {
		resolution = "denied"
		kind = notify.KindDenied
	}
	s.metrics.Approvals.WithLabelValues(resolution).Inc()
	s.metrics.LedgerAppends.WithLabelValues(ev.ActionType).Inc()
	s.bus.Publish(ctx, notify.Notification{
		Kind:          kind,
		ActorID:       approver.ActorID,
		IntentEventID: req.IntentEventID,
		Detail:        req.Reason,
	})

	resp := resolveResponse{
		OK:            true,
		IntentEventID: req.IntentEventID,
		ApproverID:    approver.ActorID,
	}
	if grant {
		resp.ApprovalEventID = ev.ID
	} else {
		resp.DenialEventID = ev.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEscalations serves the operator liveness view: counts per state
// plus per-escalation trackers with their deadlines.
func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trackers, err := s.approvals.Trackers(ctx)
	if err != nil {
		mapLedgerError(w, err)
		return
	}
	summary, err := s.approvals.Summarize(ctx)
	if err != nil {
		mapLedgerError(w, err)
		return
	}
	s.metrics.Escalations.Set(float64(summary.Pending + summary.HumanRequired))
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":     summary,
		"escalations": trackers,
	})
}
