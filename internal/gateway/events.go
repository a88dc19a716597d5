package gateway

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/gavel/backend/internal/ledger"
)

// handleHealth reports service status plus a bounded chain verification.
// A broken chain or unreachable ledger yields 503: readers must not
// trust a gateway whose spine fails verification.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.verifier.Verify(r.Context())
	if err != nil {
		s.metrics.ChainVerifies.WithLabelValues("error").Inc()
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "ledger unreachable")
		return
	}
	if !result.ChainValid {
		s.metrics.ChainVerifies.WithLabelValues("broken").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":         "error",
			"service":        "gavel",
			"error":          CodeChainBroken,
			"policy_version": s.engine.Version(),
			"chain": map[string]any{
				"total_events": result.TotalEvents,
				"chain_valid":  false,
				"break_at":     result.BreakAt,
				"reason":       result.Reason,
			},
		})
		return
	}
	s.metrics.ChainVerifies.WithLabelValues("valid").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "gavel",
		"policy_version": s.engine.Version(),
		"chain": map[string]any{
			"total_events": result.TotalEvents,
			"chain_valid":  true,
			"break_at":     "",
		},
	})
}

// handleEvents lists ledger events newest first, filtered by actor_id
// and action_type, paginated with page and size.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	size := queryInt(q.Get("size"), 50)
	if size > 500 {
		size = 500
	}

	events, err := s.store.List(r.Context(), ledger.Filter{
		ActorID:    q.Get("actor_id"),
		ActionType: q.Get("action_type"),
	}, page, size)
	if err != nil {
		mapLedgerError(w, err)
		return
	}
	if events == nil {
		events = []*ledger.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"page":   page,
		"size":   size,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		mapLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
