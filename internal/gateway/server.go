// Package gateway is the HTTP surface of the governance control plane.
// Every door into the system goes through here: proposals, approvals,
// execution, and the read-only ledger views. The gateway owns no state;
// it orchestrates the ledger, policy engine, approval registry, and
// sandbox, and fails closed whenever any of them is unsure.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gavel/backend/internal/approval"
	"github.com/gavel/backend/internal/blastbox"
	"github.com/gavel/backend/internal/config"
	"github.com/gavel/backend/internal/identity"
	"github.com/gavel/backend/internal/ledger"
	"github.com/gavel/backend/internal/metrics"
	"github.com/gavel/backend/internal/notify"
	"github.com/gavel/backend/internal/policy"
)

// Deps carries everything the gateway orchestrates.
type Deps struct {
	Config     *config.Config
	Store      ledger.Store
	Engine     *policy.Engine
	Identities *identity.Registry
	Approvals  *approval.Registry
	Runtime    blastbox.Runtime
	Bus        notify.Bus
	Registry   prometheus.Registerer
}

// Server is the HTTP gateway.
type Server struct {
	cfg        *config.Config
	store      ledger.Store
	engine     *policy.Engine
	identities *identity.Registry
	approvals  *approval.Registry
	runtime    blastbox.Runtime
	bus        notify.Bus
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	limiter    *RateLimiter
	verifier   *ledger.Verifier
	logger     *slog.Logger
}

// NewServer wires the gateway. Nil optional deps get safe defaults: a
// NoopBus and a fresh metrics registry.
func NewServer(d Deps) *Server {
	if d.Bus == nil {
		d.Bus = notify.NoopBus{}
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	verifier := ledger.NewVerifier(d.Store)
	verifier.MaxEvents = int64(d.Config.Ledger.VerifyMaxEvents)
	gatherer, ok := d.Registry.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		engine:     d.Engine,
		identities: d.Identities,
		approvals:  d.Approvals,
		runtime:    d.Runtime,
		bus:        d.Bus,
		metrics:    metrics.New(d.Registry),
		gatherer:   gatherer,
		limiter:    NewRateLimiter(d.Config.Server.RateLimitPerMinute),
		verifier:   verifier,
		logger:     slog.Default().With("component", "gateway"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(corsMiddleware)
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/propose", s.handlePropose).Methods("POST")
	router.HandleFunc("/execute", s.handleExecute).Methods("POST")
	router.HandleFunc("/approve", s.handleApprove).Methods("POST")
	router.HandleFunc("/deny", s.handleDeny).Methods("POST")
	router.HandleFunc("/escalations", s.handleEscalations).Methods("GET")
	router.HandleFunc("/events", s.handleEvents).Methods("GET")
	router.HandleFunc("/events/{id}", s.handleEvent).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return router
}

// RunSweeper drives the auto-deny sweeper until ctx is cancelled.
func (s *Server) RunSweeper(ctx context.Context) {
	interval := s.cfg.Approval.SweepInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	denied, err := s.approvals.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("auto-deny sweep failed", "error", err)
		return
	}
	for _, intentID := range denied {
		s.metrics.Approvals.WithLabelValues("auto_denied").Inc()
		s.bus.Publish(ctx, notify.Notification{
			Kind:          notify.KindAutoDenied,
			ActorID:       approval.SweeperActorID,
			IntentEventID: intentID,
			Detail:        "escalation expired, auto-denied after timeout",
		})
	}
	if sum, err := s.approvals.Summarize(ctx); err == nil {
		s.metrics.Escalations.Set(float64(sum.Pending + sum.HumanRequired))
	}
}

// append writes one event and keeps the ledger metrics current.
func (s *Server) append(ctx context.Context, d ledger.Draft) (*ledger.AuditEvent, error) {
	ev, err := s.store.Append(ctx, d)
	if err != nil {
		if errors.Is(err, ledger.ErrSerializationConflict) {
			s.metrics.LedgerConflicts.Inc()
		}
		return nil, err
	}
	s.metrics.LedgerAppends.WithLabelValues(ev.ActionType).Inc()
	return ev, nil
}

// mapLedgerError converts store failures to the HTTP error taxonomy.
func mapLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "event not found")
	case errors.Is(err, ledger.ErrImmutabilityViolation):
		writeError(w, http.StatusInternalServerError, CodeImmutabilityViolation, "ledger rejected a mutation")
	case errors.Is(err, ledger.ErrSerializationConflict):
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "ledger contention, retry")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "ledger failure")
	}
}
