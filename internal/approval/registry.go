// Package approval implements the approval lifecycle over escalated
// intents. The registry owns no state of its own: every question is
// answered by projecting ledger events, and every answer that matters is
// written back as a new event. Consumption runs its read-then-append
// under the ledger's tip lock, which is what makes approvals one-shot.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gavel/backend/internal/ledger"
)

// State of one escalated intent.
type State string

const (
	StatePendingReview State = "PENDING_REVIEW"
	StateHumanRequired State = "HUMAN_REQUIRED"
	StateResolved      State = "RESOLVED"
	StateAutoDenied    State = "AUTO_DENIED_TIMEOUT"
)

var (
	// ErrAlreadyResolved means a grant, denial, consumption, or auto-deny
	// already exists for the intent.
	ErrAlreadyResolved = errors.New("ALREADY_RESOLVED")
)

// Config tunes the review windows.
type Config struct {
	// TTL bounds how long a grant satisfies a re-submitted proposal.
	TTL time.Duration
	// InitialWindow is the PENDING_REVIEW -> HUMAN_REQUIRED boundary.
	InitialWindow time.Duration
	// HardDeadline is the auto-deny boundary.
	HardDeadline time.Duration
}

// DefaultConfig mirrors the production review windows.
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		InitialWindow: 5 * time.Minute,
		HardDeadline:  time.Hour,
	}
}

// SweeperActorID is the principal attributed to auto-deny events.
const SweeperActorID = "system:gateway"

// Registry projects approval state from the Spine and appends resolution
// events to it.
type Registry struct {
	store         ledger.Store
	cfg           Config
	policyVersion string
	logger        *slog.Logger

	// Now is swappable so tests can steer the clock.
	Now func() time.Time
}

// NewRegistry wires a registry over the given ledger.
func NewRegistry(store ledger.Store, cfg Config, policyVersion string) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = 5 * time.Minute
	}
	if cfg.HardDeadline <= 0 {
		cfg.HardDeadline = time.Hour
	}
	return &Registry{
		store:         store,
		cfg:           cfg,
		policyVersion: policyVersion,
		logger:        slog.Default().With("component", "approval"),
		Now:           time.Now,
	}
}

// Grant appends HUMAN_APPROVAL_GRANTED for an escalated intent. The grant
// payload carries the intent's fingerprint fields so a later re-submit can
// be matched without a join.
func (r *Registry) Grant(ctx context.Context, intentEventID, policyEventID, approverActorID string) (*ledger.AuditEvent, error) {
	return r.resolve(ctx, intentEventID, policyEventID, approverActorID, "", true)
}

// Deny appends HUMAN_DENIAL, permanently blocking consumption for the
// intent.
func (r *Registry) Deny(ctx context.Context, intentEventID, policyEventID, reason, approverActorID string) (*ledger.AuditEvent, error) {
	return r.resolve(ctx, intentEventID, policyEventID, approverActorID, reason, false)
}

func (r *Registry) resolve(ctx context.Context, intentEventID, policyEventID, approverActorID, reason string, grant bool) (*ledger.AuditEvent, error) {
	return r.store.AppendFunc(ctx, func(ctx context.Context, reader ledger.Reader) (*ledger.Draft, error) {
		intent, err := reader.Get(ctx, intentEventID)
		if err != nil {
			return nil, err
		}
		resolved, err := r.intentResolved(ctx, reader, intentEventID)
		if err != nil {
			return nil, err
		}
		if resolved {
			return nil, ErrAlreadyResolved
		}
		// Past the hard deadline the sweep outcome is already decided even
		// if the sweeper has not written it yet.
		if escalatedAt, ok, err := r.escalatedAt(ctx, reader, intentEventID); err != nil {
			return nil, err
		} else if ok && r.elapsed(escalatedAt) >= r.cfg.HardDeadline {
			return nil, ErrAlreadyResolved
		}

		payload := map[string]any{
			"intent_event_id": intentEventID,
			"policy_event_id": policyEventID,
			"actor_id":        intent.ActorID,
			"action_type":     intent.PayloadString("action_type"),
			"content":         intent.PayloadString("content"),
		}
		actionType := ledger.TypeApprovalGranted
		if grant {
			payload["granted_at"] = r.Now().UTC().Format(ledger.CreatedAtLayout)
		} else {
			actionType = ledger.TypeHumanDenial
			payload["reason"] = reason
			payload["denied_at"] = r.Now().UTC().Format(ledger.CreatedAtLayout)
		}
		return &ledger.Draft{
			ActorID:       approverActorID,
			ActionType:    actionType,
			IntentPayload: payload,
			PolicyVersion: r.policyVersion,
		}, nil
	})
}

// ConsumeIfValid looks for the newest unconsumed, unexpired grant matching
// the actor and the (action_type, content) fingerprint, and consumes it by
// appending APPROVAL_CONSUMED in the same locked sequence. Returns the
// consumption event and the grant it consumed, or (nil, nil, nil) when no
// valid grant exists.
func (r *Registry) ConsumeIfValid(ctx context.Context, actorID, actionType, content, currentIntentEventID string) (*ledger.AuditEvent, *ledger.AuditEvent, error) {
	fingerprint := strings.TrimSpace(content)
	var matched *ledger.AuditEvent

	consumed, err := r.store.AppendFunc(ctx, func(ctx context.Context, reader ledger.Reader) (*ledger.Draft, error) {
		var draft *ledger.Draft
		// Newest first: under concurrent duplicate grants the newest wins
		// and older ones expire naturally.
		err := forEachEvent(ctx, reader, ledger.Filter{ActionType: ledger.TypeApprovalGranted}, func(g *ledger.AuditEvent) (bool, error) {
			if g.PayloadString("actor_id") != actorID {
				return true, nil
			}
			if g.PayloadString("action_type") != actionType {
				return true, nil
			}
			if strings.TrimSpace(g.PayloadString("content")) != fingerprint {
				return true, nil
			}
			if r.elapsed(g.CreatedAt) >= r.cfg.TTL {
				return true, nil
			}
			ok, err := r.grantConsumable(ctx, reader, g)
			if err != nil {
				return false, err
			}
			if !ok {
				return true, nil
			}
			matched = g
			draft = &ledger.Draft{
				ActorID:    actorID,
				ActionType: ledger.TypeApprovalConsumed,
				IntentPayload: map[string]any{
					"approval_event_id":       g.ID,
					"intent_event_id":         g.PayloadString("intent_event_id"),
					"current_intent_event_id": currentIntentEventID,
					"consumed_at":             r.Now().UTC().Format(ledger.CreatedAtLayout),
				},
				PolicyVersion: r.policyVersion,
			}
			return false, nil
		})
		if err != nil {
			return nil, err
		}
		return draft, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if consumed == nil {
		return nil, nil, nil
	}
	return consumed, matched, nil
}

// grantConsumable checks the one-shot and exclusivity invariants for a
// single grant: no prior consumption of it, and no denial or auto-deny of
// its intent.
func (r *Registry) grantConsumable(ctx context.Context, reader ledger.Reader, g *ledger.AuditEvent) (bool, error) {
	blocked := false
	err := forEachEvent(ctx, reader, ledger.Filter{ActionType: ledger.TypeApprovalConsumed}, func(c *ledger.AuditEvent) (bool, error) {
		if c.PayloadString("approval_event_id") == g.ID {
			blocked = true
			return false, nil
		}
		return true, nil
	})
	if err != nil || blocked {
		return false, err
	}
	intentID := g.PayloadString("intent_event_id")
	for _, blocker := range []string{ledger.TypeHumanDenial, ledger.TypeAutoDenied} {
		err := forEachEvent(ctx, reader, ledger.Filter{ActionType: blocker}, func(ev *ledger.AuditEvent) (bool, error) {
			if ev.PayloadString("intent_event_id") == intentID {
				blocked = true
				return false, nil
			}
			return true, nil
		})
		if err != nil || blocked {
			return false, err
		}
	}
	return true, nil
}

// Status classifies one escalated intent.
func (r *Registry) Status(ctx context.Context, intentEventID string) (State, error) {
	resolved, err := r.intentResolved(ctx, r.store, intentEventID)
	if err != nil {
		return "", err
	}
	if resolved {
		return StateResolved, nil
	}
	escalatedAt, ok, err := r.escalatedAt(ctx, r.store, intentEventID)
	if err != nil {
		return "", err
	}
	if !ok {
		// No escalation event yet; the intent is still in flight.
		return StatePendingReview, nil
	}
	return r.classify(escalatedAt), nil
}

func (r *Registry) classify(escalatedAt time.Time) State {
	elapsed := r.elapsed(escalatedAt)
	switch {
	case elapsed >= r.cfg.HardDeadline:
		return StateAutoDenied
	case elapsed >= r.cfg.InitialWindow:
		return StateHumanRequired
	default:
		return StatePendingReview
	}
}

// Tracker is the escalation view served on /escalations.
type Tracker struct {
	IntentEventID string    `json:"intent_event_id"`
	PolicyEventID string    `json:"policy_event_id"`
	ActorID       string    `json:"actor_id"`
	EscalatedAt   time.Time `json:"escalated_at"`
	State         State     `json:"state"`
	ExpiresAt     time.Time `json:"expires_at"`
	HardDeadline  time.Time `json:"hard_deadline"`
}

// Summary is the count of escalations per state.
type Summary struct {
	Pending       int `json:"pending"`
	HumanRequired int `json:"human_required"`
	AutoDenied    int `json:"auto_denied"`
	Resolved      int `json:"resolved"`
}

// Trackers returns the lifecycle view of every escalated intent, newest
// first.
func (r *Registry) Trackers(ctx context.Context) ([]Tracker, error) {
	var trackers []Tracker
	err := forEachEvent(ctx, r.store, ledger.Filter{ActionType: ledger.PolicyEvalType("ESCALATED")}, func(ev *ledger.AuditEvent) (bool, error) {
		intentID := ev.PayloadString("intent_event_id")
		if intentID == "" {
			return true, nil
		}
		state := r.classify(ev.CreatedAt)
		resolved, err := r.intentResolved(ctx, r.store, intentID)
		if err != nil {
			return false, err
		}
		if resolved {
			state = StateResolved
		}
		trackers = append(trackers, Tracker{
			IntentEventID: intentID,
			PolicyEventID: ev.ID,
			ActorID:       ev.ActorID,
			EscalatedAt:   ev.CreatedAt,
			State:         state,
			ExpiresAt:     ev.CreatedAt.Add(r.cfg.InitialWindow),
			HardDeadline:  ev.CreatedAt.Add(r.cfg.HardDeadline),
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return trackers, nil
}

// Summarize counts escalations per state.
func (r *Registry) Summarize(ctx context.Context) (Summary, error) {
	trackers, err := r.Trackers(ctx)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, t := range trackers {
		switch t.State {
		case StatePendingReview:
			s.Pending++
		case StateHumanRequired:
			s.HumanRequired++
		case StateAutoDenied:
			s.AutoDenied++
		case StateResolved:
			s.Resolved++
		}
	}
	return s, nil
}

// SweepExpired appends AUTO_DENIED_TIMEOUT for every escalation past the
// hard deadline with no resolution. Returns the auto-denied intent ids.
func (r *Registry) SweepExpired(ctx context.Context) ([]string, error) {
	trackers, err := r.Trackers(ctx)
	if err != nil {
		return nil, err
	}
	var denied []string
	for _, t := range trackers {
		if t.State != StateAutoDenied {
			continue
		}
		tr := t
		ev, err := r.store.AppendFunc(ctx, func(ctx context.Context, reader ledger.Reader) (*ledger.Draft, error) {
			// Re-check under the tip lock so concurrent sweeps stay
			// idempotent.
			resolved, err := r.intentResolved(ctx, reader, tr.IntentEventID)
			if err != nil {
				return nil, err
			}
			if resolved {
				return nil, nil
			}
			return &ledger.Draft{
				ActorID:    SweeperActorID,
				ActionType: ledger.TypeAutoDenied,
				IntentPayload: map[string]any{
					"intent_event_id": tr.IntentEventID,
					"policy_event_id": tr.PolicyEventID,
					"actor_id":        tr.ActorID,
					"reason":          "escalation expired, auto-denied after timeout",
					"auto_denied_at":  r.Now().UTC().Format(ledger.CreatedAtLayout),
				},
				PolicyVersion: r.policyVersion,
			}, nil
		})
		if err != nil {
			return denied, err
		}
		if ev != nil {
			denied = append(denied, tr.IntentEventID)
			r.logger.Info("escalation auto-denied",
				"intent_event_id", tr.IntentEventID, "actor", tr.ActorID)
		}
	}
	return denied, nil
}

// HasConsumedApproval reports whether an APPROVAL_CONSUMED event upgraded
// the given proposal (its current intent) to APPROVED.
func (r *Registry) HasConsumedApproval(ctx context.Context, intentEventID string) (bool, error) {
	found := false
	err := forEachEvent(ctx, r.store, ledger.Filter{ActionType: ledger.TypeApprovalConsumed}, func(ev *ledger.AuditEvent) (bool, error) {
		if ev.PayloadString("current_intent_event_id") == intentEventID {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

func (r *Registry) intentResolved(ctx context.Context, reader ledger.Reader, intentEventID string) (bool, error) {
	for _, t := range []string{
		ledger.TypeApprovalGranted,
		ledger.TypeHumanDenial,
		ledger.TypeApprovalConsumed,
		ledger.TypeAutoDenied,
	} {
		resolved := false
		err := forEachEvent(ctx, reader, ledger.Filter{ActionType: t}, func(ev *ledger.AuditEvent) (bool, error) {
			if ev.PayloadString("intent_event_id") == intentEventID ||
				ev.PayloadString("current_intent_event_id") == intentEventID {
				resolved = true
				return false, nil
			}
			return true, nil
		})
		if err != nil || resolved {
			return resolved, err
		}
	}
	return false, nil
}

// escalatedAt finds the POLICY_EVAL:ESCALATED event for an intent; the
// lifecycle clock starts at its created_at.
func (r *Registry) escalatedAt(ctx context.Context, reader ledger.Reader, intentEventID string) (time.Time, bool, error) {
	var (
		at    time.Time
		found bool
	)
	err := forEachEvent(ctx, reader, ledger.Filter{ActionType: ledger.PolicyEvalType("ESCALATED")}, func(ev *ledger.AuditEvent) (bool, error) {
		if ev.PayloadString("intent_event_id") == intentEventID {
			at, found = ev.CreatedAt, true
			return false, nil
		}
		return true, nil
	})
	return at, found, err
}

func (r *Registry) elapsed(since time.Time) time.Duration {
	return r.Now().UTC().Sub(since.UTC())
}

const projectionPageSize = 500

// forEachEvent pages through every event matching the filter, newest
// first, until fn returns false or the ledger is exhausted. Projections
// must never truncate: a grant or resolution buried under newer events
// still binds.
func forEachEvent(ctx context.Context, reader ledger.Reader, f ledger.Filter, fn func(*ledger.AuditEvent) (bool, error)) error {
	for page := 1; ; page++ {
		events, err := reader.List(ctx, f, page, projectionPageSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			cont, err := fn(ev)
			if err != nil || !cont {
				return err
			}
		}
		if len(events) < projectionPageSize {
			return nil
		}
	}
}
