package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSerializationConflict means the store could not serialize two
	// concurrent appends. The caller retries.
	ErrSerializationConflict = errors.New("CHAIN_SERIALIZATION_CONFLICT")

	// ErrImmutabilityViolation means an UPDATE or DELETE was attempted
	// against the ledger. Fatal for the surface it manifests on.
	ErrImmutabilityViolation = errors.New("LEDGER_IMMUTABILITY_VIOLATION")

	// ErrNotFound means no event exists with the requested id.
	ErrNotFound = errors.New("audit event not found")
)

// Draft is the caller-supplied portion of a new event. The store fills
// id, created_at, previous_event_hash, and event_hash at the chain tip.
type Draft struct {
	ActorID       string
	ActionType    string
	IntentPayload map[string]any
	PolicyVersion string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ActorID    string
	ActionType string
	// ActionTypePrefix matches e.g. all POLICY_EVAL:* variants.
	ActionTypePrefix string
	Since            time.Time
}

// Reader is the read-only view of the ledger. Inside AppendFunc it reads
// the locked chain, so a read-then-append sequence is atomic.
type Reader interface {
	Get(ctx context.Context, id string) (*AuditEvent, error)
	List(ctx context.Context, f Filter, page, size int) ([]*AuditEvent, error)
	Tip(ctx context.Context) (*AuditEvent, error)
}

// Store is the Audit Spine contract. Appends are strictly serialized at the
// chain tip; that serialization is the only mechanism that keeps the chain
// branch-free under concurrency.
type Store interface {
	Reader

	// Append atomically attaches a new event to the chain tip.
	Append(ctx context.Context, d Draft) (*AuditEvent, error)

	// AppendFunc runs build against the locked chain and appends the draft
	// it returns. Returning a nil draft aborts without writing; this is the
	// compare-and-append primitive the approval consume path relies on.
	AppendFunc(ctx context.Context, build func(ctx context.Context, r Reader) (*Draft, error)) (*AuditEvent, error)

	// Count returns the total number of events.
	Count(ctx context.Context) (int64, error)
}

// nextCreatedAt picks a created_at strictly past the current tip. Two
// appends landing in the same microsecond would otherwise tie, and the
// verifier's (created_at, id) walk order could then diverge from append
// order under random ids.
func nextCreatedAt(tip *AuditEvent, now time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if tip != nil && !t.After(tip.CreatedAt) {
		return tip.CreatedAt.Add(time.Microsecond)
	}
	return t
}

// seal computes the chained fields of a draft against the given tip.
func seal(d Draft, tip *AuditEvent, id string, now time.Time) (*AuditEvent, error) {
	prev := GenesisHash
	if tip != nil {
		prev = tip.EventHash
	}
	payload := d.IntentPayload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return nil, err
	}
	ev := &AuditEvent{
		ID:                id,
		CreatedAt:         nextCreatedAt(tip, now),
		ActorID:           d.ActorID,
		ActionType:        d.ActionType,
		IntentPayload:     payload,
		PolicyVersion:     d.PolicyVersion,
		PreviousEventHash: prev,
	}
	ev.EventHash = ComputeEventHash(prev, d.ActorID, d.ActionType, canonical, d.PolicyVersion, ev.CanonicalCreatedAt())
	return ev, nil
}
