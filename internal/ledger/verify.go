package ledger

import (
	"context"
	"fmt"
)

// VerifyResult is the outcome of one full-chain scan. BreakAt is the id of
// the first event whose recomputed hash or link disagrees with the stored
// chain, or "" when the chain is intact.
type VerifyResult struct {
	TotalEvents int64  `json:"total_events"`
	ChainValid  bool   `json:"chain_valid"`
	BreakAt     string `json:"break_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// chainWalker is implemented by both stores; it yields events in ascending
// (created_at, id) order, the same order appends observed the tip.
type chainWalker interface {
	walk(ctx context.Context, limit int64, fn func(*AuditEvent) (bool, error)) error
}

// Verifier re-derives every event hash with the exact canonicalization the
// append path used. Read-only; it reports the first break and never repairs.
type Verifier struct {
	store Store

	// MaxEvents bounds one scan; 0 means the full chain.
	MaxEvents int64
}

// NewVerifier wraps a store. The store must be one of the ledger's own
// implementations (PGStore or MemStore); anything else cannot expose the
// ascending walk and fails at Verify time.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Verify walks the ledger and recomputes every link.
func (v *Verifier) Verify(ctx context.Context) (VerifyResult, error) {
	walker, ok := v.store.(chainWalker)
	if !ok {
		return VerifyResult{}, fmt.Errorf("store %T does not support chain walking", v.store)
	}

	total, err := v.store.Count(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{TotalEvents: total, ChainValid: true}
	prevHash := GenesisHash

	err = walker.walk(ctx, v.MaxEvents, func(ev *AuditEvent) (bool, error) {
		if ev.PreviousEventHash != prevHash {
			res.ChainValid = false
			res.BreakAt = ev.ID
			res.Reason = fmt.Sprintf("previous_event_hash mismatch: have %s, want %s", ev.PreviousEventHash, prevHash)
			return false, nil
		}
		recomputed, err := HashOf(ev)
		if err != nil {
			return false, err
		}
		if recomputed != ev.EventHash {
			res.ChainValid = false
			res.BreakAt = ev.ID
			res.Reason = "event_hash does not recompute"
			return false, nil
		}
		prevHash = ev.EventHash
		return true, nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return res, nil
}
