package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Spine used by tests and DB-less development.
// A single mutex serializes appends, which is the same single-writer
// discipline the Postgres store enforces with its table lock.
type MemStore struct {
	mu     sync.Mutex
	events []*AuditEvent
	byID   map[string]*AuditEvent

	// Now is swappable so tests can steer the clock.
	Now func() time.Time
}

// NewMemStore creates an empty in-memory ledger.
func NewMemStore() *MemStore {
	return &MemStore{
		byID: make(map[string]*AuditEvent),
		Now:  time.Now,
	}
}

func (m *MemStore) Append(ctx context.Context, d Draft) (*AuditEvent, error) {
	return m.AppendFunc(ctx, func(ctx context.Context, r Reader) (*Draft, error) {
		return &d, nil
	})
}

func (m *MemStore) AppendFunc(ctx context.Context, build func(ctx context.Context, r Reader) (*Draft, error)) (*AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := build(ctx, memReader{m})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}

	var tip *AuditEvent
	if len(m.events) > 0 {
		tip = m.events[len(m.events)-1]
	}
	ev, err := seal(*d, tip, uuid.New().String(), m.Now())
	if err != nil {
		return nil, err
	}
	m.events = append(m.events, ev)
	m.byID[ev.ID] = ev
	return copyEvent(ev), nil
}

func (m *MemStore) Get(ctx context.Context, id string) (*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memReader{m}.get(id)
}

func (m *MemStore) List(ctx context.Context, f Filter, page, size int) ([]*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memReader{m}.list(f, page, size)
}

func (m *MemStore) Tip(ctx context.Context) (*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	return copyEvent(m.events[len(m.events)-1]), nil
}

func (m *MemStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

// Tamper mutates a stored event in place, bypassing the append-only path.
// Test support only: it simulates the out-of-band corruption the chain
// verifier must detect.
func (m *MemStore) Tamper(id string, mutate func(*AuditEvent)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.byID[id]
	if !ok {
		return false
	}
	mutate(ev)
	return true
}

// memReader reads the chain while the store mutex is held. It must only be
// used from within methods that hold m.mu.
type memReader struct{ m *MemStore }

func (r memReader) Get(ctx context.Context, id string) (*AuditEvent, error) {
	return r.get(id)
}

func (r memReader) List(ctx context.Context, f Filter, page, size int) ([]*AuditEvent, error) {
	return r.list(f, page, size)
}

func (r memReader) Tip(ctx context.Context) (*AuditEvent, error) {
	if len(r.m.events) == 0 {
		return nil, nil
	}
	return copyEvent(r.m.events[len(r.m.events)-1]), nil
}

func (r memReader) get(id string) (*AuditEvent, error) {
	ev, ok := r.m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(ev), nil
}

func (r memReader) list(f Filter, page, size int) ([]*AuditEvent, error) {
	if size <= 0 {
		size = 100
	}
	if page < 1 {
		page = 1
	}
	matched := make([]*AuditEvent, 0, len(r.m.events))
	for _, ev := range r.m.events {
		if f.ActorID != "" && ev.ActorID != f.ActorID {
			continue
		}
		if f.ActionType != "" && ev.ActionType != f.ActionType {
			continue
		}
		if f.ActionTypePrefix != "" && !strings.HasPrefix(ev.ActionType, f.ActionTypePrefix) {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		matched = append(matched, ev)
	}
	// Newest first, matching the Postgres store's ORDER BY.
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	start := (page - 1) * size
	if start >= len(matched) {
		return nil, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*AuditEvent, 0, end-start)
	for _, ev := range matched[start:end] {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

// Ascending walk for the verifier.
func (m *MemStore) walk(ctx context.Context, limit int64, fn func(*AuditEvent) (bool, error)) error {
	m.mu.Lock()
	snapshot := make([]*AuditEvent, len(m.events))
	for i, ev := range m.events {
		snapshot[i] = copyEvent(ev)
	}
	m.mu.Unlock()

	for i, ev := range snapshot {
		if limit > 0 && int64(i) >= limit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := fn(ev)
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

func copyEvent(ev *AuditEvent) *AuditEvent {
	dup := *ev
	if ev.IntentPayload != nil {
		dup.IntentPayload = copyPayload(ev.IntentPayload)
	}
	return &dup
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyPayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}
