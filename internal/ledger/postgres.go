package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Schema for the one logical append-only table. The unique index on
// previous_event_hash enforces the strict no-branch chain, and the row
// triggers make immutability a storage-layer interlock rather than an
// application convention.
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id                  UUID PRIMARY KEY,
    created_at          TIMESTAMPTZ NOT NULL,
    actor_id            TEXT NOT NULL,
    action_type         TEXT NOT NULL,
    intent_payload      JSON NOT NULL,
    policy_version      TEXT NOT NULL,
    event_hash          TEXT NOT NULL,
    previous_event_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_created_at  ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor_id    ON audit_events (actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action_type ON audit_events (action_type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_prev_hash ON audit_events (previous_event_hash);

CREATE OR REPLACE FUNCTION audit_events_reject_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'LEDGER_IMMUTABILITY_VIOLATION: audit_events rows are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_update ON audit_events;
CREATE TRIGGER audit_events_no_update
    BEFORE UPDATE ON audit_events
    FOR EACH ROW EXECUTE FUNCTION audit_events_reject_mutation();

DROP TRIGGER IF EXISTS audit_events_no_delete ON audit_events;
CREATE TRIGGER audit_events_no_delete
    BEFORE DELETE ON audit_events
    FOR EACH ROW EXECUTE FUNCTION audit_events_reject_mutation();
`

const selectColumns = `id, created_at, actor_id, action_type, intent_payload::text, policy_version, event_hash, previous_event_hash`

const (
	appendRetries      = 3
	appendRetryBackoff = 50 * time.Millisecond
)

// PGStore is the Postgres-backed Audit Spine. Appends run under an
// ACCESS EXCLUSIVE table lock so the chain tip is mutated by exactly one
// logical writer at a time.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open Postgres handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the audit_events table, indexes, and the
// immutability triggers if they do not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit_events schema: %w", err)
	}
	return nil
}

func (p *PGStore) Append(ctx context.Context, d Draft) (*AuditEvent, error) {
	return p.AppendFunc(ctx, func(ctx context.Context, r Reader) (*Draft, error) {
		return &d, nil
	})
}

// AppendFunc acquires the tip lock, lets build read the locked chain, and
// appends the draft it returns in the same transaction. Serialization
// conflicts are retried a bounded number of times before surfacing.
func (p *PGStore) AppendFunc(ctx context.Context, build func(ctx context.Context, r Reader) (*Draft, error)) (*AuditEvent, error) {
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		ev, err := p.appendOnce(ctx, build)
		if err == nil {
			return ev, nil
		}
		if err != ErrSerializationConflict {
			return nil, err
		}
		lastErr = err
		select {
		case <-time.After(appendRetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (p *PGStore) appendOnce(ctx context.Context, build func(ctx context.Context, r Reader) (*Draft, error)) (*AuditEvent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE audit_events IN ACCESS EXCLUSIVE MODE`); err != nil {
		return nil, mapPGError(err)
	}

	reader := pgReader{q: tx}
	d, err := build(ctx, reader)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}

	tip, err := reader.Tip(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := seal(*d, tip, uuid.New().String(), time.Now())
	if err != nil {
		return nil, err
	}
	canonical, err := MarshalCanonical(ev.IntentPayload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events
		 (id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.CreatedAt, ev.ActorID, ev.ActionType, string(canonical),
		ev.PolicyVersion, ev.EventHash, ev.PreviousEventHash,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPGError(err)
	}
	return ev, nil
}

func (p *PGStore) Get(ctx context.Context, id string) (*AuditEvent, error) {
	return pgReader{q: p.db}.Get(ctx, id)
}

func (p *PGStore) List(ctx context.Context, f Filter, page, size int) ([]*AuditEvent, error) {
	return pgReader{q: p.db}.List(ctx, f, page, size)
}

func (p *PGStore) Tip(ctx context.Context) (*AuditEvent, error) {
	return pgReader{q: p.db}.Tip(ctx)
}

func (p *PGStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, mapPGError(err)
	}
	return n, nil
}

// walk streams events in ascending (created_at, id) order for the verifier.
func (p *PGStore) walk(ctx context.Context, limit int64, fn func(*AuditEvent) (bool, error)) error {
	q := `SELECT ` + selectColumns + ` FROM audit_events ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return mapPGError(err)
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		cont, err := fn(ev)
		if err != nil || !cont {
			return err
		}
	}
	return rows.Err()
}

// pgReader works against either the pooled handle or an open transaction,
// so AppendFunc callers read the same locked view they append into.
type pgReader struct {
	q interface {
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	}
}

func (r pgReader) Get(ctx context.Context, id string) (*AuditEvent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := r.q.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

func (r pgReader) Tip(ctx context.Context) (*AuditEvent, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events ORDER BY created_at DESC, id DESC LIMIT 1`)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (r pgReader) List(ctx context.Context, f Filter, page, size int) ([]*AuditEvent, error) {
	if size <= 0 {
		size = 100
	}
	if page < 1 {
		page = 1
	}
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if f.ActionType != "" {
		where = append(where, "action_type = "+arg(f.ActionType))
	}
	if f.ActionTypePrefix != "" {
		where = append(where, "action_type LIKE "+arg(f.ActionTypePrefix+"%"))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since))
	}
	q := `SELECT ` + selectColumns + ` FROM audit_events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(size) + ` OFFSET ` + arg((page-1)*size)

	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*AuditEvent, error) {
	var (
		ev          AuditEvent
		payloadText string
	)
	err := row.Scan(&ev.ID, &ev.CreatedAt, &ev.ActorID, &ev.ActionType,
		&payloadText, &ev.PolicyVersion, &ev.EventHash, &ev.PreviousEventHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, mapPGError(err)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.IntentPayload, err = DecodeCanonical([]byte(payloadText))
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// mapPGError translates driver errors into the ledger taxonomy.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		if strings.Contains(pqErr.Message, "LEDGER_IMMUTABILITY_VIOLATION") {
			return ErrImmutabilityViolation
		}
		switch pqErr.Code {
		case "23505": // unique_violation: two appends raced for the same tip
			return ErrSerializationConflict
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrSerializationConflict
		}
	}
	return err
}
