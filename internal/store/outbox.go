package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tabkiosk/internal/mutation"
)

// OutboxMutation is one durable record of a business mutation awaiting (or
// having received) confirmation from the remote authority.
//
// ID is the storage key. MutationID is the business idempotency key and is
// unique across the table.
type OutboxMutation struct {
	ID          string
	MutationID  string
	TenantID    string
	TabID       string
	Type        mutation.Type
	BaseVersion int64
	Payload     string // canonical JSON of the event
	Status      mutation.Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	SentAt      *time.Time
	AckedAt     *time.Time
	UpdatedAt   time.Time
}

// PendingPolicy selects which rows count as outstanding work.
//
// PENDING, SENT and FAILED rows are always included. SENT rows only remain
// SENT when an attempt died between send and ack; the remote deduplicates by
// mutation id so resending them is safe. CONFLICT rows are terminal unless
// IncludeConflicts is set.
type PendingPolicy struct {
	IncludeConflicts bool
}

func (p PendingPolicy) statuses() []mutation.Status {
	s := []mutation.Status{mutation.StatusPending, mutation.StatusSent, mutation.StatusFailed}
	if p.IncludeConflicts {
		s = append(s, mutation.StatusConflict)
	}
	return s
}

func (p PendingPolicy) where() (string, []any) {
	statuses := p.statuses()
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return "status IN (" + placeholders(len(statuses)) + ")", args
}

const outboxColumns = `
	id, mutation_id, tenant_id, tab_id, type, base_version, payload, status,
	attempts, last_error, created_at, sent_at, acked_at, updated_at`

// InsertOrFetchOutbox inserts m unless a row with the same mutation id exists.
// Returns the stored row and whether this call inserted it.
//
// Uses ON CONFLICT(mutation_id) DO NOTHING followed by a read of the winner,
// so two writers racing on the same id both observe one row and neither sees
// a constraint error. Call it inside WithTx when it must commit together
// with an aggregate change.
func (q *queries) InsertOrFetchOutbox(ctx context.Context, m OutboxMutation) (OutboxMutation, bool, error) {
	if m.Status == "" {
		m.Status = mutation.StatusPending
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO outbox_mutations (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mutation_id) DO NOTHING
	`,
		m.ID, m.MutationID, m.TenantID, m.TabID, string(m.Type), m.BaseVersion, m.Payload,
		string(m.Status), m.Attempts, nullString(m.LastError),
		toMillis(m.CreatedAt), nullMillis(m.SentAt), nullMillis(m.AckedAt), toMillis(m.UpdatedAt),
	)
	if err != nil {
		return OutboxMutation{}, false, fmt.Errorf("insert outbox %s: %w", m.MutationID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return OutboxMutation{}, false, fmt.Errorf("insert outbox %s: rows affected: %w", m.MutationID, err)
	}

	stored, err := q.GetOutboxByMutationID(ctx, m.MutationID)
	if err != nil {
		return OutboxMutation{}, false, fmt.Errorf("insert outbox %s: select existing: %w", m.MutationID, err)
	}
	return stored, n > 0, nil
}

// GetOutbox retrieves an outbox row by storage id.
func (q *queries) GetOutbox(ctx context.Context, id string) (OutboxMutation, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_mutations WHERE id = ?`, id)
	m, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxMutation{}, fmt.Errorf("get outbox %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return OutboxMutation{}, fmt.Errorf("get outbox %s: %w", id, err)
	}
	return m, nil
}

// GetOutboxByMutationID retrieves an outbox row by business mutation id.
// Returns ErrNotFound if the mutation was never enqueued.
func (q *queries) GetOutboxByMutationID(ctx context.Context, mutationID string) (OutboxMutation, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_mutations WHERE mutation_id = ?`, mutationID)
	m, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxMutation{}, fmt.Errorf("get outbox by mutation id %s: %w", mutationID, ErrNotFound)
	}
	if err != nil {
		return OutboxMutation{}, fmt.Errorf("get outbox by mutation id %s: %w", mutationID, err)
	}
	return m, nil
}

// ListPending returns up to limit outstanding rows in enqueue order.
// Enqueue order is rowid order, which preserves per-tab causal order.
func (q *queries) ListPending(ctx context.Context, policy PendingPolicy, limit int) ([]OutboxMutation, error) {
	if limit <= 0 {
		return []OutboxMutation{}, nil
	}
	where, args := policy.where()
	args = append(args, limit)
	return q.listOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox_mutations
		WHERE `+where+`
		ORDER BY rowid ASC
		LIMIT ?
	`, args...)
}

// CountPending returns the number of rows the policy treats as outstanding.
func (q *queries) CountPending(ctx context.Context, policy PendingPolicy) (int, error) {
	where, args := policy.where()
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_mutations WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ListOutboxByTab returns every outbox row for a tab in enqueue order.
func (q *queries) ListOutboxByTab(ctx context.Context, tabID string) ([]OutboxMutation, error) {
	return q.listOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox_mutations
		WHERE tab_id = ?
		ORDER BY rowid ASC
	`, tabID)
}

// ListOutbox returns the most recent rows, optionally filtered by status,
// newest first. A non-positive limit returns every row.
func (q *queries) ListOutbox(ctx context.Context, status mutation.Status, limit int) ([]OutboxMutation, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return q.listOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox_mutations
		WHERE (? = '' OR status = ?)
		ORDER BY rowid DESC
		LIMIT ?
	`, string(status), string(status), limit)
}

// CountByStatus returns row counts for every status, including zeros.
func (q *queries) CountByStatus(ctx context.Context) (map[mutation.Status]int, error) {
	counts := make(map[mutation.Status]int, len(mutation.AllStatuses))
	for _, s := range mutation.AllStatuses {
		counts[s] = 0
	}

	rows, err := q.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[mutation.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// MarkSent moves the given rows to SENT and bumps their attempt counter.
// ACKED rows are left untouched.
func (q *queries) MarkSent(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{toMillis(now), toMillis(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.q.ExecContext(ctx, `
		UPDATE outbox_mutations
		SET status = 'SENT', attempts = attempts + 1, sent_at = ?, updated_at = ?
		WHERE status != 'ACKED' AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkAcked records a successful remote acknowledgement. ACKED is terminal.
func (q *queries) MarkAcked(ctx context.Context, id string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE outbox_mutations
		SET status = 'ACKED', acked_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status != 'ACKED'
	`, toMillis(now), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("mark acked %s: %w", id, err)
	}
	return rowsAffectedOne(res, "mark acked "+id)
}

// MarkFailed records a retryable failure.
func (q *queries) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	return q.markError(ctx, id, mutation.StatusFailed, reason, now)
}

// MarkConflict records a rejection that needs outside resolution.
func (q *queries) MarkConflict(ctx context.Context, id, reason string, now time.Time) error {
	return q.markError(ctx, id, mutation.StatusConflict, reason, now)
}

func (q *queries) markError(ctx context.Context, id string, status mutation.Status, reason string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE outbox_mutations
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status != 'ACKED'
	`, string(status), nullString(reason), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", strings.ToLower(string(status)), id, err)
	}
	return rowsAffectedOne(res, "mark "+strings.ToLower(string(status))+" "+id)
}

func (q *queries) listOutbox(ctx context.Context, query string, args ...any) ([]OutboxMutation, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []OutboxMutation{}
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func scanOutbox(r rowScanner) (OutboxMutation, error) {
	var (
		m                    OutboxMutation
		typ, status          string
		lastError            sql.NullString
		createdAt, updatedAt int64
		sentAt, ackedAt      sql.NullInt64
	)
	err := r.Scan(
		&m.ID, &m.MutationID, &m.TenantID, &m.TabID, &typ, &m.BaseVersion, &m.Payload, &status,
		&m.Attempts, &lastError, &createdAt, &sentAt, &ackedAt, &updatedAt,
	)
	if err != nil {
		return OutboxMutation{}, err
	}
	m.Type = mutation.Type(typ)
	m.Status = mutation.Status(status)
	m.LastError = lastError.String
	m.CreatedAt = fromMillis(createdAt)
	m.SentAt = fromNullMillis(sentAt)
	m.AckedAt = fromNullMillis(ackedAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return m, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
