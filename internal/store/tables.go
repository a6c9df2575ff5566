package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PosTable is a physical table (or counter spot) a Tab may reference.
type PosTable struct {
	ID        string
	TenantID  string
	EventID   string // optional event scope
	Name      string
	Active    bool
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

const tableColumns = `id, tenant_id, event_id, name, active, sort_order, created_at, updated_at, deleted_at`

// UpsertTable inserts a table or replaces its mutable fields.
// created_at is kept from the first insert.
func (q *queries) UpsertTable(ctx context.Context, t PosTable) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pos_tables (`+tableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			event_id = excluded.event_id,
			name = excluded.name,
			active = excluded.active,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`,
		t.ID, t.TenantID, nullString(t.EventID), t.Name, t.Active, t.SortOrder,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt), nullMillis(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert table %s: %w", t.ID, err)
	}
	return nil
}

// GetTable retrieves a table by id, including soft-deleted tables.
// Returns ErrNotFound if no table has that id.
func (q *queries) GetTable(ctx context.Context, id string) (PosTable, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+tableColumns+` FROM pos_tables WHERE id = ?`, id)
	t, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PosTable{}, fmt.Errorf("get table %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return PosTable{}, fmt.Errorf("get table %s: %w", id, err)
	}
	return t, nil
}

// ListTables returns non-deleted tables for a tenant in display order.
// An empty eventID lists every table of the tenant.
func (q *queries) ListTables(ctx context.Context, tenantID, eventID string) ([]PosTable, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+tableColumns+` FROM pos_tables
		WHERE tenant_id = ? AND deleted_at IS NULL AND (? = '' OR event_id = ?)
		ORDER BY sort_order ASC, name ASC, id ASC
	`, tenantID, eventID, eventID)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := []PosTable{}
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func scanTable(r rowScanner) (PosTable, error) {
	var (
		t                    PosTable
		eventID              sql.NullString
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.TenantID, &eventID, &t.Name, &t.Active, &t.SortOrder, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return PosTable{}, err
	}
	t.EventID = eventID.String
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.DeletedAt = fromNullMillis(deletedAt)
	return t, nil
}
