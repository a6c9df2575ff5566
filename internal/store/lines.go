package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TabLine is one product line on a Tab. Lines are soft-deleted on removal
// and never hard-deleted while referenced.
type TabLine struct {
	ID          string
	TenantID    string
	TabID       string
	ProductID   string
	ProductName string
	Qty         int64
	UnitPrice   int64 // minor currency units
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Subtotal returns Qty × UnitPrice.
func (l TabLine) Subtotal() int64 {
	return l.Qty * l.UnitPrice
}

const lineColumns = `
	id, tenant_id, tab_id, product_id, product_name, qty, unit_price, notes,
	created_at, updated_at, deleted_at`

// InsertLine creates a new line row.
func (q *queries) InsertLine(ctx context.Context, l TabLine) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tab_lines (`+lineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.TenantID, l.TabID, l.ProductID, l.ProductName, l.Qty, l.UnitPrice, l.Notes,
		toMillis(l.CreatedAt), toMillis(l.UpdatedAt), nullMillis(l.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert line %s: %w", l.ID, err)
	}
	return nil
}

// GetLine retrieves a line by id, including soft-deleted lines.
// Returns ErrNotFound if no line has that id.
func (q *queries) GetLine(ctx context.Context, id string) (TabLine, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM tab_lines WHERE id = ?`, id)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TabLine{}, fmt.Errorf("get line %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return TabLine{}, fmt.Errorf("get line %s: %w", id, err)
	}
	return l, nil
}

// ListActiveLines returns the non-deleted lines of a tab in insertion order.
func (q *queries) ListActiveLines(ctx context.Context, tabID string) ([]TabLine, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+lineColumns+` FROM tab_lines
		WHERE tab_id = ? AND deleted_at IS NULL
		ORDER BY rowid ASC
	`, tabID)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	lines := []TabLine{}
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lines: %w", err)
	}
	return lines, nil
}

// SumActiveLines recomputes a tab total from scratch over non-deleted lines.
func (q *queries) SumActiveLines(ctx context.Context, tabID string) (int64, error) {
	var total int64
	err := q.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty * unit_price), 0) FROM tab_lines
		WHERE tab_id = ? AND deleted_at IS NULL
	`, tabID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum lines for tab %s: %w", tabID, err)
	}
	return total, nil
}

// UpdateLineQty sets the quantity of a non-deleted line.
func (q *queries) UpdateLineQty(ctx context.Context, id string, qty int64, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tab_lines SET qty = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, qty, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update line qty %s: %w", id, err)
	}
	return rowsAffectedOne(res, "update line qty "+id)
}

// SoftDeleteLine stamps deleted_at on a non-deleted line.
func (q *queries) SoftDeleteLine(ctx context.Context, id string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tab_lines SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, toMillis(now), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("delete line %s: %w", id, err)
	}
	return rowsAffectedOne(res, "delete line "+id)
}

func scanLine(r rowScanner) (TabLine, error) {
	var (
		l                    TabLine
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	err := r.Scan(
		&l.ID, &l.TenantID, &l.TabID, &l.ProductID, &l.ProductName, &l.Qty, &l.UnitPrice, &l.Notes,
		&createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return TabLine{}, err
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	l.DeletedAt = fromNullMillis(deletedAt)
	return l, nil
}
