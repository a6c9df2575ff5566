package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TabStatus is the lifecycle state of a Tab.
type TabStatus string

const (
	TabOpen     TabStatus = "OPEN"
	TabPaid     TabStatus = "PAID"
	TabCanceled TabStatus = "CANCELED"
)

// FinalPrintStatus records the outcome of the closing receipt print.
type FinalPrintStatus string

const (
	FinalPrintNone    FinalPrintStatus = "NONE"
	FinalPrintPrinted FinalPrintStatus = "PRINTED"
	FinalPrintFailed  FinalPrintStatus = "FAILED"
)

// Tab is the aggregate root for an order/table session.
//
// INVARIANTS:
//   - LocalVersion never decreases; it grows by exactly 1 per applied mutation
//   - LastSyncedVersion only moves forward and never exceeds LocalVersion
type Tab struct {
	ID                        string
	TenantID                  string
	KioskID                   string
	TableID                   string
	FolioNumber               int64
	FolioText                 string
	Status                    TabStatus
	Total                     int64 // minor currency units
	LocalVersion              int64
	LastSyncedVersion         int64
	LastMutationID            string
	KitchenLastPrintedVersion int64
	KitchenLastPrintAt        *time.Time
	FinalPrintStatus          FinalPrintStatus
	FinalPrintAttempts        int
	FinalPrintError           string
	OpenedAt                  time.Time
	ClosedAt                  *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	DeletedAt                 *time.Time
}

const tabColumns = `
	id, tenant_id, kiosk_id, table_id, folio_number, folio_text, status, total,
	local_version, last_synced_version, last_mutation_id,
	kitchen_last_printed_version, kitchen_last_print_at,
	final_print_status, final_print_attempts, final_print_error,
	opened_at, closed_at, created_at, updated_at, deleted_at`

// InsertTab creates a new tab row.
func (q *queries) InsertTab(ctx context.Context, t Tab) error {
	if t.FinalPrintStatus == "" {
		t.FinalPrintStatus = FinalPrintNone
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tabs (`+tabColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.TenantID, t.KioskID, nullString(t.TableID), t.FolioNumber, t.FolioText,
		string(t.Status), t.Total,
		t.LocalVersion, t.LastSyncedVersion, nullString(t.LastMutationID),
		t.KitchenLastPrintedVersion, nullMillis(t.KitchenLastPrintAt),
		string(t.FinalPrintStatus), t.FinalPrintAttempts, nullString(t.FinalPrintError),
		toMillis(t.OpenedAt), nullMillis(t.ClosedAt), toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
		nullMillis(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert tab %s: %w", t.ID, err)
	}
	return nil
}

// GetTab retrieves a tab by id, including soft-deleted tabs.
// Returns ErrNotFound if no tab has that id.
func (q *queries) GetTab(ctx context.Context, id string) (Tab, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+tabColumns+` FROM tabs WHERE id = ?`, id)
	t, err := scanTab(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tab{}, fmt.Errorf("get tab %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Tab{}, fmt.Errorf("get tab %s: %w", id, err)
	}
	return t, nil
}

// ListOpenTabs returns open, non-deleted tabs for a tenant ordered by folio.
func (q *queries) ListOpenTabs(ctx context.Context, tenantID string) ([]Tab, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+tabColumns+` FROM tabs
		WHERE tenant_id = ? AND status = 'OPEN' AND deleted_at IS NULL
		ORDER BY folio_number ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query open tabs: %w", err)
	}
	defer rows.Close()

	tabs := []Tab{}
	for rows.Next() {
		t, err := scanTab(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tab: %w", err)
		}
		tabs = append(tabs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open tabs: %w", err)
	}
	return tabs, nil
}

// NextFolioNumber returns the next folio number for a kiosk (max + 1).
func (q *queries) NextFolioNumber(ctx context.Context, tenantID, kioskID string) (int64, error) {
	var maxFolio sql.NullInt64
	err := q.q.QueryRowContext(ctx, `
		SELECT MAX(folio_number) FROM tabs WHERE tenant_id = ? AND kiosk_id = ?
	`, tenantID, kioskID).Scan(&maxFolio)
	if err != nil {
		return 0, fmt.Errorf("next folio number: %w", err)
	}
	return maxFolio.Int64 + 1, nil
}

// UpdateTabState writes the mutable state of a tab after a local mutation.
// The version guard (local_version = expected) turns a concurrent writer
// into ErrVersionConflict instead of a lost update.
func (q *queries) UpdateTabState(ctx context.Context, t Tab, expectedVersion int64) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tabs SET
			status = ?, total = ?, local_version = ?, last_mutation_id = ?,
			kitchen_last_printed_version = ?, kitchen_last_print_at = ?,
			final_print_status = ?, final_print_attempts = ?, final_print_error = ?,
			closed_at = ?, updated_at = ?
		WHERE id = ? AND local_version = ?
	`,
		string(t.Status), t.Total, t.LocalVersion, nullString(t.LastMutationID),
		t.KitchenLastPrintedVersion, nullMillis(t.KitchenLastPrintAt),
		string(t.FinalPrintStatus), t.FinalPrintAttempts, nullString(t.FinalPrintError),
		nullMillis(t.ClosedAt), toMillis(t.UpdatedAt),
		t.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update tab %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tab %s: rows affected: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update tab %s at version %d: %w", t.ID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// ErrVersionConflict means the tab changed between read and write.
var ErrVersionConflict = errors.New("store: tab version changed concurrently")

// AdvanceSyncedVersion moves last_synced_version forward to the confirmed
// remote version. It never moves backward and is clamped to local_version.
// Returns true if the column changed.
func (q *queries) AdvanceSyncedVersion(ctx context.Context, tabID string, confirmed int64, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tabs
		SET last_synced_version = MIN(?, local_version), updated_at = ?
		WHERE id = ? AND last_synced_version < MIN(?, local_version)
	`, confirmed, toMillis(now), tabID, confirmed)
	if err != nil {
		return false, fmt.Errorf("advance synced version %s: %w", tabID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance synced version %s: rows affected: %w", tabID, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTab(r rowScanner) (Tab, error) {
	var (
		t                                      Tab
		tableID, lastMutationID, finalPrintErr sql.NullString
		status, finalPrintStatus               string
		kitchenPrintAt, closedAt, deletedAt    sql.NullInt64
		openedAt, createdAt, updatedAt         int64
	)
	err := r.Scan(
		&t.ID, &t.TenantID, &t.KioskID, &tableID, &t.FolioNumber, &t.FolioText, &status, &t.Total,
		&t.LocalVersion, &t.LastSyncedVersion, &lastMutationID,
		&t.KitchenLastPrintedVersion, &kitchenPrintAt,
		&finalPrintStatus, &t.FinalPrintAttempts, &finalPrintErr,
		&openedAt, &closedAt, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return Tab{}, err
	}
	t.TableID = tableID.String
	t.LastMutationID = lastMutationID.String
	t.FinalPrintError = finalPrintErr.String
	t.Status = TabStatus(status)
	t.FinalPrintStatus = FinalPrintStatus(finalPrintStatus)
	t.KitchenLastPrintAt = fromNullMillis(kitchenPrintAt)
	t.OpenedAt = fromMillis(openedAt)
	t.ClosedAt = fromNullMillis(closedAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.DeletedAt = fromNullMillis(deletedAt)
	return t, nil
}
