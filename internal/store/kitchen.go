package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RoundAction names what was done to a previously printed kitchen round.
type RoundAction string

const (
	RoundActionCancel RoundAction = "CANCEL"
)

// KitchenRoundAction is a side-log entry recording that a printed kitchen
// round was voided. At most one row exists per (tenant, tab, round, action).
type KitchenRoundAction struct {
	ID              string
	TenantID        string
	TabID           string
	RoundMutationID string // mutation id of the KITCHEN_PRINT outbox row
	Action          RoundAction
	Reason          string
	PrintJobID      string
	CreatedAt       time.Time
}

const roundActionColumns = `id, tenant_id, tab_id, round_mutation_id, action, reason, print_job_id, created_at`

// InsertOrFetchRoundAction records a round action unless one already exists
// for the same key, in which case the existing record is returned with
// inserted=false.
func (q *queries) InsertOrFetchRoundAction(ctx context.Context, a KitchenRoundAction) (KitchenRoundAction, bool, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO kitchen_round_actions (`+roundActionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, tab_id, round_mutation_id, action) DO NOTHING
	`,
		a.ID, a.TenantID, a.TabID, a.RoundMutationID, string(a.Action), a.Reason,
		nullString(a.PrintJobID), toMillis(a.CreatedAt),
	)
	if err != nil {
		return KitchenRoundAction{}, false, fmt.Errorf("insert round action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return KitchenRoundAction{}, false, fmt.Errorf("insert round action: rows affected: %w", err)
	}

	stored, err := q.GetRoundAction(ctx, a.TenantID, a.TabID, a.RoundMutationID, a.Action)
	if err != nil {
		return KitchenRoundAction{}, false, fmt.Errorf("insert round action: select existing: %w", err)
	}
	return stored, n > 0, nil
}

// GetRoundAction looks up a round action by its unique key.
func (q *queries) GetRoundAction(ctx context.Context, tenantID, tabID, roundMutationID string, action RoundAction) (KitchenRoundAction, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+roundActionColumns+` FROM kitchen_round_actions
		WHERE tenant_id = ? AND tab_id = ? AND round_mutation_id = ? AND action = ?
	`, tenantID, tabID, roundMutationID, string(action))

	var (
		a          KitchenRoundAction
		rawAction  string
		printJobID sql.NullString
		createdAt  int64
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.TabID, &a.RoundMutationID, &rawAction, &a.Reason, &printJobID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return KitchenRoundAction{}, fmt.Errorf("get round action %s/%s: %w", roundMutationID, action, ErrNotFound)
	}
	if err != nil {
		return KitchenRoundAction{}, fmt.Errorf("get round action %s/%s: %w", roundMutationID, action, err)
	}
	a.Action = RoundAction(rawAction)
	a.PrintJobID = printJobID.String
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}

// SetRoundActionPrintJob attaches the void-ticket print job to an action.
func (q *queries) SetRoundActionPrintJob(ctx context.Context, id, printJobID string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE kitchen_round_actions SET print_job_id = ? WHERE id = ?
	`, nullString(printJobID), id)
	if err != nil {
		return fmt.Errorf("set round action print job %s: %w", id, err)
	}
	return rowsAffectedOne(res, "set round action print job "+id)
}
