package pos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/store"
)

// OpenTab opens a new tab.
type OpenTab struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,ident"`
	TabID        string `json:"tab_id" validate:"omitempty,ident"` // generated when empty
	TableID      string `json:"table_id" validate:"omitempty,ident"`
	FolioText    string `json:"folio_text" validate:"max=64"`
	MutationID   string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey string `json:"operation_key" validate:"max=200"`
}

// OpenTab creates the tab if absent. Opening a tab that already exists and
// is OPEN is a no-op reported as DUPLICATE. A tab owned by another tenant
// or already closed is rejected.
func (s *Service) OpenTab(ctx context.Context, cmd OpenTab) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}
	kioskID := s.kioskID()
	if kioskID == "" {
		return Result{}, invalidInput("kiosk_id: is required")
	}

	tabID := cmd.TabID
	if tabID == "" {
		tabID = s.ids.Generate()
	}
	key := cmd.OperationKey
	if key == "" {
		key = "open:" + tabID
	}
	o := op{
		typ:      mutation.TypeOpenTab,
		tenantID: tenantID,
		tabID:    tabID,
		override: cmd.MutationID,
		key:      key,
	}

	id, err := s.earlyID(o)
	if err != nil {
		return Result{}, err
	}
	if res, found, err := s.duplicate(ctx, o, id); err != nil || found {
		return res, err
	}

	existing, err := s.store.GetTab(ctx, tabID)
	switch {
	case err == nil:
		if existing.TenantID != tenantID {
			return Result{}, tabError(CodeTenantMismatch, tabID, "tab belongs to another tenant")
		}
		if err := requireOpen(existing); err != nil {
			return Result{}, err
		}
		return Result{
			MutationID:  id,
			Status:      StatusDuplicate,
			TabID:       tabID,
			BaseVersion: existing.LocalVersion,
			NewVersion:  existing.LocalVersion,
			Tab:         existing,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("open tab %s: %w", tabID, err)
	}

	if cmd.TableID != "" {
		if err := s.checkTable(ctx, tenantID, cmd.TableID); err != nil {
			return Result{}, err
		}
	}

	folio, err := s.store.NextFolioNumber(ctx, tenantID, kioskID)
	if err != nil {
		return Result{}, fmt.Errorf("open tab %s: %w", tabID, err)
	}
	folioText := cmd.FolioText
	if folioText == "" {
		folioText = fmt.Sprintf("%s-%04d", kioskID, folio)
	}

	now := s.clock.Now().UTC()
	tab := store.Tab{
		ID:               tabID,
		TenantID:         tenantID,
		KioskID:          kioskID,
		TableID:          cmd.TableID,
		FolioNumber:      folio,
		FolioText:        folioText,
		Status:           store.TabOpen,
		FinalPrintStatus: store.FinalPrintNone,
		OpenedAt:         now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	data := mutation.Object{
		"folio_number": mutation.Int(folio),
		"folio_text":   mutation.String(folioText),
		"opened_at":    mutation.String(now.Format(timestampLayout)),
	}
	if cmd.TableID != "" {
		data["table_id"] = mutation.String(cmd.TableID)
	}

	o.create = func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.GetTab(ctx, tabID)
		if err == nil {
			return tabError(CodeStaleVersion, tabID, "tab was opened concurrently; retry")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.InsertTab(ctx, tab)
	}
	o.apply = func(context.Context, *store.Tx, *store.Tab, time.Time) error { return nil }

	return s.commit(ctx, o, tab, id, plan{data: data})
}

func (s *Service) checkTable(ctx context.Context, tenantID, tableID string) error {
	table, err := s.store.GetTable(ctx, tableID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && table.DeletedAt != nil) {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("table %s not found", tableID)}
	}
	if err != nil {
		return fmt.Errorf("check table %s: %w", tableID, err)
	}
	if table.TenantID != tenantID {
		return &Error{Code: CodeTenantMismatch, Message: fmt.Sprintf("table %s belongs to another tenant", tableID)}
	}
	if !table.Active {
		return invalidInput("table_id: table %s is not active", tableID)
	}
	return nil
}

// ClosePaid closes a tab as paid.
type ClosePaid struct {
	TenantID       string `json:"tenant_id" validate:"omitempty,ident"`
	TabID          string `json:"tab_id" validate:"required,ident"`
	PaymentMethod  string `json:"payment_method" validate:"required,oneof=cash card transfer other"`
	AmountReceived *int64 `json:"amount_received" validate:"omitempty,gte=0"` // defaults to the tab total
	PrintReceipt   bool   `json:"print_receipt"`
	MutationID     string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey   string `json:"operation_key" validate:"max=200"`
}

// ClosePaid moves an OPEN tab to PAID. When requested, the final receipt is
// printed once; its outcome is recorded in the event and on the tab but
// never decides whether the close succeeds.
func (s *Service) ClosePaid(ctx context.Context, cmd ClosePaid) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}
	key := cmd.OperationKey
	if key == "" {
		key = "close-paid:" + cmd.TabID
	}

	var (
		receipt *PrintReceipt
		total   int64
	)
	o := op{
		typ:      mutation.TypeCloseTabPaid,
		tenantID: tenantID,
		tabID:    cmd.TabID,
		override: cmd.MutationID,
		key:      key,
	}
	o.prepare = func(ctx context.Context, tab store.Tab) (plan, error) {
		if err := requireOpen(tab); err != nil {
			return plan{}, err
		}
		total = tab.Total
		received := total
		if cmd.AmountReceived != nil {
			received = *cmd.AmountReceived
		}
		if received < total {
			return plan{}, &Error{
				Code:    CodeInvalidInput,
				Message: fmt.Sprintf("amount_received %d is less than total %d", received, total),
				TabID:   tab.ID,
			}
		}
		return plan{data: mutation.Object{
			"total":           mutation.Int(total),
			"payment_method":  mutation.String(cmd.PaymentMethod),
			"amount_received": mutation.Int(received),
			"change":          mutation.Int(received - total),
		}}, nil
	}
	if cmd.PrintReceipt {
		o.effect = func(ctx context.Context, tab store.Tab, p *plan) {
			lines, err := s.store.ListActiveLines(ctx, tab.ID)
			if err != nil {
				s.logger.Warn("receipt lines unavailable", "tab_id", tab.ID, "error", err)
			}
			received, _ := p.data.Int64("amount_received")
			change, _ := p.data.Int64("change")
			r := s.doPrint(ctx, PrintJob{
				Kind:           PrintReceiptFinal,
				TenantID:       tab.TenantID,
				KioskID:        tab.KioskID,
				TabID:          tab.ID,
				FolioText:      tab.FolioText,
				Lines:          printLines(lines),
				Total:          total,
				PaymentMethod:  cmd.PaymentMethod,
				AmountReceived: received,
				Change:         change,
			})
			receipt = &r
			p.print = &r
			p.data["print"] = printObject(r)
		}
	}
	o.apply = func(_ context.Context, _ *store.Tx, tab *store.Tab, now time.Time) error {
		tab.Status = store.TabPaid
		tab.ClosedAt = &now
		if receipt != nil {
			tab.FinalPrintAttempts++
			if receipt.OK {
				tab.FinalPrintStatus = store.FinalPrintPrinted
				tab.FinalPrintError = ""
			} else {
				tab.FinalPrintStatus = store.FinalPrintFailed
				tab.FinalPrintError = receipt.Error
			}
		}
		return nil
	}
	return s.run(ctx, o)
}

// CancelTab cancels an open tab.
type CancelTab struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,ident"`
	TabID        string `json:"tab_id" validate:"required,ident"`
	Reason       string `json:"reason" validate:"max=500"`
	MutationID   string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey string `json:"operation_key" validate:"max=200"`
}

// CancelTab moves an OPEN tab to CANCELED.
func (s *Service) CancelTab(ctx context.Context, cmd CancelTab) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}
	key := cmd.OperationKey
	if key == "" {
		key = "cancel:" + cmd.TabID
	}
	return s.run(ctx, op{
		typ:      mutation.TypeCancelTab,
		tenantID: tenantID,
		tabID:    cmd.TabID,
		override: cmd.MutationID,
		key:      key,
		prepare: func(_ context.Context, tab store.Tab) (plan, error) {
			if err := requireOpen(tab); err != nil {
				return plan{}, err
			}
			return plan{data: mutation.Object{
				"reason": mutation.String(cmd.Reason),
				"total":  mutation.Int(tab.Total),
			}}, nil
		},
		apply: func(_ context.Context, _ *store.Tx, tab *store.Tab, now time.Time) error {
			tab.Status = store.TabCanceled
			tab.ClosedAt = &now
			return nil
		},
	})
}
