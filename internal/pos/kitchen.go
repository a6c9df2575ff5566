package pos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/store"
)

// SendToKitchen prints the current lines of a tab as a kitchen round.
type SendToKitchen struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,ident"`
	TabID        string `json:"tab_id" validate:"required,ident"`
	MutationID   string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey string `json:"operation_key" validate:"max=200"`
}

// SendToKitchen emits a kitchen round covering versions (from, printed].
// When nothing changed since the last round it returns SKIPPED and enqueues
// nothing. The event snapshots the full line list so the round can later be
// reprinted or voided exactly as it was sent.
func (s *Service) SendToKitchen(ctx context.Context, cmd SendToKitchen) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}

	var lines []store.TabLine
	o := op{
		typ:      mutation.TypeKitchenPrint,
		tenantID: tenantID,
		tabID:    cmd.TabID,
		override: cmd.MutationID,
		key:      cmd.OperationKey,
	}
	o.prepare = func(ctx context.Context, tab store.Tab) (plan, error) {
		if err := requireOpen(tab); err != nil {
			return plan{}, err
		}
		from := tab.KitchenLastPrintedVersion
		base := tab.LocalVersion
		if base <= from {
			return plan{skip: true}, nil
		}

		var err error
		lines, err = s.store.ListActiveLines(ctx, tab.ID)
		if err != nil {
			return plan{}, fmt.Errorf("kitchen print: %w", err)
		}
		// A round covers (from, base+1]: its own bump is part of what the
		// kitchen has seen, so printed_version equals the new watermark.
		return plan{
			key: fmt.Sprintf("kitchen:%s:%d-%d", tab.ID, from, base),
			data: mutation.Object{
				"from_version":    mutation.Int(from),
				"printed_version": mutation.Int(base + 1),
				"lines":           snapshotLines(lines),
			},
		}, nil
	}
	o.effect = func(ctx context.Context, tab store.Tab, p *plan) {
		r := s.doPrint(ctx, PrintJob{
			Kind:      PrintKitchen,
			TenantID:  tab.TenantID,
			KioskID:   tab.KioskID,
			TabID:     tab.ID,
			FolioText: tab.FolioText,
			Lines:     printLines(lines),
		})
		p.print = &r
		p.data["print"] = printObject(r)
	}
	o.apply = func(_ context.Context, _ *store.Tx, tab *store.Tab, now time.Time) error {
		// Matches printed_version, so an immediate second send is a no-op.
		tab.KitchenLastPrintedVersion = tab.LocalVersion
		tab.KitchenLastPrintAt = &now
		return nil
	}
	return s.run(ctx, o)
}

func snapshotLines(lines []store.TabLine) mutation.Array {
	arr := make(mutation.Array, len(lines))
	for i, l := range lines {
		arr[i] = mutation.Object{
			"line_id":      mutation.String(l.ID),
			"product_id":   mutation.String(l.ProductID),
			"product_name": mutation.String(l.ProductName),
			"qty":          mutation.Int(l.Qty),
			"unit_price":   mutation.Int(l.UnitPrice),
			"notes":        mutation.String(l.Notes),
		}
	}
	return arr
}

// KitchenRound is a kitchen round as it was sent.
type KitchenRound struct {
	MutationID     string
	TabID          string
	FromVersion    int64
	PrintedVersion int64
	Lines          []PrintLine
	Status         mutation.Status // outbox delivery status of the round
}

// RoundRef identifies a historical kitchen round.
type RoundRef struct {
	TenantID        string `json:"tenant_id" validate:"omitempty,ident"`
	TabID           string `json:"tab_id" validate:"required,ident"`
	RoundMutationID string `json:"round_mutation_id" validate:"required,ident"`
}

// RoundPrintResult is the outcome of a reprint.
type RoundPrintResult struct {
	Round KitchenRound
	Print PrintReceipt
}

// ReprintKitchenRound prints a past round again from its stored snapshot.
// It changes no state and enqueues nothing.
func (s *Service) ReprintKitchenRound(ctx context.Context, ref RoundRef) (RoundPrintResult, error) {
	tab, round, err := s.loadRound(ctx, ref)
	if err != nil {
		return RoundPrintResult{}, err
	}
	r := s.doPrint(ctx, PrintJob{
		Kind:      PrintKitchenReprint,
		TenantID:  tab.TenantID,
		KioskID:   tab.KioskID,
		TabID:     tab.ID,
		FolioText: tab.FolioText,
		Lines:     round.Lines,
	})
	s.logger.Info("kitchen round reprinted",
		"tab_id", tab.ID,
		"round_mutation_id", round.MutationID,
		"ok", r.OK,
	)
	return RoundPrintResult{Round: round, Print: r}, nil
}

// CancelRound voids a previously printed kitchen round.
type CancelRound struct {
	RoundRef
	Reason string `json:"reason" validate:"max=500"`
}

// RoundCancelResult is the outcome of a round cancellation.
type RoundCancelResult struct {
	Action    store.KitchenRoundAction
	Round     KitchenRound
	Duplicate bool
	Print     *PrintReceipt // nil for duplicates
}

// CancelKitchenRound records a cancellation for the round and prints a void
// ticket from the round snapshot. Cancelling the same round again returns the
// original record with Duplicate set and prints nothing.
func (s *Service) CancelKitchenRound(ctx context.Context, cmd CancelRound) (RoundCancelResult, error) {
	tab, round, err := s.loadRound(ctx, cmd.RoundRef)
	if err != nil {
		return RoundCancelResult{}, err
	}
	if err := s.validateCommand(cmd); err != nil {
		return RoundCancelResult{}, err
	}

	prior, err := s.store.GetRoundAction(ctx, tab.TenantID, tab.ID, round.MutationID, store.RoundActionCancel)
	if err == nil {
		return RoundCancelResult{Action: prior, Round: round, Duplicate: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return RoundCancelResult{}, fmt.Errorf("cancel round %s: %w", round.MutationID, err)
	}
	if err := requireOpen(tab); err != nil {
		return RoundCancelResult{}, err
	}

	r := s.doPrint(ctx, PrintJob{
		Kind:      PrintKitchenVoid,
		TenantID:  tab.TenantID,
		KioskID:   tab.KioskID,
		TabID:     tab.ID,
		FolioText: tab.FolioText,
		Lines:     round.Lines,
		Reason:    cmd.Reason,
	})

	action, inserted, err := s.store.InsertOrFetchRoundAction(ctx, store.KitchenRoundAction{
		ID:              s.ids.Generate(),
		TenantID:        tab.TenantID,
		TabID:           tab.ID,
		RoundMutationID: round.MutationID,
		Action:          store.RoundActionCancel,
		Reason:          cmd.Reason,
		PrintJobID:      r.JobID,
		CreatedAt:       s.clock.Now().UTC(),
	})
	if err != nil {
		return RoundCancelResult{}, fmt.Errorf("cancel round %s: %w", round.MutationID, err)
	}
	if !inserted {
		return RoundCancelResult{Action: action, Round: round, Duplicate: true}, nil
	}

	s.logger.Info("kitchen round cancelled",
		"tab_id", tab.ID,
		"round_mutation_id", round.MutationID,
		"print_job_id", r.JobID,
	)
	return RoundCancelResult{Action: action, Round: round, Print: &r}, nil
}

// ListKitchenRounds returns the rounds sent for a tab, oldest first.
func (s *Service) ListKitchenRounds(ctx context.Context, tenantID, tabID string) ([]KitchenRound, error) {
	tenantID, err := s.resolveTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadTab(ctx, tenantID, tabID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListOutboxByTab(ctx, tabID)
	if err != nil {
		return nil, fmt.Errorf("list kitchen rounds: %w", err)
	}
	rounds := []KitchenRound{}
	for _, row := range rows {
		if row.Type != mutation.TypeKitchenPrint {
			continue
		}
		round, err := decodeRound(row)
		if err != nil {
			s.logger.Warn("skipping unreadable kitchen round", "mutation_id", row.MutationID, "error", err)
			continue
		}
		rounds = append(rounds, round)
	}
	return rounds, nil
}

func (s *Service) loadRound(ctx context.Context, ref RoundRef) (store.Tab, KitchenRound, error) {
	if err := s.validateCommand(ref); err != nil {
		return store.Tab{}, KitchenRound{}, err
	}
	tenantID, err := s.resolveTenant(ref.TenantID)
	if err != nil {
		return store.Tab{}, KitchenRound{}, err
	}
	tab, err := s.loadTab(ctx, tenantID, ref.TabID)
	if err != nil {
		return store.Tab{}, KitchenRound{}, err
	}

	row, err := s.store.GetOutboxByMutationID(ctx, ref.RoundMutationID)
	if errors.Is(err, store.ErrNotFound) ||
		(err == nil && (row.Type != mutation.TypeKitchenPrint || row.TabID != tab.ID || row.TenantID != tenantID)) {
		return store.Tab{}, KitchenRound{}, tabError(CodeRoundNotFound, tab.ID, "kitchen round %s not found", ref.RoundMutationID)
	}
	if err != nil {
		return store.Tab{}, KitchenRound{}, fmt.Errorf("load round %s: %w", ref.RoundMutationID, err)
	}

	round, err := decodeRound(row)
	if err != nil {
		return store.Tab{}, KitchenRound{}, fmt.Errorf("load round %s: %w", ref.RoundMutationID, err)
	}
	return tab, round, nil
}

// decodeRound reads the line snapshot out of a KITCHEN_PRINT event.
func decodeRound(row store.OutboxMutation) (KitchenRound, error) {
	event, err := mutation.ParseObject([]byte(row.Payload))
	if err != nil {
		return KitchenRound{}, fmt.Errorf("decode round payload: %w", err)
	}
	data := event.Obj("data")
	if data == nil {
		return KitchenRound{}, fmt.Errorf("decode round payload: missing data")
	}
	from, _ := data.Int64("from_version")
	printed, _ := data.Int64("printed_version")

	round := KitchenRound{
		MutationID:     row.MutationID,
		TabID:          row.TabID,
		FromVersion:    from,
		PrintedVersion: printed,
		Lines:          []PrintLine{},
		Status:         row.Status,
	}
	for _, v := range data.Arr("lines") {
		obj, ok := v.(mutation.Object)
		if !ok {
			return KitchenRound{}, fmt.Errorf("decode round payload: line is not an object")
		}
		qty, _ := obj.Int64("qty")
		price, _ := obj.Int64("unit_price")
		round.Lines = append(round.Lines, PrintLine{
			LineID:      obj.Str("line_id"),
			ProductID:   obj.Str("product_id"),
			ProductName: obj.Str("product_name"),
			Qty:         qty,
			UnitPrice:   price,
			Notes:       obj.Str("notes"),
		})
	}
	return round, nil
}
