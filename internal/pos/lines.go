package pos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/store"
)

// AddItem adds a product line to a tab.
type AddItem struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,ident"`
	TabID        string `json:"tab_id" validate:"required,ident"`
	LineID       string `json:"line_id" validate:"omitempty,ident"` // generated when empty
	ProductID    string `json:"product_id" validate:"required,ident"`
	ProductName  string `json:"product_name" validate:"max=200"`
	Qty          int64  `json:"qty" validate:"gt=0,lte=9999"`
	UnitPrice    *int64 `json:"unit_price" validate:"omitempty,gte=0"`
	Notes        string `json:"notes" validate:"max=500"`
	MutationID   string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey string `json:"operation_key" validate:"max=200"`
}

// AddItem inserts a new line. Each call without an explicit line id gets a
// fresh line and therefore a distinct mutation id; adding the same product
// twice yields two lines.
func (s *Service) AddItem(ctx context.Context, cmd AddItem) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}

	lineID := cmd.LineID
	if lineID == "" {
		lineID = s.ids.Generate()
	}
	key := cmd.OperationKey
	if key == "" {
		key = "add:" + lineID
	}

	var line store.TabLine
	return s.run(ctx, op{
		typ:      mutation.TypeAddItem,
		tenantID: tenantID,
		tabID:    cmd.TabID,
		lineID:   lineID,
		override: cmd.MutationID,
		key:      key,
		prepare: func(ctx context.Context, tab store.Tab) (plan, error) {
			if err := requireOpen(tab); err != nil {
				return plan{}, err
			}
			if _, err := s.store.GetLine(ctx, lineID); err == nil {
				return plan{}, &Error{Code: CodeInvalidInput, Message: "line_id: already exists", TabID: tab.ID, LineID: lineID}
			} else if !errors.Is(err, store.ErrNotFound) {
				return plan{}, fmt.Errorf("add item: %w", err)
			}

			name, price, err := s.resolveProduct(ctx, tenantID, cmd)
			if err != nil {
				return plan{}, err
			}
			line = store.TabLine{
				ID:          lineID,
				TenantID:    tenantID,
				TabID:       tab.ID,
				ProductID:   cmd.ProductID,
				ProductName: name,
				Qty:         cmd.Qty,
				UnitPrice:   price,
				Notes:       cmd.Notes,
			}
			return plan{data: mutation.Object{
				"line_id":      mutation.String(lineID),
				"product_id":   mutation.String(cmd.ProductID),
				"product_name": mutation.String(name),
				"qty":          mutation.Int(cmd.Qty),
				"unit_price":   mutation.Int(price),
				"notes":        mutation.String(cmd.Notes),
			}}, nil
		},
		apply: func(ctx context.Context, tx *store.Tx, tab *store.Tab, now time.Time) error {
			line.CreatedAt, line.UpdatedAt = now, now
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
			return recomputeTotal(ctx, tx, tab)
		},
	})
}

// resolveProduct fills in name and price from the catalog when the caller
// left them out. Caller-supplied values always win.
func (s *Service) resolveProduct(ctx context.Context, tenantID string, cmd AddItem) (string, int64, error) {
	name := cmd.ProductName
	var price int64
	if cmd.UnitPrice != nil {
		price = *cmd.UnitPrice
	}
	if name != "" && cmd.UnitPrice != nil {
		return name, price, nil
	}
	if s.catalog == nil {
		return "", 0, invalidInput("product_name and unit_price are required without a catalog")
	}
	p, err := s.catalog.Product(ctx, tenantID, cmd.ProductID)
	if err != nil {
		return "", 0, invalidInput("product %s: %v; supply product_name and unit_price", cmd.ProductID, err)
	}
	if name == "" {
		name = p.Name
	}
	if cmd.UnitPrice == nil {
		price = p.Price
	}
	if name == "" {
		name = cmd.ProductID
	}
	if price < 0 {
		return "", 0, invalidInput("unit_price: catalog price for %s is negative", cmd.ProductID)
	}
	return name, price, nil
}

// UpdateItemQty sets the quantity of a line.
type UpdateItemQty struct {
	TenantID string `json:"tenant_id" validate:"omitempty,ident"`
	TabID    string `json:"tab_id" validate:"required,ident"`
	LineID   string `json:"line_id" validate:"required,ident"`
	Qty      int64  `json:"qty" validate:"gt=0,lte=9999"`

	// ExpectedVersion is the tab version the caller based the change on.
	// When set, the mutation id is pinned to (line, qty, version) and a
	// tab that has moved on is rejected as STALE_VERSION.
	ExpectedVersion *int64 `json:"expected_version" validate:"omitempty,gte=0"`

	MutationID   string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey string `json:"operation_key" validate:"max=200"`
}

// UpdateItemQty changes a line quantity. Without an operation key or
// expected version the mutation id is derived from the event payload, which
// includes the base version, so undoing and redoing a change yields distinct
// ids. Repeating the tab's latest change is DUPLICATE of it; any other
// request for the quantity the line already has is SKIPPED. A replay that
// must survive intervening edits should pin ExpectedVersion.
func (s *Service) UpdateItemQty(ctx context.Context, cmd UpdateItemQty) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}

	key := cmd.OperationKey
	if key == "" && cmd.ExpectedVersion != nil {
		key = fmt.Sprintf("qty:%s:%d@%d", cmd.LineID, cmd.Qty, *cmd.ExpectedVersion)
	}

	return s.run(ctx, op{
		typ:      mutation.TypeUpdateItemQty,
		tenantID: tenantID,
		tabID:    cmd.TabID,
		lineID:   cmd.LineID,
		override: cmd.MutationID,
		key:      key,
		prepare: func(ctx context.Context, tab store.Tab) (plan, error) {
			if err := requireOpen(tab); err != nil {
				return plan{}, err
			}
			if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != tab.LocalVersion {
				return plan{}, tabError(CodeStaleVersion, tab.ID,
					"expected version %d, tab is at %d", *cmd.ExpectedVersion, tab.LocalVersion)
			}
			line, err := s.lineInTab(ctx, tab, cmd.LineID)
			if err != nil {
				return plan{}, err
			}
			if line.Qty == cmd.Qty {
				return plan{skip: true, replayOf: s.lastQtyChange(ctx, tab, line.ID, cmd.Qty)}, nil
			}
			return plan{data: mutation.Object{
				"line_id":      mutation.String(line.ID),
				"qty":          mutation.Int(cmd.Qty),
				"previous_qty": mutation.Int(line.Qty),
				"base_version": mutation.Int(tab.LocalVersion),
			}}, nil
		},
		apply: func(ctx context.Context, tx *store.Tx, tab *store.Tab, now time.Time) error {
			if err := tx.UpdateLineQty(ctx, cmd.LineID, cmd.Qty, now); err != nil {
				return err
			}
			return recomputeTotal(ctx, tx, tab)
		},
	})
}

// lastQtyChange returns the tab's last applied mutation when it set lineID
// to qty, or "".
func (s *Service) lastQtyChange(ctx context.Context, tab store.Tab, lineID string, qty int64) string {
	if tab.LastMutationID == "" {
		return ""
	}
	row, err := s.store.GetOutboxByMutationID(ctx, tab.LastMutationID)
	if err != nil || row.Type != mutation.TypeUpdateItemQty {
		return ""
	}
	event, err := mutation.ParseObject([]byte(row.Payload))
	if err != nil {
		return ""
	}
	data := event.Obj("data")
	if got, ok := data.Int64("qty"); !ok || got != qty || data.Str("line_id") != lineID {
		return ""
	}
	return row.MutationID
}

// RemoveItem soft-deletes a line.
type RemoveItem struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,ident"`
	TabID        string `json:"tab_id" validate:"required,ident"`
	LineID       string `json:"line_id" validate:"required,ident"`
	MutationID   string `json:"mutation_id" validate:"omitempty,ident"`
	OperationKey string `json:"operation_key" validate:"max=200"`
}

// RemoveItem soft-deletes a line and recomputes the total.
func (s *Service) RemoveItem(ctx context.Context, cmd RemoveItem) (Result, error) {
	if err := s.validateCommand(cmd); err != nil {
		return Result{}, err
	}
	tenantID, err := s.resolveTenant(cmd.TenantID)
	if err != nil {
		return Result{}, err
	}
	key := cmd.OperationKey
	if key == "" {
		key = "remove:" + cmd.LineID
	}

	return s.run(ctx, op{
		typ:      mutation.TypeRemoveItem,
		tenantID: tenantID,
		tabID:    cmd.TabID,
		lineID:   cmd.LineID,
		override: cmd.MutationID,
		key:      key,
		prepare: func(ctx context.Context, tab store.Tab) (plan, error) {
			if err := requireOpen(tab); err != nil {
				return plan{}, err
			}
			line, err := s.lineInTab(ctx, tab, cmd.LineID)
			if err != nil {
				return plan{}, err
			}
			return plan{data: mutation.Object{
				"line_id":    mutation.String(line.ID),
				"product_id": mutation.String(line.ProductID),
				"qty":        mutation.Int(line.Qty),
				"unit_price": mutation.Int(line.UnitPrice),
			}}, nil
		},
		apply: func(ctx context.Context, tx *store.Tx, tab *store.Tab, now time.Time) error {
			if err := tx.SoftDeleteLine(ctx, cmd.LineID, now); err != nil {
				return err
			}
			return recomputeTotal(ctx, tx, tab)
		},
	})
}

// lineInTab loads a line and checks it is a live line of tab.
func (s *Service) lineInTab(ctx context.Context, tab store.Tab, lineID string) (store.TabLine, error) {
	line, err := s.store.GetLine(ctx, lineID)
	if errors.Is(err, store.ErrNotFound) {
		return store.TabLine{}, &Error{Code: CodeNotFound, Message: "line not found", TabID: tab.ID, LineID: lineID}
	}
	if err != nil {
		return store.TabLine{}, fmt.Errorf("load line %s: %w", lineID, err)
	}
	if line.TabID != tab.ID || line.TenantID != tab.TenantID || line.DeletedAt != nil {
		return store.TabLine{}, &Error{Code: CodeLineNotInTab, Message: "line is not an active line of this tab", TabID: tab.ID, LineID: lineID}
	}
	return line, nil
}

// recomputeTotal sets tab.Total from scratch over non-deleted lines.
func recomputeTotal(ctx context.Context, tx *store.Tx, tab *store.Tab) error {
	total, err := tx.SumActiveLines(ctx, tab.ID)
	if err != nil {
		return err
	}
	tab.Total = total
	return nil
}
