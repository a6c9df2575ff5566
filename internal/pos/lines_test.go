package pos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabkiosk/internal/mutation"
)

func TestAddItem_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.openTab(t, "tab-1")

	first := f.addItem(t, "tab-1", "l1", 2, 350)
	second := f.addItem(t, "tab-1", "l1", 2, 350)

	assert.Equal(t, StatusApplied, first.Status)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.MutationID, second.MutationID)
	assert.Equal(t, "l1", second.LineID)
	assert.Equal(t, int64(1), first.BaseVersion)
	assert.Equal(t, int64(2), first.NewVersion)

	tab := f.tab(t, "tab-1")
	assert.Equal(t, int64(2), tab.LocalVersion, "version changes exactly once")
	assert.Equal(t, int64(700), tab.Total, "total changes exactly once")
	assert.Len(t, f.outbox(t), 2)
}

func TestAddItem_SameProductTwiceIsDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")

	cmd := AddItem{TabID: "tab-1", ProductID: "coffee", ProductName: "Coffee", Qty: 1, UnitPrice: int64p(350)}
	a, err := f.svc.AddItem(ctx, cmd)
	require.NoError(t, err)
	b, err := f.svc.AddItem(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, a.Status)
	assert.Equal(t, StatusApplied, b.Status)
	assert.NotEqual(t, a.LineID, b.LineID)
	assert.NotEqual(t, a.MutationID, b.MutationID)

	adds := 0
	for _, row := range f.outbox(t) {
		if row.Type == mutation.TypeAddItem {
			adds++
		}
	}
	assert.Equal(t, 2, adds)
	assert.Equal(t, int64(700), f.tab(t, "tab-1").Total)
}

func TestAddItem_CatalogEnrichment(t *testing.T) {
	catalog := StaticCatalog{"coffee": {ID: "coffee", Name: "Coffee", Price: 350}}
	f := newFixture(t, WithCatalog(catalog))
	ctx := context.Background()
	f.openTab(t, "tab-1")

	res, err := f.svc.AddItem(ctx, AddItem{TabID: "tab-1", LineID: "l1", ProductID: "coffee", Qty: 2})
	require.NoError(t, err)
	line, err := f.store.GetLine(ctx, res.LineID)
	require.NoError(t, err)
	assert.Equal(t, "Coffee", line.ProductName)
	assert.Equal(t, int64(350), line.UnitPrice)

	// Caller-supplied price wins over the catalog.
	res, err = f.svc.AddItem(ctx, AddItem{TabID: "tab-1", LineID: "l2", ProductID: "coffee", Qty: 1, UnitPrice: int64p(0)})
	require.NoError(t, err)
	line, err = f.store.GetLine(ctx, res.LineID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), line.UnitPrice)

	// Unknown product without name and price is rejected...
	_, err = f.svc.AddItem(ctx, AddItem{TabID: "tab-1", ProductID: "tea", Qty: 1})
	requireCode(t, err, CodeInvalidInput)

	// ...but a catalog miss never blocks a fully specified line.
	_, err = f.svc.AddItem(ctx, AddItem{TabID: "tab-1", ProductID: "tea", ProductName: "Tea", Qty: 1, UnitPrice: int64p(200)})
	require.NoError(t, err)
}

func TestAddItem_WithoutCatalogNeedsNameAndPrice(t *testing.T) {
	f := newFixture(t)
	f.openTab(t, "tab-1")

	_, err := f.svc.AddItem(context.Background(), AddItem{TabID: "tab-1", ProductID: "coffee", Qty: 1})
	requireCode(t, err, CodeInvalidInput)
}

func TestAddItem_ExistingLineIDWithNewKey(t *testing.T) {
	f := newFixture(t)
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 1, 100)

	_, err := f.svc.AddItem(context.Background(), AddItem{
		TabID: "tab-1", LineID: "l1", ProductID: "p", ProductName: "P", Qty: 1, UnitPrice: int64p(1),
		OperationKey: "another-key",
	})
	requireCode(t, err, CodeInvalidInput)
}

func TestUpdateItemQty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 2, 350)

	unchanged, err := f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, unchanged.Status)
	assert.Empty(t, unchanged.MutationID)

	res, err := f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, int64(1050), res.Tab.Total)
	rowsBefore := len(f.outbox(t))

	retry, err := f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, retry.Status)
	assert.Equal(t, res.MutationID, retry.MutationID)
	assert.False(t, retry.Skipped)
	assert.Equal(t, res.BaseVersion, retry.BaseVersion)
	assert.Equal(t, res.NewVersion, retry.NewVersion)
	assert.Len(t, f.outbox(t), rowsBefore)
	assert.Equal(t, res.NewVersion, f.tab(t, "tab-1").LocalVersion)

	// Undo then redo produces distinct mutations.
	undo, err := f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 2})
	require.NoError(t, err)
	redo, err := f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, redo.Status)
	assert.NotEqual(t, res.MutationID, redo.MutationID)
	assert.NotEqual(t, undo.MutationID, redo.MutationID)

	row, err := f.store.GetOutboxByMutationID(ctx, redo.MutationID)
	require.NoError(t, err)
	event, err := mutation.ParseObject([]byte(row.Payload))
	require.NoError(t, err)
	prev, _ := event.Obj("data").Int64("previous_qty")
	assert.Equal(t, int64(2), prev)
}

func TestUpdateItemQty_ExpectedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 1, 100) // tab now at v2

	cmd := UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 5, ExpectedVersion: int64p(2)}
	res, err := f.svc.UpdateItemQty(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	retry, err := f.svc.UpdateItemQty(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, retry.Status)
	assert.Equal(t, res.MutationID, retry.MutationID)

	_, err = f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 7, ExpectedVersion: int64p(2)})
	requireCode(t, err, CodeStaleVersion)

	// A pinned replay stays a duplicate after other edits landed.
	_, err = f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 8})
	require.NoError(t, err)
	replay, err := f.svc.UpdateItemQty(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, replay.Status)
	assert.Equal(t, res.MutationID, replay.MutationID)
	assert.Equal(t, int64(4), f.tab(t, "tab-1").LocalVersion)
}

func TestUpdateItemQty_LineOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.openTab(t, "tab-2")
	f.addItem(t, "tab-2", "other", 1, 100)

	_, err := f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "other", Qty: 2})
	requireCode(t, err, CodeLineNotInTab)

	_, err = f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "ghost", Qty: 2})
	requireCode(t, err, CodeNotFound)
}

func TestRemoveItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 2, 350)
	f.addItem(t, "tab-1", "l2", 1, 275)

	res, err := f.svc.RemoveItem(ctx, RemoveItem{TabID: "tab-1", LineID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, int64(275), res.Tab.Total)

	again, err := f.svc.RemoveItem(ctx, RemoveItem{TabID: "tab-1", LineID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
	assert.Equal(t, int64(275), f.tab(t, "tab-1").Total)

	line, err := f.store.GetLine(ctx, "l1")
	require.NoError(t, err)
	assert.NotNil(t, line.DeletedAt, "lines are soft-deleted")

	_, err = f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 1})
	requireCode(t, err, CodeLineNotInTab)
}
