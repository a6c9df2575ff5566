package pos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/store"
)

func TestOpenTab_CreatesTabAndOutboxRow(t *testing.T) {
	f := newFixture(t)

	res := f.openTab(t, "tab-1")
	assert.Equal(t, int64(0), res.BaseVersion)
	assert.Equal(t, int64(1), res.NewVersion)
	assert.Equal(t, mutation.MustID("tenant-1", "tab-1", mutation.TypeOpenTab, "open:tab-1", nil), res.MutationID)

	tab := f.tab(t, "tab-1")
	assert.Equal(t, store.TabOpen, tab.Status)
	assert.Equal(t, int64(1), tab.FolioNumber)
	assert.Equal(t, "kiosk-1-0001", tab.FolioText)
	assert.Equal(t, res.MutationID, tab.LastMutationID)
	assert.Equal(t, "kiosk-1", tab.KioskID)

	rows := f.outbox(t)
	require.Len(t, rows, 1)
	assert.Equal(t, mutation.TypeOpenTab, rows[0].Type)
	assert.Equal(t, mutation.StatusPending, rows[0].Status)
	assert.Equal(t, int64(0), rows[0].BaseVersion)

	event, err := mutation.ParseObject([]byte(rows[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1-0001", event.Obj("data").Str("folio_text"))
}

func TestOpenTab_Idempotent(t *testing.T) {
	f := newFixture(t)
	first := f.openTab(t, "tab-1")

	second, err := f.svc.OpenTab(context.Background(), OpenTab{TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.MutationID, second.MutationID)
	assert.Equal(t, int64(1), second.Tab.LocalVersion)
	assert.Len(t, f.outbox(t), 1)
}

func TestOpenTab_GeneratesIDAndFolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.OpenTab(ctx, OpenTab{})
	require.NoError(t, err)
	b, err := f.svc.OpenTab(ctx, OpenTab{FolioText: "VIP"})
	require.NoError(t, err)

	assert.NotEqual(t, a.TabID, b.TabID)
	assert.NotEqual(t, a.MutationID, b.MutationID)
	assert.Equal(t, int64(2), b.Tab.FolioNumber)
	assert.Equal(t, "VIP", b.Tab.FolioText)
}

func TestOpenTab_ExistingOpenTabIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertTab(ctx, store.Tab{
		ID: "tab-1", TenantID: "tenant-1", KioskID: "kiosk-1", FolioNumber: 7, FolioText: "remote-7",
		Status: store.TabOpen, LocalVersion: 4, OpenedAt: testStart, CreatedAt: testStart, UpdatedAt: testStart,
	}))

	res, err := f.svc.OpenTab(ctx, OpenTab{TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, int64(4), res.NewVersion)
	assert.Empty(t, f.outbox(t))
}

func TestOpenTab_RejectsForeignOrClosedTab(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertTab(ctx, store.Tab{
		ID: "foreign", TenantID: "tenant-2", KioskID: "k", FolioNumber: 1, FolioText: "k-1",
		Status: store.TabOpen, OpenedAt: testStart, CreatedAt: testStart, UpdatedAt: testStart,
	}))

	_, err := f.svc.OpenTab(ctx, OpenTab{TabID: "foreign"})
	requireCode(t, err, CodeTenantMismatch)

	f.openTab(t, "tab-1")
	_, err = f.svc.CancelTab(ctx, CancelTab{TabID: "tab-1"})
	require.NoError(t, err)

	// The original open is still a duplicate; a new open attempt is not.
	res, err := f.svc.OpenTab(ctx, OpenTab{TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)

	_, err = f.svc.OpenTab(ctx, OpenTab{TabID: "tab-1", OperationKey: "reopen"})
	requireCode(t, err, CodeTabNotOpen)
}

func TestOpenTab_TableReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, tb := range []store.PosTable{
		{ID: "t-active", TenantID: "tenant-1", Name: "Bar", Active: true},
		{ID: "t-inactive", TenantID: "tenant-1", Name: "Closed", Active: false},
		{ID: "t-foreign", TenantID: "tenant-2", Name: "Other", Active: true},
	} {
		tb.CreatedAt, tb.UpdatedAt = testStart, testStart
		require.NoError(t, f.store.UpsertTable(ctx, tb))
	}

	tests := []struct {
		table string
		code  ErrorCode
	}{
		{"t-missing", CodeNotFound},
		{"t-inactive", CodeInvalidInput},
		{"t-foreign", CodeTenantMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			_, err := f.svc.OpenTab(ctx, OpenTab{TabID: "tab-" + tt.table, TableID: tt.table})
			requireCode(t, err, tt.code)
		})
	}

	res, err := f.svc.OpenTab(ctx, OpenTab{TabID: "tab-ok", TableID: "t-active"})
	require.NoError(t, err)
	assert.Equal(t, "t-active", res.Tab.TableID)
}

func TestClosePaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 2, 350)
	f.addItem(t, "tab-1", "l2", 1, 275)

	_, err := f.svc.ClosePaid(ctx, ClosePaid{TabID: "tab-1", PaymentMethod: "cash", AmountReceived: int64p(900)})
	requireCode(t, err, CodeInvalidInput)

	f.clock.Advance(time.Minute)
	res, err := f.svc.ClosePaid(ctx, ClosePaid{
		TabID: "tab-1", PaymentMethod: "cash", AmountReceived: int64p(1000), PrintReceipt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Print)
	assert.True(t, res.Print.OK)

	tab := f.tab(t, "tab-1")
	assert.Equal(t, store.TabPaid, tab.Status)
	require.NotNil(t, tab.ClosedAt)
	assert.True(t, testStart.Add(time.Minute).Equal(*tab.ClosedAt))
	assert.Equal(t, store.FinalPrintPrinted, tab.FinalPrintStatus)
	assert.Equal(t, 1, tab.FinalPrintAttempts)

	jobs := f.printer.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, PrintReceiptFinal, jobs[0].Kind)
	assert.Equal(t, int64(975), jobs[0].Total)
	assert.Equal(t, int64(25), jobs[0].Change)
	assert.Len(t, jobs[0].Lines, 2)

	// Retrying the close neither re-applies nor re-prints.
	again, err := f.svc.ClosePaid(ctx, ClosePaid{TabID: "tab-1", PaymentMethod: "cash", PrintReceipt: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
	require.NotNil(t, again.Print)
	assert.Equal(t, res.Print.JobID, again.Print.JobID)
	assert.Len(t, f.printer.Jobs(), 1)

	_, err = f.svc.AddItem(ctx, AddItem{TabID: "tab-1", ProductID: "p", ProductName: "P", Qty: 1, UnitPrice: int64p(1)})
	requireCode(t, err, CodeTabNotOpen)
	_, err = f.svc.CancelTab(ctx, CancelTab{TabID: "tab-1"})
	requireCode(t, err, CodeTabNotOpen)
}

func TestClosePaid_PrintFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.printer.Fail(errors.New("paper out"))

	res, err := f.svc.ClosePaid(ctx, ClosePaid{TabID: "tab-1", PaymentMethod: "card", PrintReceipt: true})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Print)
	assert.False(t, res.Print.OK)
	assert.Equal(t, "paper out", res.Print.Error)

	tab := f.tab(t, "tab-1")
	assert.Equal(t, store.TabPaid, tab.Status)
	assert.Equal(t, store.FinalPrintFailed, tab.FinalPrintStatus)
	assert.Equal(t, "paper out", tab.FinalPrintError)

	row, err := f.store.GetOutboxByMutationID(ctx, res.MutationID)
	require.NoError(t, err)
	event, err := mutation.ParseObject([]byte(row.Payload))
	require.NoError(t, err)
	assert.Equal(t, mutation.Bool(false), event.Obj("data").Obj("print")["ok"])
}

func TestClosePaid_WithoutPrint(t *testing.T) {
	f := newFixture(t)
	f.openTab(t, "tab-1")

	res, err := f.svc.ClosePaid(context.Background(), ClosePaid{TabID: "tab-1", PaymentMethod: "transfer"})
	require.NoError(t, err)
	assert.Nil(t, res.Print)
	assert.Empty(t, f.printer.Jobs())
	assert.Equal(t, store.FinalPrintNone, f.tab(t, "tab-1").FinalPrintStatus)
}

func TestCancelTab(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")

	res, err := f.svc.CancelTab(ctx, CancelTab{TabID: "tab-1", Reason: "walked out"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, store.TabCanceled, res.Tab.Status)
	assert.NotNil(t, res.Tab.ClosedAt)

	again, err := f.svc.CancelTab(ctx, CancelTab{TabID: "tab-1", Reason: "different words"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
	assert.Equal(t, res.MutationID, again.MutationID)

	_, err = f.svc.ClosePaid(ctx, ClosePaid{TabID: "tab-1", PaymentMethod: "cash"})
	requireCode(t, err, CodeTabNotOpen)
}

func TestGetTab(t *testing.T) {
	f := newFixture(t)
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 1, 100)

	view, err := f.svc.GetTab(context.Background(), "", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.Tab.Total)
	require.Len(t, view.Lines, 1)

	_, err = f.svc.GetTab(context.Background(), "", "nope")
	requireCode(t, err, CodeNotFound)
}
