package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabkiosk/internal/mutation"
)

func TestSendToKitchen_SkipsWhenNothingChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 1, 100)

	first, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, first.Status)
	assert.Equal(t, int64(3), first.NewVersion)

	tab := f.tab(t, "tab-1")
	assert.Equal(t, int64(3), tab.KitchenLastPrintedVersion)
	assert.NotNil(t, tab.KitchenLastPrintAt)
	rowsBefore := len(f.outbox(t))

	second, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Empty(t, second.MutationID)
	assert.Len(t, f.outbox(t), rowsBefore, "no new outbox row")
	assert.Len(t, f.printer.Jobs(), 1, "nothing printed")

	f.addItem(t, "tab-1", "l2", 1, 100)
	third, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, third.Status)

	rounds, err := f.svc.ListKitchenRounds(ctx, "", "tab-1")
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, int64(0), rounds[0].FromVersion)
	assert.Equal(t, int64(3), rounds[0].PrintedVersion, "a round covers its own version bump")
	assert.Equal(t, rounds[0].PrintedVersion, rounds[1].FromVersion, "rounds are contiguous")
	assert.Equal(t, int64(5), rounds[1].PrintedVersion)
	assert.Equal(t, third.NewVersion, rounds[1].PrintedVersion)
	assert.Equal(t, f.tab(t, "tab-1").KitchenLastPrintedVersion, rounds[1].PrintedVersion,
		"the latest round ends at the kitchen watermark")
	assert.Len(t, rounds[1].Lines, 2)
}

func TestSendToKitchen_PrintFailureRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.printer.Fail(errors.New("printer offline"))

	res, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Print)
	assert.False(t, res.Print.OK)
	assert.Equal(t, "printer offline", res.Print.Error)
}

func TestReprintKitchenRound_UsesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 2, 350)

	round, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)

	_, err = f.svc.UpdateItemQty(ctx, UpdateItemQty{TabID: "tab-1", LineID: "l1", Qty: 9})
	require.NoError(t, err)
	rowsBefore := len(f.outbox(t))

	res, err := f.svc.ReprintKitchenRound(ctx, RoundRef{TabID: "tab-1", RoundMutationID: round.MutationID})
	require.NoError(t, err)
	assert.True(t, res.Print.OK)
	require.Len(t, res.Round.Lines, 1)
	assert.Equal(t, int64(2), res.Round.Lines[0].Qty, "historical quantity, not the live one")
	assert.Equal(t, mutation.StatusPending, res.Round.Status)

	jobs := f.printer.Jobs()
	assert.Equal(t, PrintKitchenReprint, jobs[len(jobs)-1].Kind)
	assert.Len(t, f.outbox(t), rowsBefore, "reprints enqueue nothing")
}

func TestReprintKitchenRound_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	add := f.addItem(t, "tab-1", "l1", 1, 100)

	_, err := f.svc.ReprintKitchenRound(ctx, RoundRef{TabID: "tab-1", RoundMutationID: "no-such-round"})
	requireCode(t, err, CodeRoundNotFound)

	_, err = f.svc.ReprintKitchenRound(ctx, RoundRef{TabID: "tab-1", RoundMutationID: add.MutationID})
	requireCode(t, err, CodeRoundNotFound)
}

func TestCancelKitchenRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	f.addItem(t, "tab-1", "l1", 1, 100)
	round, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)
	rowsBefore := len(f.outbox(t))

	cmd := CancelRound{RoundRef: RoundRef{TabID: "tab-1", RoundMutationID: round.MutationID}, Reason: "guest left"}
	first, err := f.svc.CancelKitchenRound(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.Print)
	assert.Equal(t, first.Print.JobID, first.Action.PrintJobID)
	assert.Equal(t, "guest left", first.Action.Reason)

	jobs := f.printer.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, PrintKitchenVoid, jobs[1].Kind)
	assert.Equal(t, "guest left", jobs[1].Reason)

	second, err := f.svc.CancelKitchenRound(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Print)
	assert.Equal(t, first.Action.ID, second.Action.ID)
	assert.Len(t, f.printer.Jobs(), 2, "void ticket printed once")
	assert.Len(t, f.outbox(t), rowsBefore, "cancellation is a local side-log")
}

// TestKitchenPrintEvent_Golden pins the exact event sent to the remote.
func TestKitchenPrintEvent_Golden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openTab(t, "tab-1")
	_, err := f.svc.AddItem(ctx, AddItem{TabID: "tab-1", LineID: "line-1", ProductID: "coffee", ProductName: "Coffee", Qty: 2, UnitPrice: int64p(350)})
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, AddItem{TabID: "tab-1", LineID: "line-2", ProductID: "bagel", ProductName: "Bagel", Qty: 1, UnitPrice: int64p(275), Notes: "toasted"})
	require.NoError(t, err)

	kitchen, err := f.svc.SendToKitchen(ctx, SendToKitchen{TabID: "tab-1"})
	require.NoError(t, err)
	closed, err := f.svc.ClosePaid(ctx, ClosePaid{TabID: "tab-1", PaymentMethod: "cash", AmountReceived: int64p(1000), PrintReceipt: true})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "kitchen_print_event", indentedPayload(t, f, kitchen.MutationID))
	g.Assert(t, "close_paid_event", indentedPayload(t, f, closed.MutationID))
}

func indentedPayload(t *testing.T, f *fixture, mutationID string) []byte {
	t.Helper()
	row, err := f.store.GetOutboxByMutationID(context.Background(), mutationID)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, json.Indent(&buf, []byte(row.Payload), "", "  "))
	return buf.Bytes()
}
