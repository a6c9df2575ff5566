package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabkiosk/internal/mutation"
)

func TestInsertOrFetchOutbox_Inserts(t *testing.T) {
	s := createTestStore(t)

	m, inserted, err := s.InsertOrFetchOutbox(context.Background(), testOutbox("mut-1", "tab-1"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "row-mut-1", m.ID)
	assert.Equal(t, mutation.StatusPending, m.Status)
	assert.Zero(t, m.Attempts)
	assert.True(t, testNow.Equal(m.UpdatedAt))
}

func TestInsertOrFetchOutbox_ReturnsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	first := insertTestOutbox(t, s, "mut-1", "tab-1")

	again := testOutbox("mut-1", "tab-1")
	again.ID = "row-different"
	again.Payload = `{"other":true}`

	m, inserted, err := s.InsertOrFetchOutbox(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, m.ID)
	assert.Equal(t, first.Payload, m.Payload)

	all, err := s.ListOutboxByTab(ctx, "tab-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInsertOrFetchOutbox_ConcurrentSameID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = map[string]bool{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := testOutbox("mut-race", "tab-1")
			m.ID = "row-" + string(rune('a'+i))
			got, ok, err := s.InsertOrFetchOutbox(ctx, m)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			ids[got.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, inserted, "exactly one writer inserts")
	assert.Len(t, ids, 1, "every writer observes the same row")
}

func TestGetOutboxByMutationID_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetOutboxByMutationID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetOutbox(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPending_OrderAndPolicy(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := insertTestOutbox(t, s, "mut-a", "tab-1")
	b := insertTestOutbox(t, s, "mut-b", "tab-1")
	c := insertTestOutbox(t, s, "mut-c", "tab-1")
	d := insertTestOutbox(t, s, "mut-d", "tab-1")
	e := insertTestOutbox(t, s, "mut-e", "tab-1")

	require.NoError(t, s.MarkAcked(ctx, a.ID, testNow))
	require.NoError(t, s.MarkFailed(ctx, b.ID, "timeout", testNow))
	require.NoError(t, s.MarkConflict(ctx, c.ID, "stale", testNow))
	require.NoError(t, s.MarkSent(ctx, []string{d.ID}, testNow))
	_ = e

	tests := []struct {
		name   string
		policy PendingPolicy
		want   []string
	}{
		{"default excludes conflicts", PendingPolicy{}, []string{"mut-b", "mut-d", "mut-e"}},
		{"include conflicts", PendingPolicy{IncludeConflicts: true}, []string{"mut-b", "mut-c", "mut-d", "mut-e"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.ListPending(ctx, tt.policy, 10)
			require.NoError(t, err)
			got := make([]string, len(rows))
			for i, r := range rows {
				got[i] = r.MutationID
			}
			assert.Equal(t, tt.want, got)

			n, err := s.CountPending(ctx, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
		})
	}

	limited, err := s.ListPending(ctx, PendingPolicy{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListPending(ctx, PendingPolicy{}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOutboxTransitions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	m := insertTestOutbox(t, s, "mut-1", "tab-1")

	sentAt := testNow.Add(time.Second)
	require.NoError(t, s.MarkSent(ctx, []string{m.ID}, sentAt))
	require.NoError(t, s.MarkSent(ctx, []string{m.ID}, sentAt))

	got, err := s.GetOutbox(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.SentAt)
	assert.True(t, sentAt.Equal(*got.SentAt))

	require.NoError(t, s.MarkFailed(ctx, m.ID, "HTTP 503", testNow))
	got, err = s.GetOutbox(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusFailed, got.Status)
	assert.Equal(t, "HTTP 503", got.LastError)

	ackedAt := testNow.Add(time.Minute)
	require.NoError(t, s.MarkAcked(ctx, m.ID, ackedAt))
	got, err = s.GetOutbox(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusAcked, got.Status)
	assert.Empty(t, got.LastError, "ack clears the last error")
	require.NotNil(t, got.AckedAt)
	assert.True(t, ackedAt.Equal(*got.AckedAt))

	// ACKED is terminal.
	assert.ErrorIs(t, s.MarkFailed(ctx, m.ID, "late", testNow), ErrNotFound)
	assert.ErrorIs(t, s.MarkConflict(ctx, m.ID, "late", testNow), ErrNotFound)
	assert.ErrorIs(t, s.MarkAcked(ctx, m.ID, testNow), ErrNotFound)
	require.NoError(t, s.MarkSent(ctx, []string{m.ID}, testNow))

	got, err = s.GetOutbox(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusAcked, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestCountByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, counts, len(mutation.AllStatuses))
	for _, st := range mutation.AllStatuses {
		assert.Zero(t, counts[st])
	}

	a := insertTestOutbox(t, s, "mut-a", "tab-1")
	insertTestOutbox(t, s, "mut-b", "tab-1")
	require.NoError(t, s.MarkAcked(ctx, a.ID, testNow))

	counts, err = s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[mutation.StatusAcked])
	assert.Equal(t, 1, counts[mutation.StatusPending])
	assert.Equal(t, 0, counts[mutation.StatusConflict])
}

func TestListOutbox_FilterAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := insertTestOutbox(t, s, "mut-a", "tab-1")
	insertTestOutbox(t, s, "mut-b", "tab-2")
	insertTestOutbox(t, s, "mut-c", "tab-1")
	require.NoError(t, s.MarkAcked(ctx, a.ID, testNow))

	all, err := s.ListOutbox(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "mut-c", all[0].MutationID, "newest first")

	pending, err := s.ListOutbox(ctx, mutation.StatusPending, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mut-c", pending[0].MutationID)

	byTab, err := s.ListOutboxByTab(ctx, "tab-1")
	require.NoError(t, err)
	require.Len(t, byTab, 2)
	assert.Equal(t, "mut-a", byTab[0].MutationID)
}

func TestOutbox_CommitsWithAggregate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	tab := insertTestTab(t, s, "tab-1", "tenant-1")

	err := s.WithTx(ctx, func(tx *Tx) error {
		tab.LocalVersion = 1
		tab.LastMutationID = "mut-1"
		if err := tx.UpdateTabState(ctx, tab, 0); err != nil {
			return err
		}
		_, _, err := tx.InsertOrFetchOutbox(ctx, testOutbox("mut-1", "tab-1"))
		if err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := s.GetTab(ctx, "tab-1")
	require.NoError(t, err)
	assert.Zero(t, got.LocalVersion, "rolled back with the outbox row")

	_, err = s.GetOutboxByMutationID(ctx, "mut-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
