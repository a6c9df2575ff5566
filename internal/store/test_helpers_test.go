package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tabkiosk/internal/mutation"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testTab creates an open tab at version 0 with minimal required fields.
func testTab(id, tenantID string) Tab {
	return Tab{
		ID:          id,
		TenantID:    tenantID,
		KioskID:     "kiosk-1",
		FolioNumber: 1,
		FolioText:   "kiosk-1-0001",
		Status:      TabOpen,
		OpenedAt:    testNow,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func insertTestTab(t *testing.T, s *Store, id, tenantID string) Tab {
	t.Helper()
	tab := testTab(id, tenantID)
	if err := s.InsertTab(context.Background(), tab); err != nil {
		t.Fatalf("InsertTab() failed: %v", err)
	}
	return tab
}

func testLine(id, tabID string, qty, unitPrice int64) TabLine {
	return TabLine{
		ID:          id,
		TenantID:    "tenant-1",
		TabID:       tabID,
		ProductID:   "prod-" + id,
		ProductName: "Product " + id,
		Qty:         qty,
		UnitPrice:   unitPrice,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

// testOutbox creates a PENDING outbox row whose storage id is derived from
// the mutation id.
func testOutbox(mutationID, tabID string) OutboxMutation {
	return OutboxMutation{
		ID:          "row-" + mutationID,
		MutationID:  mutationID,
		TenantID:    "tenant-1",
		TabID:       tabID,
		Type:        mutation.TypeAddItem,
		BaseVersion: 0,
		Payload:     `{"mutation_id":"` + mutationID + `"}`,
		CreatedAt:   testNow,
	}
}

func insertTestOutbox(t *testing.T, s *Store, mutationID, tabID string) OutboxMutation {
	t.Helper()
	m, inserted, err := s.InsertOrFetchOutbox(context.Background(), testOutbox(mutationID, tabID))
	if err != nil {
		t.Fatalf("InsertOrFetchOutbox() failed: %v", err)
	}
	if !inserted {
		t.Fatalf("InsertOrFetchOutbox(%s) did not insert", mutationID)
	}
	return m
}
