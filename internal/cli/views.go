package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tabkiosk/internal/coordinator"
	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/pos"
	"github.com/roach88/tabkiosk/internal/store"
)

type printView struct {
	JobID string `json:"job_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func newPrintView(r *pos.PrintReceipt) *printView {
	if r == nil {
		return nil
	}
	return &printView{JobID: r.JobID, OK: r.OK, Error: r.Error}
}

// resultView is the output of every mutating command.
type resultView struct {
	MutationID  string     `json:"mutation_id,omitempty"`
	Status      string     `json:"status"`
	TabID       string     `json:"tab_id"`
	LineID      string     `json:"line_id,omitempty"`
	BaseVersion int64      `json:"base_version"`
	NewVersion  int64      `json:"new_version"`
	Total       int64      `json:"total"`
	Print       *printView `json:"print,omitempty"`
}

func newResultView(r pos.Result) resultView {
	return resultView{
		MutationID:  r.MutationID,
		Status:      string(r.Status),
		TabID:       r.TabID,
		LineID:      r.LineID,
		BaseVersion: r.BaseVersion,
		NewVersion:  r.NewVersion,
		Total:       r.Tab.Total,
		Print:       newPrintView(r.Print),
	}
}

func (v resultView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s tab=%s", v.Status, v.TabID)
	if v.LineID != "" {
		fmt.Fprintf(&b, " line=%s", v.LineID)
	}
	fmt.Fprintf(&b, " v%d->v%d total=%s", v.BaseVersion, v.NewVersion, money(v.Total))
	if v.MutationID != "" {
		fmt.Fprintf(&b, " mutation=%s", v.MutationID)
	}
	if v.Print != nil {
		if v.Print.OK {
			fmt.Fprintf(&b, " printed=%s", v.Print.JobID)
		} else {
			fmt.Fprintf(&b, " print-failed=%q", v.Print.Error)
		}
	}
	return b.String()
}

type lineView struct {
	LineID      string `json:"line_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Qty         int64  `json:"qty"`
	UnitPrice   int64  `json:"unit_price"`
	Subtotal    int64  `json:"subtotal"`
	Notes       string `json:"notes,omitempty"`
}

// tabView is a tab with its lines.
type tabView struct {
	TabID             string     `json:"tab_id"`
	FolioText         string     `json:"folio_text"`
	TableID           string     `json:"table_id,omitempty"`
	Status            string     `json:"status"`
	Total             int64      `json:"total"`
	LocalVersion      int64      `json:"local_version"`
	LastSyncedVersion int64      `json:"last_synced_version"`
	KitchenVersion    int64      `json:"kitchen_last_printed_version"`
	FinalPrintStatus  string     `json:"final_print_status"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	Lines             []lineView `json:"lines"`
}

func newTabView(t store.Tab, lines []store.TabLine) tabView {
	v := tabView{
		TabID:             t.ID,
		FolioText:         t.FolioText,
		TableID:           t.TableID,
		Status:            string(t.Status),
		Total:             t.Total,
		LocalVersion:      t.LocalVersion,
		LastSyncedVersion: t.LastSyncedVersion,
		KitchenVersion:    t.KitchenLastPrintedVersion,
		FinalPrintStatus:  string(t.FinalPrintStatus),
		OpenedAt:          t.OpenedAt,
		ClosedAt:          t.ClosedAt,
		Lines:             make([]lineView, 0, len(lines)),
	}
	for _, l := range lines {
		v.Lines = append(v.Lines, lineView{
			LineID:      l.ID,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Subtotal:    l.Subtotal(),
			Notes:       l.Notes,
		})
	}
	return v
}

func (v tabView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s  v%d (synced v%d)\n", v.FolioText, v.TabID, v.Status, v.LocalVersion, v.LastSyncedVersion)
	for _, l := range v.Lines {
		fmt.Fprintf(&b, "  %-12s %3d x %-24s %10s\n", l.LineID, l.Qty, l.ProductName, money(l.Subtotal))
	}
	fmt.Fprintf(&b, "  TOTAL %s", money(v.Total))
	return b.String()
}

type tabListView []tabView

func (v tabListView) Text() string {
	if len(v) == 0 {
		return "no open tabs"
	}
	rows := make([]string, len(v))
	for i, t := range v {
		rows[i] = fmt.Sprintf("%-14s %-38s %10s  v%d", t.FolioText, t.TabID, money(t.Total), t.LocalVersion)
	}
	return strings.Join(rows, "\n")
}

type roundView struct {
	MutationID     string          `json:"mutation_id"`
	FromVersion    int64           `json:"from_version"`
	PrintedVersion int64           `json:"printed_version"`
	Lines          []pos.PrintLine `json:"lines"`
	Status         mutation.Status `json:"status"`
}

func newRoundView(r pos.KitchenRound) roundView {
	return roundView{
		MutationID:     r.MutationID,
		FromVersion:    r.FromVersion,
		PrintedVersion: r.PrintedVersion,
		Lines:          r.Lines,
		Status:         r.Status,
	}
}

type roundActionView struct {
	Round     roundView  `json:"round"`
	Action    string     `json:"action,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Duplicate bool       `json:"duplicate"`
	Print     *printView `json:"print,omitempty"`
}

func (v roundActionView) Text() string {
	s := fmt.Sprintf("round %s (v%d..v%d, %d lines)", v.Round.MutationID, v.Round.FromVersion, v.Round.PrintedVersion, len(v.Round.Lines))
	if v.Action != "" {
		s += " " + v.Action
	}
	if v.Duplicate {
		s += " (already recorded)"
	}
	if v.Print != nil && !v.Print.OK {
		s += fmt.Sprintf(" print-failed=%q", v.Print.Error)
	}
	return s
}

type outboxView struct {
	MutationID  string          `json:"mutation_id"`
	TabID       string          `json:"tab_id"`
	Type        mutation.Type   `json:"type"`
	BaseVersion int64           `json:"base_version"`
	Status      mutation.Status `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type outboxListView []outboxView

func newOutboxListView(rows []store.OutboxMutation) outboxListView {
	v := make(outboxListView, len(rows))
	for i, r := range rows {
		v[i] = outboxView{
			MutationID:  r.MutationID,
			TabID:       r.TabID,
			Type:        r.Type,
			BaseVersion: r.BaseVersion,
			Status:      r.Status,
			Attempts:    r.Attempts,
			LastError:   r.LastError,
			CreatedAt:   r.CreatedAt,
		}
	}
	return v
}

func (v outboxListView) Text() string {
	if len(v) == 0 {
		return "outbox is empty"
	}
	rows := make([]string, len(v))
	for i, r := range v {
		rows[i] = fmt.Sprintf("%-8s %-16s %s tab=%s v%d attempts=%d", r.Status, r.Type, r.MutationID, r.TabID, r.BaseVersion, r.Attempts)
		if r.LastError != "" {
			rows[i] += " error=" + fmt.Sprintf("%q", r.LastError)
		}
	}
	return strings.Join(rows, "\n")
}

type statsView struct {
	Counts  map[mutation.Status]int `json:"counts"`
	Pending int                     `json:"pending"`
}

func (v statsView) Text() string {
	var b strings.Builder
	for _, s := range mutation.AllStatuses {
		fmt.Fprintf(&b, "%-8s %d\n", s, v.Counts[s])
	}
	fmt.Fprintf(&b, "pending  %d", v.Pending)
	return b.String()
}

type syncView struct {
	Processed    int    `json:"processed"`
	Acked        int    `json:"acked"`
	Failed       int    `json:"failed"`
	Conflicts    int    `json:"conflicts"`
	Pending      int    `json:"pending"`
	Batches      int    `json:"batches"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	ForceRefresh bool   `json:"force_refresh"`
	LastError    string `json:"last_error,omitempty"`
}

func newSyncView(r coordinator.TickResult) syncView {
	return syncView{
		Processed:    r.Processed,
		Acked:        r.Acked,
		Failed:       r.Result.Failed,
		Conflicts:    r.Conflicts,
		Pending:      r.Pending,
		Batches:      r.Batches,
		ElapsedMS:    r.Elapsed.Milliseconds(),
		ForceRefresh: r.ForceRefresh,
		LastError:    r.FailureReason(),
	}
}

func (v syncView) Text() string {
	s := fmt.Sprintf("processed=%d acked=%d failed=%d conflicts=%d pending=%d batches=%d (%dms)",
		v.Processed, v.Acked, v.Failed, v.Conflicts, v.Pending, v.Batches, v.ElapsedMS)
	if v.ForceRefresh {
		s += "\nremote state changed: reload tabs before editing further"
	}
	if v.LastError != "" {
		s += "\nlast error: " + v.LastError
	}
	return s
}
