package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/tabkiosk/internal/pos"
)

// TicketPrinter renders print jobs as plain-text tickets on a writer. It
// stands in for the kiosk printer driver on the command line.
type TicketPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTicketPrinter returns a printer writing to w.
func NewTicketPrinter(w io.Writer) *TicketPrinter {
	return &TicketPrinter{w: w}
}

// Print implements pos.Printer.
func (p *TicketPrinter) Print(_ context.Context, job pos.PrintJob) (pos.PrintReceipt, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "==== %s ====\n", ticketTitle(job.Kind))
	fmt.Fprintf(&b, "folio %s  tab %s\n", job.FolioText, job.TabID)
	for _, l := range job.Lines {
		fmt.Fprintf(&b, "%3d x %-24s", l.Qty, l.ProductName)
		if job.Kind == pos.PrintReceiptFinal {
			fmt.Fprintf(&b, " %10s", money(l.Qty*l.UnitPrice))
		}
		b.WriteString("\n")
		if l.Notes != "" {
			fmt.Fprintf(&b, "      > %s\n", l.Notes)
		}
	}
	if job.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", job.Reason)
	}
	if job.Kind == pos.PrintReceiptFinal {
		fmt.Fprintf(&b, "TOTAL %s  (%s)\n", money(job.Total), job.PaymentMethod)
		if job.AmountReceived > 0 {
			fmt.Fprintf(&b, "received %s  change %s\n", money(job.AmountReceived), money(job.Change))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, b.String()); err != nil {
		return pos.PrintReceipt{}, err
	}
	return pos.PrintReceipt{JobID: uuid.NewString(), OK: true}, nil
}

func ticketTitle(k pos.PrintKind) string {
	switch k {
	case pos.PrintKitchen:
		return "KITCHEN"
	case pos.PrintKitchenReprint:
		return "KITCHEN (REPRINT)"
	case pos.PrintKitchenVoid:
		return "KITCHEN VOID"
	case pos.PrintReceiptFinal:
		return "RECEIPT"
	}
	return string(k)
}

// money formats minor units with two decimals.
func money(minor int64) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
