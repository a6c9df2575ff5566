package pos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RuntimeConfig is the read-only identity of this kiosk.
type RuntimeConfig interface {
	TenantID() string
	KioskID() string
}

// Product is a catalog entry. Price is in minor currency units.
type Product struct {
	ID    string
	Name  string
	Price int64
}

// Catalog resolves product ids. It enriches payloads only; a lookup failure
// never blocks a mutation whose caller supplied name and price.
type Catalog interface {
	Product(ctx context.Context, tenantID, productID string) (Product, error)
}

// ErrProductNotFound is returned by catalogs for unknown product ids.
var ErrProductNotFound = errors.New("product not found")

// StaticCatalog is an in-memory Catalog.
type StaticCatalog map[string]Product

// Product implements Catalog.
func (c StaticCatalog) Product(_ context.Context, _ string, productID string) (Product, error) {
	p, ok := c[productID]
	if !ok {
		return Product{}, fmt.Errorf("%s: %w", productID, ErrProductNotFound)
	}
	return p, nil
}

// PrintKind distinguishes the physical tickets the service emits.
type PrintKind string

const (
	PrintKitchen        PrintKind = "KITCHEN"
	PrintKitchenReprint PrintKind = "KITCHEN_REPRINT"
	PrintKitchenVoid    PrintKind = "KITCHEN_VOID"
	PrintReceiptFinal   PrintKind = "RECEIPT"
)

// PrintLine is one line on a printed ticket.
type PrintLine struct {
	LineID      string
	ProductID   string
	ProductName string
	Qty         int64
	UnitPrice   int64
	Notes       string
}

// PrintJob is a ticket to print.
type PrintJob struct {
	Kind           PrintKind
	TenantID       string
	KioskID        string
	TabID          string
	FolioText      string
	Lines          []PrintLine
	Total          int64
	PaymentMethod  string
	AmountReceived int64
	Change         int64
	Reason         string
}

// PrintReceipt is the outcome of a print attempt. It is recorded into the
// mutation payload; it never decides whether the mutation is valid.
type PrintReceipt struct {
	JobID string
	OK    bool
	Error string
}

// Printer sends tickets to a physical printer.
type Printer interface {
	Print(ctx context.Context, job PrintJob) (PrintReceipt, error)
}

// DiscardPrinter accepts every job without printing.
type DiscardPrinter struct{}

// Print implements Printer.
func (DiscardPrinter) Print(context.Context, PrintJob) (PrintReceipt, error) {
	return PrintReceipt{JobID: "discard-" + uuid.NewString(), OK: true}, nil
}

// RecordingPrinter keeps every job in memory. Fail makes subsequent prints
// report an error. Used by tests and dry runs.
type RecordingPrinter struct {
	mu   sync.Mutex
	jobs []PrintJob
	fail error
}

// Print implements Printer.
func (p *RecordingPrinter) Print(_ context.Context, job PrintJob) (PrintReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return PrintReceipt{}, p.fail
	}
	p.jobs = append(p.jobs, job)
	return PrintReceipt{JobID: fmt.Sprintf("job-%d", len(p.jobs)), OK: true}, nil
}

// Fail makes every later Print return err. A nil err restores success.
func (p *RecordingPrinter) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Jobs returns a copy of the printed jobs.
func (p *RecordingPrinter) Jobs() []PrintJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PrintJob(nil), p.jobs...)
}

// WriteNotifier is told after each APPLIED mutation so a sync can be
// scheduled. It must not block.
type WriteNotifier interface {
	NotifyLocalWrite()
}

// Clock provides wall time for timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator creates storage ids for new rows (tabs, lines, outbox rows).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
