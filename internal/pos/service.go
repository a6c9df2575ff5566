package pos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/store"
)

// ResultStatus reports what a mutating operation did.
type ResultStatus string

const (
	// StatusApplied means local state changed and an outbox row was enqueued.
	StatusApplied ResultStatus = "APPLIED"

	// StatusDuplicate means the mutation id was already enqueued; nothing changed.
	StatusDuplicate ResultStatus = "DUPLICATE"

	// StatusSkipped means there was nothing to do (for example a kitchen
	// print with no changes since the last round); nothing was enqueued.
	StatusSkipped ResultStatus = "SKIPPED"
)

// Result is returned by every mutating operation.
type Result struct {
	MutationID  string
	Status      ResultStatus
	TabID       string
	LineID      string
	BaseVersion int64
	NewVersion  int64
	Skipped     bool

	// Print is set when the operation attempted a physical print.
	Print *PrintReceipt

	// Tab is the aggregate state after the operation, when it could be read.
	Tab store.Tab
}

// Service is the aggregate write path. Every operation validates, applies
// the local transition at most once and enqueues one outbox row, all in a
// single transaction. It never touches the network.
type Service struct {
	store    *store.Store
	cfg      RuntimeConfig
	catalog  Catalog
	printer  Printer
	notifier WriteNotifier
	clock    Clock
	ids      IDGenerator
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithCatalog sets the product catalog used to fill in names and prices.
func WithCatalog(c Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// WithPrinter sets the ticket printer. Defaults to DiscardPrinter.
func WithPrinter(p Printer) Option {
	return func(s *Service) { s.printer = p }
}

// WithNotifier sets the hook told about every applied mutation.
func WithNotifier(n WriteNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator overrides the storage id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service over st. cfg supplies the kiosk identity.
func NewService(st *store.Store, cfg RuntimeConfig, opts ...Option) *Service {
	s := &Service{
		store:    st,
		cfg:      cfg,
		printer:  DiscardPrinter{},
		clock:    systemClock{},
		ids:      UUIDv7Generator{},
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// op describes one mutating operation for run/commit.
type op struct {
	typ      mutation.Type
	tenantID string
	tabID    string
	lineID   string

	// override is a caller-supplied mutation id.
	override string

	// key is an idempotency key known before state is loaded.
	key string

	// create inserts the aggregate when the operation brings it into
	// existence. Runs inside the transaction.
	create func(ctx context.Context, tx *store.Tx) error

	// prepare enforces state preconditions against the current tab and
	// returns the event data.
	prepare func(ctx context.Context, tab store.Tab) (plan, error)

	// effect runs once for a non-duplicate operation before commit.
	effect func(ctx context.Context, tab store.Tab, p *plan)

	// apply performs the state transition inside the transaction.
	// tab.LocalVersion already holds the new version.
	apply func(ctx context.Context, tx *store.Tx, tab *store.Tab, now time.Time) error
}

// plan is the outcome of prepare.
type plan struct {
	data  mutation.Object
	key   string // set when the idempotency key depends on state
	skip  bool
	// replayOf names the applied mutation a skipped command repeats.
	replayOf string
	print *PrintReceipt
}

// errLostRace aborts a transaction whose outbox insert found an existing row.
var errLostRace = errors.New("mutation enqueued concurrently")

// run executes the full write protocol for an existing tab.
func (s *Service) run(ctx context.Context, o op) (Result, error) {
	early, err := s.earlyID(o)
	if err != nil {
		return Result{}, err
	}
	if early != "" {
		if res, found, err := s.duplicate(ctx, o, early); err != nil || found {
			return res, err
		}
	}

	tab, err := s.loadTab(ctx, o.tenantID, o.tabID)
	if err != nil {
		return Result{}, err
	}

	p, err := o.prepare(ctx, tab)
	if err != nil {
		return Result{}, err
	}
	if p.skip && p.replayOf != "" {
		if res, found, err := s.duplicate(ctx, o, p.replayOf); err != nil || found {
			return res, err
		}
	}
	if p.skip {
		s.logger.Debug("mutation skipped: nothing changed",
			"type", o.typ,
			"tab_id", tab.ID,
			"version", tab.LocalVersion,
		)
		return Result{
			Status:      StatusSkipped,
			TabID:       tab.ID,
			LineID:      o.lineID,
			BaseVersion: tab.LocalVersion,
			NewVersion:  tab.LocalVersion,
			Skipped:     true,
			Tab:         tab,
		}, nil
	}

	id := early
	if id == "" {
		id, err = mutation.ID(o.tenantID, o.tabID, o.typ, p.key, p.data)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", o.typ, err)
		}
		if res, found, err := s.duplicate(ctx, o, id); err != nil || found {
			return res, err
		}
	}

	if o.effect != nil {
		o.effect(ctx, tab, &p)
	}
	return s.commit(ctx, o, tab, id, p)
}

// earlyID resolves the mutation id when it does not depend on state.
func (s *Service) earlyID(o op) (string, error) {
	switch {
	case o.override != "":
		return o.override, nil
	case o.key != "":
		id, err := mutation.ID(o.tenantID, o.tabID, o.typ, o.key, nil)
		if err != nil {
			return "", fmt.Errorf("%s: %w", o.typ, err)
		}
		return id, nil
	default:
		return "", nil
	}
}

// duplicate looks the mutation id up in the outbox.
func (s *Service) duplicate(ctx context.Context, o op, id string) (Result, bool, error) {
	row, err := s.store.GetOutboxByMutationID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("%s: duplicate lookup: %w", o.typ, err)
	}
	if row.TenantID != o.tenantID || row.TabID != o.tabID {
		return Result{}, false, tabError(CodeTenantMismatch, o.tabID,
			"mutation id %s belongs to another tab or tenant", id)
	}

	res := s.duplicateResult(row)
	if tab, err := s.store.GetTab(ctx, row.TabID); err == nil {
		res.Tab = tab
	}
	s.logger.Debug("mutation already enqueued, skipping (idempotent)",
		"mutation_id", id,
		"type", o.typ,
		"tab_id", o.tabID,
		"status", row.Status,
	)
	return res, true, nil
}

func (s *Service) duplicateResult(row store.OutboxMutation) Result {
	res := Result{
		MutationID:  row.MutationID,
		Status:      StatusDuplicate,
		TabID:       row.TabID,
		BaseVersion: row.BaseVersion,
		NewVersion:  row.BaseVersion + 1,
	}
	if event, err := mutation.ParseObject([]byte(row.Payload)); err == nil {
		data := event.Obj("data")
		res.LineID = data.Str("line_id")
		if p := data.Obj("print"); p != nil {
			receipt := PrintReceipt{JobID: p.Str("job_id"), Error: p.Str("error")}
			if ok, isBool := p["ok"].(mutation.Bool); isBool {
				receipt.OK = bool(ok)
			}
			res.Print = &receipt
		}
	}
	return res
}

// commit applies the transition and enqueues the outbox row atomically.
func (s *Service) commit(ctx context.Context, o op, observed store.Tab, id string, p plan) (Result, error) {
	now := s.clock.Now().UTC()
	var res Result

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetOutboxByMutationID(ctx, id)
		if err == nil {
			res = s.duplicateResult(existing)
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if o.create != nil {
			if err := o.create(ctx, tx); err != nil {
				return err
			}
		}

		cur, err := tx.GetTab(ctx, o.tabID)
		if err != nil {
			return err
		}

		next := cur
		var base int64
		if cur.LastMutationID == id {
			// State already carries this mutation; only the enqueue is missing.
			base = cur.LocalVersion - 1
		} else {
			if cur.LocalVersion != observed.LocalVersion {
				return tabError(CodeStaleVersion, o.tabID,
					"tab moved from version %d to %d; retry", observed.LocalVersion, cur.LocalVersion)
			}
			base = cur.LocalVersion
			next.LocalVersion = base + 1
			next.LastMutationID = id
			next.UpdatedAt = now
			if err := o.apply(ctx, tx, &next, now); err != nil {
				return err
			}
			if err := tx.UpdateTabState(ctx, next, base); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return tabError(CodeStaleVersion, o.tabID, "tab changed concurrently; retry")
				}
				return err
			}
		}

		payload, err := s.encodeEvent(id, o, next, base, now, p.data)
		if err != nil {
			return err
		}

		row, inserted, err := tx.InsertOrFetchOutbox(ctx, store.OutboxMutation{
			ID:          s.ids.Generate(),
			MutationID:  id,
			TenantID:    o.tenantID,
			TabID:       o.tabID,
			Type:        o.typ,
			BaseVersion: base,
			Payload:     string(payload),
			Status:      mutation.StatusPending,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			res = s.duplicateResult(row)
			return errLostRace
		}

		res = Result{
			MutationID:  id,
			Status:      StatusApplied,
			TabID:       o.tabID,
			LineID:      o.lineID,
			BaseVersion: base,
			NewVersion:  next.LocalVersion,
			Print:       p.print,
			Tab:         next,
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		err = nil
	}
	if err != nil {
		if IsRejection(err) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%s %s: %w", o.typ, o.tabID, err)
	}

	if res.Status == StatusDuplicate {
		if tab, err := s.store.GetTab(ctx, o.tabID); err == nil {
			res.Tab = tab
		}
		return res, nil
	}

	s.logger.Info("mutation applied",
		"mutation_id", id,
		"type", o.typ,
		"tab_id", o.tabID,
		"base_version", res.BaseVersion,
		"version", res.NewVersion,
	)
	if s.notifier != nil {
		s.notifier.NotifyLocalWrite()
	}
	return res, nil
}

// encodeEvent renders the canonical event stored in the outbox and sent to
// the remote.
func (s *Service) encodeEvent(id string, o op, tab store.Tab, base int64, now time.Time, data mutation.Object) ([]byte, error) {
	if data == nil {
		data = mutation.Object{}
	}
	event := mutation.Object{
		"mutation_id":  mutation.String(id),
		"type":         mutation.String(o.typ),
		"tenant_id":    mutation.String(o.tenantID),
		"kiosk_id":     mutation.String(tab.KioskID),
		"tab_id":       mutation.String(o.tabID),
		"base_version": mutation.Int(base),
		"occurred_at":  mutation.String(now.Format(timestampLayout)),
		"data":         data,
	}
	b, err := mutation.MarshalCanonical(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// resolveTenant defaults an empty tenant to this kiosk's tenant and rejects
// a tenant the kiosk does not serve.
func (s *Service) resolveTenant(tenantID string) (string, error) {
	configured := ""
	if s.cfg != nil {
		configured = s.cfg.TenantID()
	}
	switch {
	case tenantID == "" && configured == "":
		return "", invalidInput("tenant_id: is required")
	case tenantID == "":
		return configured, nil
	case configured != "" && tenantID != configured:
		return "", &Error{Code: CodeTenantMismatch, Message: fmt.Sprintf("kiosk serves tenant %s, not %s", configured, tenantID)}
	default:
		return tenantID, nil
	}
}

func (s *Service) kioskID() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.KioskID()
}

// loadTab reads a tab and checks it exists and belongs to tenantID.
func (s *Service) loadTab(ctx context.Context, tenantID, tabID string) (store.Tab, error) {
	tab, err := s.store.GetTab(ctx, tabID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Tab{}, tabError(CodeNotFound, tabID, "tab not found")
	}
	if err != nil {
		return store.Tab{}, fmt.Errorf("load tab %s: %w", tabID, err)
	}
	if tab.DeletedAt != nil {
		return store.Tab{}, tabError(CodeNotFound, tabID, "tab was deleted")
	}
	if tab.TenantID != tenantID {
		return store.Tab{}, tabError(CodeTenantMismatch, tabID, "tab belongs to another tenant")
	}
	return tab, nil
}

func requireOpen(tab store.Tab) error {
	if tab.Status != store.TabOpen {
		return tabError(CodeTabNotOpen, tab.ID, "tab is %s", tab.Status)
	}
	return nil
}

// TabView is a tab with its active lines.
type TabView struct {
	Tab   store.Tab
	Lines []store.TabLine
}

// GetTab returns a tab and its active lines. It performs no writes.
func (s *Service) GetTab(ctx context.Context, tenantID, tabID string) (TabView, error) {
	tenantID, err := s.resolveTenant(tenantID)
	if err != nil {
		return TabView{}, err
	}
	tab, err := s.loadTab(ctx, tenantID, tabID)
	if err != nil {
		return TabView{}, err
	}
	lines, err := s.store.ListActiveLines(ctx, tabID)
	if err != nil {
		return TabView{}, fmt.Errorf("get tab %s: %w", tabID, err)
	}
	return TabView{Tab: tab, Lines: lines}, nil
}

func printObject(r PrintReceipt) mutation.Object {
	return mutation.Object{
		"job_id": mutation.String(r.JobID),
		"ok":     mutation.Bool(r.OK),
		"error":  mutation.String(r.Error),
	}
}

// doPrint calls the printer and folds transport errors into the receipt.
func (s *Service) doPrint(ctx context.Context, job PrintJob) PrintReceipt {
	receipt, err := s.printer.Print(ctx, job)
	if err != nil {
		s.logger.Warn("print failed",
			"kind", job.Kind,
			"tab_id", job.TabID,
			"error", err,
		)
		return PrintReceipt{JobID: receipt.JobID, OK: false, Error: err.Error()}
	}
	if !receipt.OK && receipt.Error == "" {
		receipt.Error = "printer reported failure"
	}
	return receipt
}

func printLines(lines []store.TabLine) []PrintLine {
	out := make([]PrintLine, len(lines))
	for i, l := range lines {
		out[i] = PrintLine{
			LineID:      l.ID,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Notes:       l.Notes,
		}
	}
	return out
}
