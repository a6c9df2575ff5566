package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/tabkiosk/internal/mutation"
	"github.com/roach88/tabkiosk/internal/store"
)

// DefaultBatchSize is the number of rows sent per attempt.
const DefaultBatchSize = 50

// MsgNotAcknowledged is recorded on rows the remote did not answer for.
const MsgNotAcknowledged = "not acknowledged by server"

// Clock provides wall time for outbox timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Result aggregates the outcome of one attempt.
type Result struct {
	Processed int `json:"processed"`
	Acked     int `json:"acked"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	// ForceRefresh asks the caller to reload authoritative state before more
	// local edits to the affected tabs.
	ForceRefresh bool   `json:"force_refresh"`
	Pending      int    `json:"pending"`
	LastError    string `json:"last_error,omitempty"`
}

// Add folds o into r. Pending is taken from o.
func (r *Result) Add(o Result) {
	r.Processed += o.Processed
	r.Acked += o.Acked
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
	r.ForceRefresh = r.ForceRefresh || o.ForceRefresh
	r.Pending = o.Pending
	if o.LastError != "" {
		r.LastError = o.LastError
	}
}

// Engine runs single batch attempts against the remote.
type Engine struct {
	store  *store.Store
	remote Remote
	policy store.PendingPolicy
	clock  Clock
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPendingPolicy selects which outbox rows count as work.
func WithPendingPolicy(p store.PendingPolicy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock sets the clock used for outbox timestamps.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine returns an Engine draining st into remote.
func NewEngine(st *store.Store, remote Remote, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  st,
		remote: remote,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the pending policy in use.
func (e *Engine) Policy() store.PendingPolicy {
	return e.policy
}

// Pending counts outstanding rows under the engine's policy.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	return e.store.CountPending(ctx, e.policy)
}

// RunOnce sends up to limit pending rows as one batch and records the
// outcome on every row it picked up.
//
// Remote failures are reflected in row states and Result.LastError; the
// returned error is reserved for local store failures.
func (e *Engine) RunOnce(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := e.store.ListPending(ctx, e.policy, limit)
	if err != nil {
		return Result{}, fmt.Errorf("list pending: %w", err)
	}

	var res Result
	res.Processed = len(rows)

	byID := make(map[string]store.OutboxMutation, len(rows))
	batch := make([]store.OutboxMutation, 0, len(rows))
	payloads := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		if err := checkPayload(row); err != nil {
			e.logger.Warn("unsendable outbox payload",
				"mutation_id", row.MutationID,
				"error", err,
			)
			if err := e.store.MarkFailed(ctx, row.ID, err.Error(), e.now()); err != nil {
				return res, fmt.Errorf("mark failed %s: %w", row.MutationID, err)
			}
			res.Failed++
			res.LastError = err.Error()
			continue
		}
		byID[row.MutationID] = row
		batch = append(batch, row)
		payloads = append(payloads, json.RawMessage(row.Payload))
	}

	if len(batch) > 0 {
		if err := e.send(ctx, batch, byID, payloads, &res); err != nil {
			return res, err
		}
	}

	res.Pending, err = e.store.CountPending(ctx, e.policy)
	if err != nil {
		return res, fmt.Errorf("count pending: %w", err)
	}
	return res, nil
}

func (e *Engine) send(ctx context.Context, batch []store.OutboxMutation, byID map[string]store.OutboxMutation, payloads []json.RawMessage, res *Result) error {
	ids := make([]string, len(batch))
	for i, row := range batch {
		ids[i] = row.ID
	}
	if err := e.store.MarkSent(ctx, ids, e.now()); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	reply, sendErr := e.remote.Send(ctx, payloads)
	if sendErr != nil {
		// Local bookkeeping must survive a cancelled send.
		ctx = context.WithoutCancel(ctx)
	}
	now := e.now()

	switch {
	case sendErr != nil:
		msg := sendErr.Error()
		e.logger.Warn("sync batch failed", "rows", len(batch), "error", sendErr)
		for _, row := range batch {
			if err := e.store.MarkFailed(ctx, row.ID, msg, now); err != nil {
				return fmt.Errorf("mark failed %s: %w", row.MutationID, err)
			}
		}
		res.Failed += len(batch)
		res.LastError = msg
		return nil

	case reply.StatusCode == http.StatusConflict && len(reply.Body.Acks) == 0,
		reply.StatusCode >= 400 && reply.StatusCode != http.StatusConflict:
		msg := reply.Message
		e.logger.Warn("sync batch rejected",
			"status", reply.StatusCode,
			"rows", len(batch),
			"message", msg,
		)
		for _, row := range batch {
			if err := e.store.MarkConflict(ctx, row.ID, msg, now); err != nil {
				return fmt.Errorf("mark conflict %s: %w", row.MutationID, err)
			}
		}
		res.Conflicts += len(batch)
		res.LastError = msg
		res.ForceRefresh = res.ForceRefresh || reply.StatusCode == http.StatusConflict
		return nil
	}

	if reply.StatusCode == http.StatusConflict {
		res.ForceRefresh = true
	}
	return e.applyAcks(ctx, batch, byID, reply.Body, now, res)
}

func (e *Engine) applyAcks(ctx context.Context, batch []store.OutboxMutation, byID map[string]store.OutboxMutation, body Response, now time.Time, res *Result) error {
	reasons := make(map[string]string, len(body.Conflicts))
	for _, c := range body.Conflicts {
		reasons[c.MutationID] = c.Reason
	}

	seen := make(map[string]bool, len(body.Acks))
	for _, ack := range body.Acks {
		row, ok := byID[ack.MutationID]
		if !ok {
			e.logger.Warn("ack for mutation not in batch", "mutation_id", ack.MutationID)
			continue
		}
		if seen[ack.MutationID] {
			continue
		}
		seen[ack.MutationID] = true

		switch ack.Status {
		case AckApplied, AckDuplicate:
			if err := e.store.MarkAcked(ctx, row.ID, now); err != nil {
				return fmt.Errorf("mark acked %s: %w", row.MutationID, err)
			}
			res.Acked++
			if ack.TabVersion != nil {
				advanced, err := e.store.AdvanceSyncedVersion(ctx, row.TabID, *ack.TabVersion, now)
				if err != nil {
					return fmt.Errorf("advance synced version %s: %w", row.TabID, err)
				}
				if advanced {
					e.logger.Debug("synced version advanced", "tab_id", row.TabID, "version", *ack.TabVersion)
				}
			}
		default:
			msg := ack.Message
			if msg == "" {
				msg = reasons[ack.MutationID]
			}
			if msg == "" {
				msg = "remote status " + ack.Status
			}
			if err := e.store.MarkConflict(ctx, row.ID, msg, now); err != nil {
				return fmt.Errorf("mark conflict %s: %w", row.MutationID, err)
			}
			res.Conflicts++
			res.ForceRefresh = true
			res.LastError = msg
		}
	}

	for _, row := range batch {
		if seen[row.MutationID] {
			continue
		}
		if err := e.store.MarkFailed(ctx, row.ID, MsgNotAcknowledged, now); err != nil {
			return fmt.Errorf("mark failed %s: %w", row.MutationID, err)
		}
		res.Failed++
		res.LastError = MsgNotAcknowledged
	}

	e.logger.Info("sync batch done",
		"rows", len(batch),
		"acked", res.Acked,
		"failed", res.Failed,
		"conflicts", res.Conflicts,
	)
	return nil
}

// checkPayload verifies a row can be sent as-is.
func checkPayload(row store.OutboxMutation) error {
	event, err := mutation.ParseObject([]byte(row.Payload))
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if id := event.Str("mutation_id"); id != row.MutationID {
		return fmt.Errorf("invalid payload: mutation_id %q does not match row %q", id, row.MutationID)
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// Remote ack statuses.
const (
	AckApplied   = "APPLIED"
	AckDuplicate = "DUPLICATE"
	AckConflict  = "CONFLICT"
	AckError     = "ERROR"
)
