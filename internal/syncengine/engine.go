// Package syncengine drains the local buffer into the central store.
//
// A pass reconnects if needed, walks pending records in append order and
// reconciles each one against the central row for the same (worker, date):
// insert when there is none, update-close when the central row is open and
// the buffered one is closed, and otherwise treat the record as already
// applied. Every record transition is committed on its own, so a pass can
// stop between records without losing anything.
package syncengine

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
)

// DefaultMaxRetryAttempts is used when Options.MaxRetryAttempts is zero.
const DefaultMaxRetryAttempts = 3

// Result summarizes one pass.
type Result struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Pending int  `json:"pending"`
	Aborted bool `json:"aborted"`
}

// Options configures an Engine.
type Options struct {
	Buffer  attendance.LocalBuffer
	Central attendance.CentralStore
	// Locks must be the cache the ledger uses so a record is never
	// reconciled while the ledger is closing it.
	Locks            attendance.LockedKeyedCache
	MaxRetryAttempts int
	Clock            quartz.Clock
	Logger           slog.Logger
	Metrics          *Metrics
}

// Engine runs reconciliation passes. Passes never overlap.
type Engine struct {
	buffer   attendance.LocalBuffer
	central  attendance.CentralStore
	locks    attendance.LockedKeyedCache
	maxRetry int
	clock    quartz.Clock
	logger   slog.Logger
	metrics  *Metrics

	mu sync.Mutex
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Locks == nil {
		opts.Locks = attendance.NewMemoryCache()
	}
	return &Engine{
		buffer:   opts.Buffer,
		central:  opts.Central,
		locks:    opts.Locks,
		maxRetry: opts.MaxRetryAttempts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

type recordResult int

const (
	// resultSkipped leaves the record pending without spending its budget.
	resultSkipped recordResult = iota
	resultGone
	resultSynced
	resultRetry
	resultFailed
)

// RunPass performs one reconciliation pass. It never returns an error:
// per-record failures become retries or terminal failures, and an
// unreachable central store aborts the pass before any record is touched.
func (e *Engine) RunPass(ctx context.Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.clock.Now()
	observe := func(kind string, res Result) Result {
		e.metrics.observePass(kind, e.clock.Now().Sub(start).Seconds(), res.Pending)
		return res
	}

	if e.central == nil || (!e.central.IsConnected() && !e.central.Connect(ctx)) {
		n, err := e.buffer.CountPending(ctx)
		if err != nil {
			e.logger.Error(ctx, "count pending records", slog.Error(err))
		}
		e.logger.Info(ctx, "sync pass skipped, central store unreachable", slog.F("pending", n))
		return observe(PassAborted, Result{Pending: n, Aborted: true})
	}

	pending, err := e.buffer.ListPending(ctx)
	if err != nil {
		e.logger.Error(ctx, "list pending records", slog.Error(err))
		return observe(PassAborted, Result{Aborted: true})
	}

	var (
		res      Result
		resolved int
		kind     = PassCompleted
	)
	for _, p := range pending {
		if ctx.Err() != nil {
			kind = PassCancelled
			break
		}
		if !e.central.IsConnected() {
			e.logger.Warn(ctx, "central store lost during pass, leaving remaining records pending")
			kind = PassAborted
			break
		}
		switch e.process(ctx, p) {
		case resultSynced:
			res.Synced++
			resolved++
		case resultFailed:
			res.Failed++
			resolved++
		case resultRetry:
			res.Failed++
		case resultGone:
			resolved++
		}
	}
	res.Pending = len(pending) - resolved
	res.Aborted = kind == PassAborted

	e.logger.Info(ctx, "sync pass complete",
		slog.F("result", kind),
		slog.F("synced", res.Synced),
		slog.F("failed", res.Failed),
		slog.F("pending", res.Pending))
	return observe(kind, res)
}

func (e *Engine) process(ctx context.Context, p attendance.PendingRecord) recordResult {
	logger := e.logger.With(
		slog.F("buffer_id", p.BufferID),
		slog.F("worker_id", p.WorkerID),
		slog.F("date", p.Date.String()))

	unlock, err := e.locks.Lock(ctx, p.Key())
	if err != nil {
		logger.Warn(ctx, "could not lock record key", slog.Error(err))
		return resultSkipped
	}
	defer unlock()

	// The ledger may have closed this record since the list was read.
	cur, err := e.buffer.Get(ctx, p.BufferID)
	if err != nil {
		logger.Error(ctx, "reload buffered record", slog.Error(err))
		return resultSkipped
	}
	if cur.State != attendance.SyncPending && cur.State != attendance.SyncRetrying {
		return resultGone
	}

	if cur.Attempts >= e.maxRetry {
		return e.fail(ctx, logger, cur.BufferID, cur.Attempts)
	}

	centralID, err := e.reconcile(ctx, logger, cur)
	if err != nil {
		attempts, merr := e.buffer.MarkRetry(ctx, cur.BufferID, err)
		if merr != nil {
			logger.Error(ctx, "record retry", slog.Error(merr))
			e.metrics.record(RecordRetry)
			return resultRetry
		}
		if attempts >= e.maxRetry {
			logger.Warn(ctx, "sync attempt failed", slog.F("attempts", attempts), slog.Error(err))
			return e.fail(ctx, logger, cur.BufferID, attempts)
		}
		logger.Warn(ctx, "sync attempt failed, will retry", slog.F("attempts", attempts), slog.Error(err))
		e.metrics.record(RecordRetry)
		return resultRetry
	}

	if err := e.buffer.MarkSynced(ctx, cur.BufferID, centralID); err != nil {
		// The central write is idempotent; the next pass merges again.
		logger.Error(ctx, "mark synced", slog.F("central_id", centralID), slog.Error(err))
		e.metrics.record(RecordRetry)
		return resultRetry
	}
	logger.Debug(ctx, "record synced", slog.F("central_id", centralID))
	e.metrics.record(RecordSynced)
	return resultSynced
}

func (e *Engine) fail(ctx context.Context, logger slog.Logger, bufferID int64, attempts int) recordResult {
	if err := e.buffer.MarkFailed(ctx, bufferID); err != nil {
		logger.Error(ctx, "mark failed", slog.Error(err))
	}
	logger.Error(ctx, "buffered record needs operator attention",
		slog.F("attempts", attempts),
		slog.Error(attendance.ErrRetryBudgetExhausted))
	e.metrics.record(RecordFailed)
	return resultFailed
}

// reconcile applies p to the central store and returns the central id. The
// natural key lookup makes it safe to run more than once for the same
// record.
func (e *Engine) reconcile(ctx context.Context, logger slog.Logger, p attendance.PendingRecord) (int64, error) {
	existing, err := e.central.FindRecord(ctx, p.Key())
	if err != nil {
		return 0, xerrors.Errorf("find central record: %w", err)
	}
	if existing == nil {
		id, err := e.central.InsertRecord(ctx, p.Record)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, attendance.ErrWriteConflict) {
			return 0, xerrors.Errorf("insert central record: %w", err)
		}
		existing, err = e.central.FindRecord(ctx, p.Key())
		if err != nil {
			return 0, xerrors.Errorf("find conflicting central record: %w", err)
		}
		if existing == nil {
			return 0, xerrors.Errorf("insert central record: %w", attendance.ErrWriteConflict)
		}
		logger.Info(ctx, "insert raced with another writer, merging", slog.F("central_id", existing.ID))
	}
	return e.merge(ctx, logger, p, *existing)
}

func (e *Engine) merge(ctx context.Context, logger slog.Logger, p attendance.PendingRecord, existing attendance.Record) (int64, error) {
	if p.TimeOut == nil {
		return existing.ID, nil
	}
	if !existing.Open() {
		if !existing.TimeOut.Equal(*p.TimeOut) {
			logger.Debug(ctx, "central record already closed, keeping its time-out",
				slog.F("central_id", existing.ID),
				slog.F("central_time_out", *existing.TimeOut),
				slog.F("buffered_time_out", *p.TimeOut))
		}
		return existing.ID, nil
	}

	hours := mergedHours(p, existing)
	if _, err := e.central.UpdateClose(ctx, existing.ID, *p.TimeOut, hours); err != nil {
		return 0, xerrors.Errorf("update-close central record %d: %w", existing.ID, err)
	}
	return existing.ID, nil
}

// mergedHours measures from the central time-in when it precedes the
// buffered time-out, since that is the time-in the closed row will carry.
func mergedHours(p attendance.PendingRecord, existing attendance.Record) float64 {
	if !existing.TimeIn.After(*p.TimeOut) {
		return attendance.HoursWorked(existing.TimeIn, *p.TimeOut)
	}
	if p.HoursWorked != nil {
		return *p.HoursWorked
	}
	return attendance.HoursWorked(p.TimeIn, *p.TimeOut)
}
