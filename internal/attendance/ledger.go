package attendance

import (
	"context"
	"errors"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

const (
	operationTimeIn  = "time_in"
	operationTimeOut = "time_out"
)

// DefaultSuppressionWindow is used when Options.SuppressionWindow is zero.
const DefaultSuppressionWindow = 30 * time.Second

// Options configures a Ledger.
type Options struct {
	Authority *Authority
	Cache     LockedKeyedCache
	// SuppressionWindow is how long an accepted time-in suppresses further
	// time-in attempts for the same worker and date.
	SuppressionWindow time.Duration
	// Location is the device time zone used to derive the calendar date.
	Location *time.Location
	DeviceID string
	Logger   slog.Logger
	Metrics  *Metrics
}

// Ledger decides time-in and time-out transitions. Work for one
// (worker, date) key is serialized through the cache's lock; different keys
// proceed in parallel.
type Ledger struct {
	authority *Authority
	cache     LockedKeyedCache
	window    time.Duration
	loc       *time.Location
	deviceID  string
	logger    slog.Logger
	metrics   *Metrics
}

// NewLedger creates a ledger.
func NewLedger(opts Options) *Ledger {
	if opts.SuppressionWindow <= 0 {
		opts.SuppressionWindow = DefaultSuppressionWindow
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	return &Ledger{
		authority: opts.Authority,
		cache:     opts.Cache,
		window:    opts.SuppressionWindow,
		loc:       opts.Location,
		deviceID:  opts.DeviceID,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// KeyFor returns the natural key for worker at now in the ledger's zone.
func (l *Ledger) KeyFor(worker WorkerID, now time.Time) Key {
	return Key{WorkerID: worker, Date: DateOf(now.In(l.loc))}
}

// RecordTimeIn opens today's record for worker. The returned error is only
// set when nothing could be written at all (lock failure, cancelled context,
// or both stores failing); business rejections are outcomes.
func (l *Ledger) RecordTimeIn(ctx context.Context, worker WorkerID, now time.Time) (TimeInOutcome, error) {
	key := l.KeyFor(worker, now)
	logger := l.logger.With(slog.F("worker_id", worker), slog.F("date", key.Date.String()))

	unlock, err := l.cache.Lock(ctx, key)
	if err != nil {
		l.metrics.outcome(operationTimeIn, OutcomeError)
		return nil, xerrors.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	last, seen, err := l.cache.LastScan(ctx, key)
	if err != nil {
		logger.Warn(ctx, "suppression cache lookup failed", slog.Error(err))
	} else if seen && now.Sub(last) < l.window {
		l.metrics.outcome(operationTimeIn, OutcomeDuplicate)
		logger.Debug(ctx, "duplicate scan suppressed", slog.F("last_scan", last))
		return Duplicate{LastScan: last}, nil
	}

	existing, _, err := l.authority.Locate(ctx, key)
	var lookupErr *CentralLookupError
	switch {
	case errors.As(err, &lookupErr):
		// A central row we could not see makes the insert below conflict.
		logger.Warn(ctx, "central lookup failed, attempting time-in", slog.Error(err))
	case err != nil:
		l.metrics.outcome(operationTimeIn, OutcomeError)
		return nil, err
	case existing != nil:
		return l.rejectTimeIn(*existing), nil
	}

	rec, existing, err := l.open(ctx, logger, key, now)
	if err != nil {
		l.metrics.outcome(operationTimeIn, OutcomeError)
		return nil, err
	}
	if existing != nil {
		return l.rejectTimeIn(*existing), nil
	}

	if err := l.cache.RecordScan(ctx, key, now, l.window); err != nil {
		logger.Warn(ctx, "suppression cache update failed", slog.Error(err))
	}
	l.authority.Audit(ctx, newAuditEntry(ActionClockIn, l.deviceID, rec, now))
	l.metrics.outcome(operationTimeIn, OutcomeAccepted)
	logger.Info(ctx, "time-in recorded", slog.F("origin", rec.Origin), slog.F("record_id", rec.ID))
	return Accepted{Record: rec}, nil
}

func (l *Ledger) rejectTimeIn(rec Record) TimeInOutcome {
	if rec.Open() {
		l.metrics.outcome(operationTimeIn, OutcomeAlreadyOpen)
		return AlreadyOpen{Record: rec}
	}
	l.metrics.outcome(operationTimeIn, OutcomeCompleted)
	return Completed{Record: rec}
}

// open writes a new open record to the selected store. If the central store
// reports a conflicting row, that row is returned as existing. Any other
// central failure falls back to the buffer.
func (l *Ledger) open(ctx context.Context, logger slog.Logger, key Key, now time.Time) (rec Record, existing *Record, err error) {
	store := l.authority.Select()
	rec, err = store.OpenRecord(ctx, key, now)
	if err == nil {
		l.metrics.write(operationTimeIn, store.Origin())
		return rec, nil, nil
	}
	if store.Origin() == OriginBuffered {
		return Record{}, nil, xerrors.Errorf("buffer time-in: %w", err)
	}

	if errors.Is(err, ErrWriteConflict) {
		found, ferr := l.authority.Central().FindRecord(ctx, key)
		if ferr == nil && found != nil {
			logger.Info(ctx, "time-in raced with an existing central record", slog.F("record_id", found.ID))
			return Record{}, found, nil
		}
	}

	logger.Warn(ctx, "central time-in failed, buffering locally", slog.Error(err))
	l.metrics.fallback(operationTimeIn)
	buffer := l.authority.Buffer()
	rec, err = buffer.OpenRecord(ctx, key, now)
	if err != nil {
		return Record{}, nil, xerrors.Errorf("buffer time-in after central failure: %w", err)
	}
	l.metrics.write(operationTimeIn, buffer.Origin())
	return rec, nil, nil
}

// RecordTimeOut closes today's open record for worker. The close is written
// to the store that holds the record; if that is the central store and the
// write fails, a closed copy is appended to the buffer for the sync engine
// to merge.
func (l *Ledger) RecordTimeOut(ctx context.Context, worker WorkerID, now time.Time) (TimeOutOutcome, error) {
	key := l.KeyFor(worker, now)
	logger := l.logger.With(slog.F("worker_id", worker), slog.F("date", key.Date.String()))

	unlock, err := l.cache.Lock(ctx, key)
	if err != nil {
		l.metrics.outcome(operationTimeOut, OutcomeError)
		return nil, xerrors.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	rec, store, err := l.authority.Locate(ctx, key)
	if err != nil {
		// An unanswered lookup is an error, never NoOpenRecord.
		l.metrics.outcome(operationTimeOut, OutcomeError)
		return nil, xerrors.Errorf("locate open record: %w", err)
	}
	if rec == nil || !rec.Open() {
		l.metrics.outcome(operationTimeOut, OutcomeNoOpen)
		return NoOpenRecord{}, nil
	}

	hours := HoursWorked(rec.TimeIn, now)
	closed, err := store.CloseRecord(ctx, *rec, now, hours)
	switch {
	case err == nil:
		l.metrics.write(operationTimeOut, store.Origin())
	case store.Origin() == OriginBuffered:
		l.metrics.outcome(operationTimeOut, OutcomeError)
		return nil, xerrors.Errorf("buffer time-out: %w", err)
	default:
		logger.Warn(ctx, "central time-out failed, buffering closed record", slog.F("record_id", rec.ID), slog.Error(err))
		l.metrics.fallback(operationTimeOut)
		closed, err = l.bufferClosed(ctx, *rec, now, hours)
		if err != nil {
			l.metrics.outcome(operationTimeOut, OutcomeError)
			return nil, err
		}
		l.metrics.write(operationTimeOut, OriginBuffered)
	}

	l.authority.Audit(ctx, newAuditEntry(ActionClockOut, l.deviceID, closed, now))
	l.metrics.outcome(operationTimeOut, OutcomeClosed)
	logger.Info(ctx, "time-out recorded",
		slog.F("origin", closed.Origin),
		slog.F("record_id", closed.ID),
		slog.F("hours_worked", RoundHours(hours)))
	return Closed{Record: closed, HoursWorked: hours}, nil
}

func (l *Ledger) bufferClosed(ctx context.Context, rec Record, timeOut time.Time, hours float64) (Record, error) {
	rec.TimeOut = &timeOut
	rec.HoursWorked = &hours
	rec.Origin = OriginBuffered
	id, err := l.authority.Buffer().Append(ctx, rec)
	if err != nil {
		return Record{}, xerrors.Errorf("buffer time-out after central failure: %w", err)
	}
	rec.ID = id
	return rec, nil
}
