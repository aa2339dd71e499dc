package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
)

//go:embed central_schema.sql
var centralSchema string

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// DefaultCentralTimeout bounds every central call when no timeout is given.
const DefaultCentralTimeout = 5 * time.Second

// Central is the Postgres-backed authoritative store.
type Central struct {
	db        *sql.DB
	timeout   time.Duration
	logger    slog.Logger
	connected atomic.Bool

	mu         sync.Mutex
	reconnects []func()
}

var _ attendance.CentralStore = (*Central)(nil)

// NewCentral creates the adapter. It starts disconnected; call Connect.
func NewCentral(db *DB, timeout time.Duration, logger slog.Logger) *Central {
	if timeout <= 0 {
		timeout = DefaultCentralTimeout
	}
	return &Central{db: db.Client, timeout: timeout, logger: logger}
}

// OnReconnect registers fn to run after Connect moves from offline to online.
func (c *Central) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects = append(c.reconnects, fn)
}

func (*Central) Origin() attendance.Origin { return attendance.OriginCentral }

// IsConnected reports the last known state without I/O.
func (c *Central) IsConnected() bool {
	return c.connected.Load()
}

// Connect pings the database, retrying twice with exponential backoff. The
// whole attempt is bounded by three times the call timeout.
func (c *Central) Connect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*c.timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, 2), ctx)

	err := backoff.Retry(func() error {
		pctx, pcancel := context.WithTimeout(ctx, c.timeout)
		defer pcancel()
		return c.db.PingContext(pctx)
	}, b)
	if err != nil {
		if c.connected.Swap(false) {
			c.logger.Warn(ctx, "central store disconnected", slog.Error(err))
		} else {
			c.logger.Debug(ctx, "central store still unreachable", slog.Error(err))
		}
		return false
	}

	if !c.connected.Swap(true) {
		c.logger.Info(ctx, "central store connected")
		c.mu.Lock()
		hooks := append([]func(){}, c.reconnects...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
	return true
}

// Migrate creates the central schema if missing.
func (c *Central) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 6*c.timeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, centralSchema); err != nil {
		return xerrors.Errorf("apply central schema: %w", err)
	}
	return nil
}

func (c *Central) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if !c.connected.Load() {
		return nil, nil, xerrors.Errorf("central: %w", attendance.ErrStoreUnreachable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

// classify maps driver errors onto the taxonomy. Server-reported errors
// keep the connection; anything else is treated as lost connectivity.
func (c *Central) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return xerrors.Errorf("%s: %s: %w", op, pgErr.Message, attendance.ErrWriteConflict)
		}
		return xerrors.Errorf("%s: %w", op, err)
	}
	if c.connected.Swap(false) {
		c.logger.Warn(ctx, "central store connection lost", slog.F("op", op), slog.Error(err))
	}
	return xerrors.Errorf("%s: %v: %w", op, err, attendance.ErrStoreUnreachable)
}

const selectAttendance = `
	SELECT attendance_id, worker_id, attendance_date, time_in, time_out, hours_worked, status
	FROM attendance`

func (c *Central) FindRecord(ctx context.Context, key attendance.Key) (*attendance.Record, error) {
	return c.findOne(ctx, "find record", selectAttendance+`
		WHERE worker_id = $1 AND attendance_date = $2 AND NOT is_archived
		ORDER BY attendance_id DESC
		LIMIT 1
	`, key)
}

func (c *Central) FindOpenRecord(ctx context.Context, key attendance.Key) (*attendance.Record, error) {
	return c.findOne(ctx, "find open record", selectAttendance+`
		WHERE worker_id = $1 AND attendance_date = $2 AND time_out IS NULL AND NOT is_archived
		ORDER BY attendance_id DESC
		LIMIT 1
	`, key)
}

func (c *Central) findOne(ctx context.Context, op, query string, key attendance.Key) (*attendance.Record, error) {
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	row := c.db.QueryRowContext(cctx, query, string(key.WorkerID), key.Date.In(time.UTC))
	rec, err := scanCentral(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, c.classify(ctx, op, err)
	}
	return &rec, nil
}

func scanCentral(row interface{ Scan(...any) error }) (attendance.Record, error) {
	var (
		rec     attendance.Record
		worker  string
		date    time.Time
		timeOut sql.NullTime
		hours   sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &worker, &date, &rec.TimeIn, &timeOut, &hours, &rec.Status); err != nil {
		return attendance.Record{}, err
	}
	rec.WorkerID = attendance.WorkerID(worker)
	rec.Date = attendance.DateOf(date.UTC())
	if timeOut.Valid {
		t := timeOut.Time
		rec.TimeOut = &t
	}
	if hours.Valid {
		h := hours.Float64
		rec.HoursWorked = &h
	}
	rec.Origin = attendance.OriginCentral
	return rec, nil
}

// InsertRecord inserts rec verbatim, including an optional time-out.
func (c *Central) InsertRecord(ctx context.Context, rec attendance.Record) (int64, error) {
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	status := rec.Status
	if status == "" {
		status = attendance.StatusPresent
	}
	var id int64
	err = c.db.QueryRowContext(cctx, `
		INSERT INTO attendance (worker_id, attendance_date, time_in, time_out, hours_worked, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING attendance_id
	`, string(rec.WorkerID), rec.Date.In(time.UTC), rec.TimeIn, nullTime(rec.TimeOut), nullFloat(rec.HoursWorked), status).Scan(&id)
	if err != nil {
		return 0, c.classify(ctx, "insert record", err)
	}
	return id, nil
}

// UpdateClose sets the time-out of an open record. Closed records are left
// untouched and reported as false.
func (c *Central) UpdateClose(ctx context.Context, id int64, timeOut time.Time, hours float64) (bool, error) {
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	res, err := c.db.ExecContext(cctx, `
		UPDATE attendance
		SET time_out = $2, hours_worked = $3, updated_at = NOW()
		WHERE attendance_id = $1 AND time_out IS NULL AND NOT is_archived
	`, id, timeOut, hours)
	if err != nil {
		return false, c.classify(ctx, "update close", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, c.classify(ctx, "update close", err)
	}
	return n == 1, nil
}

func (c *Central) OpenRecord(ctx context.Context, key attendance.Key, timeIn time.Time) (attendance.Record, error) {
	rec := attendance.Record{
		WorkerID: key.WorkerID,
		Date:     key.Date,
		TimeIn:   timeIn,
		Status:   attendance.StatusPresent,
		Origin:   attendance.OriginCentral,
	}
	id, err := c.InsertRecord(ctx, rec)
	if err != nil {
		return attendance.Record{}, err
	}
	rec.ID = id
	return rec, nil
}

func (c *Central) CloseRecord(ctx context.Context, rec attendance.Record, timeOut time.Time, hours float64) (attendance.Record, error) {
	ok, err := c.UpdateClose(ctx, rec.ID, timeOut, hours)
	if err != nil {
		return attendance.Record{}, err
	}
	if !ok {
		return attendance.Record{}, xerrors.Errorf("close attendance %d: %w", rec.ID, attendance.ErrWriteConflict)
	}
	rec.TimeOut = &timeOut
	rec.HoursWorked = &hours
	return rec, nil
}

// AppendAudit writes to activity_logs.
func (c *Central) AppendAudit(ctx context.Context, entry attendance.AuditEntry) error {
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = c.db.ExecContext(cctx, `
		INSERT INTO activity_logs (log_id, user_id, action, table_name, record_id, description, source, device_id, created_at)
		VALUES ($1, $2, $3, 'attendance', $4, $5, $6, $7, $8)
	`, entry.ID, string(entry.Actor), entry.Action, entry.RecordID, entry.Detail, entry.Source, entry.DeviceID, entry.CreatedAt)
	return c.classify(ctx, "append audit", err)
}

// GetWorker returns the roster entry for id.
func (c *Central) GetWorker(ctx context.Context, id attendance.WorkerID) (attendance.Worker, error) {
	cctx, cancel, err := c.call(ctx)
	if err != nil {
		return attendance.Worker{}, err
	}
	defer cancel()

	var w attendance.Worker
	var wid string
	err = c.db.QueryRowContext(cctx, `
		SELECT worker_id, first_name, last_name, worker_code, employment_status
		FROM workers
		WHERE worker_id = $1 AND NOT is_archived
	`, string(id)).Scan(&wid, &w.FirstName, &w.LastName, &w.WorkerCode, &w.EmploymentStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Worker{}, xerrors.Errorf("worker %s: %w", id, attendance.ErrNotFound)
		}
		return attendance.Worker{}, c.classify(ctx, "get worker", err)
	}
	w.ID = attendance.WorkerID(wid)
	return w, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
