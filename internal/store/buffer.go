package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
)

//go:embed buffer_schema.sql
var bufferSchema string

// Buffer is the on-device SQLite queue of attendance records that have not
// been confirmed by the central store. It is opened with a full fsync on
// every commit so an appended record survives a crash or power loss.
type Buffer struct {
	db     *sql.DB
	logger slog.Logger
	now    func() time.Time
}

var _ attendance.BufferedStore = (*Buffer)(nil)

// OpenBuffer creates or opens the buffer database at path.
func OpenBuffer(path string, logger slog.Logger) (*Buffer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Errorf("create buffer dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, xerrors.Errorf("open buffer: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping buffer: %w", err)
	}
	if _, err := db.Exec(bufferSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply buffer schema: %w", err)
	}
	return &Buffer{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (b *Buffer) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (*Buffer) Origin() attendance.Origin { return attendance.OriginBuffered }

const selectPending = `
	SELECT buffer_id, worker_id, attendance_date, time_in, time_out, hours_worked, status,
		sync_state, attempts, last_error, central_id, created_at, updated_at
	FROM pending_attendance`

// Append durably stores rec as a new pending record. rec.ID is ignored.
func (b *Buffer) Append(ctx context.Context, rec attendance.Record) (int64, error) {
	status := rec.Status
	if status == "" {
		status = attendance.StatusPresent
	}
	now := formatTime(b.now())
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO pending_attendance
			(worker_id, attendance_date, time_in, time_out, hours_worked, status, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(rec.WorkerID), rec.Date.String(), formatTime(rec.TimeIn), formatNullTime(rec.TimeOut),
		nullFloat(rec.HoursWorked), status, string(attendance.SyncPending), now, now)
	if err != nil {
		return 0, xerrors.Errorf("append pending record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Errorf("append pending record: %w", err)
	}
	b.logger.Debug(ctx, "record buffered", slog.F("buffer_id", id), slog.F("worker_id", rec.WorkerID))
	return id, nil
}

// Get returns a record by buffer id.
func (b *Buffer) Get(ctx context.Context, bufferID int64) (attendance.PendingRecord, error) {
	row := b.db.QueryRowContext(ctx, selectPending+` WHERE buffer_id = ?`, bufferID)
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.PendingRecord{}, xerrors.Errorf("buffer id %d: %w", bufferID, attendance.ErrNotFound)
		}
		return attendance.PendingRecord{}, xerrors.Errorf("get buffer id %d: %w", bufferID, err)
	}
	return p, nil
}

// ListPending returns pending and retrying records, oldest first.
func (b *Buffer) ListPending(ctx context.Context) ([]attendance.PendingRecord, error) {
	return b.list(ctx, selectPending+`
		WHERE sync_state IN ('pending', 'retrying')
		ORDER BY buffer_id
	`)
}

// ListByState returns records in state, oldest first.
func (b *Buffer) ListByState(ctx context.Context, state attendance.SyncState) ([]attendance.PendingRecord, error) {
	if !state.Valid() {
		return nil, xerrors.Errorf("unknown sync state %q", state)
	}
	return b.list(ctx, selectPending+` WHERE sync_state = ? ORDER BY buffer_id`, string(state))
}

func (b *Buffer) list(ctx context.Context, query string, args ...any) ([]attendance.PendingRecord, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("list buffer: %w", err)
	}
	defer rows.Close()

	var out []attendance.PendingRecord
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan buffer row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPending returns the number of pending and retrying records.
func (b *Buffer) CountPending(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_attendance WHERE sync_state IN ('pending', 'retrying')
	`).Scan(&n)
	if err != nil {
		return 0, xerrors.Errorf("count pending: %w", err)
	}
	return n, nil
}

// MarkSynced records a successful sync. Marking an already synced record
// is a no-op.
func (b *Buffer) MarkSynced(ctx context.Context, bufferID, centralID int64) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE pending_attendance
		SET sync_state = 'synced', attempts = 0, last_error = '', central_id = ?, updated_at = ?
		WHERE buffer_id = ? AND sync_state != 'synced'
	`, centralID, formatTime(b.now()), bufferID)
	if err != nil {
		return xerrors.Errorf("mark synced %d: %w", bufferID, err)
	}
	return b.requireRow(ctx, res, bufferID)
}

// MarkRetry increments the attempt counter of a pending record and returns
// the new count. For records that are no longer pending the current count
// is returned unchanged.
func (b *Buffer) MarkRetry(ctx context.Context, bufferID int64, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Errorf("mark retry %d: %w", bufferID, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_attendance
		SET attempts = attempts + 1, sync_state = 'retrying', last_error = ?, updated_at = ?
		WHERE buffer_id = ? AND sync_state IN ('pending', 'retrying')
	`, msg, formatTime(b.now()), bufferID)
	if err != nil {
		return 0, xerrors.Errorf("mark retry %d: %w", bufferID, err)
	}
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM pending_attendance WHERE buffer_id = ?`, bufferID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, xerrors.Errorf("buffer id %d: %w", bufferID, attendance.ErrNotFound)
		}
		return 0, xerrors.Errorf("mark retry %d: %w", bufferID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Errorf("mark retry %d: %w", bufferID, err)
	}
	return attempts, nil
}

// MarkFailed parks a pending record permanently. It stays in the buffer
// until requeued.
func (b *Buffer) MarkFailed(ctx context.Context, bufferID int64) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE pending_attendance
		SET sync_state = 'failed', updated_at = ?
		WHERE buffer_id = ? AND sync_state IN ('pending', 'retrying')
	`, formatTime(b.now()), bufferID)
	if err != nil {
		return xerrors.Errorf("mark failed %d: %w", bufferID, err)
	}
	return b.requireRow(ctx, res, bufferID)
}

// Requeue moves a failed record back to pending with a fresh retry budget.
func (b *Buffer) Requeue(ctx context.Context, bufferID int64) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE pending_attendance
		SET sync_state = 'pending', attempts = 0, last_error = '', updated_at = ?
		WHERE buffer_id = ? AND sync_state = 'failed'
	`, formatTime(b.now()), bufferID)
	if err != nil {
		return false, xerrors.Errorf("requeue %d: %w", bufferID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("requeue %d: %w", bufferID, err)
	}
	if n == 0 {
		if _, err := b.Get(ctx, bufferID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// requireRow turns "no row changed" into ErrNotFound when the id does not
// exist, and into success when the record was already in the target state.
func (b *Buffer) requireRow(ctx context.Context, res sql.Result, bufferID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = b.Get(ctx, bufferID)
	return err
}

// FindRecord returns the newest unsynced record for key.
func (b *Buffer) FindRecord(ctx context.Context, key attendance.Key) (*attendance.Record, error) {
	row := b.db.QueryRowContext(ctx, selectPending+`
		WHERE worker_id = ? AND attendance_date = ? AND sync_state != 'synced'
		ORDER BY buffer_id DESC
		LIMIT 1
	`, string(key.WorkerID), key.Date.String())
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Errorf("find buffered %s: %w", key, err)
	}
	return &p.Record, nil
}

func (b *Buffer) OpenRecord(ctx context.Context, key attendance.Key, timeIn time.Time) (attendance.Record, error) {
	rec := attendance.Record{
		WorkerID: key.WorkerID,
		Date:     key.Date,
		TimeIn:   timeIn,
		Status:   attendance.StatusPresent,
		Origin:   attendance.OriginBuffered,
	}
	id, err := b.Append(ctx, rec)
	if err != nil {
		return attendance.Record{}, err
	}
	rec.ID = id
	return rec, nil
}

// CloseRecord sets the time-out on a buffered open record in place, so an
// offline time-in/time-out pair syncs as one row. Closing a failed record
// keeps it failed; it syncs once an operator requeues it.
func (b *Buffer) CloseRecord(ctx context.Context, rec attendance.Record, timeOut time.Time, hours float64) (attendance.Record, error) {
	var state string
	err := b.db.QueryRowContext(ctx, `
		UPDATE pending_attendance
		SET time_out = ?, hours_worked = ?, updated_at = ?
		WHERE buffer_id = ? AND time_out IS NULL
		RETURNING sync_state
	`, formatTime(timeOut), hours, formatTime(b.now()), rec.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, xerrors.Errorf("close buffered %d: %w", rec.ID, attendance.ErrWriteConflict)
	}
	if err != nil {
		return attendance.Record{}, xerrors.Errorf("close buffered %d: %w", rec.ID, err)
	}
	if attendance.SyncState(state) == attendance.SyncFailed {
		b.logger.Warn(ctx, "closed a failed buffered record, requeue it to sync the time-out",
			slog.F("buffer_id", rec.ID), slog.F("worker_id", rec.WorkerID))
	}
	rec.TimeOut = &timeOut
	rec.HoursWorked = &hours
	return rec, nil
}

// AppendAudit writes to the local audit log.
func (b *Buffer) AppendAudit(ctx context.Context, entry attendance.AuditEntry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, record_id, origin, source, device_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID.String(), string(entry.Actor), entry.Action, entry.RecordID, string(entry.Origin),
		entry.Source, entry.DeviceID, entry.Detail, formatTime(entry.CreatedAt))
	if err != nil {
		return xerrors.Errorf("append local audit: %w", err)
	}
	return nil
}

// AuditCount returns the number of local audit entries.
func (b *Buffer) AuditCount(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, xerrors.Errorf("count audit: %w", err)
	}
	return n, nil
}

func scanPending(row interface{ Scan(...any) error }) (attendance.PendingRecord, error) {
	var (
		p         attendance.PendingRecord
		worker    string
		date      string
		timeIn    string
		timeOut   sql.NullString
		hours     sql.NullFloat64
		state     string
		centralID sql.NullInt64
		created   string
		updated   string
	)
	err := row.Scan(&p.BufferID, &worker, &date, &timeIn, &timeOut, &hours, &p.Status,
		&state, &p.Attempts, &p.LastError, &centralID, &created, &updated)
	if err != nil {
		return attendance.PendingRecord{}, err
	}

	p.ID = p.BufferID
	p.WorkerID = attendance.WorkerID(worker)
	p.Origin = attendance.OriginBuffered
	p.State = attendance.SyncState(state)
	if p.Date, err = attendance.ParseDate(date); err != nil {
		return attendance.PendingRecord{}, xerrors.Errorf("parse date %q: %w", date, err)
	}
	if p.TimeIn, err = parseTime(timeIn); err != nil {
		return attendance.PendingRecord{}, err
	}
	if timeOut.Valid {
		t, err := parseTime(timeOut.String)
		if err != nil {
			return attendance.PendingRecord{}, err
		}
		p.TimeOut = &t
	}
	if hours.Valid {
		h := hours.Float64
		p.HoursWorked = &h
	}
	if centralID.Valid {
		id := centralID.Int64
		p.CentralID = &id
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return attendance.PendingRecord{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return attendance.PendingRecord{}, err
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, xerrors.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
