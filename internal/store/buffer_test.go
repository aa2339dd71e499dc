package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"edgeattend/internal/attendance"
	"edgeattend/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var monday = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openBuffer(t *testing.T, path string) *store.Buffer {
	t.Helper()
	buf, err := store.OpenBuffer(path, slogtest.Make(t, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func newBuffer(t *testing.T) *store.Buffer {
	t.Helper()
	return openBuffer(t, filepath.Join(t.TempDir(), "nested", "buffer.db"))
}

func TestBuffer_AppendAndGet(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	buf := newBuffer(t)

	out := monday.Add(8 * time.Hour)
	hours := 8.0
	id, err := buf.Append(ctx, attendance.Record{
		WorkerID:    "w1",
		Date:        attendance.DateOf(monday),
		TimeIn:      monday,
		TimeOut:     &out,
		HoursWorked: &hours,
	})
	require.NoError(t, err)

	p, err := buf.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, p.BufferID)
	assert.Equal(t, attendance.WorkerID("w1"), p.WorkerID)
	assert.Equal(t, attendance.DateOf(monday), p.Date)
	assert.True(t, p.TimeIn.Equal(monday))
	require.NotNil(t, p.TimeOut)
	assert.True(t, p.TimeOut.Equal(out))
	require.NotNil(t, p.HoursWorked)
	assert.Equal(t, 8.0, *p.HoursWorked)
	assert.Equal(t, attendance.StatusPresent, p.Status)
	assert.Equal(t, attendance.OriginBuffered, p.Origin)
	assert.Equal(t, attendance.SyncPending, p.State)
	assert.Zero(t, p.Attempts)
	assert.Nil(t, p.CentralID)

	_, err = buf.Get(ctx, id+100)
	require.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestBuffer_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "buffer.db")

	first, err := store.OpenBuffer(path, slogtest.Make(t, nil))
	require.NoError(t, err)
	_, err = first.OpenRecord(ctx, attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)}, monday)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openBuffer(t, path)
	n, err := second.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBuffer_StateTransitions(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	buf := newBuffer(t)

	key := attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)}
	rec, err := buf.OpenRecord(ctx, key, monday)
	require.NoError(t, err)
	id := rec.ID

	n, err := buf.MarkRetry(ctx, id, xerrors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = buf.MarkRetry(ctx, id, xerrors.New("timeout again"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := buf.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, attendance.SyncRetrying, p.State)
	assert.Equal(t, "timeout again", p.LastError)

	pending, err := buf.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, buf.MarkFailed(ctx, id))
	n, err = buf.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	failed, err := buf.ListByState(ctx, attendance.SyncFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Failed records do not accumulate attempts.
	n, err = buf.MarkRetry(ctx, id, xerrors.New("ignored"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := buf.Requeue(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = buf.Requeue(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err = buf.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, attendance.SyncPending, p.State)
	assert.Zero(t, p.Attempts)
	assert.Empty(t, p.LastError)

	require.NoError(t, buf.MarkSynced(ctx, id, 42))
	require.NoError(t, buf.MarkSynced(ctx, id, 42))
	p, err = buf.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, attendance.SyncSynced, p.State)
	require.NotNil(t, p.CentralID)
	assert.Equal(t, int64(42), *p.CentralID)

	// Synced records are no longer authoritative locally.
	found, err := buf.FindRecord(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = buf.Requeue(ctx, id+100)
	require.ErrorIs(t, err, attendance.ErrNotFound)
	require.ErrorIs(t, buf.MarkSynced(ctx, id+100, 1), attendance.ErrNotFound)
	_, err = buf.ListByState(ctx, attendance.SyncState("bogus"))
	require.Error(t, err)
}

func TestBuffer_CloseRecord(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	buf := newBuffer(t)

	key := attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)}
	rec, err := buf.OpenRecord(ctx, key, monday)
	require.NoError(t, err)

	found, err := buf.FindRecord(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Open())

	out := monday.Add(9*time.Hour + 30*time.Minute)
	closed, err := buf.CloseRecord(ctx, *found, out, 9.5)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, closed.ID)
	require.NotNil(t, closed.HoursWorked)
	assert.Equal(t, 9.5, *closed.HoursWorked)

	// Closed in place: one record to sync, not two.
	n, err := buf.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = buf.CloseRecord(ctx, *found, out.Add(time.Hour), 10.5)
	require.ErrorIs(t, err, attendance.ErrWriteConflict)
}

func TestBuffer_CloseFailedRecord(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	buf := newBuffer(t)

	key := attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)}
	rec, err := buf.OpenRecord(ctx, key, monday)
	require.NoError(t, err)
	require.NoError(t, buf.MarkFailed(ctx, rec.ID))

	found, err := buf.FindRecord(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	_, err = buf.CloseRecord(ctx, *found, monday.Add(8*time.Hour), 8)
	require.NoError(t, err)

	// The close does not sneak the record back into the sync queue.
	p, err := buf.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SyncFailed, p.State)
	require.NotNil(t, p.TimeOut)
	n, err := buf.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := buf.Requeue(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	pending, err := buf.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].TimeOut)
	assert.True(t, pending[0].TimeOut.Equal(monday.Add(8*time.Hour)))
}

func TestBuffer_Audit(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	buf := newBuffer(t)

	err := buf.AppendAudit(ctx, attendance.AuditEntry{
		ID:        uuid.New(),
		Actor:     "w1",
		Action:    attendance.ActionClockIn,
		RecordID:  1,
		Origin:    attendance.OriginBuffered,
		Source:    attendance.AuditSource,
		DeviceID:  "gate-1",
		Detail:    "Facial recognition time-in",
		CreatedAt: monday,
	})
	require.NoError(t, err)

	n, err := buf.AuditCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
