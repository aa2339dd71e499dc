package syncengine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"

	"edgeattend/internal/attendance"
	"edgeattend/internal/attendance/attendancetest"
	"edgeattend/internal/store"
	"edgeattend/internal/syncengine"
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

func newBuffer(t *testing.T, logger slog.Logger) *store.Buffer {
	t.Helper()
	buf, err := store.OpenBuffer(filepath.Join(t.TempDir(), "buffer.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

type fixture struct {
	buffer  *store.Buffer
	central *attendancetest.FakeCentral
	engine  *syncengine.Engine
}

func setup(t *testing.T) fixture {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	buf := newBuffer(t, logger)
	central := attendancetest.NewFakeCentral()
	metrics, err := syncengine.NewMetrics(nil)
	require.NoError(t, err)
	return fixture{
		buffer:  buf,
		central: central,
		engine: syncengine.New(syncengine.Options{
			Buffer:           buf,
			Central:          central,
			MaxRetryAttempts: 3,
			Logger:           logger,
			Metrics:          metrics,
		}),
	}
}

func openRecord(worker string, in time.Time) attendance.Record {
	return attendance.Record{
		WorkerID: attendance.WorkerID(worker),
		Date:     attendance.DateOf(in),
		TimeIn:   in,
		Status:   attendance.StatusPresent,
		Origin:   attendance.OriginBuffered,
	}
}

func closedRecord(worker string, in, out time.Time) attendance.Record {
	rec := openRecord(worker, in)
	hours := attendance.HoursWorked(in, out)
	rec.TimeOut = &out
	rec.HoursWorked = &hours
	return rec
}

func TestRunPass(t *testing.T) {
	t.Parallel()

	t.Run("InsertsOpenRecord", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		rec := openRecord("w1", monday)
		id, err := f.buffer.Append(ctx, rec)
		require.NoError(t, err)

		res := f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{Synced: 1}, res)

		rows := f.central.Records(rec.Key())
		require.Len(t, rows, 1)
		assert.True(t, rows[0].TimeIn.Equal(monday))
		assert.Nil(t, rows[0].TimeOut)

		p, err := f.buffer.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attendance.SyncSynced, p.State)
		require.NotNil(t, p.CentralID)
		assert.Equal(t, rows[0].ID, *p.CentralID)
	})

	t.Run("Idempotent", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		_, err := f.buffer.Append(ctx, closedRecord("w1", monday, monday.Add(8*time.Hour)))
		require.NoError(t, err)

		first := f.engine.RunPass(ctx)
		require.Equal(t, 1, first.Synced)
		second := f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{}, second)
		assert.Equal(t, 1, f.central.Inserts())
		assert.Equal(t, 0, f.central.Updates())
	})

	t.Run("OfflinePairBecomesOneClosedRow", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		out := monday.Add(9*time.Hour + 30*time.Minute)
		rec := closedRecord("w1", monday, out)
		_, err := f.buffer.Append(ctx, rec)
		require.NoError(t, err)

		res := f.engine.RunPass(ctx)
		require.Equal(t, 1, res.Synced)

		rows := f.central.Records(rec.Key())
		require.Len(t, rows, 1)
		require.NotNil(t, rows[0].TimeOut)
		assert.True(t, rows[0].TimeOut.Equal(out))
		require.NotNil(t, rows[0].HoursWorked)
		assert.InDelta(t, 9.5, *rows[0].HoursWorked, 0.001)
	})

	t.Run("ClosesOpenCentralRow", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		// The time-in reached central; the time-out was buffered after a
		// failed central close.
		centralIn := monday
		centralID := f.central.Put(attendance.Record{
			WorkerID: "w1",
			Date:     attendance.DateOf(centralIn),
			TimeIn:   centralIn,
		})
		out := monday.Add(8 * time.Hour)
		_, err := f.buffer.Append(ctx, closedRecord("w1", centralIn.Add(time.Minute), out))
		require.NoError(t, err)

		res := f.engine.RunPass(ctx)
		require.Equal(t, 1, res.Synced)

		rows := f.central.Records(attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)})
		require.Len(t, rows, 1)
		assert.Equal(t, centralID, rows[0].ID)
		assert.True(t, rows[0].TimeIn.Equal(centralIn))
		require.NotNil(t, rows[0].HoursWorked)
		assert.InDelta(t, 8.0, *rows[0].HoursWorked, 0.001)
		assert.Equal(t, 0, f.central.Inserts())
		assert.Equal(t, 1, f.central.Updates())
	})

	t.Run("ClosedCentralRowWins", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		centralOut := monday.Add(7 * time.Hour)
		hours := 7.0
		f.central.Put(attendance.Record{
			WorkerID:    "w1",
			Date:        attendance.DateOf(monday),
			TimeIn:      monday,
			TimeOut:     &centralOut,
			HoursWorked: &hours,
		})
		_, err := f.buffer.Append(ctx, closedRecord("w1", monday, monday.Add(9*time.Hour)))
		require.NoError(t, err)

		res := f.engine.RunPass(ctx)
		require.Equal(t, 1, res.Synced)

		rows := f.central.Records(attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)})
		require.Len(t, rows, 1)
		assert.True(t, rows[0].TimeOut.Equal(centralOut))
		assert.Equal(t, 0, f.central.Updates())
	})

	t.Run("ReplayDoesNotDuplicate", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		// The central insert landed but the buffer was never marked.
		rec := openRecord("w1", monday)
		existing := f.central.Put(rec)
		id, err := f.buffer.Append(ctx, rec)
		require.NoError(t, err)

		res := f.engine.RunPass(ctx)
		require.Equal(t, 1, res.Synced)
		assert.Len(t, f.central.Records(rec.Key()), 1)
		assert.Equal(t, 0, f.central.Inserts())

		p, err := f.buffer.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p.CentralID)
		assert.Equal(t, existing, *p.CentralID)
	})

	t.Run("PreservesAppendOrder", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		workers := []string{"w3", "w1", "w2"}
		for i, w := range workers {
			_, err := f.buffer.Append(ctx, openRecord(w, monday.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}

		res := f.engine.RunPass(ctx)
		require.Equal(t, 3, res.Synced)
		for i, w := range workers {
			rows := f.central.Records(attendance.Key{WorkerID: attendance.WorkerID(w), Date: attendance.DateOf(monday)})
			require.Len(t, rows, 1)
			assert.Equal(t, int64(i+1), rows[0].ID, "worker %s", w)
		}
	})

	t.Run("RetryBudgetExhausted", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		id, err := f.buffer.Append(ctx, openRecord("w1", monday))
		require.NoError(t, err)
		f.central.FailWrites(xerrors.New("constraint violation"))

		for attempt := 1; attempt < 3; attempt++ {
			res := f.engine.RunPass(ctx)
			require.Equal(t, syncengine.Result{Failed: 1, Pending: 1}, res, "attempt %d", attempt)
			p, err := f.buffer.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, attendance.SyncRetrying, p.State)
			assert.Equal(t, attempt, p.Attempts)
			assert.Contains(t, p.LastError, "constraint violation")
		}

		res := f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{Failed: 1}, res)
		p, err := f.buffer.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attendance.SyncFailed, p.State)
		assert.Equal(t, 3, p.Attempts)

		// Terminal records are left alone.
		res = f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{}, res)
		assert.Equal(t, 0, f.central.Inserts())

		// An operator requeue gives the record a fresh budget.
		f.central.FailWrites(nil)
		ok, err := f.buffer.Requeue(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		res = f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{Synced: 1}, res)
	})

	t.Run("AbortsWhenUnreachable", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		id, err := f.buffer.Append(ctx, openRecord("w1", monday))
		require.NoError(t, err)
		f.central.SetConnected(false)

		res := f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{Pending: 1, Aborted: true}, res)

		p, err := f.buffer.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attendance.SyncPending, p.State)
		assert.Equal(t, 0, p.Attempts)
	})

	t.Run("ReconnectsBeforePass", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		_, err := f.buffer.Append(ctx, openRecord("w1", monday))
		require.NoError(t, err)
		f.central.SetConnected(false)
		f.central.SetReachable(true)

		res := f.engine.RunPass(ctx)
		require.Equal(t, syncengine.Result{Synced: 1}, res)
		assert.True(t, f.central.IsConnected())
	})

	t.Run("CancelledLeavesRecordsPending", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		f := setup(t)

		id, err := f.buffer.Append(ctx, openRecord("w1", monday))
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		res := f.engine.RunPass(cancelled)
		assert.Equal(t, 0, res.Synced)

		p, err := f.buffer.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attendance.SyncPending, p.State)
		assert.Equal(t, 0, p.Attempts)
	})
}

// The ledger and the engine share one lock per key, so a time-out written
// while the time-in is being reconciled is never lost.
func TestRunPass_WithLedger(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	buf := newBuffer(t, logger)
	central := attendancetest.NewFakeCentral()
	central.SetConnected(false)
	cache := attendance.NewMemoryCache()

	ledger := attendance.NewLedger(attendance.Options{
		Authority: attendance.NewAuthority(central, buf, logger),
		Cache:     cache,
		Location:  time.UTC,
		Logger:    logger,
	})
	engine := syncengine.New(syncengine.Options{
		Buffer:  buf,
		Central: central,
		Locks:   cache,
		Logger:  logger,
	})

	in, err := ledger.RecordTimeIn(ctx, "w1", monday)
	require.NoError(t, err)
	require.IsType(t, attendance.Accepted{}, in)

	out, err := ledger.RecordTimeOut(ctx, "w1", monday.Add(9*time.Hour+30*time.Minute))
	require.NoError(t, err)
	closed, ok := out.(attendance.Closed)
	require.True(t, ok)
	assert.InDelta(t, 9.5, closed.HoursWorked, 0.001)

	n, err := buf.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	central.SetReachable(true)
	res := engine.RunPass(ctx)
	require.Equal(t, syncengine.Result{Synced: 1}, res)

	rows := central.Records(ledger.KeyFor("w1", monday))
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].HoursWorked)
	assert.InDelta(t, 9.5, *rows[0].HoursWorked, 0.001)

	// Online now: the day is complete.
	again, err := ledger.RecordTimeIn(ctx, "w1", monday.Add(10*time.Hour))
	require.NoError(t, err)
	assert.IsType(t, attendance.Completed{}, again)
}
