package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeattend/internal/attendance"
)

func TestHoursWorked(t *testing.T) {
	t.Parallel()

	day := func(h, m, s int) time.Time { return time.Date(2026, 3, 2, h, m, s, 0, time.UTC) }
	tests := []struct {
		name    string
		in, out time.Time
		want    float64
	}{
		{name: "Shift", in: day(8, 0, 0), out: day(17, 30, 0), want: 9.5},
		{name: "AlmostWholeDay", in: day(0, 0, 1), out: day(23, 59, 59), want: 23.99944},
		// Seconds-within-the-day arithmetic would give a negative or
		// wrapped value here.
		{name: "AcrossMidnight", in: day(22, 0, 0), out: day(22, 0, 0).Add(4 * time.Hour), want: 4},
		{name: "SameInstant", in: day(8, 0, 0), out: day(8, 0, 0), want: 0},
		{name: "SkewedClock", in: day(9, 0, 0), out: day(8, 0, 0), want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, attendance.HoursWorked(tt.in, tt.out), 0.0001)
		})
	}

	assert.Equal(t, 9.5, attendance.RoundHours(9.499999))
	assert.Equal(t, 7.33, attendance.RoundHours(7.3333))
}

func TestDateOf(t *testing.T) {
	t.Parallel()

	// 23:30 UTC on the 2nd is already the 3rd in UTC+2.
	east := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-02", attendance.DateOf(ts).String())
	assert.Equal(t, "2026-03-03", attendance.DateOf(ts.In(east)).String())

	d, err := attendance.ParseDate("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, attendance.Date{Year: 2026, Month: time.March, Day: 2}, d)
	assert.True(t, d.In(east).Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, east)))

	_, err = attendance.ParseDate("02/03/2026")
	require.Error(t, err)
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()

	t.Run("Scans", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		cache := attendance.NewMemoryCache()
		a := attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)}
		b := attendance.Key{WorkerID: "w2", Date: attendance.DateOf(monday)}

		_, ok, err := cache.LastScan(ctx, a)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, cache.RecordScan(ctx, a, monday, 30*time.Second))
		at, ok, err := cache.LastScan(ctx, a)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, at.Equal(monday))

		// Recording a later scan prunes entries whose window has passed.
		require.NoError(t, cache.RecordScan(ctx, b, monday.Add(time.Minute), 30*time.Second))
		assert.Equal(t, 1, cache.Len())
		_, ok, err = cache.LastScan(ctx, a)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Lock", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		cache := attendance.NewMemoryCache()
		key := attendance.Key{WorkerID: "w1", Date: attendance.DateOf(monday)}

		unlock, err := cache.Lock(ctx, key)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = cache.Lock(short, key)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		other, err := cache.Lock(ctx, attendance.Key{WorkerID: "w2", Date: key.Date})
		require.NoError(t, err)
		other()

		acquired := make(chan func())
		go func() {
			u, err := cache.Lock(ctx, key)
			assert.NoError(t, err)
			acquired <- u
		}()

		unlock()
		// Unlocking twice is harmless.
		unlock()

		select {
		case u := <-acquired:
			u()
		case <-ctx.Done():
			t.Fatal("waiter never acquired the lock")
		}
	})
}
