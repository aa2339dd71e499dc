// Package attendancetest provides an in-memory CentralStore for tests.
package attendancetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"edgeattend/internal/attendance"
)

// FakeCentral mimics the Postgres adapter: one non-archived row per
// (worker, date), a connectivity flag, and injectable write failures.
type FakeCentral struct {
	mu         sync.Mutex
	connected  bool
	reachable  bool
	writeErr   error
	findErr    error
	nextID     int64
	records    map[int64]attendance.Record
	audits     []attendance.AuditEntry
	inserts    int
	updates    int
	connects   int
	reconnects []func()
}

var _ attendance.CentralStore = (*FakeCentral)(nil)

// NewFakeCentral returns a connected, empty store.
func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		connected: true,
		reachable: true,
		records:   make(map[int64]attendance.Record),
	}
}

// SetConnected sets both the current flag and whether Connect succeeds.
func (f *FakeCentral) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
	f.reachable = v
}

// SetReachable controls whether the next Connect succeeds without changing
// the current flag.
func (f *FakeCentral) SetReachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = v
}

// FailWrites makes every insert and update return err until cleared with nil.
func (f *FakeCentral) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// FailFinds makes every lookup return err until cleared with nil.
func (f *FakeCentral) FailFinds(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findErr = err
}

// OnReconnect registers fn to run when Connect moves from offline to online.
func (f *FakeCentral) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, fn)
}

func (*FakeCentral) Origin() attendance.Origin { return attendance.OriginCentral }

func (f *FakeCentral) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeCentral) Connect(context.Context) bool {
	f.mu.Lock()
	f.connects++
	was := f.connected
	f.connected = f.reachable
	now := f.connected
	hooks := append([]func(){}, f.reconnects...)
	f.mu.Unlock()
	if !was && now {
		for _, fn := range hooks {
			fn()
		}
	}
	return now
}

func (f *FakeCentral) FindRecord(_ context.Context, key attendance.Key) (*attendance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(f.findErr); err != nil {
		return nil, err
	}
	return f.find(key, false), nil
}

func (f *FakeCentral) FindOpenRecord(_ context.Context, key attendance.Key) (*attendance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(f.findErr); err != nil {
		return nil, err
	}
	return f.find(key, true), nil
}

func (f *FakeCentral) find(key attendance.Key, openOnly bool) *attendance.Record {
	for _, r := range f.records {
		if r.Key() != key {
			continue
		}
		if openOnly && !r.Open() {
			continue
		}
		rec := r
		return &rec
	}
	return nil
}

func (f *FakeCentral) InsertRecord(_ context.Context, rec attendance.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(f.writeErr); err != nil {
		return 0, err
	}
	if f.find(rec.Key(), false) != nil {
		return 0, xerrors.Errorf("insert %s: %w", rec.Key(), attendance.ErrWriteConflict)
	}
	f.nextID++
	rec.ID = f.nextID
	rec.Origin = attendance.OriginCentral
	if rec.Status == "" {
		rec.Status = attendance.StatusPresent
	}
	f.records[rec.ID] = rec
	f.inserts++
	return rec.ID, nil
}

func (f *FakeCentral) UpdateClose(_ context.Context, id int64, timeOut time.Time, hours float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(f.writeErr); err != nil {
		return false, err
	}
	rec, ok := f.records[id]
	if !ok || !rec.Open() {
		return false, nil
	}
	rec.TimeOut = &timeOut
	rec.HoursWorked = &hours
	f.records[id] = rec
	f.updates++
	return true, nil
}

func (f *FakeCentral) OpenRecord(ctx context.Context, key attendance.Key, timeIn time.Time) (attendance.Record, error) {
	rec := attendance.Record{
		WorkerID: key.WorkerID,
		Date:     key.Date,
		TimeIn:   timeIn,
		Status:   attendance.StatusPresent,
		Origin:   attendance.OriginCentral,
	}
	id, err := f.InsertRecord(ctx, rec)
	if err != nil {
		return attendance.Record{}, err
	}
	rec.ID = id
	return rec, nil
}

func (f *FakeCentral) CloseRecord(ctx context.Context, rec attendance.Record, timeOut time.Time, hours float64) (attendance.Record, error) {
	ok, err := f.UpdateClose(ctx, rec.ID, timeOut, hours)
	if err != nil {
		return attendance.Record{}, err
	}
	if !ok {
		return attendance.Record{}, xerrors.Errorf("close %d: %w", rec.ID, attendance.ErrWriteConflict)
	}
	rec.TimeOut = &timeOut
	rec.HoursWorked = &hours
	return rec, nil
}

func (f *FakeCentral) AppendAudit(_ context.Context, entry attendance.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(nil); err != nil {
		return err
	}
	f.audits = append(f.audits, entry)
	return nil
}

func (f *FakeCentral) check(injected error) error {
	if !f.connected {
		return xerrors.Errorf("fake central: %w", attendance.ErrStoreUnreachable)
	}
	return injected
}

// Records returns every row for key, ordered by id.
func (f *FakeCentral) Records(key attendance.Key) []attendance.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []attendance.Record
	for _, r := range f.records {
		if r.Key() == key {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Audits returns a copy of the audit entries.
func (f *FakeCentral) Audits() []attendance.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attendance.AuditEntry(nil), f.audits...)
}

// Inserts returns the number of successful inserts.
func (f *FakeCentral) Inserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// Updates returns the number of successful update-closes.
func (f *FakeCentral) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// Put inserts rec directly, bypassing connectivity, and returns its id.
func (f *FakeCentral) Put(rec attendance.Record) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = f.nextID
	rec.Origin = attendance.OriginCentral
	if rec.Status == "" {
		rec.Status = attendance.StatusPresent
	}
	f.records[rec.ID] = rec
	return rec.ID
}
