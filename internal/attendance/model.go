package attendance

import (
	"fmt"
	"math"
	"time"
)

// WorkerID identifies a worker in the external roster. It is opaque to the ledger.
type WorkerID string

// Date is a calendar date in the device-local time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// In returns midnight of the date in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Key is the natural key of an attendance record.
type Key struct {
	WorkerID WorkerID
	Date     Date
}

func (k Key) String() string {
	return string(k.WorkerID) + "/" + k.Date.String()
}

// Origin records which store holds a record.
type Origin string

const (
	OriginCentral  Origin = "central"
	OriginBuffered Origin = "buffered"
)

// StatusPresent is the only status the ledger writes.
const StatusPresent = "present"

// Record is one attendance row for a worker and date. A record with no
// TimeOut is open.
type Record struct {
	// ID is the central surrogate id for central records and the buffer id
	// for buffered ones.
	ID          int64
	WorkerID    WorkerID
	Date        Date
	TimeIn      time.Time
	TimeOut     *time.Time
	HoursWorked *float64
	Status      string
	Origin      Origin
}

// Key returns the record's natural key.
func (r Record) Key() Key {
	return Key{WorkerID: r.WorkerID, Date: r.Date}
}

// Open reports whether the record has no time-out yet.
func (r Record) Open() bool {
	return r.TimeOut == nil
}

// HoursWorked returns the elapsed time between timeIn and timeOut in
// fractional hours. The duration is absolute, so pairs across midnight or a
// DST shift are measured correctly. A time-out before the time-in yields 0.
func HoursWorked(timeIn, timeOut time.Time) float64 {
	h := timeOut.Sub(timeIn).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// RoundHours rounds to two decimals for display.
func RoundHours(h float64) float64 {
	return math.Round(h*100) / 100
}

// SyncState is the lifecycle state of a buffered record.
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncRetrying SyncState = "retrying"
	SyncSynced   SyncState = "synced"
	SyncFailed   SyncState = "failed"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncPending, SyncRetrying, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// PendingRecord is a record held in the local buffer together with its
// synchronization bookkeeping.
type PendingRecord struct {
	Record
	BufferID  int64
	State     SyncState
	Attempts  int
	LastError string
	CentralID *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Worker is the roster entry used for labeling.
type Worker struct {
	ID               WorkerID `json:"worker_id"`
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	WorkerCode       string   `json:"worker_code"`
	EmploymentStatus string   `json:"employment_status"`
}

// Name returns "First Last".
func (w Worker) Name() string {
	switch {
	case w.FirstName == "":
		return w.LastName
	case w.LastName == "":
		return w.FirstName
	}
	return w.FirstName + " " + w.LastName
}
