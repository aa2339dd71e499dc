package attendance

import "time"

// TimeInOutcome is the result of Ledger.RecordTimeIn. It is one of
// Accepted, Duplicate, AlreadyOpen or Completed.
type TimeInOutcome interface {
	timeInOutcome()
	// Err is nil for Accepted and the matching taxonomy error otherwise.
	Err() error
}

// TimeOutOutcome is the result of Ledger.RecordTimeOut. It is one of
// Closed or NoOpenRecord.
type TimeOutOutcome interface {
	timeOutOutcome()
	Err() error
}

// Accepted means a new open record was written.
type Accepted struct {
	Record Record
}

// Duplicate means the worker was already accepted within the suppression window.
type Duplicate struct {
	LastScan time.Time
}

// AlreadyOpen means today's record exists and has no time-out.
type AlreadyOpen struct {
	Record Record
}

// Completed means today's record is already closed.
type Completed struct {
	Record Record
}

// Closed means the open record was closed.
type Closed struct {
	Record      Record
	HoursWorked float64
}

// NoOpenRecord means there was nothing to close for today.
type NoOpenRecord struct{}

func (Accepted) timeInOutcome()    {}
func (Duplicate) timeInOutcome()   {}
func (AlreadyOpen) timeInOutcome() {}
func (Completed) timeInOutcome()   {}

func (Closed) timeOutOutcome()       {}
func (NoOpenRecord) timeOutOutcome() {}

func (Accepted) Err() error     { return nil }
func (Duplicate) Err() error    { return ErrDuplicateScan }
func (AlreadyOpen) Err() error  { return ErrAlreadyOpen }
func (Completed) Err() error    { return ErrCompletedForToday }
func (Closed) Err() error       { return nil }
func (NoOpenRecord) Err() error { return ErrNoOpenRecord }

// TimeIn returns the accepted time-in.
func (a Accepted) TimeIn() time.Time {
	return a.Record.TimeIn
}
