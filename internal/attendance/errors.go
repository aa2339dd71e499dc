package attendance

import "golang.org/x/xerrors"

// Error taxonomy. Store adapters wrap driver errors into ErrStoreUnreachable
// or ErrWriteConflict; rejection outcomes report the rest through Err().
var (
	ErrDuplicateScan        = xerrors.New("duplicate scan")
	ErrAlreadyOpen          = xerrors.New("attendance already open for today")
	ErrCompletedForToday    = xerrors.New("attendance already completed today")
	ErrNoOpenRecord         = xerrors.New("no open attendance for today")
	ErrStoreUnreachable     = xerrors.New("store unreachable")
	ErrWriteConflict        = xerrors.New("write conflict")
	ErrRetryBudgetExhausted = xerrors.New("retry budget exhausted")

	// ErrNotFound is returned by lookups by surrogate id.
	ErrNotFound = xerrors.New("record not found")
)

// CentralLookupError reports that the central store could not be asked about
// Key after the buffer had nothing for it.
type CentralLookupError struct {
	Key Key
	Err error
}

func (e *CentralLookupError) Error() string {
	return "find central record " + e.Key.String() + ": " + e.Err.Error()
}

func (e *CentralLookupError) Unwrap() error { return e.Err }
