package attendance

import (
	"context"
	"time"
)

// Store is a backend that can hold today's attendance records. The ledger
// talks to both backends through this interface only.
type Store interface {
	Origin() Origin
	// FindRecord returns the current record for key, or nil. For the buffer
	// only records not yet synced are considered.
	FindRecord(ctx context.Context, key Key) (*Record, error)
	// OpenRecord writes a new open record.
	OpenRecord(ctx context.Context, key Key, timeIn time.Time) (Record, error)
	// CloseRecord sets the time-out of rec, which must be held by this store.
	CloseRecord(ctx context.Context, rec Record, timeOut time.Time, hours float64) (Record, error)
}

// AuditTrail receives informational activity entries.
type AuditTrail interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// CentralStore is the authoritative store adapter. Every call is bounded by
// the adapter's timeout; connection failures flip IsConnected to false.
type CentralStore interface {
	Store
	AuditTrail
	// IsConnected reports the last known connectivity without any I/O.
	IsConnected() bool
	// Connect (re)establishes connectivity. It is safe to call when
	// already connected.
	Connect(ctx context.Context) bool
	FindOpenRecord(ctx context.Context, key Key) (*Record, error)
	// InsertRecord inserts rec verbatim. An error other than
	// ErrWriteConflict leaves the outcome unknown.
	InsertRecord(ctx context.Context, rec Record) (int64, error)
	// UpdateClose closes an open record. It returns false when the record
	// was already closed or does not exist.
	UpdateClose(ctx context.Context, id int64, timeOut time.Time, hours float64) (bool, error)
}

// LocalBuffer is the durable on-device queue of records awaiting the
// central store. Synced and failed records are retained, never deleted.
type LocalBuffer interface {
	// Append persists rec durably and returns its buffer id.
	Append(ctx context.Context, rec Record) (int64, error)
	Get(ctx context.Context, bufferID int64) (PendingRecord, error)
	// ListPending returns pending and retrying records in append order.
	ListPending(ctx context.Context) ([]PendingRecord, error)
	ListByState(ctx context.Context, state SyncState) ([]PendingRecord, error)
	CountPending(ctx context.Context) (int, error)
	MarkSynced(ctx context.Context, bufferID, centralID int64) error
	// MarkRetry increments the attempt counter and returns the new value.
	MarkRetry(ctx context.Context, bufferID int64, cause error) (int, error)
	MarkFailed(ctx context.Context, bufferID int64) error
	// Requeue moves a failed record back to pending with a zero counter.
	Requeue(ctx context.Context, bufferID int64) (bool, error)
}

// BufferedStore is the local buffer seen both as a ledger backend and as
// the sync queue.
type BufferedStore interface {
	Store
	AuditTrail
	LocalBuffer
}

// LockedKeyedCache serializes work per key and remembers the last accepted
// scan per key. Implementations may be process-local or distributed.
type LockedKeyedCache interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key Key) (unlock func(), err error)
	LastScan(ctx context.Context, key Key) (time.Time, bool, error)
	RecordScan(ctx context.Context, key Key, at time.Time, window time.Duration) error
}
