package attendance

import (
	"context"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// Authority decides which store is authoritative for a read or write. The
// central store is used while it is connected; the buffer otherwise. A
// buffered record that has not been synced yet stays authoritative for its
// key even after the central store comes back.
type Authority struct {
	central CentralStore
	buffer  BufferedStore
	logger  slog.Logger
}

// NewAuthority builds the policy. central may be nil on a device that has no
// central store configured.
func NewAuthority(central CentralStore, buffer BufferedStore, logger slog.Logger) *Authority {
	return &Authority{central: central, buffer: buffer, logger: logger}
}

// Online reports whether the central store is currently reachable.
func (a *Authority) Online() bool {
	return a.central != nil && a.central.IsConnected()
}

// Select returns the store new records are written to.
func (a *Authority) Select() Store {
	if a.Online() {
		return a.central
	}
	return a.buffer
}

// Buffer returns the local buffer.
func (a *Authority) Buffer() BufferedStore {
	return a.buffer
}

// Central returns the central store, which may be nil.
func (a *Authority) Central() CentralStore {
	return a.central
}

// StoreFor returns the store holding rec.
func (a *Authority) StoreFor(rec Record) Store {
	if rec.Origin == OriginCentral && a.central != nil {
		return a.central
	}
	return a.buffer
}

// Locate finds the current record for key in either store. A failed central
// lookup is returned as a *CentralLookupError together with the buffer as
// the fallback store.
func (a *Authority) Locate(ctx context.Context, key Key) (*Record, Store, error) {
	rec, err := a.buffer.FindRecord(ctx, key)
	if err != nil {
		return nil, nil, xerrors.Errorf("find buffered record %s: %w", key, err)
	}
	if rec != nil {
		return rec, a.buffer, nil
	}
	if !a.Online() {
		return nil, a.buffer, nil
	}
	rec, err = a.central.FindRecord(ctx, key)
	if err != nil {
		return nil, a.buffer, &CentralLookupError{Key: key, Err: err}
	}
	return rec, a.central, nil
}

// Audit writes entry to the central activity log when reachable and to the
// buffer's audit log otherwise. Failures are logged and never returned.
func (a *Authority) Audit(ctx context.Context, entry AuditEntry) {
	if a.Online() {
		err := a.central.AppendAudit(ctx, entry)
		if err == nil {
			return
		}
		a.logger.Warn(ctx, "central audit write failed, using local audit log",
			slog.F("action", entry.Action), slog.Error(err))
	}
	if err := a.buffer.AppendAudit(ctx, entry); err != nil {
		a.logger.Warn(ctx, "audit write failed",
			slog.F("action", entry.Action),
			slog.F("worker_id", entry.Actor),
			slog.Error(err))
	}
}
