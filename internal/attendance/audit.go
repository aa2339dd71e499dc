package attendance

import (
	"time"

	"github.com/google/uuid"
)

// AuditSource is recorded on every entry written by the device.
const AuditSource = "edge-device"

// Audit actions.
const (
	ActionClockIn  = "clock_in"
	ActionClockOut = "clock_out"
)

// AuditEntry describes one accepted attendance write.
type AuditEntry struct {
	ID        uuid.UUID
	Actor     WorkerID
	Action    string
	RecordID  int64
	Origin    Origin
	Source    string
	DeviceID  string
	Detail    string
	CreatedAt time.Time
}

func newAuditEntry(action, deviceID string, rec Record, at time.Time) AuditEntry {
	detail := "Facial recognition time-in"
	if action == ActionClockOut {
		detail = "Facial recognition time-out"
	}
	return AuditEntry{
		ID:        uuid.New(),
		Actor:     rec.WorkerID,
		Action:    action,
		RecordID:  rec.ID,
		Origin:    rec.Origin,
		Source:    AuditSource,
		DeviceID:  deviceID,
		Detail:    detail,
		CreatedAt: at,
	}
}
