package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
	"edgeattend/internal/queue"
	"edgeattend/internal/scan"
)

// ---------- Health ----------

// Healthz always answers 200: the device keeps recording while offline, so
// a missing central store degrades it without making it unhealthy.
func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	central := h.central != nil && h.central.IsConnected()
	body := gin.H{"status": "ok", "central": central}
	if !central {
		body["status"] = "degraded"
	}
	if h.redis != nil {
		body["redis"] = h.redis.Healthy(ctx)
	}
	if h.buffer != nil {
		pending, err := h.buffer.CountPending(ctx)
		if err != nil {
			h.logger.Warn(ctx, "count pending for health check", slog.Error(err))
			body["status"] = "degraded"
		} else {
			body["pending"] = pending
		}
	}
	c.JSON(http.StatusOK, body)
}

// ---------- Scans ----------

func (h *Handler) Scan(c *gin.Context) {
	var req scan.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.scans.Process(c.Request.Context(), req)
	if err != nil {
		h.scanError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PublishScan validates the event and queues it for the scan consumer.
func (h *Handler) PublishScan(c *gin.Context) {
	var req scan.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := queue.NewMessage(queue.TypeScan, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.events.Publish(c.Request.Context(), msg); err != nil {
		h.logger.Error(c.Request.Context(), "queue publish failed", slog.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": msg.ID})
}

type confirmRequest struct {
	WorkerID attendance.WorkerID `json:"worker_id" binding:"required"`
}

func (h *Handler) ConfirmTimeOut(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.scans.ConfirmTimeOut(c.Request.Context(), req.WorkerID)
	if err != nil {
		h.scanError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) scanError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scan.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scan.ErrNoPendingConfirmation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(c.Request.Context(), "scan failed", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan could not be recorded"})
	}
}

// ---------- Sync and buffer ----------

// Sync runs one pass and returns its counts. Concurrent calls are
// serialized by the engine.
func (h *Handler) Sync(c *gin.Context) {
	res := h.sync.RunPass(c.Request.Context())
	c.JSON(http.StatusOK, res)
}

// BufferEntry is the wire form of a buffered record.
type BufferEntry struct {
	BufferID    int64                `json:"buffer_id"`
	WorkerID    attendance.WorkerID  `json:"worker_id"`
	Date        string               `json:"attendance_date"`
	TimeIn      time.Time            `json:"time_in"`
	TimeOut     *time.Time           `json:"time_out,omitempty"`
	HoursWorked *float64             `json:"hours_worked,omitempty"`
	State       attendance.SyncState `json:"sync_state"`
	Attempts    int                  `json:"attempts"`
	LastError   string               `json:"last_error,omitempty"`
	CentralID   *int64               `json:"central_id,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// BufferListing is the response of GET /v1/buffer.
type BufferListing struct {
	Records []BufferEntry `json:"records"`
}

func toBufferEntry(p attendance.PendingRecord) BufferEntry {
	return BufferEntry{
		BufferID:    p.BufferID,
		WorkerID:    p.WorkerID,
		Date:        p.Date.String(),
		TimeIn:      p.TimeIn,
		TimeOut:     p.TimeOut,
		HoursWorked: p.HoursWorked,
		State:       p.State,
		Attempts:    p.Attempts,
		LastError:   p.LastError,
		CentralID:   p.CentralID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ListBuffer lists buffered records in ?state= (default pending).
func (h *Handler) ListBuffer(c *gin.Context) {
	state := attendance.SyncState(c.DefaultQuery("state", string(attendance.SyncPending)))
	if !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + strconv.Quote(string(state))})
		return
	}
	records, err := h.buffer.ListByState(c.Request.Context(), state)
	if err != nil {
		h.logger.Error(c.Request.Context(), "list buffer", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list buffer failed"})
		return
	}
	out := make([]BufferEntry, 0, len(records))
	for _, p := range records {
		out = append(out, toBufferEntry(p))
	}
	c.JSON(http.StatusOK, BufferListing{Records: out})
}

// Requeue gives a failed record a fresh retry budget.
func (h *Handler) Requeue(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid buffer id"})
		return
	}
	ok, err := h.buffer.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "buffer record not found"})
		return
	case err != nil:
		h.logger.Error(c.Request.Context(), "requeue buffer record", slog.F("buffer_id", id), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue failed"})
		return
	case !ok:
		c.JSON(http.StatusConflict, gin.H{"error": "record is not failed"})
		return
	}
	h.logger.Info(c.Request.Context(), "buffer record requeued", slog.F("buffer_id", id))
	c.JSON(http.StatusOK, gin.H{"buffer_id": id, "sync_state": attendance.SyncPending})
}
