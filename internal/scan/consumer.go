package scan

import (
	"context"
	"encoding/json"

	"cdr.dev/slog/v3"

	"edgeattend/internal/queue"
)

// Consume processes scan events from q until ctx is done. Bad events are
// logged and skipped.
func (p *Processor) Consume(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	p.logger.Info(ctx, "scan consumer started")
	for msg := range msgs {
		logger := p.logger.With(slog.F("message_id", msg.ID))
		if msg.Type != queue.TypeScan {
			logger.Warn(ctx, "ignoring queue message", slog.F("type", msg.Type))
			continue
		}
		var req Request
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			logger.Warn(ctx, "decode scan event", slog.Error(err))
			continue
		}
		res, err := p.Process(ctx, req)
		if err != nil {
			logger.Error(ctx, "process scan event", slog.Error(err))
			continue
		}
		logger.Info(ctx, "scan event processed",
			slog.F("worker_id", res.WorkerID),
			slog.F("action", res.Action),
			slog.F("success", res.Success))
	}
	p.logger.Info(ctx, "scan consumer stopped")
	return nil
}
