// Package scan turns identification events into ledger calls and
// presentation-ready results. It owns the device's time-in/time-out modes
// and the auto time-out policy; the ledger itself never decides to close a
// record on its own.
package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
)

// DefaultConfirmWindow is how long a time-out prompt stays valid.
const DefaultConfirmWindow = 5 * time.Second

var (
	ErrInvalidRequest        = xerrors.New("invalid scan request")
	ErrNoPendingConfirmation = xerrors.New("no pending time-out confirmation")
)

type Mode string

const (
	ModeTimeIn  Mode = "time_in"
	ModeTimeOut Mode = "time_out"
)

// Request is one identification event. Exactly one of WorkerID and
// ImageURL is set.
type Request struct {
	WorkerID attendance.WorkerID `json:"worker_id,omitempty"`
	ImageURL string              `json:"image_url,omitempty"`
	Mode     Mode                `json:"mode,omitempty"`
}

func (r Request) Validate() error {
	if (r.WorkerID == "") == (r.ImageURL == "") {
		return xerrors.Errorf("exactly one of worker_id and image_url is required: %w", ErrInvalidRequest)
	}
	switch r.Mode {
	case "", ModeTimeIn, ModeTimeOut:
		return nil
	}
	return xerrors.Errorf("unknown mode %q: %w", r.Mode, ErrInvalidRequest)
}

type Action string

const (
	ActionTimeIn         Action = "time_in"
	ActionTimeOut        Action = "time_out"
	ActionDuplicate      Action = "duplicate"
	ActionAlreadyOpen    Action = "already_open"
	ActionConfirmTimeOut Action = "confirm_time_out"
	ActionCompleted      Action = "completed"
	ActionNoOpenRecord   Action = "no_open_record"
	ActionUnrecognized   Action = "unrecognized"
	ActionUnknownWorker  Action = "unknown_worker"
)

// Result is what the device shows the worker.
type Result struct {
	Action      Action              `json:"action"`
	Success     bool                `json:"success"`
	Message     string              `json:"message"`
	WorkerID    attendance.WorkerID `json:"worker_id,omitempty"`
	WorkerName  string              `json:"worker_name,omitempty"`
	At          time.Time           `json:"at"`
	TimeIn      *time.Time          `json:"time_in,omitempty"`
	HoursWorked *float64            `json:"hours_worked,omitempty"`
	Origin      attendance.Origin   `json:"origin,omitempty"`
	ConfirmBy   *time.Time          `json:"confirm_by,omitempty"`
}

// Ledger is the subset of attendance.Ledger the processor drives.
type Ledger interface {
	RecordTimeIn(ctx context.Context, worker attendance.WorkerID, now time.Time) (attendance.TimeInOutcome, error)
	RecordTimeOut(ctx context.Context, worker attendance.WorkerID, now time.Time) (attendance.TimeOutOutcome, error)
}

// Identifier resolves a face image to a worker.
type Identifier interface {
	Identify(ctx context.Context, imageURL string) (attendance.WorkerID, bool, error)
}

// Roster labels workers.
type Roster interface {
	GetWorker(ctx context.Context, id attendance.WorkerID) (attendance.Worker, error)
}

type Options struct {
	Ledger     Ledger
	Identifier Identifier
	Roster     Roster
	Clock      quartz.Clock
	// AutoTimeOut turns an already-open time-in into a time-out. With a
	// positive ConfirmWindow the worker must confirm within the window;
	// with zero the time-out is recorded immediately.
	AutoTimeOut   bool
	ConfirmWindow time.Duration
	Logger        slog.Logger
}

type Processor struct {
	ledger        Ledger
	identifier    Identifier
	roster        Roster
	clock         quartz.Clock
	autoTimeOut   bool
	confirmWindow time.Duration
	logger        slog.Logger

	mu       sync.Mutex
	confirms map[attendance.WorkerID]time.Time
}

func NewProcessor(opts Options) *Processor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.ConfirmWindow < 0 {
		opts.ConfirmWindow = 0
	}
	return &Processor{
		ledger:        opts.Ledger,
		identifier:    opts.Identifier,
		roster:        opts.Roster,
		clock:         opts.Clock,
		autoTimeOut:   opts.AutoTimeOut,
		confirmWindow: opts.ConfirmWindow,
		logger:        opts.Logger,
		confirms:      make(map[attendance.WorkerID]time.Time),
	}
}

// Process handles one scan. Errors are returned only for invalid requests
// and infrastructure failures; every business outcome is a Result.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	now := p.clock.Now()

	worker, res, ok, err := p.resolve(ctx, req, now)
	if err != nil || !ok {
		return res, err
	}

	if req.Mode == ModeTimeOut {
		return p.timeOut(ctx, worker, now)
	}

	out, err := p.ledger.RecordTimeIn(ctx, worker.ID, now)
	if err != nil {
		return Result{}, xerrors.Errorf("record time-in: %w", err)
	}
	res = Result{WorkerID: worker.ID, WorkerName: worker.Name(), At: now}
	switch o := out.(type) {
	case attendance.Accepted:
		in := o.TimeIn()
		res.Action, res.Success, res.Message = ActionTimeIn, true, "Time-in recorded"
		res.TimeIn = &in
		res.Origin = o.Record.Origin
	case attendance.Duplicate:
		res.Action, res.Message = ActionDuplicate, "Already scanned, please wait"
	case attendance.AlreadyOpen:
		in := o.Record.TimeIn
		res.TimeIn = &in
		if !p.autoTimeOut {
			res.Action, res.Message = ActionAlreadyOpen, "Already timed in today"
			break
		}
		if p.confirmWindow == 0 {
			return p.timeOut(ctx, worker, now)
		}
		by := p.expectConfirmation(worker.ID, now)
		res.Action, res.Message = ActionConfirmTimeOut, "Already timed in. Confirm to time out"
		res.ConfirmBy = &by
	case attendance.Completed:
		res.Action, res.Message = ActionCompleted, "Attendance already completed today"
	default:
		return Result{}, xerrors.Errorf("unexpected time-in outcome %T", out)
	}
	p.logger.Debug(ctx, "scan processed", slog.F("worker_id", worker.ID), slog.F("action", res.Action))
	return res, nil
}

// ConfirmTimeOut records the time-out a previous scan prompted for. The
// prompt is consumed whether or not it has expired.
func (p *Processor) ConfirmTimeOut(ctx context.Context, worker attendance.WorkerID) (Result, error) {
	now := p.clock.Now()
	p.mu.Lock()
	by, ok := p.confirms[worker]
	delete(p.confirms, worker)
	p.mu.Unlock()
	if !ok || now.After(by) {
		return Result{}, xerrors.Errorf("worker %s: %w", worker, ErrNoPendingConfirmation)
	}

	w, res, ok, err := p.label(ctx, worker, now)
	if err != nil || !ok {
		return res, err
	}
	return p.timeOut(ctx, w, now)
}

func (p *Processor) expectConfirmation(worker attendance.WorkerID, now time.Time) time.Time {
	by := now.Add(p.confirmWindow)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, deadline := range p.confirms {
		if now.After(deadline) {
			delete(p.confirms, id)
		}
	}
	p.confirms[worker] = by
	return by
}

func (p *Processor) timeOut(ctx context.Context, worker attendance.Worker, now time.Time) (Result, error) {
	out, err := p.ledger.RecordTimeOut(ctx, worker.ID, now)
	if err != nil {
		return Result{}, xerrors.Errorf("record time-out: %w", err)
	}
	res := Result{WorkerID: worker.ID, WorkerName: worker.Name(), At: now}
	switch o := out.(type) {
	case attendance.Closed:
		hours := attendance.RoundHours(o.HoursWorked)
		in := o.Record.TimeIn
		res.Action, res.Success, res.Message = ActionTimeOut, true, "Time-out recorded"
		res.HoursWorked = &hours
		res.TimeIn = &in
		res.Origin = o.Record.Origin
	case attendance.NoOpenRecord:
		res.Action, res.Message = ActionNoOpenRecord, "No time-in found for today"
	default:
		return Result{}, xerrors.Errorf("unexpected time-out outcome %T", out)
	}
	p.logger.Debug(ctx, "scan processed", slog.F("worker_id", worker.ID), slog.F("action", res.Action))
	return res, nil
}

// resolve identifies the worker behind req. ok is false when res already
// holds the final answer.
func (p *Processor) resolve(ctx context.Context, req Request, now time.Time) (attendance.Worker, Result, bool, error) {
	id := req.WorkerID
	if id == "" {
		if p.identifier == nil {
			return attendance.Worker{}, Result{}, false, xerrors.Errorf("image scans are not configured: %w", ErrInvalidRequest)
		}
		found, ok, err := p.identifier.Identify(ctx, req.ImageURL)
		if err != nil {
			return attendance.Worker{}, Result{}, false, xerrors.Errorf("identify: %w", err)
		}
		if !ok {
			return attendance.Worker{}, Result{Action: ActionUnrecognized, Message: "Face not recognized", At: now}, false, nil
		}
		id = found
	}
	return p.label(ctx, id, now)
}

// label looks the worker up in the roster. A roster outage does not block
// attendance; the scan proceeds unlabeled.
func (p *Processor) label(ctx context.Context, id attendance.WorkerID, now time.Time) (attendance.Worker, Result, bool, error) {
	if p.roster == nil {
		return attendance.Worker{ID: id}, Result{}, true, nil
	}
	w, err := p.roster.GetWorker(ctx, id)
	switch {
	case err == nil:
		if w.EmploymentStatus != "" && w.EmploymentStatus != "active" {
			return attendance.Worker{}, Result{
				Action:   ActionUnknownWorker,
				Message:  "Worker is not active",
				WorkerID: id,
				At:       now,
			}, false, nil
		}
		return w, Result{}, true, nil
	case errors.Is(err, attendance.ErrNotFound):
		return attendance.Worker{}, Result{
			Action:   ActionUnknownWorker,
			Message:  "Unknown worker",
			WorkerID: id,
			At:       now,
		}, false, nil
	default:
		p.logger.Warn(ctx, "roster unavailable, recording unlabeled scan", slog.F("worker_id", id), slog.Error(err))
		return attendance.Worker{ID: id}, Result{}, true, nil
	}
}
