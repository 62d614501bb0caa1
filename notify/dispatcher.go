package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/lifecycle"
	"orderflow/offer"
	"orderflow/worker"
)

var _ lifecycle.Notifier = (*Dispatcher)(nil)

// AdminDirectory lists the addresses that receive new-application digests.
type AdminDirectory interface {
	AdminEmails(ctx context.Context) ([]string, error)
}

// WorkerDirectory supplies the display data named in offer and assignment
// events.
type WorkerDirectory interface {
	GetSummary(ctx context.Context, id int64) (worker.Summary, error)
}

const DefaultTimeout = 10 * time.Second

// Dispatcher implements lifecycle.Notifier. Every call returns at once; the
// event is delivered on its own goroutine under a detached, bounded context.
type Dispatcher struct {
	sink    Sink
	admins  AdminDirectory
	workers WorkerDirectory
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(sink Sink, admins AdminDirectory, workers WorkerDirectory, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		sink:    sink,
		admins:  admins,
		workers: workers,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

func (d *Dispatcher) NotifyOffer(ctx context.Context, app application.Application, resp offer.Response) {
	d.dispatch(ctx, offerEvent(app, resp, d.now()), d.nameWorker)
}

func (d *Dispatcher) NotifyCreated(ctx context.Context, app application.Application, creds *auth.Credentials) {
	ev := newEvent(EventCreated, app, d.now())
	ev.Credentials = creds
	d.dispatch(ctx, ev, nil)
}

// NotifyAdmins resolves the admin addresses inside the delivery goroutine so
// the directory lookup never delays the caller.
func (d *Dispatcher) NotifyAdmins(ctx context.Context, app application.Application) {
	ev := newEvent(EventAdmins, app, d.now())
	d.dispatch(ctx, ev, func(ctx context.Context, ev *Event) error {
		if d.admins == nil {
			return nil
		}
		emails, err := d.admins.AdminEmails(ctx)
		if err != nil {
			return fmt.Errorf("notify: admin emails: %w", err)
		}
		ev.Recipients = emails
		return nil
	})
}

func (d *Dispatcher) NotifyAssigned(ctx context.Context, app application.Application, workerID int64) {
	d.dispatch(ctx, assignedEvent(app, workerID, d.now()), d.nameWorker)
}

// nameWorker fills the worker's display name off the caller's path. A failed
// lookup leaves the name empty and the event is still delivered.
func (d *Dispatcher) nameWorker(ctx context.Context, ev *Event) error {
	if d.workers == nil {
		return nil
	}
	w, err := d.workers.GetSummary(ctx, ev.WorkerID)
	if err != nil {
		return fmt.Errorf("notify: worker %d summary: %w", ev.WorkerID, err)
	}
	ev.WorkerName = w.DisplayName()
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatch(parent context.Context, ev Event, prepare func(context.Context, *Event) error) {
	ctx := context.WithoutCancel(parent)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("notify: delivery panicked",
					slog.String("event_id", ev.ID),
					slog.String("type", string(ev.Type)),
					slog.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		if prepare != nil {
			if err := prepare(ctx, &ev); err != nil {
				d.logger.WarnContext(ctx, "notify: prepare failed",
					slog.String("event_id", ev.ID),
					slog.Int64("application_id", ev.ApplicationID),
					slog.Any("error", err),
				)
			}
		}

		if err := d.sink.Deliver(ctx, ev); err != nil {
			d.logger.WarnContext(ctx, "notify: delivery failed",
				slog.String("event_id", ev.ID),
				slog.String("type", string(ev.Type)),
				slog.Int64("application_id", ev.ApplicationID),
				slog.Any("error", err),
			)
		}
	}()
}
