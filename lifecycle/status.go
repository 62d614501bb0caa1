package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"orderflow/apperr"
	"orderflow/application"
	"orderflow/policy"
)

// manualTransitions lists the status changes staff may apply directly.
// Statuses only move forward; assigned is reachable through selection only.
var manualTransitions = map[application.Status][]application.Status{
	application.StatusNew: {
		application.StatusPending,
		application.StatusInProgress,
		application.StatusCancelled,
		application.StatusForDelete,
	},
	application.StatusPending: {
		application.StatusInProgress,
		application.StatusCancelled,
		application.StatusForDelete,
	},
	application.StatusInProgress: {
		application.StatusCancelled,
		application.StatusForDelete,
	},
	application.StatusAssigned: {
		application.StatusCompleted,
		application.StatusCancelled,
		application.StatusForDelete,
	},
	application.StatusCompleted: {application.StatusForDelete},
	application.StatusCancelled: {application.StatusForDelete},
}

// CanTransition reports whether staff may move an application from one status to another.
func CanTransition(from, to application.Status) bool {
	return to.In(manualTransitions[from])
}

// Cancel moves an application to cancelled. The status guard runs before the
// ownership check so a finished application reports InvalidTransition to
// every caller.
func (s *Service) Cancel(ctx context.Context, id int64, actor Actor) (application.Application, error) {
	const op = "lifecycle.Cancel"

	var out application.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		app, err := s.lockApplication(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := guardMarked(op, actor, policy.ActionCancel, app); err != nil {
			return err
		}
		if !app.Status.In(application.Cancelable) {
			return invalidTransition(op, app.Status, "cancel")
		}
		if err := s.authorize(ctx, tx, op, actor, policy.ActionCancel, app); err != nil {
			return err
		}

		out, err = s.apps.SetStatus(ctx, tx, id, application.StatusCancelled, application.Cancelable)
		if errors.Is(err, application.ErrStaleState) {
			return invalidTransition(op, app.Status, "cancel")
		}
		return err
	})
	if err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}

	s.logger.InfoContext(ctx, "application cancelled", slog.Int64("application_id", id), slog.Int64("actor_id", actor.UserID))
	return out, nil
}

// Complete moves an assigned application to completed.
func (s *Service) Complete(ctx context.Context, id int64, actor Actor) (application.Application, error) {
	const op = "lifecycle.Complete"

	var out application.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		app, err := s.lockApplication(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := guardMarked(op, actor, policy.ActionComplete, app); err != nil {
			return err
		}
		if app.Status != application.StatusAssigned {
			return invalidTransition(op, app.Status, "complete")
		}
		if err := s.authorize(ctx, tx, op, actor, policy.ActionComplete, app); err != nil {
			return err
		}

		out, err = s.apps.SetStatus(ctx, tx, id, application.StatusCompleted, []application.Status{application.StatusAssigned})
		if errors.Is(err, application.ErrStaleState) {
			return invalidTransition(op, app.Status, "complete")
		}
		return err
	})
	if err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}

	s.logger.InfoContext(ctx, "application completed", slog.Int64("application_id", id), slog.Int64("actor_id", actor.UserID))
	return out, nil
}

// SetStatus applies a manual status change following manualTransitions.
func (s *Service) SetStatus(ctx context.Context, id int64, to application.Status, actor Actor) (application.Application, error) {
	const op = "lifecycle.SetStatus"

	if !to.Valid() {
		return application.Application{}, apperr.Validation(op, map[string]string{"status": "unknown status"})
	}
	if to == application.StatusAssigned {
		return application.Application{}, apperr.New(apperr.KindInvalidTransition, op, "assign by selecting a worker response")
	}

	var out application.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		app, err := s.lockApplication(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, op, actor, policy.ActionSetStatus, app); err != nil {
			return err
		}
		if !CanTransition(app.Status, to) {
			return apperr.New(apperr.KindInvalidTransition, op, "cannot move from "+string(app.Status)+" to "+string(to))
		}

		out, err = s.apps.SetStatus(ctx, tx, id, to, []application.Status{app.Status})
		if errors.Is(err, application.ErrStaleState) {
			return apperr.New(apperr.KindInvalidTransition, op, "application changed concurrently")
		}
		return err
	})
	if err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id), slog.String("to", string(to)))
	}

	s.logger.InfoContext(ctx, "application status changed",
		slog.Int64("application_id", id),
		slog.String("status", string(out.Status)),
		slog.Int64("actor_id", actor.UserID),
	)
	return out, nil
}

// MarkForDeletion raises the soft-delete flag. The status is left unchanged
// and the application is never purged automatically.
func (s *Service) MarkForDeletion(ctx context.Context, id int64, actor Actor) (application.Application, error) {
	const op = "lifecycle.MarkForDeletion"

	var out application.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		app, err := s.lockApplication(ctx, tx, op, id)
		if err != nil {
			return err
		}

		// Role check against the unmarked state; an already marked
		// application is a conflict, not a denial.
		unmarked := app
		unmarked.MarkedForDeletion = false
		if err := s.authorize(ctx, tx, op, actor, policy.ActionMarkForDeletion, unmarked); err != nil {
			return err
		}
		if app.MarkedForDeletion {
			return apperr.New(apperr.KindConflict, op, "application is already marked for deletion")
		}

		out, err = s.apps.MarkForDeletion(ctx, tx, id)
		if errors.Is(err, application.ErrStaleState) {
			return apperr.New(apperr.KindConflict, op, "application is already marked for deletion")
		}
		return err
	})
	if err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}

	s.logger.InfoContext(ctx, "application marked for deletion", slog.Int64("application_id", id), slog.Int64("actor_id", actor.UserID))
	return out, nil
}
