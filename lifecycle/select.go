package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"orderflow/apperr"
	"orderflow/application"
	"orderflow/offer"
	"orderflow/policy"
)

// SelectWorker makes responseID the winning offer of the application. The
// application row is locked first, then the response, matching the lock
// order of every other writer. The status move, the accepted flip and the
// sibling rejections commit together or not at all.
//
// Selecting the response that already won is a no-op success; selecting any
// other response once the application is assigned or completed is an
// InvalidTransition.
func (s *Service) SelectWorker(ctx context.Context, applicationID, responseID int64, actor Actor) (application.Application, error) {
	const op = "lifecycle.SelectWorker"

	var (
		out     application.Application
		winner  offer.Response
		changed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		changed = false

		app, err := s.lockApplication(ctx, tx, op, applicationID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, op, actor, policy.ActionSelect, app); err != nil {
			return err
		}

		resp, err := s.offers.GetForUpdate(ctx, tx, responseID)
		if err != nil {
			if errors.Is(err, offer.ErrNotFound) {
				return notFound(op, "response", err)
			}
			return err
		}
		if resp.ApplicationID != app.ID {
			return apperr.New(apperr.KindNotFound, op, "response not found for this application")
		}

		if app.Status.HasWorker() {
			if resp.Status == offer.StatusAccepted && app.WorkerID != nil && *app.WorkerID == resp.WorkerID {
				out = app
				return nil
			}
			return invalidTransition(op, app.Status, "select a worker for")
		}
		if !app.Status.In(application.Selectable) {
			return invalidTransition(op, app.Status, "select a worker for")
		}

		out, err = s.apps.Assign(ctx, tx, app.ID, resp.WorkerID)
		if err != nil {
			if errors.Is(err, application.ErrStaleState) {
				return invalidTransition(op, app.Status, "select a worker for")
			}
			return err
		}

		if _, err := s.offers.MarkRejectedExcept(ctx, tx, app.ID, resp.ID); err != nil {
			return err
		}
		winner, err = s.offers.MarkAccepted(ctx, tx, resp.ID)
		if err != nil {
			if errors.Is(err, offer.ErrAlreadyAccepted) {
				return apperr.Wrap(apperr.KindConflict, op, "another response is already accepted", err)
			}
			return err
		}

		changed = true
		return nil
	})
	if err != nil {
		return application.Application{}, s.fail(ctx, op, err,
			slog.Int64("application_id", applicationID),
			slog.Int64("response_id", responseID),
		)
	}

	if changed {
		s.logger.InfoContext(ctx, "worker selected",
			slog.Int64("application_id", applicationID),
			slog.Int64("response_id", responseID),
			slog.Int64("worker_id", winner.WorkerID),
			slog.Int64("actor_id", actor.UserID),
		)
		s.notifier.NotifyAssigned(ctx, out, winner.WorkerID)
	}
	return out, nil
}
