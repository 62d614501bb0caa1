package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"orderflow/apperr"
	"orderflow/application"
	"orderflow/auth"
	"orderflow/offer"
	"orderflow/policy"
)

const maxResponseText = 5000

type OfferInput struct {
	Response string
	Price    float64
	Deadline time.Time
}

func (in OfferInput) validate(op string) error {
	fields := map[string]string{}
	if math.IsNaN(in.Price) || math.IsInf(in.Price, 0) || in.Price <= 0 {
		fields["price"] = "must be a positive number"
	}
	if in.Deadline.IsZero() {
		fields["deadline"] = "is required"
	}
	if len(in.Response) > maxResponseText {
		fields["response"] = "is too long"
	}
	if len(fields) > 0 {
		return apperr.Validation(op, fields)
	}
	return nil
}

// SubmitOffer records the worker's response. The first response moves a new
// application to pending. A repeat response is refused before the insert
// while the application row is locked; the store's unique constraint still
// backs that check.
func (s *Service) SubmitOffer(ctx context.Context, applicationID int64, actor Actor, in OfferInput) (offer.Response, error) {
	const op = "lifecycle.SubmitOffer"

	if err := in.validate(op); err != nil {
		return offer.Response{}, err
	}
	if actor.Role != auth.RoleWorker {
		return offer.Response{}, apperr.New(apperr.KindForbidden, op, "only workers submit offers")
	}

	var (
		app  application.Application
		resp offer.Response
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		app, err = s.lockApplication(ctx, tx, op, applicationID)
		if err != nil {
			return err
		}
		if err := guardMarked(op, actor, policy.ActionSubmitOffer, app); err != nil {
			return err
		}
		if !app.Status.In(application.Offerable) {
			return invalidTransition(op, app.Status, "submit an offer for")
		}
		f, err := s.facts(ctx, tx, actor, app)
		if err != nil {
			return err
		}
		f.HasOffered, err = s.offers.ExistsFor(ctx, tx, app.ID, actor.UserID)
		if err != nil {
			return err
		}
		if d := policy.Can(actor.Role, policy.ActionSubmitOffer, f); !d.Allowed {
			if f.InPortfolio && f.HasOffered {
				return apperr.New(apperr.KindConflict, op, "worker already responded to this application")
			}
			return forbidden(op, d)
		}

		resp, err = s.offers.Add(ctx, tx, offer.AddParams{
			ApplicationID: app.ID,
			WorkerID:      actor.UserID,
			Response:      in.Response,
			Price:         in.Price,
			Deadline:      in.Deadline,
		})
		if err != nil {
			switch {
			case errors.Is(err, offer.ErrDuplicate):
				return apperr.Wrap(apperr.KindConflict, op, "worker already responded to this application", err)
			case errors.Is(err, offer.ErrInvalidInput):
				return apperr.Wrap(apperr.KindValidation, op, "invalid offer", err)
			}
			return err
		}

		promoted, err := s.apps.PromoteToPending(ctx, tx, app.ID)
		if err != nil {
			return err
		}
		if promoted {
			app.Status = application.StatusPending
		}
		return nil
	})
	if err != nil {
		return offer.Response{}, s.fail(ctx, op, err,
			slog.Int64("application_id", applicationID),
			slog.Int64("worker_id", actor.UserID),
		)
	}

	s.logger.InfoContext(ctx, "offer submitted",
		slog.Int64("application_id", applicationID),
		slog.Int64("response_id", resp.ID),
		slog.Int64("worker_id", actor.UserID),
	)
	s.notifier.NotifyOffer(ctx, app, resp)
	return resp, nil
}

// ListResponses returns the application's responses oldest first.
func (s *Service) ListResponses(ctx context.Context, applicationID int64, actor Actor) ([]offer.WithWorker, error) {
	const op = "lifecycle.ListResponses"

	app, err := s.apps.GetByID(ctx, applicationID)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			return nil, notFound(op, "application", err)
		}
		return nil, s.fail(ctx, op, err, slog.Int64("application_id", applicationID))
	}
	if err := s.authorize(ctx, nil, op, actor, policy.ActionListResponses, app); err != nil {
		return nil, s.fail(ctx, op, err, slog.Int64("application_id", applicationID))
	}

	list, err := s.offers.ListForApplication(ctx, applicationID)
	if err != nil {
		return nil, s.fail(ctx, op, err, slog.Int64("application_id", applicationID))
	}
	return list, nil
}

// WorkerResponses lists the calling worker's own responses.
func (s *Service) WorkerResponses(ctx context.Context, actor Actor) ([]offer.Response, error) {
	const op = "lifecycle.WorkerResponses"

	if actor.Role != auth.RoleWorker {
		return nil, apperr.New(apperr.KindForbidden, op, "only workers have responses")
	}
	list, err := s.offers.ListForWorker(ctx, actor.UserID)
	if err != nil {
		return nil, s.fail(ctx, op, err, slog.Int64("worker_id", actor.UserID))
	}
	return list, nil
}

// DeleteResponse removes a single response. The accepted response of an
// assigned or completed application cannot be removed while it is in force.
func (s *Service) DeleteResponse(ctx context.Context, responseID int64, actor Actor) error {
	const op = "lifecycle.DeleteResponse"

	if d := policy.Can(actor.Role, policy.ActionDeleteResponse, policy.Facts{}); !d.Allowed {
		return forbidden(op, d)
	}

	// The owning application is locked before the response, the same order
	// SelectWorker uses.
	current, err := s.offers.GetByID(ctx, responseID)
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			return notFound(op, "response", err)
		}
		return s.fail(ctx, op, err, slog.Int64("response_id", responseID))
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		app, err := s.lockApplication(ctx, tx, op, current.ApplicationID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, op, actor, policy.ActionDeleteResponse, app); err != nil {
			return err
		}

		resp, err := s.offers.GetForUpdate(ctx, tx, responseID)
		if err != nil {
			if errors.Is(err, offer.ErrNotFound) {
				return notFound(op, "response", err)
			}
			return err
		}
		if resp.Status == offer.StatusAccepted && app.Status.HasWorker() {
			return apperr.New(apperr.KindConflict, op, "the accepted response of an assigned application cannot be deleted")
		}

		if err := s.offers.DeleteByID(ctx, tx, responseID); err != nil {
			if errors.Is(err, offer.ErrNotFound) {
				return notFound(op, "response", err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, op, err, slog.Int64("response_id", responseID))
	}

	s.logger.InfoContext(ctx, "response deleted", slog.Int64("response_id", responseID), slog.Int64("actor_id", actor.UserID))
	return nil
}
