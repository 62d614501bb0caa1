// Package lifecycle applies every status transition of an application and
// the selection of a winning worker response. Each operation authorizes the
// actor, re-reads the current state under a row lock and writes inside one
// transaction; notifications are sent after commit and never affect the
// outcome.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"orderflow/apperr"
	"orderflow/application"
	"orderflow/auth"
	"orderflow/db"
	"orderflow/offer"
	"orderflow/phone"
	"orderflow/policy"
)

// Actor is the caller of an engine operation. A zero Role is an anonymous
// public submitter.
type Actor struct {
	UserID int64
	Role   auth.Role
	Phone  string
}

// Accounts resolves the client account behind a public submission.
type Accounts interface {
	EnsureClient(ctx context.Context, tx pgx.Tx, params auth.ClientParams) (auth.User, *auth.Credentials, error)
}

// Workers answers portfolio questions.
type Workers interface {
	InPortfolio(ctx context.Context, q db.Querier, workerID, productID int64) (bool, error)
	ProductIDs(ctx context.Context, workerID int64) ([]int64, error)
}

// Notifier receives best-effort notifications after a transition commits.
// Implementations must return promptly; the engine ignores their outcome and
// performs no lookups on their behalf.
type Notifier interface {
	NotifyOffer(ctx context.Context, app application.Application, resp offer.Response)
	NotifyCreated(ctx context.Context, app application.Application, creds *auth.Credentials)
	NotifyAdmins(ctx context.Context, app application.Application)
	NotifyAssigned(ctx context.Context, app application.Application, workerID int64)
}

type Deps struct {
	Pool         db.TxBeginner
	Applications application.Repository
	Offers       offer.Repository
	Accounts     Accounts
	Workers      Workers
	Notifier     Notifier
	Logger       *slog.Logger
	// Attempts bounds transaction replays on serialization failures.
	Attempts int
}

type Service struct {
	pool     db.TxBeginner
	apps     application.Repository
	offers   offer.Repository
	accounts Accounts
	workers  Workers
	notifier Notifier
	logger   *slog.Logger
	attempts int
}

func NewService(deps Deps) *Service {
	s := &Service{
		pool:     deps.Pool,
		apps:     deps.Applications,
		offers:   deps.Offers,
		accounts: deps.Accounts,
		workers:  deps.Workers,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		attempts: deps.Attempts,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.attempts <= 0 {
		s.attempts = db.DefaultAttempts
	}
	return s
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.RunInTx(ctx, s.pool, s.attempts, fn)
}

// fail classifies err for the caller. Domain errors pass through untouched;
// anything else is logged with its context and surfaced as a storage fault.
func (s *Service) fail(ctx context.Context, op string, err error, attrs ...any) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindStorage {
		return err
	}
	s.logger.ErrorContext(ctx, "lifecycle: storage failure", append([]any{slog.String("op", op), slog.Any("error", err)}, attrs...)...)
	if ae != nil {
		return err
	}
	return apperr.Storage(op, err)
}

func notFound(op, what string, err error) error {
	return apperr.Wrap(apperr.KindNotFound, op, what+" not found", err)
}

func forbidden(op string, d policy.Decision) error {
	return apperr.New(apperr.KindForbidden, op, d.Reason)
}

func invalidTransition(op string, from application.Status, event string) error {
	return apperr.New(apperr.KindInvalidTransition, op, "cannot "+event+" an application in status "+string(from))
}

// lockApplication loads the application row under FOR UPDATE.
func (s *Service) lockApplication(ctx context.Context, tx pgx.Tx, op string, id int64) (application.Application, error) {
	app, err := s.apps.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			return application.Application{}, notFound(op, "application", err)
		}
		return application.Application{}, err
	}
	return app, nil
}

// facts resolves the ownership facts of actor over app. q scopes the
// portfolio lookup; nil uses the pool.
func (s *Service) facts(ctx context.Context, q db.Querier, actor Actor, app application.Application) (policy.Facts, error) {
	f := policy.Facts{
		MarkedForDeletion: app.MarkedForDeletion,
		Status:            app.Status,
	}

	switch actor.Role {
	case auth.RoleUser:
		f.IsPhoneOwner = phone.Equal(actor.Phone, app.Phone)
	case auth.RoleWorker:
		f.IsAssignedWorker = app.WorkerID != nil && *app.WorkerID == actor.UserID
		if app.ProductID != nil {
			ok, err := s.workers.InPortfolio(ctx, q, actor.UserID, *app.ProductID)
			if err != nil {
				return policy.Facts{}, err
			}
			f.InPortfolio = ok
		}
	}
	return f, nil
}

// authorize evaluates the policy for action over app and converts a denial
// into a Forbidden error.
func (s *Service) authorize(ctx context.Context, q db.Querier, op string, actor Actor, action policy.Action, app application.Application) error {
	f, err := s.facts(ctx, q, actor, app)
	if err != nil {
		return err
	}
	if d := policy.Can(actor.Role, action, f); !d.Allowed {
		return forbidden(op, d)
	}
	return nil
}

// guardMarked rejects any action on a marked application that the policy
// does not carve out, before state guards run.
func guardMarked(op string, actor Actor, action policy.Action, app application.Application) error {
	if !app.MarkedForDeletion {
		return nil
	}
	if d := policy.Can(actor.Role, action, policy.Facts{MarkedForDeletion: true, Status: app.Status}); !d.Allowed {
		return forbidden(op, d)
	}
	return nil
}

// GetApplication returns the application if the actor may view it.
func (s *Service) GetApplication(ctx context.Context, id int64, actor Actor) (application.Application, error) {
	const op = "lifecycle.GetApplication"

	app, err := s.apps.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			return application.Application{}, notFound(op, "application", err)
		}
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}
	if err := s.authorize(ctx, nil, op, actor, policy.ActionView, app); err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}
	return app, nil
}

// ListApplications pages through the applications visible to the actor. The
// ownership scope is pushed into the query so totals and pages agree.
func (s *Service) ListApplications(ctx context.Context, filters application.Filters, actor Actor) (application.Page, error) {
	const op = "lifecycle.ListApplications"

	if d := policy.Can(actor.Role, policy.ActionList, policy.Facts{}); !d.Allowed {
		return application.Page{}, forbidden(op, d)
	}
	filters = filters.Normalize()

	switch actor.Role {
	case auth.RoleUser:
		filters.IncludeMarkedForDeletion = false
		filters.WorkerID = 0
		filters.Worker = nil
		filters.Phone = phone.Normalize(actor.Phone)
		if filters.Phone == "" {
			return application.Page{Items: []application.Application{}, Page: filters.Page, Limit: filters.Limit}, nil
		}
	case auth.RoleWorker:
		ids, err := s.workers.ProductIDs(ctx, actor.UserID)
		if err != nil {
			return application.Page{}, s.fail(ctx, op, err, slog.Int64("worker_id", actor.UserID))
		}
		filters.IncludeMarkedForDeletion = false
		filters.Worker = &application.WorkerScope{WorkerID: actor.UserID, ProductIDs: ids}
	}

	items, total, err := s.apps.List(ctx, filters)
	if err != nil {
		return application.Page{}, s.fail(ctx, op, err)
	}
	return application.Page{Items: items, Total: total, Page: filters.Page, Limit: filters.Limit}, nil
}

// Stats aggregates application counts for staff dashboards.
func (s *Service) Stats(ctx context.Context, actor Actor) (application.Stats, error) {
	const op = "lifecycle.Stats"

	if d := policy.Can(actor.Role, policy.ActionStats, policy.Facts{}); !d.Allowed {
		return application.Stats{}, forbidden(op, d)
	}
	stats, err := s.apps.Stats(ctx)
	if err != nil {
		return application.Stats{}, s.fail(ctx, op, err)
	}
	return stats, nil
}

type nopNotifier struct{}

func (nopNotifier) NotifyOffer(context.Context, application.Application, offer.Response) {}

func (nopNotifier) NotifyCreated(context.Context, application.Application, *auth.Credentials) {}

func (nopNotifier) NotifyAdmins(context.Context, application.Application) {}

func (nopNotifier) NotifyAssigned(context.Context, application.Application, int64) {}
