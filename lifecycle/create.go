package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/jackc/pgx/v5"

	"orderflow/apperr"
	"orderflow/application"
	"orderflow/auth"
	"orderflow/phone"
	"orderflow/policy"
)

const (
	maxNameLen    = 255
	maxCommentLen = 5000
)

type CreateInput struct {
	Name          string
	Phone         string
	Email         string
	ProductType   string
	Product       string
	Material      string
	Size          string
	Comment       string
	ProductTypeID *int64
	ProductID     *int64
	Source        application.Source
}

func (in *CreateInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = phone.Normalize(in.Phone)
	in.Email = strings.TrimSpace(in.Email)
	in.ProductType = strings.TrimSpace(in.ProductType)
	in.Product = strings.TrimSpace(in.Product)
	in.Material = strings.TrimSpace(in.Material)
	in.Size = strings.TrimSpace(in.Size)
	in.Comment = strings.TrimSpace(in.Comment)
}

func (in CreateInput) validate(op string) error {
	fields := map[string]string{}
	if in.Name == "" {
		fields["name"] = "is required"
	} else if len(in.Name) > maxNameLen {
		fields["name"] = "is too long"
	}
	if !phone.Valid(in.Phone) {
		fields["phone"] = "must contain 10 to 15 digits"
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			fields["email"] = "is not a valid address"
		}
	}
	if len(in.Comment) > maxCommentLen {
		fields["comment"] = "is too long"
	}
	if in.Source != "" && !in.Source.Valid() {
		fields["source"] = "is unknown"
	}
	if in.ProductID != nil && *in.ProductID <= 0 {
		fields["product_id"] = "must be positive"
	}
	if len(fields) > 0 {
		return apperr.Validation(op, fields)
	}
	return nil
}

func defaultSource(role auth.Role) application.Source {
	switch role {
	case auth.RoleUser:
		return application.SourceClient
	case auth.RoleOperator, auth.RoleAdmin:
		return application.SourceOperator
	default:
		return application.SourceWeb
	}
}

// CreateApplication stores a new application in status new. Anonymous and
// staff submissions are attached to the client account owning the phone,
// which is created with generated credentials when missing.
func (s *Service) CreateApplication(ctx context.Context, in CreateInput, actor Actor) (application.Application, error) {
	const op = "lifecycle.CreateApplication"

	if d := policy.Can(actor.Role, policy.ActionCreate, policy.Facts{}); !d.Allowed {
		return application.Application{}, forbidden(op, d)
	}
	in.normalize()
	if err := in.validate(op); err != nil {
		return application.Application{}, err
	}
	if in.Source == "" {
		in.Source = defaultSource(actor.Role)
	}

	var (
		created application.Application
		creds   *auth.Credentials
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		creds = nil

		var userID *int64
		switch actor.Role {
		case auth.RoleUser:
			id := actor.UserID
			userID = &id
		default:
			user, generated, err := s.accounts.EnsureClient(ctx, tx, auth.ClientParams{
				Name:  in.Name,
				Phone: in.Phone,
				Email: in.Email,
			})
			if err != nil {
				if errors.Is(err, auth.ErrInvalidInput) {
					return apperr.Wrap(apperr.KindValidation, op, "invalid client contact", err)
				}
				return err
			}
			userID = &user.ID
			creds = generated
		}

		var err error
		created, err = s.apps.Create(ctx, tx, application.Application{
			Name:          in.Name,
			Phone:         in.Phone,
			Email:         in.Email,
			ProductType:   in.ProductType,
			Product:       in.Product,
			Material:      in.Material,
			Size:          in.Size,
			Comment:       in.Comment,
			ProductTypeID: in.ProductTypeID,
			ProductID:     in.ProductID,
			Status:        application.StatusNew,
			Source:        in.Source,
			UserID:        userID,
		})
		return err
	})
	if err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.String("source", string(in.Source)))
	}

	s.logger.InfoContext(ctx, "application created",
		slog.Int64("application_id", created.ID),
		slog.String("source", string(created.Source)),
		slog.Bool("account_created", creds != nil),
	)
	s.notifier.NotifyCreated(ctx, created, creds)
	s.notifier.NotifyAdmins(ctx, created)
	return created, nil
}

// UpdateApplication edits the descriptive fields of an application. Status
// and the deletion flag change only through their own transitions, so those
// keys are dropped here like any other key outside the allow-list.
func (s *Service) UpdateApplication(ctx context.Context, id int64, patch application.Patch, actor Actor) (application.Application, error) {
	const op = "lifecycle.UpdateApplication"

	current, err := s.apps.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			return application.Application{}, notFound(op, "application", err)
		}
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}
	if err := s.authorize(ctx, nil, op, actor, policy.ActionUpdate, current); err != nil {
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}

	clean := make(application.Patch, len(patch))
	for k, v := range patch {
		if k == "status" || k == "marked_for_deletion" {
			continue
		}
		clean[k] = v
	}
	if err := validatePatch(op, clean); err != nil {
		return application.Application{}, err
	}

	updated, err := s.apps.Update(ctx, id, clean)
	if err != nil {
		switch {
		case errors.Is(err, application.ErrNotFound):
			return application.Application{}, notFound(op, "application", err)
		case errors.Is(err, application.ErrInvalidPatch):
			return application.Application{}, apperr.Wrap(apperr.KindValidation, op, "invalid field value", err)
		}
		return application.Application{}, s.fail(ctx, op, err, slog.Int64("application_id", id))
	}
	return updated, nil
}

func validatePatch(op string, patch application.Patch) error {
	fields := map[string]string{}
	if v, ok := patch["name"]; ok {
		if name, _ := v.(string); strings.TrimSpace(name) == "" {
			fields["name"] = "is required"
		}
	}
	if v, ok := patch["phone"]; ok {
		if p, _ := v.(string); !phone.Valid(p) {
			fields["phone"] = "must contain 10 to 15 digits"
		}
	}
	if v, ok := patch["email"]; ok {
		if e, _ := v.(string); strings.TrimSpace(e) != "" {
			if _, err := mail.ParseAddress(e); err != nil {
				fields["email"] = "is not a valid address"
			}
		}
	}
	if len(fields) > 0 {
		return apperr.Validation(op, fields)
	}
	return nil
}

// Delete permanently removes an application and its responses. It is
// independent of the deletion flag.
func (s *Service) Delete(ctx context.Context, id int64, actor Actor) error {
	const op = "lifecycle.Delete"

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		app, err := s.lockApplication(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, tx, op, actor, policy.ActionDelete, app); err != nil {
			return err
		}
		if err := s.apps.Delete(ctx, tx, id); err != nil {
			if errors.Is(err, application.ErrNotFound) {
				return notFound(op, "application", err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, op, err, slog.Int64("application_id", id))
	}

	s.logger.InfoContext(ctx, "application deleted", slog.Int64("application_id", id), slog.Int64("actor_id", actor.UserID))
	return nil
}
