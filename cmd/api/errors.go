package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"orderflow/apperr"
	"orderflow/auth"
	"orderflow/worker"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps engine error kinds onto HTTP statuses.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err for the caller. Storage faults are logged here and
// reach the client only as a generic message.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeMessage(w, http.StatusUnauthorized, "invalid login or password")
		return
	case errors.Is(err, auth.ErrWeakPassword):
		writeMessage(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, worker.ErrInvalidItem):
		writeMessage(w, http.StatusBadRequest, "invalid input")
		return
	case errors.Is(err, auth.ErrForbidden):
		writeMessage(w, http.StatusForbidden, "forbidden")
		return
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeMessage(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, worker.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}

	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if kind == apperr.KindForbidden {
		if actor, ok := actorFrom(ctx); !ok || actor.Role == "" {
			status = http.StatusUnauthorized
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, "request failed", slog.String("request_id", requestIDFrom(ctx)), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: apperr.PublicMessage(err), Fields: apperr.FieldsOf(err)})
}
