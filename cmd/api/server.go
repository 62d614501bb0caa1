package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/lifecycle"
	"orderflow/offer"
	"orderflow/policy"
	"orderflow/worker"
)

// Engine is the lifecycle surface served over HTTP.
type Engine interface {
	CreateApplication(ctx context.Context, in lifecycle.CreateInput, actor lifecycle.Actor) (application.Application, error)
	GetApplication(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error)
	ListApplications(ctx context.Context, filters application.Filters, actor lifecycle.Actor) (application.Page, error)
	UpdateApplication(ctx context.Context, id int64, patch application.Patch, actor lifecycle.Actor) (application.Application, error)
	Delete(ctx context.Context, id int64, actor lifecycle.Actor) error
	SubmitOffer(ctx context.Context, applicationID int64, actor lifecycle.Actor, in lifecycle.OfferInput) (offer.Response, error)
	ListResponses(ctx context.Context, applicationID int64, actor lifecycle.Actor) ([]offer.WithWorker, error)
	WorkerResponses(ctx context.Context, actor lifecycle.Actor) ([]offer.Response, error)
	DeleteResponse(ctx context.Context, responseID int64, actor lifecycle.Actor) error
	SelectWorker(ctx context.Context, applicationID, responseID int64, actor lifecycle.Actor) (application.Application, error)
	Cancel(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error)
	Complete(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error)
	SetStatus(ctx context.Context, id int64, to application.Status, actor lifecycle.Actor) (application.Application, error)
	MarkForDeletion(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error)
	Stats(ctx context.Context, actor lifecycle.Actor) (application.Stats, error)
}

// Accounts covers sign-up, sign-in and token verification.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	CreateAccount(ctx context.Context, creator auth.Role, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID int64) (*auth.User, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Workers exposes worker profiles and portfolios.
type Workers interface {
	GetSummary(ctx context.Context, id int64) (worker.Summary, error)
	Portfolio(ctx context.Context, workerID int64) ([]worker.PortfolioItem, error)
	AddToPortfolio(ctx context.Context, workerID, productID int64, price float64) error
}

type ctxKey int

const (
	ctxKeyActor ctxKey = iota
	ctxKeyRequestID
)

const maxBodyBytes = 1 << 20

type Server struct {
	engine         Engine
	accounts       Accounts
	workers        Workers
	limiter        *RateLimiter
	logger         *slog.Logger
	health         func(ctx context.Context) error
	requestTimeout time.Duration
}

func actorFrom(ctx context.Context) (lifecycle.Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(lifecycle.Actor)
	return actor, ok
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// Handler assembles routing, CORS and request logging.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	router := httprouter.New()
	router.GET("/health", s.handleHealth)

	router.POST("/api/auth/register", s.public(s.handleRegister))
	router.POST("/api/auth/login", s.public(s.handleLogin))
	router.GET("/api/auth/me", s.private(s.handleMe))
	router.POST("/api/users", s.private(s.handleCreateUser))

	router.POST("/api/applications", s.public(s.handleCreateApplication))
	router.GET("/api/applications", s.private(s.handleListApplications))
	router.GET("/api/applications/:id", s.private(s.handleGetApplication))
	router.PATCH("/api/applications/:id", s.private(s.handleUpdateApplication))
	router.DELETE("/api/applications/:id", s.private(s.handleDeleteApplication))
	router.POST("/api/applications/:id/responses", s.private(s.handleSubmitOffer))
	router.GET("/api/applications/:id/responses", s.private(s.handleListResponses))
	router.POST("/api/applications/:id/select", s.private(s.handleSelectWorker))
	router.POST("/api/applications/:id/cancel", s.private(s.handleCancel))
	router.POST("/api/applications/:id/complete", s.private(s.handleComplete))
	router.POST("/api/applications/:id/mark-for-deletion", s.private(s.handleMarkForDeletion))
	router.PUT("/api/applications/:id/status", s.private(s.handleSetStatus))
	router.DELETE("/api/responses/:id", s.private(s.handleDeleteResponse))
	router.GET("/api/stats", s.private(s.handleStats))

	router.GET("/api/workers/:id", s.private(s.handleWorker))
	router.GET("/api/me/responses", s.private(s.handleMyResponses))
	router.GET("/api/me/portfolio", s.private(s.handleMyPortfolio))
	router.POST("/api/me/portfolio", s.private(s.handleAddPortfolio))

	handler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(router)
	return s.requestLog(handler)
}

// requestLog tags each request with an id and logs its outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))

		s.logger.Info("http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// public resolves an optional actor; anonymous callers proceed.
func (s *Server) public(next httprouter.Handle) httprouter.Handle {
	return s.authenticate(false, s.limit(next))
}

// private requires a valid bearer token.
func (s *Server) private(next httprouter.Handle) httprouter.Handle {
	return s.authenticate(true, s.limit(next))
}

func (s *Server) limit(next httprouter.Handle) httprouter.Handle {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Limit(next)
}

func (s *Server) authenticate(required bool, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := r.Context()
		if s.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
			defer cancel()
		}

		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		switch {
		case header == "" && !required:
			next(w, r.WithContext(ctx), ps)
			return
		case header == "" || !found || strings.TrimSpace(token) == "":
			writeMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.accounts.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		actor := lifecycle.Actor{UserID: claims.UserID, Role: claims.Role, Phone: claims.Phone}
		next(w, r.WithContext(context.WithValue(ctx, ctxKeyActor, actor)), ps)
	}
}

func currentActor(r *http.Request) lifecycle.Actor {
	actor, _ := actorFrom(r.Context())
	return actor
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func pathID(ps httprouter.Params, name string) (int64, bool) {
	id, err := strconv.ParseInt(ps.ByName(name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: newUserResponse(res.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user, err := s.accounts.GetUserByID(r.Context(), currentActor(r).UserID)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(*user))
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor := currentActor(r)
	if auth.Role(strings.TrimSpace(string(req.Role))) == auth.RoleAdmin {
		if d := policy.Can(actor.Role, policy.ActionPromoteAdmin, policy.Facts{}); !d.Allowed {
			writeMessage(w, http.StatusForbidden, d.Reason)
			return
		}
	}
	user, err := s.accounts.CreateAccount(r.Context(), actor.Role, req)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	app, err := s.engine.CreateApplication(r.Context(), lifecycle.CreateInput{
		Name:          req.Name,
		Phone:         req.Phone,
		Email:         req.Email,
		ProductType:   req.ProductType,
		Product:       req.Product,
		Material:      req.Material,
		Size:          req.Size,
		Comment:       req.Comment,
		ProductTypeID: req.ProductTypeID,
		ProductID:     req.ProductID,
		Source:        application.Source(req.Source),
	}, currentActor(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newApplicationResponse(app))
}

func parseFilters(r *http.Request) (application.Filters, error) {
	q := r.URL.Query()
	f := application.Filters{
		Status: q.Get("status"),
		Phone:  q.Get("phone"),
	}

	var err error
	if v := q.Get("page"); v != "" {
		if f.Page, err = strconv.Atoi(v); err != nil {
			return f, errors.New("page must be an integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("workerId"); v != "" {
		if f.WorkerID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, errors.New("workerId must be an integer")
		}
	}
	if v := q.Get("includeDeleted"); v != "" {
		if f.IncludeMarkedForDeletion, err = strconv.ParseBool(v); err != nil {
			return f, errors.New("includeDeleted must be a boolean")
		}
	}
	if v := q.Get("productIds"); v != "" {
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return f, errors.New("productIds must be a comma separated list of integers")
			}
			f.ProductIDs = append(f.ProductIDs, id)
		}
	}
	if f.Status != "" && f.Status != "all" && !application.Status(f.Status).Valid() {
		return f, errors.New("unknown status")
	}
	return f, nil
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	filters, err := parseFilters(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.engine.ListApplications(r.Context(), filters, currentActor(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	out := pageResponse{Items: make([]applicationResponse, 0, len(page.Items)), Total: page.Total, Page: page.Page, Limit: page.Limit}
	for _, app := range page.Items {
		out.Items = append(out.Items, newApplicationResponse(app))
	}
	writeJSON(w, http.StatusOK, out)
}

// applicationCall runs fn for the :id route parameter and renders the
// resulting application.
func (s *Server) applicationCall(w http.ResponseWriter, r *http.Request, ps httprouter.Params, fn func(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error)) {
	id, ok := pathID(ps, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid application id")
		return
	}
	app, err := fn(r.Context(), id, currentActor(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newApplicationResponse(app))
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.applicationCall(w, r, ps, s.engine.GetApplication)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.applicationCall(w, r, ps, s.engine.Cancel)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.applicationCall(w, r, ps, s.engine.Complete)
}

func (s *Server) handleMarkForDeletion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.applicationCall(w, r, ps, s.engine.MarkForDeletion)
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var patch map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.applicationCall(w, r, ps, func(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error) {
		return s.engine.UpdateApplication(ctx, id, application.Patch(patch), actor)
	})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.applicationCall(w, r, ps, func(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error) {
		return s.engine.SetStatus(ctx, id, application.Status(req.Status), actor)
	})
}

func (s *Server) handleSelectWorker(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req selectWorkerRequest
	if err := decodeJSON(r, &req); err != nil || req.ResponseID <= 0 {
		writeMessage(w, http.StatusBadRequest, "responseId is required")
		return
	}
	s.applicationCall(w, r, ps, func(ctx context.Context, id int64, actor lifecycle.Actor) (application.Application, error) {
		return s.engine.SelectWorker(ctx, id, req.ResponseID, actor)
	})
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := pathID(ps, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid application id")
		return
	}
	if err := s.engine.Delete(r.Context(), id, currentActor(r)); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseDeadline accepts a calendar date or an RFC 3339 timestamp.
func parseDeadline(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := pathID(ps, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid application id")
		return
	}
	var req submitOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in := lifecycle.OfferInput{Response: req.Response, Price: req.Price}
	if req.Deadline != "" {
		deadline, err := parseDeadline(req.Deadline)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input", Fields: map[string]string{"deadline": "must be a date (YYYY-MM-DD)"}})
			return
		}
		in.Deadline = deadline
	}

	resp, err := s.engine.SubmitOffer(r.Context(), id, currentActor(r), in)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOfferResponse(resp))
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := pathID(ps, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid application id")
		return
	}
	list, err := s.engine.ListResponses(r.Context(), id, currentActor(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	items := make([]offerResponse, 0, len(list))
	for _, resp := range list {
		items = append(items, newOfferWithWorkerResponse(resp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeleteResponse(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := pathID(ps, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid response id")
		return
	}
	if err := s.engine.DeleteResponse(r.Context(), id, currentActor(r)); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.engine.Stats(r.Context(), currentActor(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := pathID(ps, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	summary, err := s.workers.GetSummary(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerResponse(summary))
}

func (s *Server) handleMyResponses(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list, err := s.engine.WorkerResponses(r.Context(), currentActor(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	items := make([]offerResponse, 0, len(list))
	for _, resp := range list {
		items = append(items, newOfferResponse(resp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMyPortfolio(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	actor := currentActor(r)
	if actor.Role != auth.RoleWorker {
		writeMessage(w, http.StatusForbidden, "only workers have a portfolio")
		return
	}
	list, err := s.workers.Portfolio(r.Context(), actor.UserID)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	items := make([]portfolioItemResponse, 0, len(list))
	for _, item := range list {
		items = append(items, portfolioItemResponse{ProductID: item.ProductID, ProductName: item.ProductName, Price: item.Price})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAddPortfolio(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	actor := currentActor(r)
	if actor.Role != auth.RoleWorker {
		writeMessage(w, http.StatusForbidden, "only workers have a portfolio")
		return
	}
	var req portfolioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.workers.AddToPortfolio(r.Context(), actor.UserID, req.ProductID, req.Price); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
