package main

import (
	"time"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/offer"
	"orderflow/worker"
)

type createApplicationRequest struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	ProductType   string `json:"productType"`
	Product       string `json:"product"`
	Material      string `json:"material"`
	Size          string `json:"size"`
	Comment       string `json:"comment"`
	ProductTypeID *int64 `json:"productTypeId"`
	ProductID     *int64 `json:"productId"`
	Source        string `json:"source"`
}

type submitOfferRequest struct {
	Response string  `json:"response"`
	Price    float64 `json:"price"`
	Deadline string  `json:"deadline"`
}

type selectWorkerRequest struct {
	ResponseID int64 `json:"responseId"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type portfolioRequest struct {
	ProductID int64   `json:"productId"`
	Price     float64 `json:"price"`
}

type applicationResponse struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	Phone             string  `json:"phone"`
	Email             string  `json:"email,omitempty"`
	ProductType       string  `json:"productType,omitempty"`
	Product           string  `json:"product,omitempty"`
	Material          string  `json:"material,omitempty"`
	Size              string  `json:"size,omitempty"`
	Comment           string  `json:"comment,omitempty"`
	ProductTypeID     *int64  `json:"productTypeId,omitempty"`
	ProductID         *int64  `json:"productId,omitempty"`
	Status            string  `json:"status"`
	Source            string  `json:"source"`
	MarkedForDeletion bool    `json:"markedForDeletion"`
	UserID            *int64  `json:"userId,omitempty"`
	WorkerID          *int64  `json:"workerId,omitempty"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
	RespondedAt       *string `json:"respondedAt,omitempty"`
}

func newApplicationResponse(app application.Application) applicationResponse {
	out := applicationResponse{
		ID:                app.ID,
		Name:              app.Name,
		Phone:             app.Phone,
		Email:             app.Email,
		ProductType:       app.ProductType,
		Product:           app.Product,
		Material:          app.Material,
		Size:              app.Size,
		Comment:           app.Comment,
		ProductTypeID:     app.ProductTypeID,
		ProductID:         app.ProductID,
		Status:            string(app.Status),
		Source:            string(app.Source),
		MarkedForDeletion: app.MarkedForDeletion,
		UserID:            app.UserID,
		WorkerID:          app.WorkerID,
		CreatedAt:         formatTime(app.CreatedAt),
		UpdatedAt:         formatTime(app.UpdatedAt),
	}
	if app.RespondedAt != nil {
		ts := formatTime(*app.RespondedAt)
		out.RespondedAt = &ts
	}
	return out
}

type pageResponse struct {
	Items []applicationResponse `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

type offerResponse struct {
	ID                 int64   `json:"id"`
	ApplicationID      int64   `json:"applicationId"`
	WorkerID           int64   `json:"workerId"`
	Response           string  `json:"response,omitempty"`
	Price              float64 `json:"price"`
	Deadline           string  `json:"deadline"`
	Status             string  `json:"status"`
	CreatedAt          string  `json:"createdAt"`
	WorkerName         string  `json:"workerName,omitempty"`
	WorkerOrganization string  `json:"workerOrganization,omitempty"`
	WorkerEmail        string  `json:"workerEmail,omitempty"`
}

func newOfferResponse(r offer.Response) offerResponse {
	return offerResponse{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		WorkerID:      r.WorkerID,
		Response:      r.Response,
		Price:         r.Price,
		Deadline:      r.Deadline.Format(time.DateOnly),
		Status:        string(r.Status),
		CreatedAt:     formatTime(r.CreatedAt),
	}
}

func newOfferWithWorkerResponse(r offer.WithWorker) offerResponse {
	out := newOfferResponse(r.Response)
	out.WorkerName = r.WorkerName
	out.WorkerOrganization = r.WorkerOrganization
	out.WorkerEmail = r.WorkerEmail
	return out
}

type statsResponse struct {
	ByStatus map[string]int `json:"byStatus"`
	LastWeek int            `json:"lastWeek"`
	Total    int            `json:"total"`
}

func newStatsResponse(s application.Stats) statsResponse {
	out := statsResponse{ByStatus: make(map[string]int, len(s.ByStatus)), LastWeek: s.LastWeek, Total: s.Total}
	for status, n := range s.ByStatus {
		out.ByStatus[string(status)] = n
	}
	return out
}

type userResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Role         string `json:"role"`
	CreatedAt    string `json:"createdAt"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Name:         u.Name,
		Organization: u.Organization,
		Email:        u.Email,
		Phone:        u.Phone,
		Role:         string(u.Role),
		CreatedAt:    formatTime(u.CreatedAt),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type workerResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

func newWorkerResponse(s worker.Summary) workerResponse {
	return workerResponse{ID: s.ID, Name: s.Name, Organization: s.Organization, Email: s.Email, Phone: s.Phone}
}

type portfolioItemResponse struct {
	ProductID   int64   `json:"productId"`
	ProductName string  `json:"productName"`
	Price       float64 `json:"price"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
