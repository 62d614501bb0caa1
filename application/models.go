package application

import "time"

type Status string

const (
	StatusNew        Status = "new"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusAssigned   Status = "assigned"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusForDelete  Status = "for_delete"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusNew,
	StatusPending,
	StatusInProgress,
	StatusAssigned,
	StatusCompleted,
	StatusCancelled,
	StatusForDelete,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// HasWorker reports whether an application in this status carries a worker.
func (s Status) HasWorker() bool {
	return s == StatusAssigned || s == StatusCompleted
}

// Selectable statuses accept a winning offer.
var Selectable = []Status{StatusNew, StatusPending, StatusInProgress}

// Cancelable statuses may still be cancelled by the owner.
var Cancelable = []Status{StatusNew, StatusPending, StatusInProgress, StatusAssigned}

// Offerable statuses accept new worker responses.
var Offerable = []Status{StatusNew, StatusPending, StatusInProgress}

// In reports whether s is one of set.
func (s Status) In(set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

type Source string

const (
	SourceWeb      Source = "web"
	SourceClient   Source = "client"
	SourceOperator Source = "operator"
	SourceAPI      Source = "api"
)

// Valid reports whether s is a known creation channel.
func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourceClient, SourceOperator, SourceAPI:
		return true
	default:
		return false
	}
}

type Application struct {
	ID                int64
	Name              string
	Phone             string
	Email             string
	ProductType       string
	Product           string
	Material          string
	Size              string
	Comment           string
	ProductTypeID     *int64
	ProductID         *int64
	Status            Status
	Source            Source
	MarkedForDeletion bool
	UserID            *int64
	WorkerID          *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	RespondedAt       *time.Time
}

// WorkerScope restricts a listing to what a worker may see: applications for
// products in the portfolio plus those assigned to the worker.
type WorkerScope struct {
	WorkerID   int64
	ProductIDs []int64
}

type Filters struct {
	Page                     int
	Limit                    int
	Status                   string
	Phone                    string
	IncludeMarkedForDeletion bool
	ProductIDs               []int64
	WorkerID                 int64
	Worker                   *WorkerScope
}

type Page struct {
	Items []Application
	Total int
	Page  int
	Limit int
}

// Patch carries a partial update keyed by column name. Keys outside the
// mutable allow-list are ignored.
type Patch map[string]any

type Stats struct {
	ByStatus map[Status]int
	LastWeek int
	Total    int
}

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// Normalize applies paging defaults.
func (f Filters) Normalize() Filters {
	if f.Page <= 0 {
		f.Page = DefaultPage
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f
}
