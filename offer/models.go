package offer

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Response is a worker's priced, dated proposal for an application.
type Response struct {
	ID            int64
	ApplicationID int64
	WorkerID      int64
	Response      string
	Price         float64
	Deadline      time.Time
	Status        Status
	CreatedAt     time.Time
}

// WithWorker is a response joined with the offering worker's display data.
type WithWorker struct {
	Response
	WorkerName         string
	WorkerOrganization string
	WorkerEmail        string
}

type AddParams struct {
	ApplicationID int64
	WorkerID      int64
	Response      string
	Price         float64
	Deadline      time.Time
}
