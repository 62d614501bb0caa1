// Package notify delivers lifecycle notifications. Delivery happens after the
// originating transaction commits and never reports back to the caller.
package notify

import (
	"time"

	"github.com/google/uuid"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/offer"
)

type EventType string

const (
	EventOffer    EventType = "application.offer"
	EventCreated  EventType = "application.created"
	EventAdmins   EventType = "application.admin_digest"
	EventAssigned EventType = "application.assigned"
)

// Event is the payload handed to every sink.
type Event struct {
	ID            string    `json:"id" bson:"_id"`
	Type          EventType `json:"type" bson:"type"`
	ApplicationID int64     `json:"application_id" bson:"application_id"`
	Status        string    `json:"status" bson:"status"`
	ClientName    string    `json:"client_name" bson:"client_name"`
	ClientPhone   string    `json:"client_phone" bson:"client_phone"`
	ClientEmail   string    `json:"client_email,omitempty" bson:"client_email,omitempty"`
	Product       string    `json:"product,omitempty" bson:"product,omitempty"`
	WorkerID      int64     `json:"worker_id,omitempty" bson:"worker_id,omitempty"`
	WorkerName    string    `json:"worker_name,omitempty" bson:"worker_name,omitempty"`
	Price         float64   `json:"price,omitempty" bson:"price,omitempty"`
	Deadline      string    `json:"deadline,omitempty" bson:"deadline,omitempty"`
	Recipients    []string  `json:"recipients,omitempty" bson:"recipients,omitempty"`
	// Credentials reach the client once; archives never store them.
	Credentials *auth.Credentials `json:"credentials,omitempty" bson:"-"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
}

func newEvent(typ EventType, app application.Application, now time.Time) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          typ,
		ApplicationID: app.ID,
		Status:        string(app.Status),
		ClientName:    app.Name,
		ClientPhone:   app.Phone,
		ClientEmail:   app.Email,
		Product:       app.Product,
		CreatedAt:     now.UTC(),
	}
}

func offerEvent(app application.Application, resp offer.Response, now time.Time) Event {
	ev := newEvent(EventOffer, app, now)
	ev.WorkerID = resp.WorkerID
	ev.Price = resp.Price
	ev.Deadline = resp.Deadline.Format(time.DateOnly)
	return ev
}

func assignedEvent(app application.Application, workerID int64, now time.Time) Event {
	ev := newEvent(EventAssigned, app, now)
	ev.WorkerID = workerID
	return ev
}

// Redacted returns a copy safe to persist.
func (e Event) Redacted() Event {
	e.Credentials = nil
	return e
}
