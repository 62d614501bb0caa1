// Package actors drives the lifecycle engine from concurrent goroutines the
// way real clients, workers and staff would. Domain rejections are expected
// under contention and only counted; storage faults are counted separately.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"orderflow/apperr"
	"orderflow/application"
	"orderflow/auth"
	"orderflow/lifecycle"
)

// Board is the shared list of application ids the actors fight over.
type Board struct {
	mu  sync.Mutex
	ids []int64
}

func (b *Board) Add(id int64) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick returns a random known id.
func (b *Board) Pick() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return 0, false
	}
	return b.ids[rand.Intn(len(b.ids))], true
}

func (b *Board) Remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.ids {
		if v == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return
		}
	}
}

func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Tally counts outcomes across all actors.
type Tally struct {
	Created   atomic.Int64
	Offers    atomic.Int64
	Selected  atomic.Int64
	Completed atomic.Int64
	Cancelled atomic.Int64
	Marked    atomic.Int64
	Deleted   atomic.Int64
	Rejected  atomic.Int64
	Faults    atomic.Int64
}

func (t *Tally) String() string {
	return fmt.Sprintf("created=%d offers=%d selected=%d completed=%d cancelled=%d marked=%d deleted=%d rejected=%d faults=%d",
		t.Created.Load(), t.Offers.Load(), t.Selected.Load(), t.Completed.Load(), t.Cancelled.Load(),
		t.Marked.Load(), t.Deleted.Load(), t.Rejected.Load(), t.Faults.Load())
}

// settle books err against the tally. Only context cancellation is returned,
// which stops the calling actor.
func settle(ctx context.Context, t *Tally, ok *atomic.Int64, err error) error {
	switch {
	case err == nil:
		ok.Add(1)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case apperr.Is(err, apperr.KindStorage):
		t.Faults.Add(1)
		return nil
	default:
		t.Rejected.Add(1)
		return nil
	}
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(time.Duration(base+rand.Intn(jitter)) * time.Millisecond):
		return true
	}
}

// Submitter files anonymous public applications for random products, reusing
// a small pool of phone numbers so clients are both created and found.
func Submitter(ctx context.Context, svc *lifecycle.Service, products []int64, board *Board, t *Tally, stop <-chan struct{}) error {
	for pause(ctx, stop, 10, 30) {
		pid := products[rand.Intn(len(products))]
		app, err := svc.CreateApplication(ctx, lifecycle.CreateInput{
			Name:      "Stress client",
			Phone:     fmt.Sprintf("+7 900 000-00-%02d", rand.Intn(20)),
			ProductID: &pid,
			Comment:   "stress",
		}, lifecycle.Actor{})
		if err := settle(ctx, t, &t.Created, err); err != nil {
			return err
		}
		if err == nil {
			board.Add(app.ID)
		}
	}
	return nil
}

// Bidder submits offers as one worker to random applications. Most land on
// applications outside the worker's portfolio or already answered and are
// rejected.
func Bidder(ctx context.Context, svc *lifecycle.Service, workerID int64, board *Board, t *Tally, stop <-chan struct{}) error {
	actor := lifecycle.Actor{UserID: workerID, Role: auth.RoleWorker}
	for pause(ctx, stop, 5, 20) {
		id, ok := board.Pick()
		if !ok {
			continue
		}
		_, err := svc.SubmitOffer(ctx, id, actor, lifecycle.OfferInput{
			Response: "can do",
			Price:    float64(500 + rand.Intn(5000)),
			Deadline: time.Now().AddDate(0, 0, 7+rand.Intn(30)),
		})
		if err := settle(ctx, t, &t.Offers, err); err != nil {
			return err
		}
	}
	return nil
}

// Selector picks a random response for a random application, acting as the
// owning client or as staff.
func Selector(ctx context.Context, svc *lifecycle.Service, staff lifecycle.Actor, board *Board, t *Tally, stop <-chan struct{}) error {
	for pause(ctx, stop, 10, 30) {
		id, ok := board.Pick()
		if !ok {
			continue
		}
		app, err := svc.GetApplication(ctx, id, staff)
		if err != nil {
			if err := settle(ctx, t, new(atomic.Int64), err); err != nil {
				return err
			}
			continue
		}
		responses, err := svc.ListResponses(ctx, id, staff)
		if err != nil || len(responses) == 0 {
			if err := settle(ctx, t, new(atomic.Int64), err); err != nil {
				return err
			}
			continue
		}

		actor := staff
		if app.UserID != nil && rand.Intn(2) == 0 {
			actor = lifecycle.Actor{UserID: *app.UserID, Role: auth.RoleUser, Phone: app.Phone}
		}
		pick := responses[rand.Intn(len(responses))]
		_, err = svc.SelectWorker(ctx, id, pick.ID, actor)
		if err := settle(ctx, t, &t.Selected, err); err != nil {
			return err
		}
	}
	return nil
}

// Closer completes or cancels random applications as staff.
func Closer(ctx context.Context, svc *lifecycle.Service, staff lifecycle.Actor, board *Board, t *Tally, stop <-chan struct{}) error {
	for pause(ctx, stop, 30, 60) {
		id, ok := board.Pick()
		if !ok {
			continue
		}
		var err error
		if rand.Intn(3) == 0 {
			_, err = svc.Cancel(ctx, id, staff)
			err = settle(ctx, t, &t.Cancelled, err)
		} else {
			_, err = svc.Complete(ctx, id, staff)
			err = settle(ctx, t, &t.Completed, err)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Marker raises the deletion flag or moves applications along the manual
// status graph as an operator.
func Marker(ctx context.Context, svc *lifecycle.Service, operator lifecycle.Actor, board *Board, t *Tally, stop <-chan struct{}) error {
	manual := []application.Status{
		application.StatusInProgress,
		application.StatusCancelled,
		application.StatusForDelete,
	}
	for pause(ctx, stop, 50, 100) {
		id, ok := board.Pick()
		if !ok {
			continue
		}
		var err error
		if rand.Intn(4) == 0 {
			_, err = svc.MarkForDeletion(ctx, id, operator)
			err = settle(ctx, t, &t.Marked, err)
		} else {
			_, err = svc.SetStatus(ctx, id, manual[rand.Intn(len(manual))], operator)
			err = settle(ctx, t, new(atomic.Int64), err)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IsStop reports whether err only signals the end of a run.
func IsStop(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
