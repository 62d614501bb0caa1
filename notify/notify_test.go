package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/offer"
	"orderflow/worker"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	panic  bool
}

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if s.panic {
		panic("sink exploded")
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("delivery without deadline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type staticAdmins struct {
	emails []string
	err    error
}

func (a staticAdmins) AdminEmails(ctx context.Context) ([]string, error) {
	return a.emails, a.err
}

type workerBook struct {
	summaries map[int64]worker.Summary
	lookups   chan int64
}

func (b workerBook) GetSummary(ctx context.Context, id int64) (worker.Summary, error) {
	if b.lookups != nil {
		b.lookups <- id
	}
	s, ok := b.summaries[id]
	if !ok {
		return worker.Summary{}, worker.ErrNotFound
	}
	return s, nil
}

func sampleApp() application.Application {
	return application.Application{
		ID:      42,
		Name:    "Ivan",
		Phone:   "79991234567",
		Email:   "ivan@example.com",
		Product: "gate",
		Status:  application.StatusPending,
	}
}

func waitFor(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestDispatcherDeliversEvents(t *testing.T) {
	sink := &recordingSink{}
	workers := workerBook{summaries: map[int64]worker.Summary{
		3: {ID: 3, Name: "Petr", Organization: "Gates LLC"},
		4: {ID: 4, Name: "Oleg"},
	}}
	d := NewDispatcher(sink, staticAdmins{emails: []string{"root@example.com"}}, workers, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	resp := offer.Response{ID: 7, WorkerID: 3, Price: 5000, Deadline: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	d.NotifyOffer(ctx, sampleApp(), resp)
	d.NotifyCreated(ctx, sampleApp(), &auth.Credentials{Login: "79991234567", Password: "secret"})
	d.NotifyAdmins(ctx, sampleApp())
	d.NotifyAssigned(ctx, sampleApp(), 4)
	// The request context ending must not cut deliveries short.
	cancel()
	waitFor(t, d)

	events := sink.snapshot()
	if len(events) != 4 {
		t.Fatalf("delivered %d events, want 4", len(events))
	}

	byType := map[EventType]Event{}
	for _, ev := range events {
		if ev.ID == "" {
			t.Fatalf("event %s without id", ev.Type)
		}
		byType[ev.Type] = ev
	}

	if ev := byType[EventOffer]; ev.WorkerID != 3 || ev.WorkerName != "Gates LLC" || ev.Deadline != "2025-01-01" || ev.Price != 5000 {
		t.Fatalf("offer event = %+v", ev)
	}
	if ev := byType[EventCreated]; ev.Credentials == nil || ev.Credentials.Password != "secret" {
		t.Fatalf("created event lost credentials: %+v", ev)
	}
	if ev := byType[EventAdmins]; len(ev.Recipients) != 1 || ev.Recipients[0] != "root@example.com" {
		t.Fatalf("admin event recipients = %v", ev.Recipients)
	}
	if ev := byType[EventAssigned]; ev.WorkerID != 4 || ev.WorkerName != "Oleg" {
		t.Fatalf("assigned event = %+v", ev)
	}
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	failing := &recordingSink{err: errors.New("smtp down")}
	d := NewDispatcher(failing, staticAdmins{err: errors.New("db gone")}, nil, logger, time.Second)
	d.NotifyAdmins(context.Background(), sampleApp())
	waitFor(t, d)

	if len(failing.snapshot()) != 1 {
		t.Fatal("admin digest must still be attempted when the directory fails")
	}
	out := buf.String()
	if !strings.Contains(out, "prepare failed") || !strings.Contains(out, "delivery failed") {
		t.Fatalf("failures not logged: %s", out)
	}

	panicking := &recordingSink{panic: true}
	buf.Reset()
	d = NewDispatcher(panicking, nil, nil, logger, time.Second)
	d.NotifyAssigned(context.Background(), sampleApp(), 1)
	waitFor(t, d)
	if !strings.Contains(buf.String(), "delivery panicked") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestDispatcherLooksUpWorkerOffCallerPath(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{}
	lookups := make(chan int64)
	workers := workerBook{summaries: map[int64]worker.Summary{}, lookups: lookups}
	d := NewDispatcher(sink, nil, workers, slog.New(slog.NewTextHandler(&buf, nil)), time.Second)

	// the lookup blocks on the unbuffered channel, so returning here proves it
	// runs on the delivery goroutine
	d.NotifyAssigned(context.Background(), sampleApp(), 9)
	if id := <-lookups; id != 9 {
		t.Fatalf("looked up worker %d, want 9", id)
	}
	waitFor(t, d)

	events := sink.snapshot()
	if len(events) != 1 || events[0].WorkerID != 9 || events[0].WorkerName != "" {
		t.Fatalf("unknown worker must still be delivered without a name: %+v", events)
	}
	if !strings.Contains(buf.String(), "prepare failed") {
		t.Fatalf("lookup failure not logged: %s", buf.String())
	}
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := NewRedisPublisher(pub, "orderflow.notifications")

	ev := newEvent(EventCreated, sampleApp(), time.Now())
	ev.Credentials = &auth.Credentials{Login: "79991234567", Password: "secret"}
	if err := p.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if pub.channel != "orderflow.notifications" {
		t.Fatalf("channel = %q", pub.channel)
	}

	var decoded Event
	if err := json.Unmarshal(pub.payload, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.ApplicationID != 42 || decoded.Credentials == nil {
		t.Fatalf("decoded = %+v", decoded)
	}

	pub.err = errors.New("connection refused")
	if err := p.Deliver(context.Background(), ev); err == nil {
		t.Fatal("expected publish error")
	}
}

type fakeCollection struct {
	docs []any
	err  error
}

func (f *fakeCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, document)
	return &mongo.InsertOneResult{}, nil
}

func TestMongoInboxRedactsCredentials(t *testing.T) {
	coll := &fakeCollection{}
	inbox := &MongoInbox{coll: coll}

	ev := newEvent(EventCreated, sampleApp(), time.Now())
	ev.Credentials = &auth.Credentials{Login: "79991234567", Password: "secret"}
	if err := inbox.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(coll.docs) != 1 {
		t.Fatalf("stored %d documents", len(coll.docs))
	}
	stored := coll.docs[0].(Event)
	if stored.Credentials != nil {
		t.Fatal("credentials persisted in the archive")
	}
	if ev.Credentials == nil {
		t.Fatal("redaction mutated the original event")
	}

	coll.err = errors.New("no primary")
	if err := inbox.Deliver(context.Background(), ev); err == nil {
		t.Fatal("expected insert error")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}
	m := Multi{bad, ok}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Deliver(ctx, newEvent(EventAssigned, sampleApp(), time.Now()))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Deliver() error = %v, want boom", err)
	}
	if len(ok.snapshot()) != 1 {
		t.Fatal("a failing sink must not stop the others")
	}
}
