package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/db"
	"orderflow/offer"
	"orderflow/phone"
)

type fakePool struct{}

func (fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	pgx.Tx
}

func (*fakeTx) Commit(context.Context) error   { return nil }
func (*fakeTx) Rollback(context.Context) error { return nil }

// memApps is an in-memory application.Repository honouring the conditional
// write semantics of the PostgreSQL store.
type memApps struct {
	mu      sync.Mutex
	rows    map[int64]application.Application
	nextID  int64
	offers  *memOffers
	failAll error
}

func newMemApps(offers *memOffers) *memApps {
	return &memApps{rows: make(map[int64]application.Application), nextID: 1, offers: offers}
}

func (m *memApps) Create(ctx context.Context, tx pgx.Tx, app application.Application) (application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return application.Application{}, m.failAll
	}

	app.ID = m.nextID
	m.nextID++
	app.Phone = phone.Normalize(app.Phone)
	app.CreatedAt = time.Now().Add(time.Duration(app.ID) * time.Millisecond)
	app.UpdatedAt = app.CreatedAt
	m.rows[app.ID] = app
	return app, nil
}

func (m *memApps) get(id int64) (application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return application.Application{}, m.failAll
	}
	app, ok := m.rows[id]
	if !ok {
		return application.Application{}, application.ErrNotFound
	}
	return app, nil
}

func (m *memApps) GetByID(ctx context.Context, id int64) (application.Application, error) {
	return m.get(id)
}

func (m *memApps) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (application.Application, error) {
	return m.get(id)
}

func (m *memApps) List(ctx context.Context, filters application.Filters) ([]application.Application, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filters = filters.Normalize()

	var matched []application.Application
	for _, app := range m.rows {
		if filters.Status != "" && filters.Status != "all" && string(app.Status) != filters.Status {
			continue
		}
		if filters.Phone != "" && app.Phone != phone.Normalize(filters.Phone) {
			continue
		}
		if !filters.IncludeMarkedForDeletion && app.MarkedForDeletion {
			continue
		}
		if w := filters.Worker; w != nil {
			visible := app.WorkerID != nil && *app.WorkerID == w.WorkerID
			for _, id := range w.ProductIDs {
				if app.ProductID != nil && *app.ProductID == id {
					visible = true
				}
			}
			if !visible {
				continue
			}
		}
		matched = append(matched, app)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	start := (filters.Page - 1) * filters.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filters.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (m *memApps) Update(ctx context.Context, id int64, patch application.Patch) (application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.rows[id]
	if !ok {
		return application.Application{}, application.ErrNotFound
	}
	if v, ok := patch["name"].(string); ok {
		app.Name = v
	}
	if v, ok := patch["phone"].(string); ok {
		app.Phone = phone.Normalize(v)
	}
	if v, ok := patch["comment"].(string); ok {
		app.Comment = v
	}
	m.rows[id] = app
	return app, nil
}

func (m *memApps) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return application.ErrNotFound
	}
	delete(m.rows, id)
	m.offers.deleteForApplication(id)
	return nil
}

func (m *memApps) Stats(ctx context.Context) (application.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := application.Stats{ByStatus: map[application.Status]int{}}
	for _, app := range m.rows {
		if app.MarkedForDeletion {
			continue
		}
		stats.ByStatus[app.Status]++
		stats.Total++
		stats.LastWeek++
	}
	return stats, nil
}

func (m *memApps) Assign(ctx context.Context, tx pgx.Tx, id, workerID int64) (application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.rows[id]
	if !ok || app.MarkedForDeletion || !app.Status.In(application.Selectable) {
		return application.Application{}, application.ErrStaleState
	}
	now := time.Now()
	app.Status = application.StatusAssigned
	app.WorkerID = &workerID
	app.RespondedAt = &now
	m.rows[id] = app
	return app, nil
}

func (m *memApps) SetStatus(ctx context.Context, tx pgx.Tx, id int64, to application.Status, from []application.Status) (application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.rows[id]
	if !ok || app.MarkedForDeletion || !app.Status.In(from) {
		return application.Application{}, application.ErrStaleState
	}
	app.Status = to
	if !to.HasWorker() {
		app.WorkerID = nil
	}
	if to == application.StatusForDelete {
		app.MarkedForDeletion = true
	}
	m.rows[id] = app
	return app, nil
}

func (m *memApps) MarkForDeletion(ctx context.Context, tx pgx.Tx, id int64) (application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.rows[id]
	if !ok || app.MarkedForDeletion {
		return application.Application{}, application.ErrStaleState
	}
	app.MarkedForDeletion = true
	m.rows[id] = app
	return app, nil
}

func (m *memApps) PromoteToPending(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.rows[id]
	if !ok || app.Status != application.StatusNew {
		return false, nil
	}
	app.Status = application.StatusPending
	m.rows[id] = app
	return true, nil
}

// memOffers is an in-memory offer.Repository with the unique
// (application, worker) and single-accepted guarantees.
type memOffers struct {
	mu     sync.Mutex
	rows   map[int64]offer.Response
	nextID int64
	names  map[int64]string
	adds   int
}

func newMemOffers() *memOffers {
	return &memOffers{rows: make(map[int64]offer.Response), nextID: 1, names: map[int64]string{}}
}

func (m *memOffers) Add(ctx context.Context, tx pgx.Tx, params offer.AddParams) (offer.Response, error) {
	if err := params.Validate(); err != nil {
		return offer.Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds++
	for _, r := range m.rows {
		if r.ApplicationID == params.ApplicationID && r.WorkerID == params.WorkerID {
			return offer.Response{}, offer.ErrDuplicate
		}
	}
	resp := offer.Response{
		ID:            m.nextID,
		ApplicationID: params.ApplicationID,
		WorkerID:      params.WorkerID,
		Response:      params.Response,
		Price:         params.Price,
		Deadline:      params.Deadline,
		Status:        offer.StatusPending,
		CreatedAt:     time.Now(),
	}
	m.nextID++
	m.rows[resp.ID] = resp
	return resp, nil
}

func (m *memOffers) forApplication(applicationID int64) []offer.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []offer.Response
	for _, r := range m.rows {
		if r.ApplicationID == applicationID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memOffers) ListForApplication(ctx context.Context, applicationID int64) ([]offer.WithWorker, error) {
	var out []offer.WithWorker
	for _, r := range m.forApplication(applicationID) {
		out = append(out, offer.WithWorker{Response: r, WorkerName: m.names[r.WorkerID]})
	}
	return out, nil
}

func (m *memOffers) ListForWorker(ctx context.Context, workerID int64) ([]offer.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []offer.Response
	for _, r := range m.rows {
		if r.WorkerID == workerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memOffers) ExistsFor(ctx context.Context, q db.Querier, applicationID, workerID int64) (bool, error) {
	for _, r := range m.forApplication(applicationID) {
		if r.WorkerID == workerID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memOffers) GetByID(ctx context.Context, id int64) (offer.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return offer.Response{}, offer.ErrNotFound
	}
	return r, nil
}

func (m *memOffers) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (offer.Response, error) {
	return m.GetByID(ctx, id)
}

func (m *memOffers) MarkAccepted(ctx context.Context, tx pgx.Tx, id int64) (offer.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return offer.Response{}, offer.ErrNotFound
	}
	for _, other := range m.rows {
		if other.ApplicationID == r.ApplicationID && other.ID != id && other.Status == offer.StatusAccepted {
			return offer.Response{}, offer.ErrAlreadyAccepted
		}
	}
	r.Status = offer.StatusAccepted
	m.rows[id] = r
	return r, nil
}

func (m *memOffers) MarkRejectedExcept(ctx context.Context, tx pgx.Tx, applicationID, keepID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if r.ApplicationID == applicationID && id != keepID {
			r.Status = offer.StatusRejected
			m.rows[id] = r
			n++
		}
	}
	return n, nil
}

func (m *memOffers) DeleteByID(ctx context.Context, tx pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return offer.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memOffers) deleteForApplication(applicationID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rows {
		if r.ApplicationID == applicationID {
			delete(m.rows, id)
		}
	}
}

type fakeAccounts struct {
	mu      sync.Mutex
	byPhone map[string]auth.User
	nextID  int64
}

func (f *fakeAccounts) EnsureClient(ctx context.Context, tx pgx.Tx, params auth.ClientParams) (auth.User, *auth.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	normalized := phone.Normalize(params.Phone)
	if u, ok := f.byPhone[normalized]; ok {
		return u, nil, nil
	}
	if f.byPhone == nil {
		f.byPhone = map[string]auth.User{}
		f.nextID = 1000
	}
	f.nextID++
	u := auth.User{ID: f.nextID, Name: params.Name, Phone: normalized, Role: auth.RoleUser}
	f.byPhone[normalized] = u
	return u, &auth.Credentials{Login: normalized, Password: "generated"}, nil
}

type fakeWorkers struct {
	portfolio map[int64][]int64
}

func (f *fakeWorkers) InPortfolio(ctx context.Context, q db.Querier, workerID, productID int64) (bool, error) {
	for _, id := range f.portfolio[workerID] {
		if id == productID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeWorkers) ProductIDs(ctx context.Context, workerID int64) ([]int64, error) {
	return f.portfolio[workerID], nil
}

type notification struct {
	kind          string
	applicationID int64
	workerID      int64
	creds         *auth.Credentials
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (r *recordingNotifier) add(n notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func (r *recordingNotifier) NotifyOffer(ctx context.Context, app application.Application, resp offer.Response) {
	r.add(notification{kind: "offer", applicationID: app.ID, workerID: resp.WorkerID})
}

func (r *recordingNotifier) NotifyCreated(ctx context.Context, app application.Application, creds *auth.Credentials) {
	r.add(notification{kind: "created", applicationID: app.ID, creds: creds})
}

func (r *recordingNotifier) NotifyAdmins(ctx context.Context, app application.Application) {
	r.add(notification{kind: "admins", applicationID: app.ID})
}

func (r *recordingNotifier) NotifyAssigned(ctx context.Context, app application.Application, workerID int64) {
	r.add(notification{kind: "assigned", applicationID: app.ID, workerID: workerID})
}

const (
	productGate  int64 = 10
	productFence int64 = 20

	workerA int64 = 1
	workerB int64 = 2
	workerC int64 = 3
	workerD int64 = 4
)

type harness struct {
	svc      *Service
	apps     *memApps
	offers   *memOffers
	accounts *fakeAccounts
	workers  *fakeWorkers
	notifier *recordingNotifier
}

func newHarness() *harness {
	offers := newMemOffers()
	apps := newMemApps(offers)
	accounts := &fakeAccounts{}
	notifier := &recordingNotifier{}
	workers := &fakeWorkers{
		portfolio: map[int64][]int64{
			workerA: {productGate},
			workerB: {productGate, productFence},
			workerC: {productGate},
			workerD: {productFence},
		},
	}

	svc := NewService(Deps{
		Pool:         fakePool{},
		Applications: apps,
		Offers:       offers,
		Accounts:     accounts,
		Workers:      workers,
		Notifier:     notifier,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &harness{svc: svc, apps: apps, offers: offers, accounts: accounts, workers: workers, notifier: notifier}
}

var (
	operator  = Actor{UserID: 900, Role: auth.RoleOperator}
	admin     = Actor{UserID: 901, Role: auth.RoleAdmin}
	anonymous = Actor{}
)

func workerActor(id int64) Actor {
	return Actor{UserID: id, Role: auth.RoleWorker}
}

func ptr(v int64) *int64 { return &v }
