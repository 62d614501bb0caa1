package offer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"orderflow/db"
)

type fixture struct {
	pool          *pgxpool.Pool
	applicationID int64
	workers       []int64
}

func setupFixture(t *testing.T, workers int) (context.Context, fixture) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := fixture{pool: pool}
	suffix := time.Now().UnixNano()

	for i := 0; i < workers; i++ {
		var id int64
		err := pool.QueryRow(ctx, `
			INSERT INTO users (name, organization, role, phone) VALUES ($1, $2, 'worker', $3) RETURNING id
		`, fmt.Sprintf("Worker %d", i), fmt.Sprintf("Org %d-%d", suffix, i), fmt.Sprintf("7%010d", (suffix+int64(i))%10000000000)).Scan(&id)
		if err != nil {
			t.Fatalf("seed worker: %v", err)
		}
		f.workers = append(f.workers, id)
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO applications (name, phone) VALUES ('Offer fixture', $1) RETURNING id
	`, fmt.Sprintf("7%010d", suffix%10000000000)).Scan(&f.applicationID)
	if err != nil {
		t.Fatalf("seed application: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM applications WHERE id = $1`, f.applicationID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id = ANY($1)`, f.workers)
	})

	return ctx, f
}

func addInTx(ctx context.Context, pool *pgxpool.Pool, repo *PGRepository, params AddParams) (Response, error) {
	var resp Response
	err := db.RunInTx(ctx, pool, 1, func(tx pgx.Tx) error {
		var err error
		resp, err = repo.Add(ctx, tx, params)
		return err
	})
	return resp, err
}

func TestPGRepository_ConcurrentDuplicateOffers(t *testing.T) {
	ctx, f := setupFixture(t, 1)
	repo := NewRepository(f.pool)

	params := AddParams{
		ApplicationID: f.applicationID,
		WorkerID:      f.workers[0],
		Response:      "can do",
		Price:         5000,
		Deadline:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	var succeeded, duplicates atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := addInTx(gctx, f.pool, repo, params)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrDuplicate):
				duplicates.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent add: %v", err)
	}

	if succeeded.Load() != 1 || duplicates.Load() != 7 {
		t.Fatalf("expected 1 success and 7 duplicates, got %d/%d", succeeded.Load(), duplicates.Load())
	}

	exists, err := repo.ExistsFor(ctx, nil, f.applicationID, f.workers[0])
	if err != nil || !exists {
		t.Fatalf("expected offer to exist, got %v, %v", exists, err)
	}
}

func TestPGRepository_AcceptRejectAndList(t *testing.T) {
	ctx, f := setupFixture(t, 3)
	repo := NewRepository(f.pool)
	deadline := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ids := make([]int64, 0, len(f.workers))
	for i, w := range f.workers {
		resp, err := addInTx(ctx, f.pool, repo, AddParams{
			ApplicationID: f.applicationID,
			WorkerID:      w,
			Price:         float64(1000 * (i + 1)),
			Deadline:      deadline,
		})
		if err != nil {
			t.Fatalf("add offer %d: %v", i, err)
		}
		if resp.Status != StatusPending {
			t.Fatalf("expected pending default, got %s", resp.Status)
		}
		ids = append(ids, resp.ID)
	}

	err := db.RunInTx(ctx, f.pool, 1, func(tx pgx.Tx) error {
		if _, err := repo.MarkRejectedExcept(ctx, tx, f.applicationID, ids[1]); err != nil {
			return err
		}
		_, err := repo.MarkAccepted(ctx, tx, ids[1])
		return err
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	err = db.RunInTx(ctx, f.pool, 1, func(tx pgx.Tx) error {
		_, err := repo.MarkAccepted(ctx, tx, ids[0])
		return err
	})
	if !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted for a second winner, got %v", err)
	}

	list, err := repo.ListForApplication(ctx, f.applicationID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(list))
	}
	for i, w := range list {
		if w.ID != ids[i] {
			t.Fatalf("expected oldest first ordering, got %d at %d", w.ID, i)
		}
		want := StatusRejected
		if w.ID == ids[1] {
			want = StatusAccepted
		}
		if w.Status != want {
			t.Fatalf("response %d: expected %s, got %s", w.ID, want, w.Status)
		}
		if w.WorkerOrganization == "" {
			t.Fatalf("expected joined worker organization")
		}
	}

	err = db.RunInTx(ctx, f.pool, 1, func(tx pgx.Tx) error {
		return repo.DeleteByID(ctx, tx, ids[2])
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, ids[2]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	mine, err := repo.ListForWorker(ctx, f.workers[1])
	if err != nil || len(mine) != 1 || mine[0].ID != ids[1] {
		t.Fatalf("unexpected worker listing %+v, %v", mine, err)
	}
}
