package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/lifecycle"
	"orderflow/test/actors"
)

// TerminateRandomBackend occasionally kills one backend opened under
// appName, forcing in-flight transactions to fail mid-way.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database()
					  AND application_name = $1
					  AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1
				`, appName)
			}
		}
	}
}

// Reaper hard-deletes random applications as an admin while other actors
// are still working on them.
func Reaper(ctx context.Context, svc *lifecycle.Service, admin lifecycle.Actor, board *actors.Board, t *actors.Tally, stop <-chan struct{}) {
	ticker := time.NewTicker(750 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if board.Len() < 10 || rand.Intn(3) != 0 {
				continue
			}
			id, ok := board.Pick()
			if !ok {
				continue
			}
			if err := svc.Delete(ctx, id, admin); err == nil {
				board.Remove(id)
				t.Deleted.Add(1)
			}
		}
	}
}
