package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists queries that must return no rows at any point in time.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_response",
			SQL: `SELECT application_id, COUNT(*) FROM worker_responses
                  WHERE status = 'accepted'
                  GROUP BY application_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_worker_iff_assigned",
			SQL: `SELECT id, status, worker_id FROM applications
                  WHERE (worker_id IS NOT NULL) <> (status IN ('assigned','completed'))`,
		},
		{
			Name: "O3_worker_matches_accepted",
			SQL: `SELECT a.id, a.worker_id FROM applications a
                  WHERE a.status IN ('assigned','completed')
                    AND NOT EXISTS (
                        SELECT 1 FROM worker_responses r
                        WHERE r.application_id = a.id
                          AND r.status = 'accepted'
                          AND r.worker_id = a.worker_id)`,
		},
		{
			Name: "O4_no_pending_after_selection",
			SQL: `SELECT r.id, r.application_id FROM worker_responses r
                  JOIN applications a ON a.id = r.application_id
                  WHERE a.status IN ('assigned','completed') AND r.status = 'pending'`,
		},
		{
			Name: "O5_accepted_only_after_selection",
			SQL: `SELECT r.id, a.status FROM worker_responses r
                  JOIN applications a ON a.id = r.application_id
                  WHERE r.status = 'accepted' AND a.status IN ('new','pending','in_progress')`,
		},
		{
			Name: "O6_new_without_responses",
			SQL: `SELECT a.id FROM applications a
                  WHERE a.status = 'new'
                    AND EXISTS (SELECT 1 FROM worker_responses r WHERE r.application_id = a.id)`,
		},
		{
			Name: "O7_one_response_per_worker",
			SQL: `SELECT application_id, worker_id, COUNT(*) FROM worker_responses
                  GROUP BY application_id, worker_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_response_within_portfolio",
			SQL: `SELECT r.id, r.worker_id, a.product_id FROM worker_responses r
                  JOIN applications a ON a.id = r.application_id
                  WHERE a.product_id IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM worker_portfolio p
                        WHERE p.worker_id = r.worker_id AND p.product_id = a.product_id)`,
		},
		{
			Name: "O9_responded_at_set",
			SQL: `SELECT id FROM applications
                  WHERE status IN ('assigned','completed') AND responded_at IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
