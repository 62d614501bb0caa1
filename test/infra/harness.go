package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/lifecycle"
	"orderflow/offer"
	"orderflow/worker"
)

// Fixture holds the accounts and catalogue rows every stress run starts from.
type Fixture struct {
	ProductIDs []int64
	Workers    []int64
	Operator   lifecycle.Actor
	Admin      lifecycle.Actor
}

// NewEngine wires a lifecycle service against pool with notifications
// disabled.
func NewEngine(pool *pgxpool.Pool, logger *slog.Logger) *lifecycle.Service {
	return lifecycle.NewService(lifecycle.Deps{
		Pool:         pool,
		Applications: application.NewRepository(pool),
		Offers:       offer.NewRepository(pool),
		Accounts:     auth.NewService(auth.NewRepository(pool), "stress-secret"),
		Workers:      worker.NewRepository(pool),
		Logger:       logger,
	})
}

// Seed creates products, workers with overlapping portfolios and one staff
// account per staff role. Worker i carries product i%len(products) and,
// for even i, the next product as well.
func Seed(ctx context.Context, pool *pgxpool.Pool, products, workers int) (Fixture, error) {
	repo := worker.NewRepository(pool)

	var f Fixture
	for i := 0; i < products; i++ {
		p, err := repo.EnsureProduct(ctx, "Stress", fmt.Sprintf("Product %d", i))
		if err != nil {
			return Fixture{}, fmt.Errorf("seed product: %w", err)
		}
		f.ProductIDs = append(f.ProductIDs, p.ID)
	}

	for i := 0; i < workers; i++ {
		id, err := insertUser(ctx, pool, auth.RoleWorker, i)
		if err != nil {
			return Fixture{}, err
		}
		own := []int64{f.ProductIDs[i%products]}
		if i%2 == 0 && products > 1 {
			own = append(own, f.ProductIDs[(i+1)%products])
		}
		for _, pid := range own {
			if err := repo.UpsertPortfolio(ctx, id, pid, float64(1000+i)); err != nil {
				return Fixture{}, fmt.Errorf("seed portfolio: %w", err)
			}
		}
		f.Workers = append(f.Workers, id)
	}

	opID, err := insertUser(ctx, pool, auth.RoleOperator, 0)
	if err != nil {
		return Fixture{}, err
	}
	adminID, err := insertUser(ctx, pool, auth.RoleAdmin, 0)
	if err != nil {
		return Fixture{}, err
	}
	f.Operator = lifecycle.Actor{UserID: opID, Role: auth.RoleOperator}
	f.Admin = lifecycle.Actor{UserID: adminID, Role: auth.RoleAdmin}
	return f, nil
}

func insertUser(ctx context.Context, pool *pgxpool.Pool, role auth.Role, n int) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO users (name, organization, email, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, fmt.Sprintf("%s %d", role, n), fmt.Sprintf("Org %d", n), fmt.Sprintf("%s%d@stress.test", role, n), string(role)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed %s: %w", role, err)
	}
	return id, nil
}
