package offer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/db"
)

var (
	// ErrNotFound signals the response does not exist.
	ErrNotFound = errors.New("offer: not found")
	// ErrDuplicate signals the worker already responded to the application.
	ErrDuplicate = errors.New("offer: worker already responded")
	// ErrInvalidInput signals a non-positive price or a missing deadline.
	ErrInvalidInput = errors.New("offer: invalid input")
	// ErrAlreadyAccepted signals another response of the application is accepted.
	ErrAlreadyAccepted = errors.New("offer: another response already accepted")
)

type Repository interface {
	Add(ctx context.Context, tx pgx.Tx, params AddParams) (Response, error)
	ListForApplication(ctx context.Context, applicationID int64) ([]WithWorker, error)
	ListForWorker(ctx context.Context, workerID int64) ([]Response, error)
	ExistsFor(ctx context.Context, q db.Querier, applicationID, workerID int64) (bool, error)
	GetByID(ctx context.Context, id int64) (Response, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Response, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, id int64) (Response, error)
	MarkRejectedExcept(ctx context.Context, tx pgx.Tx, applicationID, keepID int64) (int64, error)
	DeleteByID(ctx context.Context, tx pgx.Tx, id int64) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id, application_id, worker_id, response, price, deadline, status, created_at`

// Validate checks the write preconditions of Add.
func (p AddParams) Validate() error {
	switch {
	case p.ApplicationID <= 0 || p.WorkerID <= 0:
		return fmt.Errorf("%w: application and worker are required", ErrInvalidInput)
	case math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	case p.Deadline.IsZero():
		return fmt.Errorf("%w: deadline is required", ErrInvalidInput)
	}
	return nil
}

// Add inserts the response. The (application_id, worker_id) unique
// constraint decides duplicates; a conflicting insert returns no row.
func (r *PGRepository) Add(ctx context.Context, tx pgx.Tx, params AddParams) (Response, error) {
	if err := params.Validate(); err != nil {
		return Response{}, err
	}

	const query = `
		INSERT INTO worker_responses (application_id, worker_id, response, price, deadline)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT worker_responses_application_worker_key DO NOTHING
		RETURNING ` + columns

	resp, err := scanResponse(tx.QueryRow(ctx, query,
		params.ApplicationID,
		params.WorkerID,
		strings.TrimSpace(params.Response),
		params.Price,
		params.Deadline,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Response{}, ErrDuplicate
		}
		return Response{}, fmt.Errorf("offer: add: %w", err)
	}
	return resp, nil
}

// ListForApplication returns responses oldest first with worker display data.
func (r *PGRepository) ListForApplication(ctx context.Context, applicationID int64) ([]WithWorker, error) {
	const query = `
		SELECT wr.id, wr.application_id, wr.worker_id, wr.response, wr.price, wr.deadline, wr.status, wr.created_at,
		       u.name, u.organization, COALESCE(u.email, '')
		FROM worker_responses wr
		JOIN users u ON u.id = wr.worker_id
		WHERE wr.application_id = $1
		ORDER BY wr.created_at ASC, wr.id ASC
	`

	rows, err := r.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, fmt.Errorf("offer: list for application: %w", err)
	}
	defer rows.Close()

	list := make([]WithWorker, 0, 8)
	for rows.Next() {
		var w WithWorker
		if err := rows.Scan(
			&w.ID, &w.ApplicationID, &w.WorkerID, &w.Response.Response, &w.Price, &w.Deadline, &w.Status, &w.CreatedAt,
			&w.WorkerName, &w.WorkerOrganization, &w.WorkerEmail,
		); err != nil {
			return nil, fmt.Errorf("offer: scan response: %w", err)
		}
		list = append(list, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate responses: %w", err)
	}
	return list, nil
}

// ListForWorker returns the worker's own responses, newest first.
func (r *PGRepository) ListForWorker(ctx context.Context, workerID int64) ([]Response, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM worker_responses WHERE worker_id = $1 ORDER BY created_at DESC, id DESC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("offer: list for worker: %w", err)
	}
	defer rows.Close()

	list := make([]Response, 0, 8)
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan worker response: %w", err)
		}
		list = append(list, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate worker responses: %w", err)
	}
	return list, nil
}

// ExistsFor reports whether the worker already responded to the application.
// q may be the transaction holding the application lock; nil uses the pool.
func (r *PGRepository) ExistsFor(ctx context.Context, q db.Querier, applicationID, workerID int64) (bool, error) {
	if q == nil {
		q = r.pool
	}

	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM worker_responses WHERE application_id = $1 AND worker_id = $2)
	`, applicationID, workerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("offer: exists for: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id int64) (Response, error) {
	return getOne(ctx, r.pool, "get by id", `SELECT `+columns+` FROM worker_responses WHERE id = $1`, id)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Response, error) {
	return getOne(ctx, tx, "get for update", `SELECT `+columns+` FROM worker_responses WHERE id = $1 FOR UPDATE`, id)
}

func getOne(ctx context.Context, q db.Querier, op, query string, id int64) (Response, error) {
	resp, err := scanResponse(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Response{}, ErrNotFound
		}
		return Response{}, fmt.Errorf("offer: %s: %w", op, err)
	}
	return resp, nil
}

// MarkAccepted flips the response to accepted. The partial unique index on
// accepted responses rejects a second winner for the same application.
func (r *PGRepository) MarkAccepted(ctx context.Context, tx pgx.Tx, id int64) (Response, error) {
	resp, err := scanResponse(tx.QueryRow(ctx, `
		UPDATE worker_responses SET status = 'accepted' WHERE id = $1
		RETURNING `+columns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Response{}, ErrNotFound
		}
		if db.IsUniqueViolation(err) {
			return Response{}, ErrAlreadyAccepted
		}
		return Response{}, fmt.Errorf("offer: mark accepted: %w", err)
	}
	return resp, nil
}

// MarkRejectedExcept rejects every response of the application except keepID.
func (r *PGRepository) MarkRejectedExcept(ctx context.Context, tx pgx.Tx, applicationID, keepID int64) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE worker_responses SET status = 'rejected'
		WHERE application_id = $1 AND id <> $2
	`, applicationID, keepID)
	if err != nil {
		return 0, fmt.Errorf("offer: mark rejected: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) DeleteByID(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `DELETE FROM worker_responses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("offer: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanResponse(row pgx.Row) (Response, error) {
	var resp Response
	err := row.Scan(
		&resp.ID,
		&resp.ApplicationID,
		&resp.WorkerID,
		&resp.Response,
		&resp.Price,
		&resp.Deadline,
		&resp.Status,
		&resp.CreatedAt,
	)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
