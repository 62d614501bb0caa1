package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/phone"
)

var (
	ErrNotFound = errors.New("application: not found")

	// ErrStaleState signals that a conditional write matched no row because
	// the application is no longer in the expected state.
	ErrStaleState = errors.New("application: state changed")

	ErrInvalidPatch = errors.New("application: invalid patch value")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, app Application) (Application, error)
	GetByID(ctx context.Context, id int64) (Application, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Application, error)
	List(ctx context.Context, filters Filters) ([]Application, int, error)
	Update(ctx context.Context, id int64, patch Patch) (Application, error)
	Delete(ctx context.Context, tx pgx.Tx, id int64) error
	Stats(ctx context.Context) (Stats, error)

	Assign(ctx context.Context, tx pgx.Tx, id, workerID int64) (Application, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, to Status, from []Status) (Application, error)
	MarkForDeletion(ctx context.Context, tx pgx.Tx, id int64) (Application, error)
	PromoteToPending(ctx context.Context, tx pgx.Tx, id int64) (bool, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id, name, phone, email, product_type, product, material, size, comment,
	product_type_id, product_id, status, source, marked_for_deletion, user_id, worker_id,
	created_at, updated_at, responded_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, app Application) (Application, error) {
	const query = `
		INSERT INTO applications (name, phone, email, product_type, product, material, size, comment,
			product_type_id, product_id, status, source, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + columns

	if app.Status == "" {
		app.Status = StatusNew
	}
	if app.Source == "" {
		app.Source = SourceWeb
	}

	created, err := scanApplication(tx.QueryRow(ctx, query,
		app.Name,
		phone.Normalize(app.Phone),
		app.Email,
		app.ProductType,
		app.Product,
		app.Material,
		app.Size,
		app.Comment,
		app.ProductTypeID,
		app.ProductID,
		app.Status,
		app.Source,
		app.UserID,
	))
	if err != nil {
		return Application{}, fmt.Errorf("application: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id int64) (Application, error) {
	app, err := scanApplication(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM applications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get by id: %w", err)
	}
	return app, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Application, error) {
	app, err := scanApplication(tx.QueryRow(ctx, `SELECT `+columns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get for update: %w", err)
	}
	return app, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Application, int, error) {
	filters = filters.Normalize()
	whereClause, args := buildWhere(filters)

	offset := (filters.Page - 1) * filters.Limit
	query := fmt.Sprintf(`SELECT %s FROM applications%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		columns, whereClause, filters.Limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("application: query list: %w", err)
	}
	defer rows.Close()

	list := []Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("application: scan list: %w", err)
		}
		list = append(list, app)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("application: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM applications"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("application: count list: %w", err)
	}

	return list, total, nil
}

func buildWhere(filters Filters) (string, []any) {
	where := []string{"1=1"}
	args := []any{}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if status := strings.TrimSpace(filters.Status); status != "" && status != "all" {
		where = append(where, "status = "+arg(status))
	}
	if filters.Phone != "" {
		// a filter without digits matches nothing, as phone.Equal does
		if n := phone.Normalize(filters.Phone); n != "" {
			where = append(where, "normalize_phone(phone) = "+arg(n))
		} else {
			where = append(where, "FALSE")
		}
	}
	if !filters.IncludeMarkedForDeletion {
		where = append(where, "NOT marked_for_deletion")
	}
	if len(filters.ProductIDs) > 0 {
		where = append(where, "product_id = ANY("+arg(filters.ProductIDs)+")")
	}
	if filters.WorkerID > 0 {
		where = append(where, "worker_id = "+arg(filters.WorkerID))
	}
	if w := filters.Worker; w != nil {
		ids := w.ProductIDs
		if ids == nil {
			ids = []int64{}
		}
		where = append(where, fmt.Sprintf("(product_id = ANY(%s) OR worker_id = %s)", arg(ids), arg(w.WorkerID)))
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

// mutableColumns is the Update allow-list.
var mutableColumns = map[string]bool{
	"name":                true,
	"phone":               true,
	"email":               true,
	"product_type":        true,
	"product":             true,
	"material":            true,
	"size":                true,
	"comment":             true,
	"status":              true,
	"marked_for_deletion": true,
}

func (r *PGRepository) Update(ctx context.Context, id int64, patch Patch) (Application, error) {
	keys := make([]string, 0, len(patch))
	for key := range patch {
		if mutableColumns[key] {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return r.GetByID(ctx, id)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+2)
	args := []any{id}
	for _, key := range keys {
		value, err := patchValue(key, patch[key])
		if err != nil {
			return Application{}, err
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", key, len(args)))
		if key == "status" {
			sets = append(sets, fmt.Sprintf("worker_id = CASE WHEN $%d IN ('assigned', 'completed') THEN worker_id ELSE NULL END", len(args)))
		}
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf(`UPDATE applications SET %s WHERE id = $1 RETURNING %s`, strings.Join(sets, ", "), columns)
	app, err := scanApplication(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: update: %w", err)
	}
	return app, nil
}

func patchValue(key string, value any) (any, error) {
	switch key {
	case "marked_for_deletion":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPatch, key)
		}
		return b, nil
	case "status":
		var s Status
		switch v := value.(type) {
		case Status:
			s = v
		case string:
			s = Status(v)
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidPatch, key)
		}
		if !s.Valid() {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidPatch, key, s)
		}
		return string(s), nil
	default:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPatch, key)
		}
		if key == "phone" {
			return phone.Normalize(str), nil
		}
		return strings.TrimSpace(str), nil
	}
}

// Delete removes the application and its worker responses.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM worker_responses WHERE application_id = $1`, id); err != nil {
		return fmt.Errorf("application: delete responses: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("application: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		stats.ByStatus[s] = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM applications
		WHERE NOT marked_for_deletion
		GROUP BY status
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("application: stats by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("application: scan stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("application: iterate stats: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM applications
		WHERE NOT marked_for_deletion AND created_at >= now() - interval '7 days'
	`).Scan(&stats.LastWeek)
	if err != nil {
		return Stats{}, fmt.Errorf("application: stats last week: %w", err)
	}

	return stats, nil
}

// Assign moves a selectable application to assigned with the given worker.
func (r *PGRepository) Assign(ctx context.Context, tx pgx.Tx, id, workerID int64) (Application, error) {
	const query = `
		UPDATE applications
		SET status = 'assigned',
		    worker_id = $2,
		    responded_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('new', 'pending', 'in_progress')
		  AND NOT marked_for_deletion
		RETURNING ` + columns

	app, err := scanApplication(tx.QueryRow(ctx, query, id, workerID))
	return conditionalResult("assign", app, err)
}

// SetStatus moves the application to status to, provided its current status
// is one of from. worker_id is kept only for assigned and completed, and
// for_delete also raises the deletion flag.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id int64, to Status, from []Status) (Application, error) {
	const query = `
		UPDATE applications
		SET status = $2,
		    worker_id = CASE WHEN $2 IN ('assigned', 'completed') THEN worker_id ELSE NULL END,
		    marked_for_deletion = marked_for_deletion OR $2 = 'for_delete',
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		  AND NOT marked_for_deletion
		RETURNING ` + columns

	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}

	app, err := scanApplication(tx.QueryRow(ctx, query, id, string(to), expected))
	return conditionalResult("set status", app, err)
}

// MarkForDeletion raises the soft-delete flag unless it is already set.
func (r *PGRepository) MarkForDeletion(ctx context.Context, tx pgx.Tx, id int64) (Application, error) {
	const query = `
		UPDATE applications
		SET marked_for_deletion = TRUE,
		    updated_at = now()
		WHERE id = $1 AND NOT marked_for_deletion
		RETURNING ` + columns

	app, err := scanApplication(tx.QueryRow(ctx, query, id))
	return conditionalResult("mark for deletion", app, err)
}

// PromoteToPending moves a new application to pending and reports whether it did.
func (r *PGRepository) PromoteToPending(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE applications
		SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status = 'new'
	`, id)
	if err != nil {
		return false, fmt.Errorf("application: promote to pending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func conditionalResult(op string, app Application, err error) (Application, error) {
	if err == nil {
		return app, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Application{}, ErrStaleState
	}
	return Application{}, fmt.Errorf("application: %s: %w", op, err)
}

func scanApplication(row pgx.Row) (Application, error) {
	var app Application
	err := row.Scan(
		&app.ID,
		&app.Name,
		&app.Phone,
		&app.Email,
		&app.ProductType,
		&app.Product,
		&app.Material,
		&app.Size,
		&app.Comment,
		&app.ProductTypeID,
		&app.ProductID,
		&app.Status,
		&app.Source,
		&app.MarkedForDeletion,
		&app.UserID,
		&app.WorkerID,
		&app.CreatedAt,
		&app.UpdatedAt,
		&app.RespondedAt,
	)
	if err != nil {
		return Application{}, err
	}
	return app, nil
}
