package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/db"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for accounts.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByPhone(ctx context.Context, phone string) (User, error)
	GetUserByID(ctx context.Context, userID int64) (User, error)
	LockClientPhone(ctx context.Context, tx pgx.Tx, phone string) error
	FindClientByPhone(ctx context.Context, tx pgx.Tx, phone string) (User, error)
	CreateClient(ctx context.Context, tx pgx.Tx, params CreateUserParams) (User, error)
	ListAdminEmails(ctx context.Context) ([]string, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Name         string
	Organization string
	Email        string
	Phone        string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, name, organization, COALESCE(email, ''), phone, password_hash, role, created_at, updated_at`

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (name, organization, email, phone, password_hash, role)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL,
		params.Name, params.Organization, params.Email, params.Phone, params.PasswordHash, params.Role))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email address, case-insensitively.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const selectSQL = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return r.getOne(ctx, "get user by email", selectSQL, email)
}

// GetUserByPhone retrieves the oldest user registered with the normalized phone.
func (r *PGRepository) GetUserByPhone(ctx context.Context, phone string) (User, error) {
	const selectSQL = `SELECT ` + userColumns + ` FROM users WHERE phone = $1 ORDER BY id LIMIT 1`
	return r.getOne(ctx, "get user by phone", selectSQL, phone)
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID int64) (User, error) {
	const selectSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, "get user by id", selectSQL, userID)
}

func (r *PGRepository) getOne(ctx context.Context, op, query string, arg any) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: %s: %w", op, err)
	}
	return user, nil
}

// LockClientPhone takes a transaction-scoped advisory lock on the phone. A
// second submission for the same phone waits here until the first commits,
// then finds the account it created.
func (r *PGRepository) LockClientPhone(ctx context.Context, tx pgx.Tx, phone string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "client-phone:"+phone); err != nil {
		return fmt.Errorf("auth: lock client phone: %w", err)
	}
	return nil
}

// FindClientByPhone looks up a client account inside the caller's transaction.
func (r *PGRepository) FindClientByPhone(ctx context.Context, tx pgx.Tx, phone string) (User, error) {
	const selectSQL = `SELECT ` + userColumns + ` FROM users WHERE normalize_phone(phone) = $1 AND role = 'user' ORDER BY id LIMIT 1`

	user, err := scanUser(tx.QueryRow(ctx, selectSQL, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: find client by phone: %w", err)
	}
	return user, nil
}

// CreateClient inserts a client account inside the caller's transaction. An
// email already owned by another account is dropped rather than failing the
// submission; ON CONFLICT keeps the transaction usable.
func (r *PGRepository) CreateClient(ctx context.Context, tx pgx.Tx, params CreateUserParams) (User, error) {
	const withEmailSQL = `
		INSERT INTO users (name, email, phone, password_hash, role)
		VALUES ($1, NULLIF($2, ''), $3, $4, 'user')
		ON CONFLICT DO NOTHING
		RETURNING ` + userColumns

	user, err := scanUser(tx.QueryRow(ctx, withEmailSQL, params.Name, params.Email, params.Phone, params.PasswordHash))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("auth: create client: %w", err)
	}

	const withoutEmailSQL = `
		INSERT INTO users (name, phone, password_hash, role)
		VALUES ($1, $2, $3, 'user')
		RETURNING ` + userColumns

	user, err = scanUser(tx.QueryRow(ctx, withoutEmailSQL, params.Name, params.Phone, params.PasswordHash))
	if err != nil {
		return User{}, fmt.Errorf("auth: create client without email: %w", err)
	}
	return user, nil
}

// ListAdminEmails returns the addresses notified about new applications.
func (r *PGRepository) ListAdminEmails(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT email FROM users
		WHERE role IN ('admin', 'operator') AND email IS NOT NULL AND email <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("auth: list admin emails: %w", err)
	}
	defer rows.Close()

	emails := make([]string, 0, 4)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("auth: scan admin email: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: iterate admin emails: %w", err)
	}
	return emails, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Organization,
		&user.Email,
		&user.Phone,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
