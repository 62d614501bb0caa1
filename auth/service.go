package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"orderflow/phone"
)

var (
	// ErrInvalidCredentials signals wrong login or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidInput signals missing or malformed registration fields.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrForbidden signals the caller may not create an account with the requested role.
	ErrForbidden = errors.New("auth: forbidden")
)

const (
	tokenTTL          = 24 * time.Hour
	generatedPassLen  = 10
	generatedAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// Register creates a self-service account. Only clients and workers may sign
// up on their own; staff accounts go through CreateAccount.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleWorker {
		return nil, ErrForbidden
	}
	req.Role = role
	return s.create(ctx, req)
}

// CreateAccount creates an account on behalf of a staff member. Operators may
// create clients and workers; only admins may create operators or admins.
func (s *Service) CreateAccount(ctx context.Context, creator Role, req RegisterRequest) (*User, error) {
	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleUser
	}
	if !IsValidRole(role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidInput, role)
	}

	switch creator {
	case RoleAdmin:
	case RoleOperator:
		if role == RoleAdmin || role == RoleOperator {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrForbidden
	}

	req.Role = role
	return s.create(ctx, req)
}

func (s *Service) create(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	normalized := phone.Normalize(req.Phone)
	if strings.TrimSpace(req.Name) == "" || (req.Email == "" && normalized == "") {
		return nil, fmt.Errorf("%w: name and email or phone are required", ErrInvalidInput)
	}
	if normalized != "" && !phone.Valid(normalized) {
		return nil, fmt.Errorf("%w: phone", ErrInvalidInput)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Name:         strings.TrimSpace(req.Name),
		Organization: strings.TrimSpace(req.Organization),
		Email:        strings.TrimSpace(req.Email),
		Phone:        normalized,
		PasswordHash: string(passwordHash),
		Role:         req.Role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user by email or phone and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	login := strings.TrimSpace(req.Login)

	var (
		user User
		err  error
	)
	if strings.Contains(login, "@") {
		user, err = s.repo.GetUserByEmail(ctx, login)
	} else {
		user, err = s.repo.GetUserByPhone(ctx, phone.Normalize(login))
	}
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, User: user}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID int64) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AdminEmails lists staff addresses that receive new-application alerts.
func (s *Service) AdminEmails(ctx context.Context) ([]string, error) {
	return s.repo.ListAdminEmails(ctx)
}

// EnsureClient returns the client account owning the phone, creating it with
// a generated password when absent. Credentials are non-nil only when an
// account was created. It runs inside the caller's transaction so the account
// and the application commit together; the phone stays locked until then.
func (s *Service) EnsureClient(ctx context.Context, tx pgx.Tx, params ClientParams) (User, *Credentials, error) {
	normalized := phone.Normalize(params.Phone)
	if !phone.Valid(normalized) {
		return User{}, nil, fmt.Errorf("%w: phone", ErrInvalidInput)
	}

	if err := s.repo.LockClientPhone(ctx, tx, normalized); err != nil {
		return User{}, nil, err
	}

	existing, err := s.repo.FindClientByPhone(ctx, tx, normalized)
	if err == nil {
		return existing, nil, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, nil, err
	}

	password, err := generatePassword(generatedPassLen)
	if err != nil {
		return User{}, nil, fmt.Errorf("auth: generate password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateClient(ctx, tx, CreateUserParams{
		Name:         strings.TrimSpace(params.Name),
		Email:        strings.TrimSpace(params.Email),
		Phone:        normalized,
		PasswordHash: string(hash),
		Role:         RoleUser,
	})
	if err != nil {
		return User{}, nil, err
	}

	return user, &Credentials{Login: normalized, Password: password}, nil
}

// VerifyToken validates a JWT token and returns the caller identity.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid subject in token")
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return Claims{}, fmt.Errorf("auth: invalid subject %q in token", sub)
	}

	roleStr, ok := claims["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !IsValidRole(role) {
		return Claims{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}

	phoneClaim, _ := claims["phone"].(string)

	return Claims{UserID: userID, Role: role, Phone: phoneClaim}, nil
}

// IssueToken signs a token for the user.
func (s *Service) IssueToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   strconv.FormatInt(user.ID, 10),
		"role":  string(user.Role),
		"phone": user.Phone,
		"exp":   now.Add(tokenTTL).Unix(),
		"iat":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// IsValidRole reports whether role is one of the known roles.
func IsValidRole(role Role) bool {
	switch role {
	case RoleUser, RoleWorker, RoleOperator, RoleAdmin:
		return true
	default:
		return false
	}
}

func generatePassword(n int) (string, error) {
	max := big.NewInt(int64(len(generatedAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = generatedAlphabet[idx.Int64()]
	}
	return string(out), nil
}
