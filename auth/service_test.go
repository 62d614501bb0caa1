package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

func TestService_RegisterThenLoginByEmailOrPhone(t *testing.T) {
	repo := newMemUsers()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Name:     "Alice Client",
		Email:    "alice@example.com",
		Phone:    "8 (900) 123-45-67",
		Password: "supersafe",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Role != RoleUser {
		t.Fatalf("register: expected default role %s got %s", RoleUser, user.Role)
	}
	if user.Phone != "79001234567" {
		t.Fatalf("register: expected normalized phone, got %q", user.Phone)
	}

	resp, err := svc.Login(ctx, LoginRequest{Login: "ALICE@example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login by email: unexpected error: %v", err)
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %d got %d", user.ID, resp.User.ID)
	}

	resp, err = svc.Login(ctx, LoginRequest{Login: "+7 900 123 45 67", Password: req.Password})
	if err != nil {
		t.Fatalf("login by phone: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != user.ID || claims.Role != RoleUser || claims.Phone != "79001234567" {
		t.Fatalf("verify token: unexpected claims %+v", claims)
	}
}

func TestService_RegisterRejects(t *testing.T) {
	svc := NewService(newMemUsers(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Name: "A", Email: "a@example.com", Password: "short"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Password: "strongpassword"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing fields, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Name: "A", Phone: "12", Password: "strongpassword"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short phone, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Name: "A", Email: "a@example.com", Password: "strongpassword", Role: RoleAdmin}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self registration as admin must be forbidden, got %v", err)
	}
}

func TestService_CreateAccountRoles(t *testing.T) {
	svc := NewService(newMemUsers(), "test-secret")
	ctx := context.Background()

	tests := []struct {
		name    string
		creator Role
		role    Role
		wantErr error
	}{
		{name: "admin creates admin", creator: RoleAdmin, role: RoleAdmin},
		{name: "admin creates operator", creator: RoleAdmin, role: RoleOperator},
		{name: "operator creates worker", creator: RoleOperator, role: RoleWorker},
		{name: "operator cannot promote admin", creator: RoleOperator, role: RoleAdmin, wantErr: ErrForbidden},
		{name: "operator cannot create operator", creator: RoleOperator, role: RoleOperator, wantErr: ErrForbidden},
		{name: "worker cannot create accounts", creator: RoleWorker, role: RoleUser, wantErr: ErrForbidden},
		{name: "unknown role", creator: RoleAdmin, role: Role("root"), wantErr: ErrInvalidInput},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAccount(ctx, tt.creator, RegisterRequest{
				Name:     "Staff",
				Email:    strings.Repeat("x", i+1) + "@example.com",
				Password: "strongpassword",
				Role:     tt.role,
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestService_RegisterRejectsTakenEmail(t *testing.T) {
	svc := NewService(newMemUsers(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Name: "Alice", Email: "alice@example.com", Password: "strongpassword"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(ctx, RegisterRequest{Name: "Alias", Email: "Alice@Example.com", Password: "otherpassword"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail for case-insensitive match, got %v", err)
	}
}

func TestService_LoginFailures(t *testing.T) {
	svc := NewService(newMemUsers(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Name: "Worker", Organization: "Fences Ltd", Phone: "89001112233", Password: "strongpassword", Role: RoleWorker}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	cases := map[string]LoginRequest{
		"unknown email":  {Login: "nobody@example.com", Password: "strongpassword"},
		"unknown phone":  {Login: "+7 999 000 00 00", Password: "strongpassword"},
		"wrong password": {Login: "+7 900 111 22 33", Password: "wrongpassword"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Login(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestService_AdminEmailsListsStaffOnly(t *testing.T) {
	repo := newMemUsers()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	for _, req := range []RegisterRequest{
		{Name: "Root", Email: "root@example.com", Password: "strongpassword", Role: RoleAdmin},
		{Name: "Desk", Email: "desk@example.com", Password: "strongpassword", Role: RoleOperator},
		{Name: "Crew", Email: "crew@example.com", Password: "strongpassword", Role: RoleWorker},
	} {
		if _, err := svc.CreateAccount(ctx, RoleAdmin, req); err != nil {
			t.Fatalf("create %s: %v", req.Role, err)
		}
	}

	emails, err := svc.AdminEmails(ctx)
	if err != nil {
		t.Fatalf("admin emails: %v", err)
	}
	sort.Strings(emails)
	if strings.Join(emails, ",") != "desk@example.com,root@example.com" {
		t.Fatalf("unexpected admin directory %v", emails)
	}
}

func TestService_EnsureClientCreatesOnce(t *testing.T) {
	repo := newMemUsers()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	user, creds, err := svc.EnsureClient(ctx, nil, ClientParams{Name: "Bob", Phone: "+7 (900) 000-00-01"})
	if err != nil {
		t.Fatalf("ensure client: %v", err)
	}
	if creds == nil || creds.Login != "79000000001" || len(creds.Password) != generatedPassLen {
		t.Fatalf("expected generated credentials, got %+v", creds)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		t.Fatalf("stored hash does not match generated password: %v", err)
	}

	again, creds, err := svc.EnsureClient(ctx, nil, ClientParams{Name: "Bob", Phone: "89000000001"})
	if err != nil {
		t.Fatalf("ensure client again: %v", err)
	}
	if creds != nil {
		t.Fatalf("existing client must not receive new credentials")
	}
	if again.ID != user.ID {
		t.Fatalf("expected same account %d, got %d", user.ID, again.ID)
	}
}

func TestService_EnsureClientLocksPhoneBeforeLookup(t *testing.T) {
	repo := newMemUsers()
	svc := NewService(repo, "test-secret")

	if _, _, err := svc.EnsureClient(context.Background(), nil, ClientParams{Name: "Eve", Phone: "8 (900) 555-44-33"}); err != nil {
		t.Fatalf("ensure client: %v", err)
	}
	want := []string{"lock 79005554433", "find 79005554433", "create 79005554433"}
	if strings.Join(repo.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", repo.calls, want)
	}

	repo = newMemUsers()
	repo.lockErr = errors.New("lock timeout")
	svc = NewService(repo, "test-secret")
	if _, _, err := svc.EnsureClient(context.Background(), nil, ClientParams{Name: "Eve", Phone: "79005554433"}); !errors.Is(err, repo.lockErr) {
		t.Fatalf("expected lock error, got %v", err)
	}
	if len(repo.calls) != 1 {
		t.Fatalf("lookup must not run without the lock, calls = %v", repo.calls)
	}
}

func TestService_EnsureClientRejectsInvalidPhone(t *testing.T) {
	svc := NewService(newMemUsers(), "test-secret")

	if _, _, err := svc.EnsureClient(context.Background(), nil, ClientParams{Name: "Bob", Phone: "abc"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_VerifyTokenRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer := NewService(newMemUsers(), "secret-a")
	verifier := NewService(newMemUsers(), "secret-b")

	token, err := issuer.IssueToken(User{ID: 7, Role: RoleWorker})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := verifier.VerifyToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}

	issuer.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	expired, err := issuer.IssueToken(User{ID: 7, Role: RoleWorker})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := issuer.VerifyToken(expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

type memUsers struct {
	byEmail map[string]User
	byID    map[int64]User
	nextID  int64

	calls   []string
	lockErr error
}

func newMemUsers() *memUsers {
	return &memUsers{
		byEmail: make(map[string]User),
		byID:    make(map[int64]User),
		nextID:  1,
	}
}

func (f *memUsers) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if params.Email != "" {
		if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
			return User{}, ErrDuplicateEmail
		}
	}

	user := User{
		ID:           f.nextID,
		Name:         params.Name,
		Organization: params.Organization,
		Email:        params.Email,
		Phone:        params.Phone,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.nextID++

	if user.Email != "" {
		f.byEmail[strings.ToLower(user.Email)] = user
	}
	f.byID[user.ID] = user
	return user, nil
}

func (f *memUsers) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *memUsers) GetUserByPhone(ctx context.Context, phone string) (User, error) {
	var (
		found User
		ok    bool
	)
	for _, u := range f.byID {
		if u.Phone == phone && (!ok || u.ID < found.ID) {
			found, ok = u, true
		}
	}
	if !ok {
		return User{}, ErrUserNotFound
	}
	return found, nil
}

func (f *memUsers) GetUserByID(ctx context.Context, userID int64) (User, error) {
	user, ok := f.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *memUsers) LockClientPhone(ctx context.Context, tx pgx.Tx, phone string) error {
	f.calls = append(f.calls, "lock "+phone)
	return f.lockErr
}

func (f *memUsers) FindClientByPhone(ctx context.Context, tx pgx.Tx, phone string) (User, error) {
	f.calls = append(f.calls, "find "+phone)
	user, err := f.GetUserByPhone(ctx, phone)
	if err != nil || user.Role != RoleUser {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *memUsers) CreateClient(ctx context.Context, tx pgx.Tx, params CreateUserParams) (User, error) {
	f.calls = append(f.calls, "create "+params.Phone)
	if params.Email != "" {
		if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
			params.Email = ""
		}
	}
	params.Role = RoleUser
	return f.CreateUser(ctx, params)
}

func (f *memUsers) ListAdminEmails(ctx context.Context) ([]string, error) {
	var out []string
	for _, u := range f.byID {
		if (u.Role == RoleAdmin || u.Role == RoleOperator) && u.Email != "" {
			out = append(out, u.Email)
		}
	}
	return out, nil
}
