package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"profitpilot/internal/database"
	"profitpilot/internal/subscription"
)

// ============================================================================
// MOCK TYPES
// ============================================================================

type memUserStore struct {
	mu    sync.Mutex
	users map[string]*database.User
	seq   int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]*database.User)}
}

func (m *memUserStore) CreateUser(ctx context.Context, user *database.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	user.ID = fmt.Sprintf("user-%d", m.seq)
	user.CreatedAt = time.Now()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUserStore) get(id string) *database.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp
	}
	return nil
}

func (m *memUserStore) find(match func(u *database.User) bool) *database.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp
		}
	}
	return nil
}

func (m *memUserStore) GetUserByID(ctx context.Context, userID string) (*database.User, error) {
	return m.get(userID), nil
}

func (m *memUserStore) GetUserByIdentifier(ctx context.Context, identifier string) (*database.User, error) {
	if u := m.find(func(u *database.User) bool { return u.LoginID != nil && *u.LoginID == identifier }); u != nil {
		return u, nil
	}
	return m.find(func(u *database.User) bool { return strings.EqualFold(u.Email, identifier) }), nil
}

func (m *memUserStore) GetUserByEmail(ctx context.Context, email string) (*database.User, error) {
	return m.find(func(u *database.User) bool { return strings.EqualFold(u.Email, email) }), nil
}

func (m *memUserStore) EmailExists(ctx context.Context, email string) (bool, error) {
	u, _ := m.GetUserByEmail(ctx, email)
	return u != nil, nil
}

func (m *memUserStore) LoginIDExists(ctx context.Context, loginID string) (bool, error) {
	return m.find(func(u *database.User) bool { return u.LoginID != nil && *u.LoginID == loginID }) != nil, nil
}

func (m *memUserStore) update(id string, fn func(u *database.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return errors.New("no such user")
	}
	fn(u)
	return nil
}

func (m *memUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return m.update(userID, func(u *database.User) {
		u.PasswordHash = passwordHash
		u.ResetToken = nil
		u.ResetExpires = nil
	})
}

func (m *memUserStore) UpdateLastLogin(ctx context.Context, userID string) error {
	return m.update(userID, func(u *database.User) {
		now := time.Now()
		u.LastLoginAt = &now
	})
}

func (m *memUserStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	return m.update(userID, func(u *database.User) { u.Role = role })
}

func (m *memUserStore) SetVerifyToken(ctx context.Context, userID, token string, expires time.Time) error {
	return m.update(userID, func(u *database.User) {
		u.VerifyToken = &token
		u.VerifyExpires = &expires
	})
}

func (m *memUserStore) GetUserByVerifyToken(ctx context.Context, token string) (*database.User, error) {
	return m.find(func(u *database.User) bool { return u.VerifyToken != nil && *u.VerifyToken == token }), nil
}

func (m *memUserStore) MarkEmailVerified(ctx context.Context, userID string) error {
	return m.update(userID, func(u *database.User) {
		u.EmailVerified = true
		u.VerifyToken = nil
		u.VerifyExpires = nil
	})
}

func (m *memUserStore) SetResetToken(ctx context.Context, userID, token string, expires time.Time) error {
	return m.update(userID, func(u *database.User) {
		u.ResetToken = &token
		u.ResetExpires = &expires
	})
}

func (m *memUserStore) GetUserByResetToken(ctx context.Context, token string) (*database.User, error) {
	return m.find(func(u *database.User) bool { return u.ResetToken != nil && *u.ResetToken == token }), nil
}

type memThrottleStore struct {
	mu      sync.Mutex
	records map[string]*database.ThrottleRecord
}

func newMemThrottleStore() *memThrottleStore {
	return &memThrottleStore{records: make(map[string]*database.ThrottleRecord)}
}

func (m *memThrottleStore) GetThrottle(ctx context.Context, ip string) (*database.ThrottleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[ip]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memThrottleStore) UpsertThrottle(ctx context.Context, ip string, now time.Time, window time.Duration) (*database.ThrottleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[ip]
	if !ok || !r.WindowEnd.After(now) {
		r = &database.ThrottleRecord{IP: ip, Attempts: 1, WindowEnd: now.Add(window)}
		m.records[ip] = r
	} else {
		r.Attempts++
	}
	cp := *r
	return &cp, nil
}

func (m *memThrottleStore) ClearThrottle(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, ip)
	return nil
}

type mockMailer struct {
	mu         sync.Mutex
	configured bool
	verify     []string
	reset      []string
	err        error
}

func (m *mockMailer) IsConfigured() bool { return m.configured }

func (m *mockMailer) SendVerificationEmail(ctx context.Context, to, name, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verify = append(m.verify, link)
	return m.err
}

func (m *mockMailer) SendPasswordResetEmail(ctx context.Context, to, name, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset = append(m.reset, link)
	return m.err
}

type stubEntitlements struct {
	ent subscription.Entitlement
}

func (s stubEntitlements) Status(ctx context.Context, userID string) (subscription.Entitlement, error) {
	return s.ent, nil
}

type failingCounter struct{}

func (failingCounter) ConsumeRateLimit(ctx context.Context, scope, subject string, window time.Duration) (int, int, error) {
	return 0, 0, errors.New("redis down")
}

func (failingCounter) PeekRateLimit(ctx context.Context, scope, subject string) (int, int, error) {
	return 0, 0, errors.New("redis down")
}

func (failingCounter) ResetRateLimit(ctx context.Context, scope, subject string) error {
	return errors.New("redis down")
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *memCounter) ConsumeRateLimit(ctx context.Context, scope, subject string, window time.Duration) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[scope+subject]++
	return m.counts[scope+subject], int(window.Seconds()), nil
}

func (m *memCounter) PeekRateLimit(ctx context.Context, scope, subject string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[scope+subject], 0, nil
}

func (m *memCounter) ResetRateLimit(ctx context.Context, scope, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, scope+subject)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

type fixture struct {
	svc      *Service
	store    *memUserStore
	throttle *memThrottleStore
	mailer   *mockMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemUserStore()
	ts := newMemThrottleStore()
	mailer := &mockMailer{configured: true}

	cfg := DefaultConfig()
	cfg.JWTSecret = "test-secret"
	cfg.SiteBase = "https://app.example.com/"

	svc, err := NewService(store, NewDBThrottle(ts, cfg.MaxLoginAttempts, cfg.ThrottleWindow), mailer,
		stubEntitlements{ent: subscription.Entitlement{Active: true, Status: "active"}}, nil, cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	svc.passwordManager = NewPasswordManager(4, 8)
	return &fixture{svc: svc, store: store, throttle: ts, mailer: mailer}
}

func (f *fixture) register(t *testing.T, email, loginID string) *database.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), RegisterRequest{
		Name: "Test User", LoginID: loginID, Email: email, Password: "Secret123",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return u
}

func (f *fixture) registerVerified(t *testing.T, email, loginID string) *database.User {
	t.Helper()
	u := f.register(t, email, loginID)
	if err := f.store.MarkEmailVerified(context.Background(), u.ID); err != nil {
		t.Fatal(err)
	}
	return f.store.get(u.ID)
}

// ============================================================================
// TESTS
// ============================================================================

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(newMemUserStore(), nil, nil, nil, nil, DefaultConfig()); err == nil {
		t.Fatal("expected error without JWT secret")
	}
}

func TestRegisterSendsVerificationLink(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "  Alice@Example.com ", "alice")

	if u.Email != "alice@example.com" {
		t.Errorf("email = %q, want lower-cased", u.Email)
	}
	if u.EmailVerified {
		t.Error("new user must be unverified")
	}
	stored := f.store.get(u.ID)
	if stored.VerifyToken == nil || stored.VerifyExpires == nil {
		t.Fatal("verify token not stored")
	}
	if len(f.mailer.verify) != 1 {
		t.Fatalf("verification emails = %d, want 1", len(f.mailer.verify))
	}
	want := "https://app.example.com/verify?token=" + *stored.VerifyToken
	if f.mailer.verify[0] != want {
		t.Errorf("link = %q, want %q", f.mailer.verify[0], want)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "taken@example.com", "taken")

	tests := []struct {
		name string
		req  RegisterRequest
		want string
	}{
		{"bad email", RegisterRequest{Name: "X", Email: "not-an-email", Password: "Secret123"}, ErrInvalidEmail.Code},
		{"bad login id", RegisterRequest{Name: "X", Email: "x@example.com", LoginID: "a b", Password: "Secret123"}, ErrInvalidLoginID.Code},
		{"weak password", RegisterRequest{Name: "X", Email: "x@example.com", Password: "password"}, ErrWeakPassword.Code},
		{"duplicate email", RegisterRequest{Name: "X", Email: "TAKEN@example.com", Password: "Secret123"}, ErrEmailExists.Code},
		{"duplicate login id", RegisterRequest{Name: "X", Email: "y@example.com", LoginID: "taken", Password: "Secret123"}, ErrLoginIDExists.Code},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.req)
			var authErr AuthError
			if !errors.As(err, &authErr) || authErr.Code != tt.want {
				t.Errorf("got %v, want %s", err, tt.want)
			}
		})
	}
}

func TestRegisterMailFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	if _, err := f.svc.Register(context.Background(), RegisterRequest{Name: "X", Email: "x@example.com", Password: "Secret123"}); err != nil {
		t.Fatalf("register should succeed when mail fails: %v", err)
	}
}

func TestVerifyEmail(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "bob@example.com", "")
	token := *f.store.get(u.ID).VerifyToken

	if _, err := f.svc.VerifyEmail(context.Background(), "wrong"); err != ErrInvalidToken {
		t.Errorf("unknown token: got %v", err)
	}

	verified, err := f.svc.VerifyEmail(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	if !verified.EmailVerified {
		t.Error("expected verified user")
	}
	if f.store.get(u.ID).VerifyToken != nil {
		t.Error("token should be cleared")
	}
	if _, err := f.svc.VerifyEmail(context.Background(), token); err != ErrInvalidToken {
		t.Errorf("reused token: got %v", err)
	}
}

func TestVerifyEmailExpired(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "late@example.com", "")
	token := *f.store.get(u.ID).VerifyToken

	f.svc.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	if _, err := f.svc.VerifyEmail(context.Background(), token); err != ErrInvalidToken {
		t.Errorf("expired token: got %v, want ErrInvalidToken", err)
	}
}

func TestLoginByEmailAndLoginID(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "carol@example.com", "carol")

	for _, req := range []LoginRequest{
		{Email: "CAROL@example.com", Password: "Secret123"},
		{LoginID: "carol", Password: "Secret123"},
	} {
		resp, err := f.svc.Login(context.Background(), req, "10.0.0.1")
		if err != nil {
			t.Fatalf("Login(%+v) failed: %v", req, err)
		}
		if resp.AccessToken == "" || resp.TokenType != "Bearer" {
			t.Errorf("bad token response %+v", resp)
		}
		if resp.Redirect != "/dashboard" {
			t.Errorf("redirect = %q", resp.Redirect)
		}
		claims, err := f.svc.GetJWTManager().ValidateAccessToken(resp.AccessToken)
		if err != nil || claims.LoginID != "carol" {
			t.Errorf("claims = %+v, err = %v", claims, err)
		}
	}
}

func TestLoginAdminRedirect(t *testing.T) {
	f := newFixture(t)
	u := f.registerVerified(t, "root@example.com", "")
	_ = f.store.UpdateUserRole(context.Background(), u.ID, database.RoleAdmin)

	resp, err := f.svc.Login(context.Background(), LoginRequest{Email: "root@example.com", Password: "Secret123"}, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Redirect != "/_admin" || !resp.User.IsAdmin {
		t.Errorf("admin login response %+v", resp)
	}
}

func TestLoginUnverifiedDoesNotCountAttempt(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dave@example.com", "")

	_, err := f.svc.Login(context.Background(), LoginRequest{Email: "dave@example.com", Password: "Secret123"}, "10.0.0.2")
	if err != ErrEmailNotVerified {
		t.Fatalf("got %v, want ErrEmailNotVerified", err)
	}
	if rec, _ := f.throttle.GetThrottle(context.Background(), "10.0.0.2"); rec != nil {
		t.Errorf("unverified login must not count, got %+v", rec)
	}
}

func TestLoginThrottle(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "erin@example.com", "")
	ctx := context.Background()
	ip := "10.0.0.3"

	for i := 0; i < 5; i++ {
		if _, err := f.svc.Login(ctx, LoginRequest{Email: "erin@example.com", Password: "Wrong1234"}, ip); err != ErrInvalidCredentials {
			t.Fatalf("attempt %d: got %v", i+1, err)
		}
	}

	if _, err := f.svc.Login(ctx, LoginRequest{Email: "erin@example.com", Password: "Secret123"}, ip); err != ErrRateLimited {
		t.Fatalf("sixth attempt: got %v, want ErrRateLimited", err)
	}

	// Another IP is unaffected
	if _, err := f.svc.Login(ctx, LoginRequest{Email: "erin@example.com", Password: "Secret123"}, "10.0.0.4"); err != nil {
		t.Fatalf("other ip: %v", err)
	}
}

func TestLoginUnknownUserCounts(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Login(context.Background(), LoginRequest{Email: "ghost@example.com", Password: "x"}, "10.0.0.5"); err != ErrInvalidCredentials {
		t.Fatalf("got %v", err)
	}
	rec, _ := f.throttle.GetThrottle(context.Background(), "10.0.0.5")
	if rec == nil || rec.Attempts != 1 {
		t.Errorf("throttle record = %+v, want 1 attempt", rec)
	}
}

func TestLoginSuccessClearsThrottle(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "fay@example.com", "")
	ctx := context.Background()

	_, _ = f.svc.Login(ctx, LoginRequest{Email: "fay@example.com", Password: "Wrong1234"}, "10.0.0.6")
	if _, err := f.svc.Login(ctx, LoginRequest{Email: "fay@example.com", Password: "Secret123"}, "10.0.0.6"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := f.throttle.GetThrottle(ctx, "10.0.0.6"); rec != nil {
		t.Errorf("throttle should be cleared, got %+v", rec)
	}
}

func TestDBThrottleWindowExpiry(t *testing.T) {
	ts := newMemThrottleStore()
	th := NewDBThrottle(ts, 2, time.Minute)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return base }
	ctx := context.Background()

	_ = th.RecordFailure(ctx, "ip")
	_ = th.RecordFailure(ctx, "ip")
	if blocked, _ := th.Blocked(ctx, "ip"); !blocked {
		t.Fatal("expected blocked inside window")
	}

	th.now = func() time.Time { return base.Add(2 * time.Minute) }
	if blocked, _ := th.Blocked(ctx, "ip"); blocked {
		t.Fatal("expected unblocked after window")
	}
	_ = th.RecordFailure(ctx, "ip")
	rec, _ := ts.GetThrottle(ctx, "ip")
	if rec.Attempts != 1 {
		t.Errorf("attempts after window = %d, want 1", rec.Attempts)
	}
}

func TestRedisThrottle(t *testing.T) {
	ctx := context.Background()
	th := NewRedisThrottle(&memCounter{counts: map[string]int{}}, NewDBThrottle(newMemThrottleStore(), 2, time.Minute), 2, time.Minute)

	_ = th.RecordFailure(ctx, "ip")
	if blocked, _ := th.Blocked(ctx, "ip"); blocked {
		t.Fatal("one failure must not block")
	}
	_ = th.RecordFailure(ctx, "ip")
	if blocked, _ := th.Blocked(ctx, "ip"); !blocked {
		t.Fatal("expected blocked after two failures")
	}
	if err := th.Clear(ctx, "ip"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := th.Blocked(ctx, "ip"); blocked {
		t.Fatal("expected unblocked after clear")
	}
}

func TestRedisThrottleFallsBack(t *testing.T) {
	ctx := context.Background()
	ts := newMemThrottleStore()
	th := NewRedisThrottle(failingCounter{}, NewDBThrottle(ts, 1, time.Minute), 1, time.Minute)

	if err := th.RecordFailure(ctx, "ip"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := ts.GetThrottle(ctx, "ip"); rec == nil {
		t.Fatal("fallback store should hold the failure")
	}
	if blocked, err := th.Blocked(ctx, "ip"); err != nil || !blocked {
		t.Fatalf("blocked = %v, err = %v", blocked, err)
	}
	if err := th.Clear(ctx, "ip"); err != nil {
		t.Fatalf("clear through fallback: %v", err)
	}
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newFixture(t)
	u := f.registerVerified(t, "gina@example.com", "gina")
	ctx := context.Background()

	if err := f.svc.ForgotPassword(ctx, "nobody"); err != ErrUserNotFound {
		t.Errorf("unknown user: got %v", err)
	}
	if err := f.svc.ForgotPassword(ctx, "gina"); err != nil {
		t.Fatal(err)
	}
	token := *f.store.get(u.ID).ResetToken
	if len(f.mailer.reset) != 1 || !strings.HasSuffix(f.mailer.reset[0], "/reset?token="+token) {
		t.Errorf("reset links = %v", f.mailer.reset)
	}

	if err := f.svc.ResetPassword(ctx, token, "weak"); err == nil {
		t.Error("weak password accepted")
	}
	if err := f.svc.ResetPassword(ctx, token, "NewSecret456"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ResetPassword(ctx, token, "NewSecret456"); err != ErrInvalidToken {
		t.Errorf("reused token: got %v", err)
	}

	if _, err := f.svc.Login(ctx, LoginRequest{LoginID: "gina", Password: "NewSecret456"}, "10.0.0.7"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestResetPasswordExpired(t *testing.T) {
	f := newFixture(t)
	u := f.registerVerified(t, "hal@example.com", "")
	ctx := context.Background()

	_ = f.svc.ForgotPassword(ctx, "hal@example.com")
	token := *f.store.get(u.ID).ResetToken

	f.svc.now = func() time.Time { return time.Now().UTC().Add(31 * time.Minute) }
	if err := f.svc.ResetPassword(ctx, token, "NewSecret456"); err != ErrInvalidToken {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	u := f.registerVerified(t, "ivy@example.com", "")

	me, err := f.svc.Me(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if me.User.Email != "ivy@example.com" || !me.Entitlement.Active {
		t.Errorf("unexpected me %+v", me)
	}
	if _, err := f.svc.Me(context.Background(), "missing"); err != ErrUserNotFound {
		t.Errorf("missing user: got %v", err)
	}
}

func TestSeedAdminUser(t *testing.T) {
	store := newMemUserStore()
	pm := NewPasswordManager(4, 8)
	ctx := context.Background()

	if err := SeedAdminUser(ctx, store, pm, AdminSeed{}); err != nil || len(store.users) != 0 {
		t.Fatalf("empty seed should be a no-op, err = %v", err)
	}

	seed := AdminSeed{Email: "Admin@Example.com", LoginID: "admin", Password: "Admin123!"}
	if err := SeedAdminUser(ctx, store, pm, seed); err != nil {
		t.Fatal(err)
	}
	admin, _ := store.GetUserByEmail(ctx, "admin@example.com")
	if admin == nil || !admin.IsAdmin() || !admin.EmailVerified {
		t.Fatalf("admin not seeded: %+v", admin)
	}

	// An existing user is promoted and gets the configured password
	_ = store.UpdateUserRole(ctx, admin.ID, database.RoleUser)
	seed.Password = "Changed123!"
	if err := SeedAdminUser(ctx, store, pm, seed); err != nil {
		t.Fatal(err)
	}
	admin = store.get(admin.ID)
	if !admin.IsAdmin() || !pm.VerifyPassword("Changed123!", admin.PasswordHash) {
		t.Errorf("admin not updated: %+v", admin)
	}
}

// ============================================================================
// HTTP
// ============================================================================

func TestHandlersLoginStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.registerVerified(t, "jo@example.com", "jo")

	router := gin.New()
	NewHandlers(f.svc).RegisterRoutes(router.Group("/auth"))

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := do(`{"login_id":"jo","password":"Secret123"}`); w.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", w.Code, w.Body.String())
	}
	if w := do(`{"login_id":"jo"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing password status = %d", w.Code)
	}
	for i := 0; i < 5; i++ {
		if w := do(`{"login_id":"jo","password":"Nope12345"}`); w.Code != http.StatusUnauthorized {
			t.Fatalf("bad password status = %d", w.Code)
		}
	}
	w := do(`{"login_id":"jo","password":"Secret123"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "600" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jm := NewJWTManager("secret", time.Hour)
	token, _ := jm.GenerateAccessToken(UserClaims{UserID: "u1", Role: "user"})
	adminToken, _ := jm.GenerateAccessToken(UserClaims{UserID: "a1", Role: "admin", IsAdmin: true})

	router := gin.New()
	router.GET("/me", Middleware(jm), func(c *gin.Context) { c.String(http.StatusOK, GetUserID(c)) })
	router.GET("/admin", Middleware(jm), RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/me", "", http.StatusUnauthorized},
		{"bearer", "/me", "Bearer " + token, http.StatusOK},
		{"query token", "/me?access_token=" + token, "", http.StatusOK},
		{"malformed", "/me", "Token " + token, http.StatusUnauthorized},
		{"non admin", "/admin", "Bearer " + token, http.StatusForbidden},
		{"admin", "/admin", "Bearer " + adminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
