package admin

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinic/clinic/internal/platform/auth"
)

// -- Mock Repository --

type mockAdminRepo struct {
	store    map[string]*Admin
	order    []string
	countErr error
	listErr  error
}

func newMockAdminRepo() *mockAdminRepo {
	return &mockAdminRepo{store: make(map[string]*Admin)}
}

func (m *mockAdminRepo) Create(_ context.Context, a *Admin) error {
	a.Email = NormalizeEmail(a.Email)
	if _, ok := m.store[a.Email]; ok {
		return ErrEmailTaken
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	cp := *a
	m.store[a.Email] = &cp
	m.order = append(m.order, a.Email)
	return nil
}

func (m *mockAdminRepo) GetByEmail(_ context.Context, email string) (*Admin, error) {
	a, ok := m.store[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAdminRepo) CountByRole(_ context.Context, role string) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	var n int64
	for _, a := range m.store {
		if a.Role == role {
			n++
		}
	}
	return n, nil
}

func (m *mockAdminRepo) List(_ context.Context) ([]*Admin, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := []*Admin{}
	for _, email := range m.order {
		cp := *m.store[email]
		out = append(out, &cp)
	}
	return out, nil
}

var testJWT = auth.JWTConfig{SigningKey: []byte("admin-service-test-signing-key"), Issuer: "clinic"}

func newTestService() (*Service, *mockAdminRepo) {
	repo := newMockAdminRepo()
	svc := NewService(repo, testJWT, zerolog.New(io.Discard))
	svc.cost = bcrypt.MinCost
	return svc, repo
}

func TestEnsureSuperAdmin_Idempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	created, err := svc.EnsureSuperAdmin(ctx, "Clinic Owner", "Owner@Clinic.Example", "correct horse")
	if err != nil {
		t.Fatalf("EnsureSuperAdmin: %v", err)
	}
	if !created {
		t.Fatal("expected account to be created")
	}

	created, err = svc.EnsureSuperAdmin(ctx, "Someone Else", "other@clinic.example", "another password")
	if err != nil {
		t.Fatalf("EnsureSuperAdmin: %v", err)
	}
	if created {
		t.Error("expected second call to be a no-op")
	}
	if len(repo.store) != 1 {
		t.Errorf("expected 1 admin, got %d", len(repo.store))
	}

	a := repo.store["owner@clinic.example"]
	if a == nil {
		t.Fatal("expected email to be stored normalized")
	}
	if a.Role != auth.RoleSuperAdmin {
		t.Errorf("expected superadmin role, got %q", a.Role)
	}
	if a.PasswordHash == "correct horse" || bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte("correct horse")) != nil {
		t.Error("expected a bcrypt hash of the password")
	}
}

func TestEnsureSuperAdmin_Invalid(t *testing.T) {
	svc, repo := newTestService()
	tests := []struct {
		name, email, password string
	}{
		{"missing email", "", "long enough"},
		{"malformed email", "owner.clinic", "long enough"},
		{"short password", "owner@clinic.example", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.EnsureSuperAdmin(context.Background(), "Owner", tt.email, tt.password); err == nil {
				t.Error("expected error")
			}
		})
	}
	if len(repo.store) != 0 {
		t.Error("expected nothing stored")
	}
}

func TestEnsureSuperAdmin_RepoError(t *testing.T) {
	svc, repo := newTestService()
	repo.countErr = errors.New("connection refused")
	if _, err := svc.EnsureSuperAdmin(context.Background(), "Owner", "owner@clinic.example", "long enough"); err == nil {
		t.Error("expected repository error")
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.EnsureSuperAdmin(ctx, "Owner", "owner@clinic.example", "correct horse"); err != nil {
		t.Fatalf("EnsureSuperAdmin: %v", err)
	}

	token, a, err := svc.Login(ctx, "  OWNER@clinic.example ", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := auth.ParseToken(testJWT, token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != a.ID.String() {
		t.Errorf("expected subject %s, got %s", a.ID, claims.Subject)
	}
	if !auth.HasRole(claims.Roles, auth.RoleAdmin) {
		t.Errorf("expected token to satisfy admin role, got %v", claims.Roles)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl < 29*24*time.Hour {
		t.Errorf("expected a 30 day token, expires in %s", ttl)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.EnsureSuperAdmin(ctx, "Owner", "owner@clinic.example", "correct horse"); err != nil {
		t.Fatalf("EnsureSuperAdmin: %v", err)
	}

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "owner@clinic.example", "battery staple"},
		{"unknown email", "nobody@clinic.example", "correct horse"},
		{"empty password", "owner@clinic.example", ""},
		{"empty email", "", "correct horse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.Login(ctx, tt.email, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestLogin_NoSigningKey(t *testing.T) {
	repo := newMockAdminRepo()
	svc := NewService(repo, auth.JWTConfig{}, zerolog.New(io.Discard))
	svc.cost = bcrypt.MinCost
	if _, err := svc.EnsureSuperAdmin(context.Background(), "Owner", "owner@clinic.example", "correct horse"); err != nil {
		t.Fatalf("EnsureSuperAdmin: %v", err)
	}

	if _, _, err := svc.Login(context.Background(), "owner@clinic.example", "correct horse"); !errors.Is(err, auth.ErrNoSigningKey) {
		t.Errorf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestCreateAdmin(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	a, err := svc.CreateAdmin(ctx, "owner-1", CreateInput{
		Name:     " Front Desk ",
		Email:    "Desk@Clinic.Example",
		Password: "desk password",
	})
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if a.Role != auth.RoleAdmin {
		t.Errorf("expected default admin role, got %q", a.Role)
	}
	if a.Name != "Front Desk" || a.Email != "desk@clinic.example" {
		t.Errorf("unexpected account %+v", a)
	}
	if bcrypt.CompareHashAndPassword([]byte(repo.store["desk@clinic.example"].PasswordHash), []byte("desk password")) != nil {
		t.Error("expected a bcrypt hash of the password")
	}

	if _, _, err := svc.Login(ctx, "desk@clinic.example", "desk password"); err != nil {
		t.Errorf("expected new admin to log in, got %v", err)
	}
}

func TestCreateAdmin_Invalid(t *testing.T) {
	svc, repo := newTestService()
	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing name", CreateInput{Email: "a@clinic.example", Password: "long enough"}, "name"},
		{"bad email", CreateInput{Name: "A", Email: "a.clinic", Password: "long enough"}, "email"},
		{"short password", CreateInput{Name: "A", Email: "a@clinic.example", Password: "short"}, "password"},
		{"unknown role", CreateInput{Name: "A", Email: "a@clinic.example", Password: "long enough", Role: "viewer"}, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAdmin(context.Background(), "owner-1", tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, verr.Field)
			}
		})
	}
	if len(repo.store) != 0 {
		t.Error("expected nothing stored")
	}
}

func TestCreateAdmin_EmailTaken(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	in := CreateInput{Name: "Desk", Email: "desk@clinic.example", Password: "desk password"}
	if _, err := svc.CreateAdmin(ctx, "owner-1", in); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	in.Email = "DESK@clinic.example"
	if _, err := svc.CreateAdmin(ctx, "owner-1", in); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
}

func TestListAdmins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.EnsureSuperAdmin(ctx, "Owner", "owner@clinic.example", "correct horse"); err != nil {
		t.Fatalf("EnsureSuperAdmin: %v", err)
	}
	if _, err := svc.CreateAdmin(ctx, "owner-1", CreateInput{Name: "Desk", Email: "desk@clinic.example", Password: "desk password"}); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	list, err := svc.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("ListAdmins: %v", err)
	}
	if len(list) != 2 || list[0].Role != auth.RoleSuperAdmin || list[1].Email != "desk@clinic.example" {
		t.Errorf("unexpected list %+v", list)
	}
}
