package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinic/clinic/internal/platform/auth"
)

const minPasswordLength = 8

type Service struct {
	repo   Repository
	jwt    auth.JWTConfig
	cost   int
	logger zerolog.Logger
}

func NewService(repo Repository, jwt auth.JWTConfig, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		jwt:    jwt,
		cost:   bcrypt.DefaultCost,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// EnsureSuperAdmin creates the super-admin account unless one already
// exists. It reports whether an account was created.
func (s *Service) EnsureSuperAdmin(ctx context.Context, name, email, password string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return false, fmt.Errorf("super-admin email %q is not valid", email)
	}
	if len(password) < minPasswordLength {
		return false, fmt.Errorf("super-admin password must be at least %d characters", minPasswordLength)
	}

	n, err := s.repo.CountByRole(ctx, auth.RoleSuperAdmin)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	if strings.TrimSpace(name) == "" {
		name = "Super Admin"
	}

	a, err := s.create(ctx, name, email, password, auth.RoleSuperAdmin)
	if err != nil {
		// A concurrent start may have won the race.
		if errors.Is(err, ErrEmailTaken) {
			return false, nil
		}
		return false, err
	}

	s.logger.Info().Str("admin_id", a.ID.String()).Str("email", a.Email).Msg("super-admin account created")
	return true, nil
}

// CreateInput is a request to add an account. Role defaults to admin.
type CreateInput struct {
	Name     string `json:"name" form:"name"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Role     string `json:"role" form:"role"`
}

// CreateAdmin adds an account on behalf of a super-admin. Invalid input is
// reported as *ValidationError and a used email as ErrEmailTaken.
func (s *Service) CreateAdmin(ctx context.Context, actorID string, in CreateInput) (*Admin, error) {
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = auth.RoleAdmin
	}

	switch {
	case name == "":
		return nil, &ValidationError{Field: "name", Message: "is required"}
	case email == "" || !strings.Contains(email, "@"):
		return nil, &ValidationError{Field: "email", Message: "must be a valid email address"}
	case len(in.Password) < minPasswordLength:
		return nil, &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	case role != auth.RoleAdmin && role != auth.RoleSuperAdmin:
		return nil, &ValidationError{Field: "role", Message: "must be admin or superadmin"}
	}

	a, err := s.create(ctx, name, email, in.Password, role)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("admin_id", a.ID.String()).
		Str("role", a.Role).
		Str("created_by", actorID).
		Msg("admin account created")
	return a, nil
}

func (s *Service) ListAdmins(ctx context.Context) ([]*Admin, error) {
	return s.repo.List(ctx)
}

func (s *Service) create(ctx context.Context, name, email, password, role string) (*Admin, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a := &Admin{Name: strings.TrimSpace(name), Email: email, PasswordHash: string(hash), Role: role}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Login checks the credentials and issues a session token whose subject is
// the admin id.
func (s *Service) Login(ctx context.Context, email, password string) (string, *Admin, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	a, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := auth.IssueToken(s.jwt, a.ID.String(), []string{a.Role}, auth.DefaultTokenTTL)
	if err != nil {
		return "", nil, err
	}
	return token, a, nil
}
