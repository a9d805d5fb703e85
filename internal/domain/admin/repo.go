package admin

import (
	"context"
)

// Repository persists admin accounts. Emails are stored normalized and are
// unique.
type Repository interface {
	Create(ctx context.Context, a *Admin) error
	GetByEmail(ctx context.Context, email string) (*Admin, error)
	CountByRole(ctx context.Context, role string) (int64, error)
	// List returns every account, oldest first.
	List(ctx context.Context) ([]*Admin, error)
}
