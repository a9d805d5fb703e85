package patient

import (
	"context"

	"github.com/google/uuid"
)

// PatientRepository persists patient records. Create assigns the id and
// both timestamps; Update refreshes UpdatedAt. Lookups of unknown ids,
// and Update or Delete of them, return ErrNotFound. Other failures are
// returned as *StoreError.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	Search(ctx context.Context, f SearchFilters) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
}
