package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/attachment"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/qrlink"
)

// QRGenerator renders a URL as an embeddable image data URL.
type QRGenerator interface {
	Generate(ctx context.Context, url string) (string, error)
}

type Service struct {
	repo   PatientRepository
	qr     QRGenerator
	links  qrlink.Links
	events events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo PatientRepository, qr QRGenerator, links qrlink.Links, pub events.Publisher, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		repo:   repo,
		qr:     qr,
		links:  links,
		events: pub,
		logger: logger.With().Str("component", "patient").Logger(),
		now:    time.Now,
	}
}

// CreatePatient stores a new record owned by adminID and attaches a QR
// code linking to it. If the QR code cannot be generated the record is
// removed again and an error wrapping qrlink.ErrGeneration is returned.
func (s *Service) CreatePatient(ctx context.Context, adminID string, in PatientInput, up Uploads) (*View, error) {
	if adminID == "" {
		return nil, invalid("admin", "is required")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := up.validate(); err != nil {
		return nil, err
	}

	p := &Patient{AdminID: adminID}
	in.applyTo(p)
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.Photo = up.Photo
	p.Documents = DocumentSet(up.Documents)

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	qr, err := s.generateQR(ctx, s.links.Record(p.ID.String()))
	if err == nil {
		p.QRCode = qr
		err = s.repo.Update(ctx, p)
	}
	if err != nil {
		s.rollback(ctx, p.ID, err)
		return nil, fmt.Errorf("create patient: %w", err)
	}

	s.publish(ctx, events.PatientCreated, p.ID)
	return p.View(), nil
}

func (s *Service) rollback(ctx context.Context, id uuid.UUID, cause error) {
	log := s.logger.Error().Err(cause).Str("patient_id", id.String())
	if err := s.repo.Delete(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, ErrNotFound) {
		log = log.AnErr("rollback_error", err)
	}
	log.Msg("create failed after insert, record removed")
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*View, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.View(), nil
}

func (s *Service) ListPatients(ctx context.Context) ([]*View, error) {
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return views(list), nil
}

func (s *Service) SearchPatients(ctx context.Context, f SearchFilters) ([]*View, error) {
	list, err := s.repo.Search(ctx, f)
	if err != nil {
		return nil, err
	}
	return views(list), nil
}

func views(list []*Patient) []*View {
	out := make([]*View, 0, len(list))
	for _, p := range list {
		out = append(out, p.View())
	}
	return out
}

// UpdatePatient applies the provided fields, replaces the photo and the
// document list when new ones are uploaded, and regenerates the QR code
// from the admin link on every call.
func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, in PatientInput, up Uploads) (*View, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := up.validate(); err != nil {
		return nil, err
	}

	in.applyTo(p)
	if err := p.validate(); err != nil {
		return nil, err
	}
	if up.Photo != nil {
		p.Photo = up.Photo
	}
	if len(up.Documents) > 0 {
		p.Documents = DocumentSet(up.Documents)
	}

	qr, err := s.generateQR(ctx, s.links.Admin(p.ID.String()))
	if err != nil {
		return nil, fmt.Errorf("update patient %s: %w", id, err)
	}
	p.QRCode = qr

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}

	s.publish(ctx, events.PatientUpdated, p.ID)
	return p.View(), nil
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.PatientDeleted, id)
	return nil
}

// GetPhoto returns the stored photo bytes unchanged. A record without a
// valid photo yields ErrNotFound.
func (s *Service) GetPhoto(ctx context.Context, id uuid.UUID) (*attachment.Attachment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Photo.Valid() {
		return nil, ErrNotFound
	}
	return p.Photo, nil
}

func (s *Service) GetPublicPatient(ctx context.Context, id uuid.UUID) (*PublicView, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.PublicView(), nil
}

// GetQRCode renders a QR code for the public profile link. Nothing is
// stored.
func (s *Service) GetQRCode(ctx context.Context, id uuid.UUID) (string, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return "", err
	}
	return s.generateQR(ctx, s.links.Public(id.String()))
}

// generateQR guarantees that every generator failure matches
// qrlink.ErrGeneration.
func (s *Service) generateQR(ctx context.Context, url string) (string, error) {
	qr, err := s.qr.Generate(ctx, url)
	if err != nil {
		if errors.Is(err, qrlink.ErrGeneration) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", qrlink.ErrGeneration, err)
	}
	if qr == "" {
		return "", fmt.Errorf("%w: empty image", qrlink.ErrGeneration)
	}
	return qr, nil
}

// publish logs delivery failures and carries on.
func (s *Service) publish(ctx context.Context, typ string, id uuid.UUID) {
	evt := events.Event{
		Type:       typ,
		PatientID:  id.String(),
		ActorID:    auth.UserIDFromContext(ctx),
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn().Err(err).Str("type", typ).Str("patient_id", evt.PatientID).Msg("failed to publish event")
	}
}

func (up Uploads) validate() error {
	if up.Photo != nil && !up.Photo.Valid() {
		return invalid("photo", "file is empty or has no content type")
	}
	for _, d := range up.Documents {
		if !d.Valid() {
			return invalid("documentFile", "file is empty or has no content type")
		}
	}
	return nil
}
