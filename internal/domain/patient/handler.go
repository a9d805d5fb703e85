package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/attachment"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/qrlink"
)

type Handler struct {
	svc    *Service
	limits FormLimits
	logger zerolog.Logger
}

func NewHandler(svc *Service, limits FormLimits, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, limits: limits, logger: logger.With().Str("component", "patient_handler").Logger()}
}

// RegisterRoutes mounts the patient routes on api. authn authenticates the
// caller; photo and public profile reads are open to everyone.
func (h *Handler) RegisterRoutes(api *echo.Group, authn echo.MiddlewareFunc) {
	g := api.Group("/patients")
	admin := []echo.MiddlewareFunc{authn, auth.RequireRole(auth.RoleAdmin)}

	g.POST("", h.CreatePatient, admin...)
	g.GET("", h.ListPatients, admin...)
	g.GET("/search", h.SearchPatients, admin...)
	g.GET("/:id", h.GetPatient, admin...)
	g.PUT("/:id", h.UpdatePatient, admin...)
	g.DELETE("/:id", h.DeletePatient, admin...)
	g.GET("/:id/qr-code", h.GetQRCode, admin...)

	g.GET("/:id/photo", h.GetPhoto)
	g.GET("/:id/public", h.GetPublicPatient)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	adminID := auth.UserIDFromContext(c.Request().Context())
	if adminID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized")
	}

	in, up, err := readRequest(c, h.limits)
	if err != nil {
		return h.fail(c, err, "Invalid patient data")
	}
	v, err := h.svc.CreatePatient(c.Request().Context(), adminID, in, up)
	if err != nil {
		return h.fail(c, err, "Invalid patient data")
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListPatients(c echo.Context) error {
	list, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "Error retrieving patients")
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	f := SearchFilters{
		Name:     c.QueryParam("name"),
		City:     c.QueryParam("city"),
		District: c.QueryParam("district"),
		State:    c.QueryParam("state"),
		Country:  c.QueryParam("country"),
	}
	list, err := h.svc.SearchPatients(c.Request().Context(), f)
	if err != nil {
		return h.fail(c, err, "Error fetching patients")
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return notFound("Patient not found")
	}
	v, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err, "Server error")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return notFound("Patient not found")
	}
	if auth.UserIDFromContext(c.Request().Context()) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized")
	}

	in, up, err := readRequest(c, h.limits)
	if err != nil {
		return h.fail(c, err, "Error updating patient")
	}
	v, err := h.svc.UpdatePatient(c.Request().Context(), id, in, up)
	if err != nil {
		return h.fail(c, err, "Error updating patient")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return notFound("Patient not found")
	}
	if err := h.svc.DeletePatient(c.Request().Context(), id); err != nil {
		return h.fail(c, err, "Error deleting patient")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Patient removed"})
}

func (h *Handler) GetPhoto(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return notFound("Image not found")
	}
	photo, err := h.svc.GetPhoto(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return notFound("Image not found")
	}
	if err != nil {
		return h.fail(c, err, "Error fetching image")
	}
	return c.Blob(http.StatusOK, photo.ContentType, photo.Data)
}

func (h *Handler) GetPublicPatient(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return notFound("Patient not found")
	}
	v, err := h.svc.GetPublicPatient(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err, "Error fetching patient details")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetQRCode(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return notFound("Patient not found")
	}
	qr, err := h.svc.GetQRCode(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err, "Error generating QR code")
	}
	return c.JSON(http.StatusOK, map[string]string{"qrCode": qr})
}

// Ids that do not parse cannot name a stored record.
func parseID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}

func notFound(msg string) error {
	return echo.NewHTTPError(http.StatusNotFound, msg)
}

// fail maps a service error to an HTTP error. Client errors carry their
// own message; server errors are logged and answered with generic, which
// names the operation without exposing the cause.
func (h *Handler) fail(c echo.Context, err error, generic string) error {
	var (
		ve *ValidationError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return notFound("Patient not found")
	case errors.Is(err, attachment.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "File too large").SetInternal(err)
	}

	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).
		Str("request_id", rid).
		Str("patient_id", c.Param("id")).
		Str("route", c.Path()).
		Msg(generic)

	if errors.Is(err, qrlink.ErrGeneration) && c.Request().Method != http.MethodGet {
		return echo.NewHTTPError(http.StatusInternalServerError, "QR code generation failed").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, generic).SetInternal(err)
}
