package admin

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "admin_handler").Logger()}
}

// RegisterRoutes mounts the login route and the account management routes.
// limiter throttles password attempts per client. Managing accounts is
// reserved to super-admins.
func (h *Handler) RegisterRoutes(api *echo.Group, authn, limiter echo.MiddlewareFunc) {
	api.POST("/auth/login", h.Login, limiter)

	g := api.Group("/admins", authn, auth.RequireRole(auth.RoleSuperAdmin))
	g.POST("", h.CreateAdmin)
	g.GET("", h.ListAdmins)
}

type loginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Admin *Admin `json:"admin"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	token, a, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		h.logger.Warn().Str("email", NormalizeEmail(req.Email)).Str("remote_ip", c.RealIP()).Msg("login failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, auth.ErrNoSigningKey):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Login is not configured").SetInternal(err)
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "Server error").SetInternal(err)
	}

	return c.JSON(http.StatusOK, loginResponse{Token: token, Admin: a})
}

func (h *Handler) CreateAdmin(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	actor := auth.UserIDFromContext(c.Request().Context())
	a, err := h.svc.CreateAdmin(c.Request().Context(), actor, in)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, "An admin with this email already exists")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "Server error").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAdmins(c echo.Context) error {
	admins, err := h.svc.ListAdmins(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, admins)
}
