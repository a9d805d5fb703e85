package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

const patientsPrefix = "/api/patients"

// AuditEntry records one access to patient data.
type AuditEntry struct {
	AdminID    string
	Roles      []string
	PatientID  string
	Action     string // read, create, update, delete, search, public-read
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/patients with the acting admin and
// the patient id touched. Public photo and profile reads are logged with an
// empty admin id and the public-read action.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			// Route-level auth replaces the request, so the identity is only
			// visible on the request as it is after next returns.
			ctx := c.Request().Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: auditStatus(c, err),
				AdminID:    auth.UserIDFromContext(ctx),
				Roles:      auth.RolesFromContext(ctx),
				PatientID:  extractPatientID(path),
				Action:     auditAction(req.Method, path),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "patient_audit").
				Str("request_id", entry.RequestID).
				Str("admin_id", entry.AdminID).
				Strs("roles", entry.Roles).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_access")

			return err
		}
	}
}

// auditStatus returns the status the client will see. Errors are rendered
// by the error handler after the middleware chain unwinds.
func auditStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return http.StatusInternalServerError
}

func isAuditablePath(path string) bool {
	return path == patientsPrefix || strings.HasPrefix(path, patientsPrefix+"/")
}

func auditAction(method, path string) string {
	if strings.HasSuffix(path, "/photo") || strings.HasSuffix(path, "/public") {
		return "public-read"
	}
	if strings.HasPrefix(path, patientsPrefix+"/search") {
		return "search"
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractPatientID returns the id segment of /api/patients/<id>[/...] when
// it parses as a UUID.
func extractPatientID(path string) string {
	rest := strings.TrimPrefix(path, patientsPrefix+"/")
	if rest == path {
		return ""
	}
	seg, _, _ := strings.Cut(rest, "/")
	if _, err := uuid.Parse(seg); err != nil {
		return ""
	}
	return seg
}
