// Package qrlink builds the frontend links printed on patient QR codes and
// rasterizes them into embeddable PNG data URLs.
package qrlink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/clinic/clinic/internal/platform/attachment"
)

// ErrGeneration is wrapped by every failure of Generator.Generate.
var ErrGeneration = errors.New("qr code generation failed")

const (
	// DefaultSize is the edge length of the rendered PNG in pixels.
	DefaultSize = 256
	// DefaultLevel is the error correction level used for all codes.
	DefaultLevel = qrcode.Medium
)

// Generator renders URLs as QR code PNGs. The zero value is not usable;
// call NewGenerator.
type Generator struct {
	size  int
	level qrcode.RecoveryLevel
}

func NewGenerator() *Generator {
	return &Generator{size: DefaultSize, level: DefaultLevel}
}

// Generate validates rawURL and returns a "data:image/png;base64,..." string.
// The output is deterministic for a given URL.
func (g *Generator) Generate(ctx context.Context, rawURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if err := validateURL(rawURL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	png, err := qrcode.Encode(rawURL, g.level, g.size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	dataURL, ok := attachment.Encode(png, "image/png")
	if !ok {
		return "", fmt.Errorf("%w: empty image", ErrGeneration)
	}
	return dataURL, nil
}

func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("empty url")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

// Links derives the frontend URLs that QR codes point at.
type Links struct {
	// ClientOrigin prefixes the link printed when a record is created.
	ClientOrigin string
	// FrontendURL prefixes the admin link (on update) and the public link.
	FrontendURL string
}

// Record is the detail-page link encoded at creation time.
func (l Links) Record(id string) string {
	return join(l.ClientOrigin, "patients", id)
}

// Admin is the administrator detail-page link encoded on every update.
func (l Links) Admin(id string) string {
	return join(l.FrontendURL, "admin/patients", id)
}

// Public is the unauthenticated detail-page link served by the qr-code endpoint.
func (l Links) Public(id string) string {
	return join(l.FrontendURL, "public-patient", id)
}

func join(base, path, id string) string {
	return strings.TrimRight(base, "/") + "/" + path + "/" + url.PathEscape(id)
}
