// Package attachment holds the binary payloads stored on patient records
// (photos and documents) and converts them to inline data URLs for JSON
// responses. It also reads multipart file parts with a hard per-file size
// limit so that oversized uploads are rejected while streaming.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrMissingContentType = errors.New("file content type is required")
)

// DefaultMaxFileSize is the per-file upload limit (5 MB).
const DefaultMaxFileSize = 5 * 1024 * 1024

// Attachment is a binary payload paired with its declared MIME type.
type Attachment struct {
	Data        []byte `json:"data" bson:"data"`
	ContentType string `json:"contentType" bson:"contentType"`
}

// Valid reports whether both the payload and the content type are present.
func (a *Attachment) Valid() bool {
	return a != nil && len(a.Data) > 0 && a.ContentType != ""
}

// Encoded is the response form of an Attachment.
type Encoded struct {
	Data        string `json:"data"`
	ContentType string `json:"contentType"`
}

// Encode returns a data URL of the form "data:<type>;base64,<payload>".
// The second return value is false when either part is missing, in which
// case the caller should omit the attachment rather than emit a broken URL.
func Encode(data []byte, contentType string) (string, bool) {
	contentType = strings.TrimSpace(contentType)
	if len(data) == 0 || contentType == "" {
		return "", false
	}
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(contentType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(contentType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String(), true
}

// EncodeAttachment is Encode for an Attachment value.
func EncodeAttachment(a *Attachment) (Encoded, bool) {
	if a == nil {
		return Encoded{}, false
	}
	url, ok := Encode(a.Data, a.ContentType)
	if !ok {
		return Encoded{}, false
	}
	return Encoded{Data: url, ContentType: strings.TrimSpace(a.ContentType)}, true
}

// EncodeAll encodes a list of attachments, dropping malformed entries.
func EncodeAll(list []Attachment) []Encoded {
	out := make([]Encoded, 0, len(list))
	for i := range list {
		if enc, ok := EncodeAttachment(&list[i]); ok {
			out = append(out, enc)
		}
	}
	return out
}

// Read buffers r into an Attachment, failing with ErrFileTooLarge as soon
// as more than limit bytes have been read. A limit <= 0 means
// DefaultMaxFileSize.
func Read(r io.Reader, contentType string, limit int64) (*Attachment, error) {
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return nil, ErrMissingContentType
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrFileTooLarge, limit)
	}
	return &Attachment{Data: buf.Bytes(), ContentType: contentType}, nil
}
