package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/attachment"
)

const (
	photoField    = "photo"
	documentField = "documentFile"

	maxFieldSize = 64 << 10
)

// FormLimits bounds the files accepted on create and update.
type FormLimits struct {
	MaxFileSize  int64
	MaxDocuments int
}

func DefaultFormLimits() FormLimits {
	return FormLimits{MaxFileSize: attachment.DefaultMaxFileSize, MaxDocuments: 10}
}

// readRequest decodes the field set and uploaded files of a create or
// update request. Multipart bodies are streamed part by part so an
// oversized file is rejected before it is fully buffered.
func readRequest(c echo.Context, limits FormLimits) (PatientInput, Uploads, error) {
	req := c.Request()
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))

	switch mediaType {
	case echo.MIMEMultipartForm:
		return readMultipart(req, limits)
	case echo.MIMEApplicationForm:
		if err := req.ParseForm(); err != nil {
			return PatientInput{}, Uploads{}, invalid("", "invalid form body")
		}
		in, err := decodeFormValues(req.PostForm)
		return in, Uploads{}, err
	default:
		if req.Body == nil || req.Body == http.NoBody {
			return PatientInput{}, Uploads{}, nil
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return PatientInput{}, Uploads{}, err
		}
		in, err := DecodeInput(body)
		return in, Uploads{}, err
	}
}

func readMultipart(req *http.Request, limits FormLimits) (PatientInput, Uploads, error) {
	var up Uploads
	mr, err := req.MultipartReader()
	if err != nil {
		return PatientInput{}, up, invalid("", "invalid multipart body")
	}

	values := url.Values{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PatientInput{}, up, multipartErr(err)
		}

		name := part.FormName()
		if part.FileName() == "" {
			v, err := readField(part)
			part.Close()
			if err != nil {
				return PatientInput{}, up, err
			}
			values.Add(name, v)
			continue
		}

		err = readFile(part, name, limits, &up)
		part.Close()
		if err != nil {
			return PatientInput{}, up, err
		}
	}

	in, err := decodeFormValues(values)
	return in, up, err
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return "", multipartErr(err)
	}
	if len(b) > maxFieldSize {
		return "", invalid(part.FormName(), "value is too long")
	}
	return string(b), nil
}

func readFile(part *multipart.Part, name string, limits FormLimits, up *Uploads) error {
	switch name {
	case photoField:
		if up.Photo != nil {
			return invalid(photoField, "only one photo may be uploaded")
		}
	case documentField:
		if limits.MaxDocuments > 0 && len(up.Documents) >= limits.MaxDocuments {
			return invalid(documentField, fmt.Sprintf("at most %d documents may be uploaded", limits.MaxDocuments))
		}
	default:
		_, err := io.Copy(io.Discard, part)
		return multipartErr(err)
	}

	ct := part.Header.Get(echo.HeaderContentType)
	if ct == "" {
		ct = "application/octet-stream"
	}
	a, err := attachment.Read(part, ct, limits.MaxFileSize)
	if err != nil {
		if errors.Is(err, attachment.ErrFileTooLarge) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return multipartErr(err)
	}
	// Browsers send an empty part for an untouched file input.
	if len(a.Data) == 0 {
		return nil
	}

	if name == photoField {
		up.Photo = a
	} else {
		up.Documents = append(up.Documents, *a)
	}
	return nil
}

// multipartErr keeps HTTP errors raised by the body limit intact and turns
// everything else into a client error.
func multipartErr(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return invalid("", "invalid multipart body")
}

// decodeFormValues turns flat form fields into a PatientInput. Nested
// triples may be sent as "hemoglobin[value]", "hemoglobin.value" or as a
// JSON object in "hemoglobin". Empty values count as omitted. A field sent
// under two spellings is rejected.
func decodeFormValues(values url.Values) (PatientInput, error) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tree := map[string]interface{}{}
	for _, key := range keys {
		vs := values[key]
		if len(vs) == 0 {
			continue
		}
		v := strings.TrimSpace(vs[len(vs)-1])
		if v == "" {
			continue
		}

		path := splitFieldKey(key)
		var leaf interface{} = v
		if len(path) == 1 && strings.HasPrefix(v, "{") && json.Valid([]byte(v)) {
			leaf = json.RawMessage(v)
		}
		if err := setPath(tree, path, leaf); err != nil {
			return PatientInput{}, invalid(key, err.Error())
		}
	}

	b, err := json.Marshal(tree)
	if err != nil {
		return PatientInput{}, invalid("", "invalid form body")
	}
	return DecodeInput(b)
}

// splitFieldKey splits "a[b][c]" and "a.b.c" into ["a","b","c"].
func splitFieldKey(key string) []string {
	key = strings.ReplaceAll(key, "]", "")
	key = strings.ReplaceAll(key, "[", ".")
	var out []string
	for _, seg := range strings.Split(key, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func setPath(tree map[string]interface{}, path []string, leaf interface{}) error {
	if len(path) == 0 {
		return errors.New("empty field name")
	}
	node := tree
	for _, seg := range path[:len(path)-1] {
		next, ok := node[seg]
		if !ok {
			child := map[string]interface{}{}
			node[seg] = child
			node = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return errors.New("conflicts with another field")
		}
		node = child
	}
	last := path[len(path)-1]
	if _, exists := node[last]; exists {
		return errors.New("conflicts with another field")
	}
	node[last] = leaf
	return nil
}
