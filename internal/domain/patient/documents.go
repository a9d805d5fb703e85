package patient

import (
	"bytes"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/clinic/clinic/internal/platform/attachment"
)

// DocumentSet is the list of documents on a record. Older records store a
// single document object instead of a list; both decoders accept null, a
// single object or a list and drop entries missing data or content type.
type DocumentSet []attachment.Attachment

func (d *DocumentSet) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}

	switch t {
	case bsontype.EmbeddedDocument:
		*d = keepValid(nil, raw)
	case bsontype.Array:
		var items []bson.RawValue
		if err := raw.Unmarshal(&items); err != nil {
			*d = nil
			return nil
		}
		var out DocumentSet
		for _, item := range items {
			out = keepValid(out, item)
		}
		*d = out
	default:
		*d = nil
	}
	return nil
}

func keepValid(out DocumentSet, raw bson.RawValue) DocumentSet {
	if raw.Type != bsontype.EmbeddedDocument {
		return out
	}
	var a attachment.Attachment
	if err := raw.Unmarshal(&a); err != nil || !a.Valid() {
		return out
	}
	return append(out, a)
}

func (d *DocumentSet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		*d = nil
		return nil
	}

	switch b[0] {
	case '{':
		*d = keepValidJSON(nil, b)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			*d = nil
			return nil
		}
		var out DocumentSet
		for _, item := range items {
			out = keepValidJSON(out, item)
		}
		*d = out
	default:
		*d = nil
	}
	return nil
}

func keepValidJSON(out DocumentSet, raw []byte) DocumentSet {
	var a attachment.Attachment
	if err := json.Unmarshal(raw, &a); err != nil || !a.Valid() {
		return out
	}
	return append(out, a)
}
