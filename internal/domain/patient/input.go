package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PatientInput is the field set of a create or update request. A nil field
// was omitted (or sent as null) and leaves the stored value unchanged.
// Unknown keys such as admin, qrCode or _id are ignored.
type PatientInput struct {
	Name         *string  `json:"name"`
	Age          *flexInt `json:"age"`
	Mobile       *flexStr `json:"mobile"`
	AddressLine1 *string  `json:"addressLine1"`
	Address      *string  `json:"address"`
	Pincode      *flexStr `json:"pincode"`
	District     *string  `json:"district"`
	City         *string  `json:"city"`
	State        *string  `json:"state"`
	Country      *string  `json:"country"`
	Gender       *string  `json:"gender"`
	DateOfBirth  *Date    `json:"dateOfBirth"`
	NationalID   *flexStr `json:"aadharNumber"`

	Clinical

	// Names used by older clients.
	BloodCBC  *Measurement `json:"bloodCbc,omitempty"`
	UrineTest *Measurement `json:"urineTest,omitempty"`
	TSHTest   *Measurement `json:"tshTest,omitempty"`
}

// Date accepts "2006-01-02" or an RFC 3339 timestamp.
type Date struct {
	time.Time
}

func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return Date{t}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t.UTC()}, nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("dateOfBirth must be a string")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// flexInt accepts a JSON number or a numeric string, since form fields
// always arrive as strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("expected a whole number, got %s", b)
	}
	*n = flexInt(v)
	return nil
}

// flexStr accepts a JSON string or number. Phone, pincode and national id
// are numbers in older clients.
type flexStr string

func (s *flexStr) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexStr(v)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected a string or number, got %s", b)
	}
	*s = flexStr(num.String())
	return nil
}

// DecodeInput parses a JSON field set. Type mismatches are reported as a
// ValidationError naming the offending field.
func DecodeInput(b []byte) (PatientInput, error) {
	var in PatientInput
	if len(bytes.TrimSpace(b)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(b, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return in, invalid(typeErr.Field, "has the wrong type")
		}
		return in, invalid("", "invalid patient data: "+err.Error())
	}
	return in, nil
}

// normalize resolves legacy aliases, treats empty triples as omitted and
// rejects partial ones.
func (in *PatientInput) normalize() error {
	aliases := []struct {
		from **Measurement
		to   **Measurement
	}{
		{&in.BloodCBC, &in.CBC},
		{&in.UrineTest, &in.Urinalysis},
		{&in.TSHTest, &in.TSH},
	}
	for _, a := range aliases {
		if *a.to == nil && *a.from != nil {
			*a.to = *a.from
		}
		*a.from = nil
	}

	for _, m := range in.measurements() {
		if (*m.ptr).isEmpty() {
			*m.ptr = nil
			continue
		}
		if !(*m.ptr).isComplete() {
			return invalid(m.name, "value, unit and range are all required")
		}
		trimmed := Measurement{
			Value: strings.TrimSpace((*m.ptr).Value),
			Unit:  strings.TrimSpace((*m.ptr).Unit),
			Range: strings.TrimSpace((*m.ptr).Range),
		}
		*m.ptr = &trimmed
	}
	if h := in.MedicalHistory; h != nil && h.PreviousCondition == nil && h.Vaccination == nil && h.CurrentMedication == nil {
		in.MedicalHistory = nil
	}
	return nil
}

// applyTo copies every provided field onto p.
func (in *PatientInput) applyTo(p *Patient) {
	setStr(&p.Name, in.Name)
	setStr(&p.AddressLine1, in.AddressLine1)
	setStr(&p.Address, in.Address)
	setStr(&p.District, in.District)
	setStr(&p.City, in.City)
	setStr(&p.State, in.State)
	setStr(&p.Country, in.Country)
	setStr(&p.Gender, in.Gender)
	setFlex(&p.Mobile, in.Mobile)
	setFlex(&p.Pincode, in.Pincode)
	setFlex(&p.NationalID, in.NationalID)
	if in.Age != nil {
		p.Age = int(*in.Age)
	}
	if in.DateOfBirth != nil {
		p.DateOfBirth = in.DateOfBirth.Time
	}

	src := in.Clinical
	if src.MedicalHistory != nil && p.MedicalHistory == nil {
		p.MedicalHistory = &MedicalHistory{}
	}
	dst := p.Clinical.measurements()
	byName := make(map[string]*Measurement)
	for _, m := range src.measurements() {
		if *m.ptr != nil {
			byName[m.name] = *m.ptr
		}
	}
	for _, m := range dst {
		if v, ok := byName[m.name]; ok {
			*m.ptr = v
		}
	}
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setFlex(dst *string, v *flexStr) {
	if v != nil {
		*dst = strings.TrimSpace(string(*v))
	}
}

// validate checks that every demographic field is present.
func (p *Patient) validate() error {
	required := []struct {
		field, value string
	}{
		{"name", p.Name},
		{"mobile", p.Mobile},
		{"addressLine1", p.AddressLine1},
		{"address", p.Address},
		{"pincode", p.Pincode},
		{"district", p.District},
		{"city", p.City},
		{"state", p.State},
		{"country", p.Country},
		{"gender", p.Gender},
		{"aadharNumber", p.NationalID},
	}
	for _, r := range required {
		if r.value == "" {
			return invalid(r.field, "is required")
		}
	}
	if p.Age <= 0 {
		return invalid("age", "must be a positive number")
	}
	if p.DateOfBirth.IsZero() {
		return invalid("dateOfBirth", "is required")
	}
	for _, m := range p.Clinical.measurements() {
		if *m.ptr != nil && !(*m.ptr).isComplete() {
			return invalid(m.name, "value, unit and range are all required")
		}
	}
	return nil
}
