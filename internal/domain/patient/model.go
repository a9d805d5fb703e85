package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/attachment"
)

// Measurement is a clinical reading. A stored Measurement always carries
// all three parts.
type Measurement struct {
	Value string `json:"value" bson:"value"`
	Unit  string `json:"unit" bson:"unit"`
	Range string `json:"range" bson:"range"`
}

func (m *Measurement) isEmpty() bool {
	return m == nil || (strings.TrimSpace(m.Value) == "" && strings.TrimSpace(m.Unit) == "" && strings.TrimSpace(m.Range) == "")
}

func (m *Measurement) isComplete() bool {
	return m != nil && strings.TrimSpace(m.Value) != "" && strings.TrimSpace(m.Unit) != "" && strings.TrimSpace(m.Range) != ""
}

type MedicalHistory struct {
	PreviousCondition *Measurement `json:"previousCondition,omitempty" bson:"previousCondition,omitempty"`
	Vaccination       *Measurement `json:"vaccination,omitempty" bson:"vaccination,omitempty"`
	CurrentMedication *Measurement `json:"currentMedication,omitempty" bson:"currentMedication,omitempty"`
}

type Demographics struct {
	Name         string    `json:"name" bson:"name"`
	Age          int       `json:"age" bson:"age"`
	Mobile       string    `json:"mobile" bson:"mobile"`
	AddressLine1 string    `json:"addressLine1" bson:"addressLine1"`
	Address      string    `json:"address" bson:"address"`
	Pincode      string    `json:"pincode" bson:"pincode"`
	District     string    `json:"district" bson:"district"`
	City         string    `json:"city" bson:"city"`
	State        string    `json:"state" bson:"state"`
	Country      string    `json:"country" bson:"country"`
	Gender       string    `json:"gender" bson:"gender"`
	DateOfBirth  time.Time `json:"dateOfBirth" bson:"dateOfBirth"`
	NationalID   string    `json:"aadharNumber" bson:"aadharNumber"`
}

// Clinical holds the optional lab and vitals readings of a record.
type Clinical struct {
	Hemoglobin        *Measurement    `json:"hemoglobin,omitempty" bson:"hemoglobin,omitempty"`
	BloodGroup        *Measurement    `json:"bloodGroup,omitempty" bson:"bloodGroup,omitempty"`
	BloodPressure     *Measurement    `json:"bloodPressure,omitempty" bson:"bloodPressure,omitempty"`
	HeartRate         *Measurement    `json:"heartRate,omitempty" bson:"heartRate,omitempty"`
	Weight            *Measurement    `json:"weight,omitempty" bson:"weight,omitempty"`
	Calcium           *Measurement    `json:"calcium,omitempty" bson:"calcium,omitempty"`
	FastingBloodSugar *Measurement    `json:"fastingBloodSugar,omitempty" bson:"fastingBloodSugar,omitempty"`
	CBC               *Measurement    `json:"cbc,omitempty" bson:"cbc,omitempty"`
	Urinalysis        *Measurement    `json:"urinalysis,omitempty" bson:"urinalysis,omitempty"`
	SerumElectrolytes *Measurement    `json:"serumElectrolytes,omitempty" bson:"serumElectrolytes,omitempty"`
	LipidProfile      *Measurement    `json:"lipidProfile,omitempty" bson:"lipidProfile,omitempty"`
	TSH               *Measurement    `json:"tsh,omitempty" bson:"tsh,omitempty"`
	SGPT              *Measurement    `json:"sgpt,omitempty" bson:"sgpt,omitempty"`
	Platelet          *Measurement    `json:"platelet,omitempty" bson:"platelet,omitempty"`
	HIV               *Measurement    `json:"hiv,omitempty" bson:"hiv,omitempty"`
	ChronicDisease    *Measurement    `json:"chronicDisease,omitempty" bson:"chronicDisease,omitempty"`
	MedicalHistory    *MedicalHistory `json:"medicalHistory,omitempty" bson:"medicalHistory,omitempty"`
}

type namedMeasurement struct {
	name string
	ptr  **Measurement
}

// measurements lists every triple field by its JSON name, including the
// medical history entries when that block is present.
func (c *Clinical) measurements() []namedMeasurement {
	list := []namedMeasurement{
		{"hemoglobin", &c.Hemoglobin},
		{"bloodGroup", &c.BloodGroup},
		{"bloodPressure", &c.BloodPressure},
		{"heartRate", &c.HeartRate},
		{"weight", &c.Weight},
		{"calcium", &c.Calcium},
		{"fastingBloodSugar", &c.FastingBloodSugar},
		{"cbc", &c.CBC},
		{"urinalysis", &c.Urinalysis},
		{"serumElectrolytes", &c.SerumElectrolytes},
		{"lipidProfile", &c.LipidProfile},
		{"tsh", &c.TSH},
		{"sgpt", &c.SGPT},
		{"platelet", &c.Platelet},
		{"hiv", &c.HIV},
		{"chronicDisease", &c.ChronicDisease},
	}
	if h := c.MedicalHistory; h != nil {
		list = append(list,
			namedMeasurement{"medicalHistory.previousCondition", &h.PreviousCondition},
			namedMeasurement{"medicalHistory.vaccination", &h.Vaccination},
			namedMeasurement{"medicalHistory.currentMedication", &h.CurrentMedication},
		)
	}
	return list
}

// Patient is the stored record. ID is kept out of the BSON body because
// the Mongo store writes it as _id.
type Patient struct {
	ID           uuid.UUID `json:"id" bson:"-"`
	AdminID      string    `json:"admin" bson:"admin"`
	Demographics `bson:",inline"`
	Clinical     `bson:",inline"`

	Photo     *attachment.Attachment `json:"photo,omitempty" bson:"photo,omitempty"`
	Documents DocumentSet            `json:"documentFile" bson:"documentFile"`
	QRCode    string                 `json:"qrCode" bson:"qrCode"`
	CreatedAt time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// Uploads are the files received alongside a create or update request.
type Uploads struct {
	Photo     *attachment.Attachment
	Documents []attachment.Attachment
}

type SearchFilters struct {
	Name     string
	City     string
	District string
	State    string
	Country  string
}

func (f SearchFilters) fields() [][2]string {
	return [][2]string{
		{"name", f.Name},
		{"city", f.City},
		{"district", f.District},
		{"state", f.State},
		{"country", f.Country},
	}
}

// Matches reports whether p satisfies every non-empty filter, compared as
// case-insensitive substrings.
func (f SearchFilters) Matches(p *Patient) bool {
	values := map[string]string{
		"name":     p.Name,
		"city":     p.City,
		"district": p.District,
		"state":    p.State,
		"country":  p.Country,
	}
	for _, kv := range f.fields() {
		if kv[1] == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(values[kv[0]]), strings.ToLower(kv[1])) {
			return false
		}
	}
	return true
}

// PublicView is what unauthenticated callers see: no documents and no QR.
type PublicView struct {
	ID      string `json:"_id"`
	AdminID string `json:"admin"`
	Demographics
	Photo string `json:"photo,omitempty"`
	Clinical
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// View is the administrator view with attachments inlined as data URLs.
type View struct {
	PublicView
	Documents []attachment.Encoded `json:"documentFile"`
	QRCode    string               `json:"qrCode"`
}

func (p *Patient) PublicView() *PublicView {
	v := &PublicView{
		ID:           p.ID.String(),
		AdminID:      p.AdminID,
		Demographics: p.Demographics,
		Clinical:     p.Clinical,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if enc, ok := attachment.EncodeAttachment(p.Photo); ok {
		v.Photo = enc.Data
	}
	return v
}

func (p *Patient) View() *View {
	return &View{
		PublicView: *p.PublicView(),
		Documents:  attachment.EncodeAll(p.Documents),
		QRCode:     p.QRCode,
	}
}
