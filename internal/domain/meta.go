package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MetaVersionV1 is the only case meta layout this build reads and writes.
const MetaVersionV1 = "v1"

// ErrUnsupportedMetaVersion is returned when a stored case meta document
// carries a version tag this build does not know how to migrate.
var ErrUnsupportedMetaVersion = errors.New("unsupported case meta version")

// FieldSet is a partial set of canonical confirmation values. A nil pointer
// means "not provided".
type FieldSet struct {
	SupplierOrderNumber         *string  `json:"supplier_order_number,omitempty"`
	ConfirmedShipOrDeliveryDate *string  `json:"confirmed_ship_or_delivery_date,omitempty"`
	ConfirmedQuantity           *float64 `json:"confirmed_quantity,omitempty"`
}

// Has reports whether f carries a usable value for field.
func (f FieldSet) Has(field CanonicalField) bool {
	switch field {
	case CanonicalSupplierOrderNumber:
		return f.SupplierOrderNumber != nil && strings.TrimSpace(*f.SupplierOrderNumber) != ""
	case CanonicalShipOrDeliveryDate:
		return f.ConfirmedShipOrDeliveryDate != nil && strings.TrimSpace(*f.ConfirmedShipOrDeliveryDate) != ""
	case CanonicalConfirmedQuantity:
		return f.ConfirmedQuantity != nil && !math.IsNaN(*f.ConfirmedQuantity) && !math.IsInf(*f.ConfirmedQuantity, 0)
	}
	return false
}

// Present returns the canonical fields f carries usable values for.
func (f FieldSet) Present() []CanonicalField {
	var out []CanonicalField
	for _, field := range AllCanonicalFields {
		if f.Has(field) {
			out = append(out, field)
		}
	}
	return out
}

// Empty reports whether f carries no usable value.
func (f FieldSet) Empty() bool { return len(f.Present()) == 0 }

// Complete reports whether both fields required for resolution are present.
func (f FieldSet) Complete() bool {
	return f.Has(CanonicalSupplierOrderNumber) && f.Has(CanonicalShipOrDeliveryDate)
}

// Copy copies field from src into f, normalizing string values.
func (f *FieldSet) Copy(field CanonicalField, src FieldSet) {
	switch field {
	case CanonicalSupplierOrderNumber:
		v := strings.TrimSpace(*src.SupplierOrderNumber)
		f.SupplierOrderNumber = &v
	case CanonicalShipOrDeliveryDate:
		v := strings.TrimSpace(*src.ConfirmedShipOrDeliveryDate)
		f.ConfirmedShipOrDeliveryDate = &v
	case CanonicalConfirmedQuantity:
		v := *src.ConfirmedQuantity
		f.ConfirmedQuantity = &v
	}
}

// Canonical returns the present values keyed by canonical field name.
// encoding/json writes map keys in sorted order, which makes the marshaled
// form of this map a stable signature input.
func (f FieldSet) Canonical() map[string]any {
	out := make(map[string]any, 3)
	if f.Has(CanonicalSupplierOrderNumber) {
		out[string(CanonicalSupplierOrderNumber)] = strings.TrimSpace(*f.SupplierOrderNumber)
	}
	if f.Has(CanonicalShipOrDeliveryDate) {
		out[string(CanonicalShipOrDeliveryDate)] = strings.TrimSpace(*f.ConfirmedShipOrDeliveryDate)
	}
	if f.Has(CanonicalConfirmedQuantity) {
		out[string(CanonicalConfirmedQuantity)] = *f.ConfirmedQuantity
	}
	return out
}

// ParsedField is one extracted value with its provenance. A nil Value always
// carries Confidence 0.
type ParsedField[T any] struct {
	Value           *T             `json:"value"`
	Confidence      float64        `json:"confidence"`
	Source          EvidenceSource `json:"source"`
	AttachmentID    string         `json:"attachment_id,omitempty"`
	MessageID       string         `json:"message_id,omitempty"`
	EvidenceSnippet string         `json:"evidence_snippet,omitempty"`
}

// Normalize enforces the null-value invariant and clamps confidence to [0,1].
func (p *ParsedField[T]) Normalize() {
	switch {
	case p.Value == nil:
		*p = ParsedField[T]{Source: EvidenceNone}
	case math.IsNaN(p.Confidence) || p.Confidence < 0:
		p.Confidence = 0
	case p.Confidence > 1:
		p.Confidence = 1
	}
}

// ParsedFields is the most recent parser output for a case.
type ParsedFields struct {
	SupplierOrderNumber       ParsedField[string]  `json:"supplier_order_number"`
	ConfirmedDeliveryDate     ParsedField[string]  `json:"confirmed_delivery_date"`
	SupplierConfirmedQuantity ParsedField[float64] `json:"supplier_confirmed_quantity"`
	OrderedQuantity           *float64             `json:"ordered_quantity"`
	QuantityMismatch          bool                 `json:"quantity_mismatch"`
	EvidenceSource            EvidenceSource       `json:"evidence_source"`
	EvidenceAttachmentID      string               `json:"evidence_attachment_id,omitempty"`
	EvidenceMessageID         string               `json:"evidence_message_id,omitempty"`
	ExtractionConfidence      float64              `json:"extraction_confidence"`
	RawExcerpt                string               `json:"raw_excerpt,omitempty"`
	ParsedAt                  time.Time            `json:"parsed_at"`
}

// Normalize enforces the null-confidence invariant on every field. A
// non-finite quantity counts as absent.
func (p *ParsedFields) Normalize() {
	if q := p.SupplierConfirmedQuantity.Value; q != nil && (math.IsNaN(*q) || math.IsInf(*q, 0)) {
		p.SupplierConfirmedQuantity.Value = nil
	}
	p.SupplierOrderNumber.Normalize()
	p.ConfirmedDeliveryDate.Normalize()
	p.SupplierConfirmedQuantity.Normalize()
	if p.ExtractionConfidence < 0 || math.IsNaN(p.ExtractionConfidence) {
		p.ExtractionConfidence = 0
	} else if p.ExtractionConfidence > 1 {
		p.ExtractionConfidence = 1
	}
}

// Fields converts the snapshot to the apply input shape.
func (p ParsedFields) Fields() FieldSet {
	var fs FieldSet
	if p.SupplierOrderNumber.Value != nil {
		v := *p.SupplierOrderNumber.Value
		fs.SupplierOrderNumber = &v
	}
	if p.ConfirmedDeliveryDate.Value != nil {
		v := *p.ConfirmedDeliveryDate.Value
		fs.ConfirmedShipOrDeliveryDate = &v
	}
	if p.SupplierConfirmedQuantity.Value != nil {
		v := *p.SupplierConfirmedQuantity.Value
		fs.ConfirmedQuantity = &v
	}
	return fs
}

// AttachmentIDs returns the distinct attachment ids cited by the snapshot.
func (p ParsedFields) AttachmentIDs() []string {
	return distinct(p.EvidenceAttachmentID, p.SupplierOrderNumber.AttachmentID,
		p.ConfirmedDeliveryDate.AttachmentID, p.SupplierConfirmedQuantity.AttachmentID)
}

// ReplaceAttachment rewrites every reference to from so it cites to instead.
// It reports whether anything changed.
func (p *ParsedFields) ReplaceAttachment(from, to string) bool {
	changed := false
	for _, ref := range []*string{
		&p.EvidenceAttachmentID,
		&p.SupplierOrderNumber.AttachmentID,
		&p.ConfirmedDeliveryDate.AttachmentID,
		&p.SupplierConfirmedQuantity.AttachmentID,
	} {
		if *ref == from {
			*ref = to
			changed = true
		}
	}
	return changed
}

// POLineContext is the purchase-order side of the line being confirmed.
type POLineContext struct {
	OrderedQuantity *float64 `json:"ordered_quantity,omitempty"`
	UOM             string   `json:"uom,omitempty"`
}

// AppliedFields is the merged field set last written by the apply engine,
// together with its signature.
type AppliedFields struct {
	Fields        FieldSet       `json:"fields"`
	Signature     string         `json:"signature"`
	Source        EvidenceSource `json:"source,omitempty"`
	AttachmentIDs []string       `json:"attachment_ids,omitempty"`
	AppliedAt     time.Time      `json:"applied_at"`
}

// CaseMeta is the typed extension document stored alongside a case.
type CaseMeta struct {
	Version                   string                  `json:"version"`
	POLine                    POLineContext           `json:"po_line"`
	ParsedBestFields          *ParsedFields           `json:"parsed_best_fields_v1,omitempty"`
	ManualOverrides           map[CanonicalField]bool `json:"manual_overrides,omitempty"`
	ManualFields              FieldSet                `json:"manual_fields"`
	ConfirmationFieldsApplied *AppliedFields          `json:"confirmation_fields_applied,omitempty"`
	ThreadID                  string                  `json:"thread_id,omitempty"`
	LastInboxClassification   InboxClassification     `json:"last_inbox_classification,omitempty"`
	LastError                 string                  `json:"last_error,omitempty"`
}

// NewCaseMeta returns an empty v1 document.
func NewCaseMeta() CaseMeta {
	return CaseMeta{Version: MetaVersionV1, ManualOverrides: map[CanonicalField]bool{}}
}

// Migrate brings a loaded document to the current version. Documents written
// before versioning (empty tag) are adopted as v1; unknown tags are rejected
// rather than silently reinterpreted.
func (m *CaseMeta) Migrate() error {
	switch m.Version {
	case "":
		m.Version = MetaVersionV1
	case MetaVersionV1:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMetaVersion, m.Version)
	}
	if m.ManualOverrides == nil {
		m.ManualOverrides = map[CanonicalField]bool{}
	}
	return nil
}

// Overridden reports whether a human has pinned field.
func (m CaseMeta) Overridden(field CanonicalField) bool {
	return m.ManualOverrides[field]
}

// FieldKeys is the set of missing field keys, stored as a JSON array and kept
// in canonical order.
type FieldKeys []FieldKey

// NewFieldKeys returns the canonical-order, de-duplicated set of keys.
func NewFieldKeys(keys ...FieldKey) FieldKeys {
	seen := make(map[FieldKey]bool, len(keys))
	for _, k := range keys {
		if k.Valid() {
			seen[k] = true
		}
	}
	out := FieldKeys{}
	for _, k := range AllFieldKeys {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// Contains reports whether k is in the set.
func (f FieldKeys) Contains(k FieldKey) bool {
	for _, v := range f {
		if v == k {
			return true
		}
	}
	return false
}

// Without returns a copy of the set minus the given keys.
func (f FieldKeys) Without(drop ...FieldKey) FieldKeys {
	out := FieldKeys{}
	for _, k := range f {
		keep := true
		for _, d := range drop {
			if k == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, k)
		}
	}
	return out
}

// Value implements driver.Valuer.
func (f FieldKeys) Value() (driver.Value, error) {
	if f == nil {
		f = FieldKeys{}
	}
	b, err := json.Marshal([]FieldKey(f))
	return string(b), err
}

// Scan implements sql.Scanner.
func (f *FieldKeys) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*f = FieldKeys{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan FieldKeys: unsupported type %T", value)
	}
	var keys []FieldKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	*f = NewFieldKeys(keys...)
	return nil
}

// GormDataType stores the set as text.
func (FieldKeys) GormDataType() string { return "text" }

// EvidenceRef cites a message or attachment from an event.
type EvidenceRef struct {
	Kind string `json:"kind"` // "message" | "attachment"
	ID   string `json:"id"`
}

// Evidence reference kinds.
const (
	RefMessage    = "message"
	RefAttachment = "attachment"
)

func distinct(vals ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range vals {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// PresentKeys returns the missing-field keys that f resolves.
func (f FieldSet) PresentKeys() []FieldKey {
	var out []FieldKey
	for _, field := range f.Present() {
		out = append(out, field.MissingKey())
	}
	return out
}
