package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Case tracks the confirmation lifecycle of one purchase-order line.
//
// Fields:
//   - ID: time-ordered UUID (v7) primary key.
//   - PONumber / LineID: natural identity; unique together.
//   - State / Status: lifecycle position and buyer-facing outcome.
//   - MissingFields: canonical-order set of fields still unresolved.
//   - SupplierDomain: derived from SupplierEmail on every write.
//   - TouchCount: number of outreach e-mails actually sent.
//   - NextCheckAt: when the poller should look at the case again; nil means due now.
//   - Meta: typed, versioned extension document (see CaseMeta).
type Case struct {
	ID             string                       `json:"case_id"          gorm:"type:char(36);primaryKey"`
	PONumber       string                       `json:"po_number"        gorm:"type:varchar(64);not null;uniqueIndex:ux_case_po_line,priority:1"`
	LineID         string                       `json:"line_id"          gorm:"type:varchar(64);not null;uniqueIndex:ux_case_po_line,priority:2"`
	State          State                        `json:"state"            gorm:"type:varchar(32);not null;index:idx_case_due,priority:1"`
	Status         Status                       `json:"status"           gorm:"type:varchar(32);not null"`
	MissingFields  FieldKeys                    `json:"missing_fields"   gorm:"type:text;not null"`
	SupplierName   string                       `json:"supplier_name"    gorm:"type:varchar(255)"`
	SupplierEmail  string                       `json:"supplier_email"   gorm:"type:varchar(320)"`
	SupplierDomain string                       `json:"supplier_domain"  gorm:"type:varchar(255);index"`
	TouchCount     int                          `json:"touch_count"      gorm:"not null;default:0"`
	LastActionAt   *time.Time                   `json:"last_action_at,omitempty"`
	NextCheckAt    *time.Time                   `json:"next_check_at,omitempty" gorm:"index:idx_case_due,priority:2"`
	Meta           datatypes.JSONType[CaseMeta] `json:"meta"             gorm:"not null"`
	CreatedAt      time.Time                    `json:"created_at"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

// TableName returns the database table name for Case.
func (Case) TableName() string { return "cases" }

// Event is an immutable entry on a case timeline. Events are only ever
// inserted; they disappear only when their case is bulk-deleted.
type Event struct {
	ID           string         `json:"event_id"   gorm:"type:char(36);primaryKey"`
	CaseID       string         `json:"case_id"    gorm:"type:char(36);not null;index:idx_case_events,priority:1"`
	Timestamp    time.Time      `json:"timestamp"  gorm:"not null;index:idx_case_events,priority:2"`
	EventType    EventType      `json:"event_type" gorm:"type:varchar(32);not null"`
	Summary      string         `json:"summary"    gorm:"type:text"`
	EvidenceRefs datatypes.JSON `json:"evidence_refs" gorm:"column:evidence_refs_json"`
	Meta         datatypes.JSON `json:"meta"          gorm:"column:meta_json"`

	Case Case `json:"-" gorm:"foreignKey:CaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// Message is one inbound or outbound e-mail tied to a case. ProviderMessageID
// is the mailbox's own id (Gmail message id) and is unique per case so that
// re-retrieving a thread reuses rows instead of duplicating them.
type Message struct {
	ID                string     `json:"message_id"  gorm:"type:char(36);primaryKey"`
	CaseID            string     `json:"case_id"     gorm:"type:char(36);not null;index;uniqueIndex:ux_case_provider_msg,priority:1"`
	Direction         Direction  `json:"direction"   gorm:"type:varchar(16);not null;check:direction IN ('INBOUND','OUTBOUND')"`
	ThreadID          string     `json:"thread_id"   gorm:"type:varchar(128);index"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_case_provider_msg,priority:2"`
	FromEmail         string     `json:"from_email"  gorm:"type:varchar(320)"`
	ToEmail           string     `json:"to_email"    gorm:"type:varchar(320)"`
	Subject           string     `json:"subject"     gorm:"type:text"`
	BodyText          string     `json:"body_text"   gorm:"type:text"`
	ReceivedAt        *time.Time `json:"received_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`

	Case Case `json:"-" gorm:"foreignKey:CaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Attachment is one PDF carried by a message. ContentSHA256 is computed from
// the decoded binary and is unique once set; TextExtract stays nil until the
// extractor has run.
type Attachment struct {
	ID                  string         `json:"attachment_id"  gorm:"type:char(36);primaryKey"`
	MessageID           string         `json:"message_id"     gorm:"type:char(36);not null;index"`
	Filename            string         `json:"filename"       gorm:"type:varchar(255)"`
	MimeType            string         `json:"mime_type"      gorm:"type:varchar(128)"`
	BinaryDataBase64    string         `json:"-"              gorm:"type:text;not null"`
	ContentSHA256       *string        `json:"content_sha256,omitempty" gorm:"type:char(64);uniqueIndex:ux_attachment_sha"`
	SizeBytes           int64          `json:"size_bytes"`
	TextExtract         *string        `json:"text_extract,omitempty" gorm:"type:text"`
	ParsedFieldsJSON    datatypes.JSON `json:"parsed_fields,omitempty"    gorm:"column:parsed_fields_json"`
	ParseConfidenceJSON datatypes.JSON `json:"parse_confidence,omitempty" gorm:"column:parse_confidence_json"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Attachment.
func (Attachment) TableName() string { return "attachments" }

// AttachmentLink lets a message of another case carry an attachment that is
// stored once under its first message. Content dedup is global; links keep
// the shared PDF visible to every case that received it.
type AttachmentLink struct {
	MessageID    string    `json:"message_id"    gorm:"type:char(36);primaryKey"`
	AttachmentID string    `json:"attachment_id" gorm:"type:char(36);primaryKey;index"`
	CreatedAt    time.Time `json:"created_at"`

	Message    Message    `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Attachment Attachment `json:"-" gorm:"foreignKey:AttachmentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for AttachmentLink.
func (AttachmentLink) TableName() string { return "attachment_links" }

// ConfirmationRecord is the durable system of record for the confirmed values
// of one PO line. Other systems read this row; Case.Meta is working state.
type ConfirmationRecord struct {
	ID                  string     `json:"id"      gorm:"type:char(36);primaryKey"`
	POID                string     `json:"po_id"   gorm:"column:po_id;type:varchar(64);not null;uniqueIndex:ux_confirmation_po_line,priority:1"`
	LineID              string     `json:"line_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_confirmation_po_line,priority:2"`
	SupplierOrderNumber *string    `json:"supplier_order_number"`
	ConfirmedShipDate   *string    `json:"confirmed_ship_date"`
	ConfirmedQuantity   *float64   `json:"confirmed_quantity"`
	ConfirmedUOM        string     `json:"confirmed_uom"  gorm:"type:varchar(32)"`
	SourceType          SourceType `json:"source_type"    gorm:"type:varchar(32)"`
	SourceMessageID     *string    `json:"source_message_id"`
	SourceAttachmentID  *string    `json:"source_attachment_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ConfirmationRecord.
func (ConfirmationRecord) TableName() string { return "confirmation_records" }

// Fields returns the record's values as a field set.
func (r ConfirmationRecord) Fields() FieldSet {
	return FieldSet{
		SupplierOrderNumber:         r.SupplierOrderNumber,
		ConfirmedShipOrDeliveryDate: r.ConfirmedShipDate,
		ConfirmedQuantity:           r.ConfirmedQuantity,
	}
}

// ConfirmationExtraction caches the latest parser snapshot for a case. It is
// overwritten on every parse; history lives in PARSE_RESULT events.
type ConfirmationExtraction struct {
	ID                   string                           `json:"id"      gorm:"type:char(36);primaryKey"`
	CaseID               string                           `json:"case_id" gorm:"type:char(36);not null;uniqueIndex"`
	EvidenceSource       EvidenceSource                   `json:"evidence_source" gorm:"type:varchar(16)"`
	EvidenceAttachmentID *string                          `json:"evidence_attachment_id"`
	EvidenceMessageID    *string                          `json:"evidence_message_id"`
	Confidence           float64                          `json:"confidence"`
	Snapshot             datatypes.JSONType[ParsedFields] `json:"snapshot" gorm:"not null"`
	CreatedAt            time.Time                        `json:"created_at"`
	UpdatedAt            time.Time                        `json:"updated_at"`

	Case Case `json:"-" gorm:"foreignKey:CaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConfirmationExtraction.
func (ConfirmationExtraction) TableName() string { return "confirmation_extractions" }
