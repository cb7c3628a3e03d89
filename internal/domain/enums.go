// Package domain defines the persistence models and closed value sets of the
// supplier confirmation engine. Every string-valued classification (state,
// status, event type, evidence source) is a named type with an explicit set of
// members so that adding a member is a compile-time-visible change for every
// switch that consumes it.
package domain

// State is the lifecycle position of a confirmation case.
type State string

const (
	StateInboxLookup  State = "INBOX_LOOKUP"
	StateParsed       State = "PARSED"
	StateOutreachSent State = "OUTREACH_SENT"
	StateWaiting      State = "WAITING"
	StateFollowupSent State = "FOLLOWUP_SENT"
	StateResolved     State = "RESOLVED"
	StateEscalated    State = "ESCALATED"
	StateError        State = "ERROR"
)

// AllStates lists every State in lifecycle order.
var AllStates = []State{
	StateInboxLookup, StateParsed, StateOutreachSent, StateWaiting,
	StateFollowupSent, StateResolved, StateEscalated, StateError,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInboxLookup, StateParsed, StateOutreachSent, StateWaiting,
		StateFollowupSent, StateResolved, StateEscalated, StateError:
		return true
	}
	return false
}

// Terminal reports whether the poller should stop driving a case in s.
// ESCALATED is terminal for automation but a human may still force a retry.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateEscalated:
		return true
	case StateInboxLookup, StateParsed, StateOutreachSent, StateWaiting,
		StateFollowupSent, StateError:
		return false
	}
	return false
}

// Status is the buyer-facing outcome of a case.
type Status string

const (
	StatusStillAmbiguous    Status = "STILL_AMBIGUOUS"
	StatusNeedsBuyer        Status = "NEEDS_BUYER"
	StatusUnresponsive      Status = "UNRESPONSIVE"
	StatusConfirmed         Status = "CONFIRMED"
	StatusConfirmedWithRisk Status = "CONFIRMED_WITH_RISK"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStillAmbiguous, StatusNeedsBuyer, StatusUnresponsive,
		StatusConfirmed, StatusConfirmedWithRisk:
		return true
	}
	return false
}

// Confirmed reports whether s is one of the resolved-confirmation statuses.
func (s Status) Confirmed() bool {
	return s == StatusConfirmed || s == StatusConfirmedWithRisk
}

// FieldKey names a field that may still be missing on a case.
type FieldKey string

const (
	FieldSupplierReference FieldKey = "supplier_reference"
	FieldDeliveryDate      FieldKey = "delivery_date"
	FieldQuantity          FieldKey = "quantity"
)

// AllFieldKeys is the canonical order of missing-field keys.
var AllFieldKeys = []FieldKey{FieldSupplierReference, FieldDeliveryDate, FieldQuantity}

// Valid reports whether k is a known missing-field key.
func (k FieldKey) Valid() bool {
	switch k {
	case FieldSupplierReference, FieldDeliveryDate, FieldQuantity:
		return true
	}
	return false
}

// CanonicalField names one of the three confirmation values.
type CanonicalField string

const (
	CanonicalSupplierOrderNumber CanonicalField = "supplier_order_number"
	CanonicalShipOrDeliveryDate  CanonicalField = "confirmed_ship_or_delivery_date"
	CanonicalConfirmedQuantity   CanonicalField = "confirmed_quantity"
)

// AllCanonicalFields is the canonical field order.
var AllCanonicalFields = []CanonicalField{
	CanonicalSupplierOrderNumber, CanonicalShipOrDeliveryDate, CanonicalConfirmedQuantity,
}

// Valid reports whether f is a known canonical field.
func (f CanonicalField) Valid() bool {
	switch f {
	case CanonicalSupplierOrderNumber, CanonicalShipOrDeliveryDate, CanonicalConfirmedQuantity:
		return true
	}
	return false
}

// MissingKey maps a canonical field to the missing-field key it resolves.
func (f CanonicalField) MissingKey() FieldKey {
	switch f {
	case CanonicalSupplierOrderNumber:
		return FieldSupplierReference
	case CanonicalShipOrDeliveryDate:
		return FieldDeliveryDate
	case CanonicalConfirmedQuantity:
		return FieldQuantity
	}
	return ""
}

// Canonical maps a missing-field key back to its canonical field.
func (k FieldKey) Canonical() CanonicalField {
	switch k {
	case FieldSupplierReference:
		return CanonicalSupplierOrderNumber
	case FieldDeliveryDate:
		return CanonicalShipOrDeliveryDate
	case FieldQuantity:
		return CanonicalConfirmedQuantity
	}
	return ""
}

// EventType classifies an audit event.
type EventType string

const (
	EventCaseCreated        EventType = "CASE_CREATED"
	EventInboxSearched      EventType = "INBOX_SEARCHED"
	EventEvidenceRetrieved  EventType = "EVIDENCE_RETRIEVED"
	EventAttachmentUploaded EventType = "ATTACHMENT_UPLOADED"
	EventParseResult        EventType = "PARSE_RESULT"
	EventParseFailed        EventType = "PARSE_FAILED"
	EventApplyUpdates       EventType = "APPLY_UPDATES"
	EventManualEdit         EventType = "MANUAL_EDIT"
	EventEmailDrafted       EventType = "EMAIL_DRAFTED"
	EventEmailSent          EventType = "EMAIL_SENT"
	EventCaseResolved       EventType = "CASE_RESOLVED"
	EventCaseEscalated      EventType = "CASE_ESCALATED"
	EventCaseError          EventType = "CASE_ERROR"
	EventForceRetry         EventType = "FORCE_RETRY"
	EventAttachmentsDeduped EventType = "ATTACHMENTS_DEDUPED"
)

// Direction is the flow of an e-mail relative to the buyer's mailbox.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// SourceType records where a confirmation record value came from.
type SourceType string

const (
	SourceManual                 SourceType = "manual"
	SourceEmailBody              SourceType = "email_body"
	SourceSalesOrderConfirmation SourceType = "sales_order_confirmation"
)

// EvidenceSource identifies which evidence a parsed value was read from.
type EvidenceSource string

const (
	EvidencePDF   EvidenceSource = "pdf"
	EvidenceEmail EvidenceSource = "email"
	EvidenceNone  EvidenceSource = "none"
)

// SourceType maps the evidence a value was applied from to the record's source type.
func (e EvidenceSource) SourceType() SourceType {
	switch e {
	case EvidencePDF:
		return SourceSalesOrderConfirmation
	case EvidenceEmail:
		return SourceEmailBody
	case EvidenceNone:
		return ""
	}
	return ""
}

// InboxClassification is the outcome of searching the mailbox for a thread.
type InboxClassification string

const (
	InboxFoundConfirmed  InboxClassification = "FOUND_CONFIRMED"
	InboxFoundIncomplete InboxClassification = "FOUND_INCOMPLETE"
	InboxNotFound        InboxClassification = "NOT_FOUND"
)

// OutreachAction is what the orchestrator did for a send request.
type OutreachAction string

const (
	ActionNoOp          OutreachAction = "NO_OP"
	ActionReplyInThread OutreachAction = "REPLY_IN_THREAD"
	ActionSendNew       OutreachAction = "SEND_NEW"
)
