// Package handlers contains the Gin HTTP handlers of the supplier
// confirmation API.
//
// Every error response shares one envelope:
//
//	{ "request_id": "...", "code": "not_found", "message": "case not found" }
//
// Codes are stable and machine-readable. They deliberately keep "needs a
// human" (needs_buyer), "retry later" (send_in_flight, mailbox_unavailable,
// too_many_requests) and "failed" (send_failed, internal_error) apart so a
// UI never has to parse messages to decide what to show.
package handlers

// ErrCode is a stable, machine-readable error code.
type ErrCode string

const (
	ErrCodeBadRequest       ErrCode = "bad_request"
	ErrCodeNotFound         ErrCode = "not_found"
	ErrCodeConflict         ErrCode = "conflict"
	ErrCodeTooMany          ErrCode = "too_many_requests"
	ErrCodeInternal         ErrCode = "internal_error"
	ErrCodeMethodNotAllowed ErrCode = "method_not_allowed"

	// ErrCodeInvalidTransition: the case state machine rejected the move.
	ErrCodeInvalidTransition ErrCode = "invalid_transition"
	// ErrCodeNeedsBuyer: the case lacks a supplier address; a buyer must act.
	ErrCodeNeedsBuyer ErrCode = "needs_buyer"
	// ErrCodeSendInFlight: another send for the case holds the send guard.
	ErrCodeSendInFlight ErrCode = "send_in_flight"
	// ErrCodeSendFailed: the mailbox rejected the send; nothing was sent.
	ErrCodeSendFailed ErrCode = "send_failed"
	// ErrCodeMailboxUnavailable: no mailbox is configured.
	ErrCodeMailboxUnavailable ErrCode = "mailbox_unavailable"
	// ErrCodePayloadTooLarge: the body exceeded MAX_BODY_BYTES.
	ErrCodePayloadTooLarge ErrCode = "payload_too_large"
)
