// Package services implements the supplier confirmation engine: case
// resolution and the case state machine, evidence ingestion, parsing, the
// apply/merge engine, outreach, and the background case poller.
//
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
// Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

var (
	// ErrCaseNotFound indicates that the requested case does not exist. It is
	// never answered by silently creating one; only Resolve creates cases.
	ErrCaseNotFound = errors.New("case not found")

	// ErrInvalidTransition is returned when an operation would move a case
	// along an edge the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidInput is returned for malformed or incomplete requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoSupplierEmail is returned when outreach is requested for a case
	// without a supplier address. The case is flagged NEEDS_BUYER.
	ErrNoSupplierEmail = errors.New("case has no supplier e-mail")

	// ErrSendFailed wraps a mailbox send failure. No message was sent.
	ErrSendFailed = errors.New("send failed")

	// ErrSendInFlight is returned when another send for the same case holds
	// the send guard.
	ErrSendInFlight = errors.New("a send for this case is already in flight")

	// ErrAttachmentNotFound indicates that the requested attachment does not exist.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrUnsupportedMetaVersion is returned when a case meta document carries
	// an unknown version tag.
	ErrUnsupportedMetaVersion = domain.ErrUnsupportedMetaVersion
)
