// Package mailbox is the engine's view of the supplier mailbox: search for
// existing threads, read a thread with its PDF attachments, and send a new
// message or an in-thread reply.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by every operation when no mailbox is configured.
var ErrUnavailable = errors.New("mailbox not configured")

// Attachment is a PDF carried by a mailbox message. DataBase64 keeps the
// mailbox's own transport encoding (URL-safe base64 for Gmail).
type Attachment struct {
	ProviderID string
	Filename   string
	MimeType   string
	DataBase64 string
	Size       int64
}

// Message is one message of a thread.
type Message struct {
	ID           string
	ThreadID     string
	RFCMessageID string
	From         string
	To           string
	Subject      string
	Body         string
	Date         time.Time
	Attachments  []Attachment
}

// Thread is a conversation, oldest message first.
type Thread struct {
	ID       string
	Messages []Message
}

// Query narrows a thread search to one supplier and PO line.
type Query struct {
	SupplierEmail string
	PONumber      string
	LineID        string
	Since         time.Time
}

// Outgoing is a message to send. When ThreadID is set the message is sent as
// a reply in that thread.
type Outgoing struct {
	To         string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	References string
}

// Sent identifies a message accepted by the mailbox.
type Sent struct {
	ID       string
	ThreadID string
}

// Mailbox is implemented by Gmail and by Unavailable.
type Mailbox interface {
	SearchThreads(ctx context.Context, q Query) ([]Thread, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	Send(ctx context.Context, msg Outgoing) (*Sent, error)
	// Sender is the address outbound mail is sent from. Messages from this
	// address are recorded as OUTBOUND.
	Sender() string
}

// Unavailable is the mailbox used when Gmail is not configured.
type Unavailable struct{}

func (Unavailable) SearchThreads(context.Context, Query) ([]Thread, error) {
	return nil, ErrUnavailable
}

func (Unavailable) GetThread(context.Context, string) (*Thread, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Send(context.Context, Outgoing) (*Sent, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Sender() string { return "" }
