package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailConfig holds the OAuth client and the mailbox to act as.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// User is the Gmail user id; "me" for the authorized account.
	User string
	// From is the address placed in the From header of outbound mail.
	From string
	// MaxThreads caps how many threads a search returns.
	MaxThreads int64
}

// Gmail implements Mailbox over the Gmail REST API.
type Gmail struct {
	svc        *gmail.Service
	user       string
	from       string
	maxThreads int64
}

// NewGmail builds a Gmail mailbox. Without extra options it authenticates
// with a refresh-token source; tests pass option.WithEndpoint and
// option.WithHTTPClient instead.
func NewGmail(ctx context.Context, cfg GmailConfig, opts ...option.ClientOption) (*Gmail, error) {
	if len(opts) == 0 {
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
			return nil, errors.New("gmail: client id, client secret and refresh token are required")
		}
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoints.Google,
			Scopes:       []string{gmail.GmailModifyScope},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: new service: %w", err)
	}
	user := cfg.User
	if user == "" {
		user = "me"
	}
	maxThreads := cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 5
	}
	return &Gmail{svc: svc, user: user, from: cfg.From, maxThreads: maxThreads}, nil
}

// Sender returns the configured From address.
func (g *Gmail) Sender() string { return g.from }

// SearchThreads lists threads exchanged with the supplier that mention the PO
// number and loads each one.
func (g *Gmail) SearchThreads(ctx context.Context, q Query) ([]Thread, error) {
	resp, err := g.svc.Users.Threads.List(g.user).Q(SearchQuery(q)).MaxResults(g.maxThreads).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail: list threads: %w", err)
	}
	out := make([]Thread, 0, len(resp.Threads))
	for _, t := range resp.Threads {
		th, err := g.GetThread(ctx, t.Id)
		if err != nil {
			return nil, err
		}
		out = append(out, *th)
	}
	return out, nil
}

// GetThread loads every message of a thread including PDF attachment bodies.
func (g *Gmail) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	t, err := g.svc.Users.Threads.Get(g.user, threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail: get thread %s: %w", threadID, err)
	}
	th := &Thread{ID: t.Id}
	for _, m := range t.Messages {
		msg := convertMessage(m)
		for i, a := range msg.Attachments {
			if a.DataBase64 != "" || a.ProviderID == "" {
				continue
			}
			body, err := g.svc.Users.Messages.Attachments.Get(g.user, m.Id, a.ProviderID).Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("gmail: get attachment %s: %w", a.Filename, err)
			}
			msg.Attachments[i].DataBase64 = body.Data
			msg.Attachments[i].Size = body.Size
		}
		th.Messages = append(th.Messages, msg)
	}
	return th, nil
}

// Send sends msg, in-thread when msg.ThreadID is set.
func (g *Gmail) Send(ctx context.Context, msg Outgoing) (*Sent, error) {
	raw := ComposeRFC2822(g.from, msg)
	gm := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: msg.ThreadID,
	}
	res, err := g.svc.Users.Messages.Send(g.user, gm).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail: send: %w", err)
	}
	return &Sent{ID: res.Id, ThreadID: res.ThreadId}, nil
}

// SearchQuery renders q in Gmail search syntax.
func SearchQuery(q Query) string {
	var parts []string
	if q.SupplierEmail != "" {
		parts = append(parts, fmt.Sprintf("(from:%s OR to:%s)", q.SupplierEmail, q.SupplierEmail))
	}
	if q.PONumber != "" {
		parts = append(parts, fmt.Sprintf("%q", q.PONumber))
	}
	if !q.Since.IsZero() {
		parts = append(parts, "after:"+q.Since.UTC().Format("2006/01/02"))
	}
	return strings.Join(parts, " ")
}

// ComposeRFC2822 builds the raw message Gmail expects for messages.send.
func ComposeRFC2822(from string, msg Outgoing) []byte {
	var b strings.Builder
	header := func(k, v string) {
		if v != "" {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	header("From", from)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("In-Reply-To", msg.InReplyTo)
	refs := msg.References
	if refs == "" {
		refs = msg.InReplyTo
	}
	header("References", refs)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}

func convertMessage(m *gmail.Message) Message {
	out := Message{ID: m.Id, ThreadID: m.ThreadId}
	if m.InternalDate > 0 {
		out.Date = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload == nil {
		return out
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.From = address(h.Value)
		case "to":
			out.To = address(h.Value)
		case "subject":
			out.Subject = h.Value
		case "message-id":
			out.RFCMessageID = h.Value
		}
	}
	out.Body = bodyText(m.Payload)
	out.Attachments = pdfParts(m.Payload)
	return out
}

// address reduces a header like `Acme Sales <sales@acme.test>` to the bare
// address. Unparseable values are returned trimmed.
func address(v string) string {
	if a, err := mail.ParseAddress(v); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.TrimSpace(v)
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// bodyText returns the first text/plain part, falling back to a tag-stripped
// text/html part.
func bodyText(p *gmail.MessagePart) string {
	if s := findPart(p, "text/plain"); s != "" {
		return s
	}
	if s := findPart(p, "text/html"); s != "" {
		s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n", "</div>", "\n").Replace(s)
		return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
	}
	return ""
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if p.Filename == "" && strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		if b, err := decodeURL(p.Body.Data); err == nil {
			return string(b)
		}
	}
	for _, c := range p.Parts {
		if s := findPart(c, mimeType); s != "" {
			return s
		}
	}
	return ""
}

func pdfParts(p *gmail.MessagePart) []Attachment {
	var out []Attachment
	var walk func(*gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil {
			return
		}
		if p.Filename != "" && isPDFPart(p.MimeType, p.Filename) {
			a := Attachment{Filename: p.Filename, MimeType: "application/pdf"}
			if p.Body != nil {
				a.ProviderID = p.Body.AttachmentId
				a.DataBase64 = p.Body.Data
				a.Size = p.Body.Size
			}
			out = append(out, a)
		}
		for _, c := range p.Parts {
			walk(c)
		}
	}
	walk(p)
	return out
}

func isPDFPart(mimeType, filename string) bool {
	return strings.EqualFold(mimeType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

func decodeURL(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
