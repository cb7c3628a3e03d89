// Package services – OutreachService
//
// OutreachService decides how to ask a supplier for a confirmation and sends
// the request. With an inbox search it first looks for an existing thread:
// a thread that already confirms the line needs no e-mail, a thread that
// answers part of it gets an in-thread reply asking only for the rest, and
// no thread (or a failed search) falls back to a fresh e-mail.
//
// Sends are protected twice: a per-case guard rejects concurrent sends, and
// an Idempotency-Key replays a completed send instead of repeating it.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/dedup"
	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
	"github.com/tbourn/supplier-confirmations/internal/observability"
	"github.com/tbourn/supplier-confirmations/internal/parser"
	"github.com/tbourn/supplier-confirmations/internal/pdftext"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// OutreachService sends confirmation requests.
type OutreachService struct {
	DB      *gorm.DB
	Mailbox mailbox.Mailbox
	Guard   dedup.Guard
	Now     Clock

	// RecheckAfter schedules the first poller visit after a send, which
	// looks for a reply.
	RecheckAfter time.Duration
	// IdempotencyTTL bounds how long a completed send can be replayed.
	IdempotencyTTL time.Duration
}

// SendInput is one outreach request. Empty fields default to the case's own
// values (supplier e-mail, missing fields).
type SendInput struct {
	SupplierEmail  string            `json:"supplier_email,omitempty"`
	MissingFields  []domain.FieldKey `json:"missing_fields,omitempty"`
	RunInboxSearch bool              `json:"run_inbox_search"`
	FollowUp       bool              `json:"-"`
	IdempotencyKey string            `json:"-"`
}

// SendResult reports the outreach decision and, when mail was sent, the
// mailbox ids.
type SendResult struct {
	Action         domain.OutreachAction      `json:"action"`
	Classification domain.InboxClassification `json:"classification,omitempty"`
	GmailMessageID string                     `json:"gmail_message_id,omitempty"`
	ThreadID       string                     `json:"thread_id,omitempty"`
	MessageID      string                     `json:"message_id,omitempty"`
	AskedFields    []domain.FieldKey          `json:"asked_fields,omitempty"`
	Replayed       bool                       `json:"replayed,omitempty"`
}

// inboxFinding is the outcome of searching the mailbox for a case thread.
type inboxFinding struct {
	class    domain.InboxClassification
	thread   *mailbox.Thread
	last     *mailbox.Message
	answered domain.FieldSet
}

// DraftEmail renders the request for the given missing fields (default: the
// case's) and records EMAIL_DRAFTED without sending.
func (s *OutreachService) DraftEmail(ctx context.Context, caseID string, missing []domain.FieldKey) (*Draft, error) {
	tr := otel.Tracer("services/OutreachService")
	ctx, span := tr.Start(ctx, "DraftEmail", trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	c, _, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	ask, err := askFields(c, missing)
	if err != nil {
		return nil, err
	}
	d := renderDraft(c, ask, false)
	if _, err := repo.AppendEvent(ctx, s.DB, caseID, domain.EventEmailDrafted,
		d.Subject, nil, map[string]any{"to": d.To, "asked_fields": d.AskedFields}); err != nil {
		return nil, err
	}
	return &d, nil
}

func askFields(c *domain.Case, requested []domain.FieldKey) (domain.FieldKeys, error) {
	for _, k := range requested {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidInput, k)
		}
	}
	ask := domain.NewFieldKeys(requested...)
	if len(requested) == 0 {
		ask = domain.NewFieldKeys(c.MissingFields...)
	}
	if len(ask) == 0 {
		return nil, fmt.Errorf("%w: no fields left to request", ErrInvalidInput)
	}
	return ask, nil
}

// Send runs the outreach decision for caseID.
func (s *OutreachService) Send(ctx context.Context, caseID string, in SendInput) (*SendResult, error) {
	tr := otel.Tracer("services/OutreachService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("case.id", caseID),
			attribute.Bool("inbox_search", in.RunInboxSearch),
		),
	)
	defer span.End()

	log := zerolog.Ctx(ctx)
	now := s.Now.now()

	c, meta, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	if in.IdempotencyKey != "" {
		rec, err := repo.GetIdempotency(ctx, s.DB, caseID, in.IdempotencyKey, now)
		if err == nil {
			return &SendResult{
				Action:         domain.OutreachAction(rec.Action),
				GmailMessageID: rec.ProviderMessageID,
				ThreadID:       rec.ThreadID,
				Replayed:       true,
			}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if c.State == domain.StateResolved {
		return nil, fmt.Errorf("%w: case is already resolved", ErrInvalidTransition)
	}

	to := strings.ToLower(strings.TrimSpace(in.SupplierEmail))
	if to == "" {
		to = c.SupplierEmail
	}
	if to == "" {
		if c.Status != domain.StatusNeedsBuyer {
			if err := repo.UpdateCase(ctx, s.DB, caseID, map[string]any{"status": domain.StatusNeedsBuyer}); err != nil {
				return nil, err
			}
		}
		return nil, ErrNoSupplierEmail
	}
	ask, err := askFields(c, in.MissingFields)
	if err != nil {
		return nil, err
	}

	release, err := s.guard().Acquire(ctx, caseID)
	if errors.Is(err, dedup.ErrHeld) {
		return nil, ErrSendInFlight
	}
	if err != nil {
		return nil, err
	}
	defer release()

	finding := inboxFinding{class: domain.InboxNotFound}
	if in.RunInboxSearch {
		f, serr := s.searchInbox(ctx, c, to, ask)
		if serr != nil {
			log.Warn().Err(serr).Str("case_id", caseID).Msg("inbox search failed, sending new e-mail")
		} else {
			finding = f
		}
		summary := "Inbox search: " + string(finding.class)
		if serr != nil {
			summary += " (search error)"
		}
		searchMeta := map[string]any{"classification": finding.class}
		if finding.thread != nil {
			searchMeta["thread_id"] = finding.thread.ID
		}
		if serr != nil {
			searchMeta["error"] = serr.Error()
		}
		if _, err := repo.AppendEvent(ctx, s.DB, caseID, domain.EventInboxSearched, summary, nil, searchMeta); err != nil {
			return nil, err
		}
	}

	if finding.class == domain.InboxFoundConfirmed {
		return s.noOp(ctx, c, meta, finding, in.IdempotencyKey)
	}

	out := mailbox.Outgoing{To: to}
	action := domain.ActionSendNew
	followUp := in.FollowUp && c.TouchCount > 0
	if finding.class == domain.InboxFoundIncomplete && finding.thread != nil {
		action = domain.ActionReplyInThread
		ask = ask.Without(finding.answered.PresentKeys()...)
		if len(ask) == 0 {
			ask = domain.NewFieldKeys(c.MissingFields...)
		}
		out.ThreadID = finding.thread.ID
		if finding.last != nil {
			out.InReplyTo = finding.last.RFCMessageID
		}
	}
	d := renderDraft(c, ask, followUp)
	d.To = to
	out.Subject, out.Body = d.Subject, d.Body
	if action == domain.ActionReplyInThread && finding.last != nil && finding.last.Subject != "" {
		out.Subject = replySubject(finding.last.Subject)
	}

	sent, err := s.Mailbox.Send(ctx, out)
	if err != nil {
		log.Error().Err(err).Str("case_id", caseID).Str("action", string(action)).Msg("send failed")
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	target := domain.StateOutreachSent
	if followUp && domain.CanTransition(c.State, domain.StateFollowupSent) {
		target = domain.StateFollowupSent
	}
	if !domain.CanTransition(c.State, target) {
		// The mail is out; record it without inventing an edge.
		target = c.State
	}
	threadID := sent.ThreadID
	if threadID == "" {
		threadID = out.ThreadID
	}
	meta.ThreadID = threadID
	meta.LastInboxClassification = finding.class

	msg := &domain.Message{
		CaseID:            caseID,
		Direction:         domain.DirectionOutbound,
		ThreadID:          threadID,
		ProviderMessageID: providerID(sent.ID),
		FromEmail:         s.Mailbox.Sender(),
		ToEmail:           to,
		Subject:           out.Subject,
		BodyText:          out.Body,
		ReceivedAt:        &now,
	}
	res := &SendResult{
		Action:         action,
		Classification: finding.class,
		GmailMessageID: sent.ID,
		ThreadID:       threadID,
		AskedFields:    []domain.FieldKey(ask),
	}
	if !in.RunInboxSearch {
		res.Classification = ""
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateMessage(ctx, tx, msg); err != nil {
			return err
		}
		res.MessageID = msg.ID
		cols := map[string]any{
			"state":          target,
			"touch_count":    gorm.Expr("touch_count + 1"),
			"last_action_at": now,
			"meta":           metaValue(meta),
		}
		if s.RecheckAfter > 0 {
			cols["next_check_at"] = now.Add(s.RecheckAfter)
		}
		if c.SupplierEmail != to {
			cols["supplier_email"] = to
			cols["supplier_domain"] = supplierDomain(to)
		}
		if err := repo.UpdateCase(ctx, tx, caseID, cols); err != nil {
			return err
		}
		if _, err := repo.AppendEvent(ctx, tx, caseID, domain.EventEmailSent,
			fmt.Sprintf("Confirmation request sent to %s (%s)", to, action), messageRef(msg.ID),
			map[string]any{
				"action":           action,
				"gmail_message_id": sent.ID,
				"thread_id":        threadID,
				"reply_in_thread":  action == domain.ActionReplyInThread,
				"follow_up":        followUp,
				"asked_fields":     ask,
				"classification":   finding.class,
			}); err != nil {
			return err
		}
		return s.remember(ctx, tx, caseID, in.IdempotencyKey, res)
	})
	if err != nil {
		// The supplier has the mail even if bookkeeping failed.
		log.Error().Err(err).Str("case_id", caseID).Str("gmail_message_id", sent.ID).Msg("send recorded incompletely")
		return nil, err
	}

	observability.OutreachActions.WithLabelValues(string(action)).Inc()
	log.Info().
		Str("case_id", caseID).
		Str("action", string(action)).
		Str("thread_id", threadID).
		Msg("confirmation request sent")
	return res, nil
}

// noOp records that the mailbox already holds a confirmation. No message is
// stored and the case state is left as is.
func (s *OutreachService) noOp(ctx context.Context, c *domain.Case, meta domain.CaseMeta, f inboxFinding, key string) (*SendResult, error) {
	res := &SendResult{Action: domain.ActionNoOp, Classification: f.class}
	if f.thread != nil {
		res.ThreadID = f.thread.ID
		meta.ThreadID = f.thread.ID
	}
	meta.LastInboxClassification = f.class
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateCase(ctx, tx, c.ID, map[string]any{"meta": metaValue(meta)}); err != nil {
			return err
		}
		if _, err := repo.AppendEvent(ctx, tx, c.ID, domain.EventCaseResolved,
			"Supplier thread already confirms this line; no e-mail sent", nil,
			map[string]any{
				"action":         domain.ActionNoOp,
				"classification": f.class,
				"thread_id":      res.ThreadID,
				"fields":         f.answered.Canonical(),
			}); err != nil {
			return err
		}
		return s.remember(ctx, tx, c.ID, key, res)
	})
	if err != nil {
		return nil, err
	}
	observability.OutreachActions.WithLabelValues(string(domain.ActionNoOp)).Inc()
	zerolog.Ctx(ctx).Info().Str("case_id", c.ID).Str("thread_id", res.ThreadID).Msg("outreach not needed")
	return res, nil
}

func (s *OutreachService) remember(ctx context.Context, tx *gorm.DB, caseID, key string, res *SendResult) error {
	if key == "" {
		return nil
	}
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	err := repo.CreateIdempotency(ctx, tx, &domain.Idempotency{
		CaseID:            caseID,
		Key:               key,
		Action:            string(res.Action),
		ProviderMessageID: res.GmailMessageID,
		ThreadID:          res.ThreadID,
		Status:            http.StatusOK,
	}, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

func (s *OutreachService) guard() dedup.Guard {
	if s.Guard == nil {
		return dedup.Noop{}
	}
	return s.Guard
}

// searchInbox looks for the supplier's most recent thread about the line and
// classifies what it already answers.
func (s *OutreachService) searchInbox(ctx context.Context, c *domain.Case, supplier string, ask domain.FieldKeys) (inboxFinding, error) {
	threads, err := s.Mailbox.SearchThreads(ctx, mailbox.Query{
		SupplierEmail: supplier,
		PONumber:      c.PONumber,
		LineID:        c.LineID,
		Since:         c.CreatedAt.AddDate(0, -6, 0),
	})
	if err != nil {
		return inboxFinding{}, err
	}
	thread := latestThread(threads)
	if thread == nil || len(thread.Messages) == 0 {
		return inboxFinding{class: domain.InboxNotFound}, nil
	}
	f := inboxFinding{class: domain.InboxFoundIncomplete, thread: thread}
	f.last = &thread.Messages[len(thread.Messages)-1]

	sender := s.Mailbox.Sender()
	in := parser.Input{PONumber: c.PONumber, LineID: c.LineID, Now: s.Now.now()}
	inbound := 0
	for _, m := range thread.Messages {
		if sender != "" && strings.EqualFold(m.From, sender) {
			continue
		}
		inbound++
		if strings.TrimSpace(m.Body) != "" {
			in.EmailText, in.EmailMessageID = m.Body, m.ID
		}
		for _, a := range m.Attachments {
			raw, err := pdftext.Decode(a.DataBase64)
			if err != nil || !pdftext.IsPDF(raw) {
				continue
			}
			text, err := pdftext.Extract(raw)
			if err != nil {
				continue
			}
			in.PDFs = append(in.PDFs, parser.PDFText{AttachmentID: a.ProviderID, MessageID: m.ID, Text: text, ReceivedAt: m.Date})
		}
	}
	if inbound == 0 {
		return f, nil
	}
	res := parser.Parse(in)
	if !res.OK {
		return f, nil
	}
	f.answered = res.Fields.Fields()
	if f.answered.Complete() || len(ask.Without(f.answered.PresentKeys()...)) == 0 {
		f.class = domain.InboxFoundConfirmed
	}
	return f, nil
}

func providerID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "re:") {
		return s
	}
	return "Re: " + s
}
