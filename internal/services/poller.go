package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/config"
	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
	"github.com/tbourn/supplier-confirmations/internal/observability"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// DefaultBatchSize bounds how many due cases one poll visits.
const DefaultBatchSize = 50

// Poll outcomes, also used as the poller_runs metric label.
const (
	PollResolved  = "resolved"
	PollSent      = "sent"
	PollFollowUp  = "follow_up"
	PollEscalated = "escalated"
	PollWaiting   = "waiting"
	PollSkipped   = "skipped"
	PollError     = "error"
)

// Poller drives due cases forward in the background: it pulls new evidence,
// parses it, applies confident results, and chases or escalates suppliers
// according to the outreach policy.
type Poller struct {
	DB       *gorm.DB
	Cases    *CaseService
	Evidence *EvidenceService
	Parse    *ParseService
	Apply    *ApplyService
	Outreach *OutreachService
	Policy   config.Policy

	BatchSize int
	Now       Clock

	mu sync.Mutex
}

// PollReport counts the outcomes of one poll, keyed by outcome.
type PollReport map[string]int

// Run polls immediately and then every Policy.PollInterval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	log.Info().Dur("interval", p.Policy.PollInterval).Int("max_touches", p.Policy.MaxTouches).Msg("case poller starting")

	p.RunOnce(ctx)

	ticker := time.NewTicker(p.Policy.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("case poller stopping")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce visits every case due now, one at a time. Overlapping calls are
// skipped rather than queued.
func (p *Poller) RunOnce(ctx context.Context) PollReport {
	if !p.mu.TryLock() {
		return PollReport{}
	}
	defer p.mu.Unlock()

	tr := otel.Tracer("services/Poller")
	ctx, span := tr.Start(ctx, "RunOnce")
	defer span.End()

	log := zerolog.Ctx(ctx)
	report := PollReport{}
	limit := p.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	due, err := repo.ListDueCases(ctx, p.DB, p.Now.now(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list due cases")
		return report
	}
	span.SetAttributes(attribute.Int("cases.due", len(due)))

	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		outcome, err := p.process(ctx, c.ID)
		if err != nil {
			log.Error().Err(err).Str("case_id", c.ID).Msg("poll case failed")
			if _, merr := p.Cases.MarkError(ctx, c.ID, err.Error()); merr != nil {
				log.Error().Err(merr).Str("case_id", c.ID).Msg("mark case error")
			}
			outcome = PollError
		}
		report[outcome]++
		observability.PollerRuns.WithLabelValues(outcome).Inc()
	}
	if len(due) > 0 {
		log.Info().Int("due", len(due)).Interface("outcomes", report).Msg("poll complete")
	}
	return report
}

// process advances one case and returns its poll outcome. A returned error
// marks the case ERROR.
func (p *Poller) process(ctx context.Context, caseID string) (string, error) {
	tr := otel.Tracer("services/Poller")
	ctx, span := tr.Start(ctx, "process", trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("case_id", caseID).Logger()
	ctx = log.WithContext(ctx)

	if _, err := p.Evidence.Retrieve(ctx, caseID, ""); err != nil && !errors.Is(err, mailbox.ErrUnavailable) {
		if errors.Is(err, ErrCaseNotFound) {
			return PollSkipped, nil
		}
		log.Warn().Err(err).Msg("retrieve evidence")
	}

	pending, err := p.Evidence.PendingAttachmentIDs(ctx, caseID)
	if err != nil {
		return "", err
	}
	p.Evidence.ExtractText(ctx, pending)

	res, err := p.Parse.Parse(ctx, caseID, nil)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	if res.OK {
		if in, ok := autoApplyInput(res.Fields, p.Policy.AutoApplyMinConfidence); ok {
			if _, err := p.Apply.Apply(ctx, caseID, in); err != nil {
				return "", fmt.Errorf("apply: %w", err)
			}
		}
	}

	c, _, err := loadCase(ctx, p.DB, caseID)
	if err != nil {
		return "", err
	}
	if c.State == domain.StateResolved {
		return PollResolved, nil
	}
	return p.chase(ctx, c)
}

// chase decides the next outreach step for an unresolved case. A case still
// marked sent has had its reply window checked without a confirmation and
// moves to WAITING first.
func (p *Poller) chase(ctx context.Context, c *domain.Case) (string, error) {
	now := p.Now.now()
	if c.State == domain.StateOutreachSent || c.State == domain.StateFollowupSent {
		if err := repo.UpdateCase(ctx, p.DB, c.ID, map[string]any{"state": domain.StateWaiting}); err != nil {
			return "", err
		}
		c.State = domain.StateWaiting
	}
	var since time.Duration
	if c.LastActionAt != nil {
		since = now.Sub(*c.LastActionAt)
	}

	switch {
	case c.TouchCount == 0:
		return p.send(ctx, c, false)
	case c.TouchCount < p.Policy.MaxTouches && since >= p.Policy.FollowUpAfter:
		return p.send(ctx, c, true)
	case c.TouchCount >= p.Policy.MaxTouches && p.Policy.EscalationEnabled() && since >= p.Policy.UnresponsiveAfter:
		reason := fmt.Sprintf("no confirmation after %d requests", c.TouchCount)
		if _, err := p.Cases.Escalate(ctx, c.ID, domain.StatusUnresponsive, reason); err != nil {
			return "", err
		}
		return PollEscalated, nil
	}
	return PollWaiting, p.wait(ctx, c, now)
}

func (p *Poller) send(ctx context.Context, c *domain.Case, followUp bool) (string, error) {
	res, err := p.Outreach.Send(ctx, c.ID, SendInput{
		RunInboxSearch: true,
		FollowUp:       followUp,
		// Replays instead of re-sending if a crash lost the bookkeeping.
		IdempotencyKey: fmt.Sprintf("poller:%d", c.TouchCount),
	})
	switch {
	case errors.Is(err, ErrNoSupplierEmail):
		if _, err := p.Cases.Escalate(ctx, c.ID, domain.StatusNeedsBuyer, "supplier e-mail unknown"); err != nil {
			return "", err
		}
		return PollEscalated, nil
	case errors.Is(err, ErrSendInFlight):
		return PollSkipped, nil
	case errors.Is(err, mailbox.ErrUnavailable):
		return PollWaiting, p.wait(ctx, c, p.Now.now())
	case err != nil:
		return "", err
	}
	if res.Action == domain.ActionNoOp {
		// The inbox holds an answer the auto-apply floor rejected; a buyer
		// has to confirm the values.
		reason := "supplier reply found but confirmation needs buyer review"
		if _, err := p.Cases.Escalate(ctx, c.ID, domain.StatusNeedsBuyer, reason); err != nil {
			return "", err
		}
		return PollEscalated, nil
	}
	if followUp {
		return PollFollowUp, nil
	}
	return PollSent, nil
}

// wait parks a case until the next poll.
func (p *Poller) wait(ctx context.Context, c *domain.Case, now time.Time) error {
	return repo.UpdateCase(ctx, p.DB, c.ID, map[string]any{"next_check_at": now.Add(p.Policy.PollInterval)})
}

// autoApplyInput keeps the parsed values at or above minConf. It reports false
// unless both required fields qualify.
func autoApplyInput(pf domain.ParsedFields, minConf float64) (ApplyInput, bool) {
	if pf.EvidenceSource != domain.EvidencePDF && pf.EvidenceSource != domain.EvidenceEmail {
		return ApplyInput{}, false
	}
	if pf.SupplierOrderNumber.Value == nil || pf.SupplierOrderNumber.Confidence < minConf ||
		pf.ConfirmedDeliveryDate.Value == nil || pf.ConfirmedDeliveryDate.Confidence < minConf {
		return ApplyInput{}, false
	}
	fs := pf.Fields()
	if pf.SupplierConfirmedQuantity.Confidence < minConf {
		fs.ConfirmedQuantity = nil
	}
	return ApplyInput{
		Source:        pf.EvidenceSource,
		Fields:        fs,
		AttachmentIDs: pf.AttachmentIDs(),
		MessageID:     pf.EvidenceMessageID,
	}, true
}
