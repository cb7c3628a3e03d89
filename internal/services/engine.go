package services

import (
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/config"
	"github.com/tbourn/supplier-confirmations/internal/dedup"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
)

// Engine bundles the case services around one store and mailbox so the
// HTTP layer and the poller share the same instances.
type Engine struct {
	Cases    *CaseService
	Evidence *EvidenceService
	Parse    *ParseService
	Apply    *ApplyService
	Outreach *OutreachService
	Poller   *Poller
}

// EngineDeps are the collaborators NewEngine wires together. A nil Mailbox
// or Guard falls back to mailbox.Unavailable and dedup.Noop.
type EngineDeps struct {
	DB             *gorm.DB
	Mailbox        mailbox.Mailbox
	Guard          dedup.Guard
	Policy         config.Policy
	IdempotencyTTL time.Duration // zero keeps the OutreachService default
	Now            Clock
}

// NewEngine builds every service from deps.
func NewEngine(deps EngineDeps) *Engine {
	mb := deps.Mailbox
	if mb == nil {
		mb = mailbox.Unavailable{}
	}
	guard := deps.Guard
	if guard == nil {
		guard = dedup.Noop{}
	}

	e := &Engine{
		Cases:    &CaseService{DB: deps.DB, Now: deps.Now},
		Evidence: &EvidenceService{DB: deps.DB, Mailbox: mb, Now: deps.Now},
		Parse:    &ParseService{DB: deps.DB, Now: deps.Now},
		Apply:    &ApplyService{DB: deps.DB, Now: deps.Now},
		Outreach: &OutreachService{
			DB:             deps.DB,
			Mailbox:        mb,
			Guard:          guard,
			Now:            deps.Now,
			RecheckAfter:   deps.Policy.PollInterval,
			IdempotencyTTL: deps.IdempotencyTTL,
		},
	}
	e.Poller = &Poller{
		DB:       deps.DB,
		Cases:    e.Cases,
		Evidence: e.Evidence,
		Parse:    e.Parse,
		Apply:    e.Apply,
		Outreach: e.Outreach,
		Policy:   deps.Policy,
		Now:      deps.Now,
	}
	return e
}
