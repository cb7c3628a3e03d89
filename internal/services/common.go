package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// Clock returns the current time. Services default to time.Now in UTC.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// loadCase fetches a case and its migrated meta document.
func loadCase(ctx context.Context, db *gorm.DB, id string) (*domain.Case, domain.CaseMeta, error) {
	c, err := repo.GetCase(ctx, db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, domain.CaseMeta{}, ErrCaseNotFound
	}
	if err != nil {
		return nil, domain.CaseMeta{}, err
	}
	meta := c.Meta.Data()
	if err := meta.Migrate(); err != nil {
		return nil, domain.CaseMeta{}, err
	}
	return c, meta, nil
}

// metaValue wraps a meta document for a column update.
func metaValue(m domain.CaseMeta) datatypes.JSONType[domain.CaseMeta] {
	return datatypes.NewJSONType(m)
}

// checkTransition returns ErrInvalidTransition unless from -> to is allowed.
func checkTransition(from, to domain.State) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// supplierDomain derives the domain part of an e-mail address.
func supplierDomain(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

func attachmentRefs(ids []string) []domain.EvidenceRef {
	refs := make([]domain.EvidenceRef, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			refs = append(refs, domain.EvidenceRef{Kind: domain.RefAttachment, ID: id})
		}
	}
	return refs
}

func messageRef(id string) []domain.EvidenceRef {
	if id == "" {
		return nil
	}
	return []domain.EvidenceRef{{Kind: domain.RefMessage, ID: id}}
}

func ptr[T any](v T) *T { return &v }

func datatypesSnapshot(p domain.ParsedFields) datatypes.JSONType[domain.ParsedFields] {
	return datatypes.NewJSONType(p)
}
