package domain

import "time"

// Idempotency records the outcome of a completed outreach send, keyed by
// (case_id, key). A retried request with the same Idempotency-Key replays the
// recorded outcome instead of sending another e-mail.
type Idempotency struct {
	ID                string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	CaseID            string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_case_key,priority:1"`
	Key               string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_case_key,priority:2"`
	Action            string    `gorm:"type:TEXT NOT NULL"`
	ProviderMessageID string    `gorm:"type:TEXT"`
	ThreadID          string    `gorm:"type:TEXT"`
	Status            int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt         time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt         time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
