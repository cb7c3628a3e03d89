// Package repo: this file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// EventsStats returns the number of events on caseID and the timestamp of
// the newest one. When the case has no events, maxTimestamp is nil.
func EventsStats(ctx context.Context, db *gorm.DB, caseID string) (count int64, maxTimestamp *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Event{}).Where("case_id = ?", caseID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest timestamp (avoid MAX() -> TEXT in SQLite)
	var row struct {
		Timestamp time.Time
	}
	if err = q.Select("timestamp").Order("timestamp DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.Timestamp, nil
}

// StateCount is the number of cases in one state.
type StateCount struct {
	State domain.State
	Count int64
}

// CountCasesByState groups all cases by state.
func CountCasesByState(ctx context.Context, db *gorm.DB) ([]StateCount, error) {
	var out []StateCount
	err := db.WithContext(ctx).
		Model(&domain.Case{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Order("state").
		Scan(&out).Error
	return out, err
}
