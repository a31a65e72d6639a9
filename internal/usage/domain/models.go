// Package domain contains persistence models for dispenser usage history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord stores one usage session of a dispenser. A row is opened in
// pending form (nil EndTime, zero AmountAccrued) when the session starts
// and finalized exactly once when closure is detected; it is never
// touched again after that.
type UsageRecord struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	DispenserID   snowflake.ID `gorm:"not null;index" json:"dispenser_id"`
	StartTime     time.Time    `gorm:"not null" json:"start_time"`
	EndTime       *time.Time   `json:"end_time"`
	AmountAccrued float64      `gorm:"not null;default:0" json:"amount_accrued"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// Finalized reports whether the session has closed.
func (r UsageRecord) Finalized() bool { return r.EndTime != nil }

// Duration returns the session length in seconds, zero while pending.
func (r UsageRecord) Duration() float64 {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime).Seconds()
}
