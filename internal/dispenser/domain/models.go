// Package domain contains persistence models for dispensers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Dispenser is a shared, exclusively-accessed tap with a flow volume.
// TotalUsageTime and TotalMoneyMade are denormalized caches over the
// dispenser's usage records; the record history stays authoritative.
type Dispenser struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	FlowVolume     float64           `gorm:"not null" json:"flow_volume"`
	IsOpen         bool              `gorm:"not null;default:false" json:"is_open"`
	TotalUsageTime float64           `gorm:"not null;default:0" json:"total_usage_time"`
	TotalMoneyMade float64           `gorm:"not null;default:0" json:"total_money_made"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Dispenser) TableName() string { return "dispensers" }

// Session identifies one in-flight usage interval produced by a
// successful open transition.
type Session struct {
	UsageRecordID snowflake.ID
	DispenserID   snowflake.ID
	FlowVolume    float64
	StartTime     time.Time
}
