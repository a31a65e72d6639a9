package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	CountByDispenser(ctx context.Context, db *gorm.DB, dispenserID snowflake.ID) (int64, error)
	ListByDispenser(ctx context.Context, db *gorm.DB, dispenserID snowflake.ID) ([]*UsageRecord, error)

	// Finalize writes the end time and accrued amount once. The WHERE
	// clause guards against double finalization: 0 rows means the record
	// was already final (or absent).
	Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, endTime time.Time, amount float64) (int64, error)

	// ListPendingBefore returns unfinalized records whose session started
	// at or before the cutoff, oldest first.
	ListPendingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*UsageRecord, error)
}
