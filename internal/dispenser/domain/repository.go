package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, dispenser *Dispenser) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Dispenser, error)
	List(ctx context.Context, db *gorm.DB, page pagination.Pagination) ([]*Dispenser, error)

	// OpenIfClosed performs the atomic open transition. It returns the
	// number of rows changed: 1 when this caller won the open, 0 when the
	// dispenser is missing or already open.
	OpenIfClosed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)

	// SetOpen writes the flag unconditionally; closing is idempotent.
	SetOpen(ctx context.Context, db *gorm.DB, id snowflake.ID, open bool, now time.Time) (int64, error)

	// AddTotals bumps the denormalized per-dispenser aggregates.
	AddTotals(ctx context.Context, db *gorm.DB, id snowflake.ID, seconds, money float64, now time.Time) error
}
