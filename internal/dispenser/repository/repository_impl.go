package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	"github.com/muneebkhan4/tapflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, dispenser *domain.Dispenser) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dispensers (id, flow_volume, is_open, total_usage_time, total_money_made, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dispenser.ID,
		dispenser.FlowVolume,
		dispenser.IsOpen,
		dispenser.TotalUsageTime,
		dispenser.TotalMoneyMade,
		dispenser.Metadata,
		dispenser.CreatedAt,
		dispenser.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Dispenser, error) {
	var dispenser domain.Dispenser
	err := db.WithContext(ctx).Raw(
		`SELECT id, flow_volume, is_open, total_usage_time, total_money_made, metadata, created_at, updated_at
		 FROM dispensers WHERE id = ?`,
		id,
	).Scan(&dispenser).Error
	if err != nil {
		return nil, err
	}
	if dispenser.ID == 0 {
		return nil, nil
	}
	return &dispenser, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, page pagination.Pagination) ([]*domain.Dispenser, error) {
	var dispensers []*domain.Dispenser
	stmt := db.WithContext(ctx).Model(&domain.Dispenser{})
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err == nil && cursor.CreatedAt != "" {
			// Bind the cursor as a timestamp so the driver formats it the
			// same way it stored created_at.
			if ts, terr := time.Parse(time.RFC3339, cursor.CreatedAt); terr == nil {
				stmt = stmt.Where("(created_at, id) < (?, ?)", ts, cursor.ID)
			}
		}
	}
	if page.PageSize > 0 {
		stmt = stmt.Limit(page.PageSize + 1)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Find(&dispensers).Error
	if err != nil {
		return nil, err
	}
	return dispensers, nil
}

func (r *repo) OpenIfClosed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	// Single read-modify-write; the WHERE clause is the exclusivity check.
	res := db.WithContext(ctx).Exec(
		`UPDATE dispensers SET is_open = ?, updated_at = ? WHERE id = ? AND is_open = ?`,
		true,
		now,
		id,
		false,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) SetOpen(ctx context.Context, db *gorm.DB, id snowflake.ID, open bool, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE dispensers SET is_open = ?, updated_at = ? WHERE id = ?`,
		open,
		now,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) AddTotals(ctx context.Context, db *gorm.DB, id snowflake.ID, seconds, money float64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE dispensers
		 SET total_usage_time = total_usage_time + ?,
		     total_money_made = total_money_made + ?,
		     updated_at = ?
		 WHERE id = ?`,
		seconds,
		money,
		now,
		id,
	).Error
}
