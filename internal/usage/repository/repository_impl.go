package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (id, dispenser_id, start_time, end_time, amount_accrued, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.DispenserID,
		record.StartTime,
		record.EndTime,
		record.AmountAccrued,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) CountByDispenser(ctx context.Context, db *gorm.DB, dispenserID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM usage_records WHERE dispenser_id = ?`,
		dispenserID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListByDispenser(ctx context.Context, db *gorm.DB, dispenserID snowflake.ID) ([]*domain.UsageRecord, error) {
	var records []*domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, dispenser_id, start_time, end_time, amount_accrued, created_at, updated_at
		 FROM usage_records WHERE dispenser_id = ?
		 ORDER BY start_time ASC`,
		dispenserID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, endTime time.Time, amount float64) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET end_time = ?, amount_accrued = ?, updated_at = ?
		 WHERE id = ? AND end_time IS NULL`,
		endTime,
		amount,
		endTime,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListPendingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []*domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, dispenser_id, start_time, end_time, amount_accrued, created_at, updated_at
		 FROM usage_records
		 WHERE end_time IS NULL AND start_time <= ?
		 ORDER BY start_time ASC
		 LIMIT ?`,
		cutoff,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
