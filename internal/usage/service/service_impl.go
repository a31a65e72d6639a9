package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/internal/cache"
	"github.com/muneebkhan4/tapflow/internal/clock"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	obsmetrics "github.com/muneebkhan4/tapflow/internal/observability/metrics"
	"github.com/muneebkhan4/tapflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Repo          domain.Repository
	DispenserRepo dispenserdomain.Repository
	Cache         cache.UsageAggregateCache
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	repo          domain.Repository
	dispenserRepo dispenserdomain.Repository
	cache         cache.UsageAggregateCache
	metrics       *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("usage.service"),
		clock:         p.Clock,
		repo:          p.Repo,
		dispenserRepo: p.DispenserRepo,
		cache:         p.Cache,
		metrics:       p.Metrics,
	}
}

func (s *Service) CountUsages(ctx context.Context, dispenserID string) (int64, error) {
	id, err := s.resolveDispenser(ctx, dispenserID)
	if err != nil {
		return 0, err
	}

	if count, ok := s.cache.GetCount(id.String()); ok {
		return count, nil
	}

	count, err := s.repo.CountByDispenser(ctx, s.db, id)
	if err != nil {
		return 0, err
	}
	s.cache.SetCount(id.String(), count)
	return count, nil
}

func (s *Service) TotalUsageTime(ctx context.Context, dispenserID string) (float64, error) {
	id, err := s.resolveDispenser(ctx, dispenserID)
	if err != nil {
		return 0, err
	}

	if total, ok := s.cache.GetTotalTime(id.String()); ok {
		return total, nil
	}

	records, err := s.repo.ListByDispenser(ctx, s.db, id)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, record := range records {
		if record == nil {
			continue
		}
		// Pending sessions contribute nothing until finalized.
		total += record.Duration()
	}
	s.cache.SetTotalTime(id.String(), total)
	return total, nil
}

func (s *Service) TotalMoneyMade(ctx context.Context, dispenserID string) (float64, error) {
	id, err := s.resolveDispenser(ctx, dispenserID)
	if err != nil {
		return 0, err
	}

	if total, ok := s.cache.GetTotalMoney(id.String()); ok {
		return total, nil
	}

	records, err := s.repo.ListByDispenser(ctx, s.db, id)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, record := range records {
		if record == nil {
			continue
		}
		total += record.AmountAccrued
	}
	s.cache.SetTotalMoney(id.String(), total)
	return total, nil
}

func (s *Service) FinalizeSession(ctx context.Context, req domain.FinalizeSessionRequest) (domain.UsageRecord, error) {
	recordID, err := snowflake.ParseString(req.UsageRecordID)
	if err != nil {
		return domain.UsageRecord{}, domain.ErrInvalidID
	}
	dispenserID, err := snowflake.ParseString(req.DispenserID)
	if err != nil {
		return domain.UsageRecord{}, dispenserdomain.ErrNotFound
	}

	elapsed := req.EndTime.Sub(req.StartTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	amount := req.FlowVolume * elapsed
	endTime := req.EndTime

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.Finalize(ctx, tx, recordID, endTime, amount)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrAlreadyFinalized
		}
		return s.dispenserRepo.AddTotals(ctx, tx, dispenserID, elapsed, amount, endTime)
	})
	if err != nil {
		return domain.UsageRecord{}, err
	}

	s.cache.Invalidate(dispenserID.String())
	s.log.Info("session finalized",
		zap.String("dispenser_id", dispenserID.String()),
		zap.String("usage_record_id", recordID.String()),
		zap.Float64("elapsed_seconds", elapsed),
		zap.Float64("amount_accrued", amount),
	)

	return domain.UsageRecord{
		ID:            recordID,
		DispenserID:   dispenserID,
		StartTime:     req.StartTime,
		EndTime:       &endTime,
		AmountAccrued: amount,
	}, nil
}

func (s *Service) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]domain.UsageRecord, error) {
	rows, err := s.repo.ListPendingBefore(ctx, s.db, cutoff, limit)
	if err != nil {
		return nil, err
	}

	records := make([]domain.UsageRecord, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		records = append(records, *row)
	}
	return records, nil
}

func (s *Service) resolveDispenser(ctx context.Context, dispenserID string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(dispenserID)
	if err != nil {
		return 0, dispenserdomain.ErrNotFound
	}

	dispenser, err := s.dispenserRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return 0, err
	}
	if dispenser == nil {
		return 0, dispenserdomain.ErrNotFound
	}
	return id, nil
}
