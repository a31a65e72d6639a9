package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/internal/cache"
	"github.com/muneebkhan4/tapflow/internal/clock"
	"github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	"github.com/muneebkhan4/tapflow/internal/monitor"
	obsmetrics "github.com/muneebkhan4/tapflow/internal/observability/metrics"
	usagedomain "github.com/muneebkhan4/tapflow/internal/usage/domain"
	"github.com/muneebkhan4/tapflow/pkg/db"
	"github.com/muneebkhan4/tapflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	UsageRepo usagedomain.Repository
	Notifier  *monitor.Notifier
	Cache     cache.UsageAggregateCache
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	usageRepo usagedomain.Repository
	notifier  *monitor.Notifier
	cache     cache.UsageAggregateCache
	metrics   *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("dispenser.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		usageRepo: p.UsageRepo,
		notifier:  p.Notifier,
		cache:     p.Cache,
		metrics:   p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateDispenserRequest) (domain.Dispenser, error) {
	if req.FlowVolume <= 0 {
		return domain.Dispenser{}, domain.ErrFlowVolumeRequired
	}

	isOpen := false
	if req.IsOpen != nil {
		isOpen = *req.IsOpen
	}

	now := s.clock.Now()
	dispenser := domain.Dispenser{
		ID:         s.genID.Generate(),
		FlowVolume: req.FlowVolume,
		IsOpen:     isOpen,
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Insert(ctx, s.db, &dispenser); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return domain.Dispenser{}, err
		}
		// Snowflake collision; one fresh id is enough.
		dispenser.ID = s.genID.Generate()
		if err := s.repo.Insert(ctx, s.db, &dispenser); err != nil {
			return domain.Dispenser{}, err
		}
	}

	return dispenser, nil
}

func (s *Service) List(ctx context.Context, req domain.ListDispensersRequest) (domain.ListDispensersResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.List(ctx, s.db, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListDispensersResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(dispenser *domain.Dispenser) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        dispenser.ID.String(),
			CreatedAt: dispenser.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	dispensers := make([]domain.Dispenser, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		dispensers = append(dispensers, *item)
	}

	resp := domain.ListDispensersResponse{Dispensers: dispensers}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Dispenser, error) {
	dispenserID, err := snowflake.ParseString(id)
	if err != nil {
		return domain.Dispenser{}, domain.ErrNotFound
	}

	dispenser, err := s.repo.FindByID(ctx, s.db, dispenserID)
	if err != nil {
		return domain.Dispenser{}, err
	}
	if dispenser == nil {
		return domain.Dispenser{}, domain.ErrNotFound
	}
	return *dispenser, nil
}

func (s *Service) TryOpen(ctx context.Context, id string) (domain.Session, error) {
	dispenserID, err := snowflake.ParseString(id)
	if err != nil {
		return domain.Session{}, domain.ErrNotFound
	}

	now := s.clock.Now()
	var session domain.Session

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.OpenIfClosed(ctx, tx, dispenserID, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			dispenser, err := s.repo.FindByID(ctx, tx, dispenserID)
			if err != nil {
				return err
			}
			if dispenser == nil {
				return domain.ErrNotFound
			}
			return domain.ErrAlreadyOpen
		}

		dispenser, err := s.repo.FindByID(ctx, tx, dispenserID)
		if err != nil {
			return err
		}
		if dispenser == nil {
			return domain.ErrNotFound
		}

		record := usagedomain.UsageRecord{
			ID:          s.genID.Generate(),
			DispenserID: dispenserID,
			StartTime:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.usageRepo.Insert(ctx, tx, &record); err != nil {
			return err
		}

		session = domain.Session{
			UsageRecordID: record.ID,
			DispenserID:   dispenserID,
			FlowVolume:    dispenser.FlowVolume,
			StartTime:     now,
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	s.cache.Invalidate(dispenserID.String())
	s.metrics.RecordSessionOpened(ctx)
	s.log.Info("session opened",
		zap.String("dispenser_id", dispenserID.String()),
		zap.String("usage_record_id", session.UsageRecordID.String()),
	)
	return session, nil
}

func (s *Service) Close(ctx context.Context, id string) error {
	dispenserID, err := snowflake.ParseString(id)
	if err != nil {
		return domain.ErrNotFound
	}

	rows, err := s.repo.SetOpen(ctx, s.db, dispenserID, false, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	s.notifier.NotifyClosed(dispenserID)
	return nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateDispenserRequest) error {
	dispenserID, err := snowflake.ParseString(req.ID)
	if err != nil {
		return domain.ErrNotFound
	}

	if req.IsOpen == nil {
		dispenser, err := s.repo.FindByID(ctx, s.db, dispenserID)
		if err != nil {
			return err
		}
		if dispenser == nil {
			return domain.ErrNotFound
		}
		return nil
	}

	if !*req.IsOpen {
		return s.Close(ctx, req.ID)
	}

	// Opening through PATCH is a raw flag write: no session, no monitor.
	// The CAS form keeps the write race-free against concurrent opens.
	rows, err := s.repo.OpenIfClosed(ctx, s.db, dispenserID, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		dispenser, err := s.repo.FindByID(ctx, s.db, dispenserID)
		if err != nil {
			return err
		}
		if dispenser == nil {
			return domain.ErrNotFound
		}
		// Already open; the PATCH is a no-op.
	}
	return nil
}
