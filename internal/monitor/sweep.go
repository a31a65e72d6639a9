package monitor

import (
	"context"
	"time"

	usagedomain "github.com/muneebkhan4/tapflow/internal/usage/domain"
	"go.uber.org/zap"
)

const sweepBatchSize = 50

// RunSweepForever periodically finalizes sessions whose monitor died or
// never restarted: pending usage records past the stale threshold with
// no registered monitor. The matching dispenser is force-closed so the
// tap becomes usable again.
func (s *Supervisor) RunSweepForever(ctx context.Context) {
	log := s.log.Named("sweep")
	for {
		interval := s.cfg.Current().SweepInterval
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := s.RunSweep(ctx); err != nil {
			log.Error("recovery sweep failed", zap.Error(err))
		}
	}
}

// RunSweep executes one recovery pass.
func (s *Supervisor) RunSweep(ctx context.Context) error {
	log := s.log.Named("sweep")

	token, acquired, err := s.limiter.TryLockSweep(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		log.Debug("sweep lock held by another replica, skipping")
		return nil
	}
	defer func() {
		if releaseErr := s.limiter.ReleaseSweep(ctx, token); releaseErr != nil {
			log.Warn("failed to release sweep lock", zap.Error(releaseErr))
		}
	}()

	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.Current().StaleThreshold)

	stale, err := s.usageSvc.ListStaleSessions(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, record := range stale {
		if s.IsActive(record.DispenserID) {
			// A live monitor still owns this session; let it finish.
			continue
		}
		if err := s.recoverSession(ctx, log, record, now); err != nil {
			log.Error("failed to recover stale session",
				zap.String("dispenser_id", record.DispenserID.String()),
				zap.String("usage_record_id", record.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Supervisor) recoverSession(ctx context.Context, log *zap.Logger, record usagedomain.UsageRecord, now time.Time) error {
	// Force-close first so the tap is usable again even if finalization
	// below fails; the record stays pending and is retried next pass.
	if _, err := s.dispenserRepo.SetOpen(ctx, s.db, record.DispenserID, false, now); err != nil {
		return err
	}
	s.notifier.NotifyClosed(record.DispenserID)

	// Best effort: a deleted dispenser leaves no flow volume, the record
	// is closed with zero accrual rather than left pending forever.
	var flowVolume float64
	dispenser, err := s.dispenserRepo.FindByID(ctx, s.db, record.DispenserID)
	if err != nil {
		return err
	}
	if dispenser != nil {
		flowVolume = dispenser.FlowVolume
	}

	finalized, err := s.usageSvc.FinalizeSession(ctx, usagedomain.FinalizeSessionRequest{
		UsageRecordID: record.ID.String(),
		DispenserID:   record.DispenserID.String(),
		StartTime:     record.StartTime,
		FlowVolume:    flowVolume,
		EndTime:       now,
	})
	if err != nil {
		return err
	}

	s.metrics.RecordSweepRecovery(ctx)
	s.metrics.RecordSessionFinalized(ctx, now.Sub(record.StartTime).Seconds(), finalized.AmountAccrued, true)
	log.Warn("stale session force-closed",
		zap.String("dispenser_id", record.DispenserID.String()),
		zap.String("usage_record_id", record.ID.String()),
		zap.Time("start_time", record.StartTime),
		zap.Float64("amount_accrued", finalized.AmountAccrued),
	)
	return nil
}
