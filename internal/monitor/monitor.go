// Package monitor watches open sessions and finalizes their usage
// records when the dispenser closes.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muneebkhan4/tapflow/internal/clock"
	"github.com/muneebkhan4/tapflow/internal/config"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	obsmetrics "github.com/muneebkhan4/tapflow/internal/observability/metrics"
	"github.com/muneebkhan4/tapflow/internal/ratelimit"
	usagedomain "github.com/muneebkhan4/tapflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxConsecutiveReadFailures bounds transient store retries before a
// monitor gives up and leaves the session to the recovery sweep.
const maxConsecutiveReadFailures = 10

var (
	ErrMonitorExists = errors.New("monitor_already_registered")
	ErrNotStarted    = errors.New("monitor_supervisor_not_started")
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Config        *config.MonitorConfigHolder
	Notifier      *Notifier
	DispenserRepo dispenserdomain.Repository
	UsageSvc      usagedomain.Service
	Limiter       *ratelimit.OpenLimiter `optional:"true"`
	Metrics       *obsmetrics.Metrics    `optional:"true"`
}

// Supervisor owns every in-flight session monitor. At most one monitor
// per dispenser is registered at a time; the state gate guarantees at
// most one open session, the registry is the in-process belt on top.
type Supervisor struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	cfg           *config.MonitorConfigHolder
	notifier      *Notifier
	dispenserRepo dispenserdomain.Repository
	usageSvc      usagedomain.Service
	limiter       *ratelimit.OpenLimiter
	metrics       *obsmetrics.Metrics

	mu      sync.Mutex
	active  map[snowflake.ID]struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(p Params) *Supervisor {
	return &Supervisor{
		db:            p.DB,
		log:           p.Log.Named("monitor"),
		clock:         p.Clock,
		cfg:           p.Config,
		notifier:      p.Notifier,
		dispenserRepo: p.DispenserRepo,
		usageSvc:      p.UsageSvc,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
		active:        make(map[snowflake.ID]struct{}),
	}
}

// Start arms the supervisor. Monitors refuse to spawn before this.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
}

// Stop cancels all monitors and waits for them to drain, bounded by the
// configured shutdown drain. Sessions still pending after the drain are
// picked up by the recovery sweep on the next start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.baseCtx = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := s.cfg.Current().ShutdownDrain
	select {
	case <-done:
	case <-time.After(drain):
		s.log.Warn("shutdown drain elapsed with monitors still running",
			zap.Duration("drain", drain),
		)
	}
}

// Watch spawns a monitor for a freshly opened session and returns
// immediately.
func (s *Supervisor) Watch(session dispenserdomain.Session) error {
	s.mu.Lock()
	if s.baseCtx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if _, exists := s.active[session.DispenserID]; exists {
		s.mu.Unlock()
		return ErrMonitorExists
	}
	s.active[session.DispenserID] = struct{}{}
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, session)
	return nil
}

// IsActive reports whether a monitor is registered for the dispenser.
func (s *Supervisor) IsActive(id snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// ActiveCount returns the number of in-flight monitors.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Supervisor) run(ctx context.Context, session dispenserdomain.Session) {
	defer s.wg.Done()
	defer s.deregister(session.DispenserID)

	log := s.log.With(
		zap.String("dispenser_id", session.DispenserID.String()),
		zap.String("usage_record_id", session.UsageRecordID.String()),
	)

	closed, unsubscribe := s.notifier.Subscribe(session.DispenserID)
	defer unsubscribe()

	failures := 0
	for {
		interval := s.cfg.Current().PollInterval
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			// Shutdown: leave the record pending, the sweep finalizes it.
			log.Info("monitor stopped before closure, session left pending")
			return
		case <-closed:
			timer.Stop()
		case <-timer.C:
		}

		open, err := s.readOpenState(ctx, session.DispenserID)
		if err != nil {
			if errors.Is(err, dispenserdomain.ErrNotFound) {
				s.fatal(ctx, log, "dispenser deleted mid-session", err)
				return
			}
			failures++
			s.metrics.RecordMonitorPoll(ctx, true)
			if failures >= maxConsecutiveReadFailures {
				s.fatal(ctx, log, "store unreachable, giving up", err)
				return
			}
			log.Warn("transient poll failure",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			continue
		}
		failures = 0
		s.metrics.RecordMonitorPoll(ctx, false)

		if open {
			continue
		}

		s.finalize(ctx, log, session)
		return
	}
}

// readOpenState fetches the current is_open flag with a bounded-time
// read. A timeout surfaces as a transient error, never as closure.
func (s *Supervisor) readOpenState(ctx context.Context, id snowflake.ID) (bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.Current().ReadTimeout)
	defer cancel()

	dispenser, err := s.dispenserRepo.FindByID(readCtx, s.db, id)
	if err != nil {
		return false, err
	}
	if dispenser == nil {
		return false, dispenserdomain.ErrNotFound
	}
	return dispenser.IsOpen, nil
}

func (s *Supervisor) finalize(ctx context.Context, log *zap.Logger, session dispenserdomain.Session) {
	closeTime := s.clock.Now()
	record, err := s.usageSvc.FinalizeSession(ctx, usagedomain.FinalizeSessionRequest{
		UsageRecordID: session.UsageRecordID.String(),
		DispenserID:   session.DispenserID.String(),
		StartTime:     session.StartTime,
		FlowVolume:    session.FlowVolume,
		EndTime:       closeTime,
	})
	if err != nil {
		if errors.Is(err, usagedomain.ErrAlreadyFinalized) {
			// The sweep got there first; nothing left to do.
			log.Info("session already finalized")
			return
		}
		s.fatal(ctx, log, "finalization failed", err)
		return
	}

	elapsed := closeTime.Sub(session.StartTime).Seconds()
	s.metrics.RecordSessionFinalized(ctx, elapsed, record.AmountAccrued, false)
	log.Info("closure detected",
		zap.Float64("elapsed_seconds", elapsed),
		zap.Float64("amount_accrued", record.AmountAccrued),
	)
}

func (s *Supervisor) fatal(ctx context.Context, log *zap.Logger, reason string, err error) {
	s.metrics.RecordMonitorFailure(ctx, reason)
	log.Error("monitor terminated",
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (s *Supervisor) deregister(id snowflake.ID) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
