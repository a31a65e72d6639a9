package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/muneebkhan4/tapflow/internal/cache"
	"github.com/muneebkhan4/tapflow/internal/clock"
	"github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	dispenserrepo "github.com/muneebkhan4/tapflow/internal/dispenser/repository"
	"github.com/muneebkhan4/tapflow/internal/monitor"
	usagerepo "github.com/muneebkhan4/tapflow/internal/usage/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestCreateRequiresFlowVolume(t *testing.T) {
	svc, _, _ := setupDispenserService(t)

	_, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: 0})
	if !errors.Is(err, domain.ErrFlowVolumeRequired) {
		t.Fatalf("expected ErrFlowVolumeRequired, got %v", err)
	}

	_, err = svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: -3})
	if !errors.Is(err, domain.ErrFlowVolumeRequired) {
		t.Fatalf("expected ErrFlowVolumeRequired for negative volume, got %v", err)
	}
}

func TestTryOpenUnknownDispenser(t *testing.T) {
	svc, _, node := setupDispenserService(t)

	_, err := svc.TryOpen(context.Background(), node.Generate().String())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = svc.TryOpen(context.Background(), "not-a-snowflake")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func TestTryOpenCreatesPendingRecord(t *testing.T) {
	svc, db, _ := setupDispenserService(t)

	created, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	session, err := svc.TryOpen(context.Background(), created.ID.String())
	if err != nil {
		t.Fatalf("try open: %v", err)
	}
	if session.DispenserID != created.ID {
		t.Fatalf("session bound to wrong dispenser: %s", session.DispenserID)
	}
	if session.FlowVolume != 10 {
		t.Fatalf("expected flow volume 10 on session, got %v", session.FlowVolume)
	}

	var pending int
	if err := db.Raw(
		`SELECT COUNT(1) FROM usage_records WHERE dispenser_id = ? AND end_time IS NULL`,
		created.ID,
	).Scan(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending usage record, got %d", pending)
	}

	got, err := svc.GetByID(context.Background(), created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsOpen {
		t.Fatal("dispenser should be open after TryOpen")
	}
}

func TestTryOpenExactlyOneWinner(t *testing.T) {
	svc, _, _ := setupDispenserService(t)

	created, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.TryOpen(context.Background(), created.ID.String())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrAlreadyOpen):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful open, got %d", successes)
	}
	if conflicts != callers-1 {
		t.Fatalf("expected %d conflicts, got %d", callers-1, conflicts)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, _, _ := setupDispenserService(t)

	created, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.TryOpen(context.Background(), created.ID.String()); err != nil {
		t.Fatalf("try open: %v", err)
	}

	if err := svc.Close(context.Background(), created.ID.String()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(context.Background(), created.ID.String()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	got, err := svc.GetByID(context.Background(), created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsOpen {
		t.Fatal("dispenser should be closed")
	}

	// The tap is free again: a new open must succeed.
	if _, err := svc.TryOpen(context.Background(), created.ID.String()); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	svc, _, _ := setupDispenserService(t)

	created, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.TryOpen(context.Background(), created.ID.String()); err != nil {
		t.Fatalf("try open: %v", err)
	}

	impl := svc.(*Service)
	closed, unsubscribe := impl.notifier.Subscribe(created.ID)
	defer unsubscribe()

	if err := svc.Close(context.Background(), created.ID.String()); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close signal never delivered")
	}
}

func TestUpdateTogglesState(t *testing.T) {
	svc, _, node := setupDispenserService(t)

	created, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: 4})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	open := true
	if err := svc.Update(context.Background(), domain.UpdateDispenserRequest{ID: created.ID.String(), IsOpen: &open}); err != nil {
		t.Fatalf("update open: %v", err)
	}
	got, err := svc.GetByID(context.Background(), created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsOpen {
		t.Fatal("dispenser should be open after update")
	}

	closed := false
	if err := svc.Update(context.Background(), domain.UpdateDispenserRequest{ID: created.ID.String(), IsOpen: &closed}); err != nil {
		t.Fatalf("update close: %v", err)
	}
	got, err = svc.GetByID(context.Background(), created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsOpen {
		t.Fatal("dispenser should be closed after update")
	}

	if err := svc.Update(context.Background(), domain.UpdateDispenserRequest{ID: node.Generate().String()}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown dispenser, got %v", err)
	}
}

func TestListPagination(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	svc, _, _ := setupDispenserServiceWithClock(t, fake)

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(context.Background(), domain.CreateDispenserRequest{FlowVolume: float64(i + 1)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		// Distinct creation days keep the cursor ordering unambiguous.
		fake.Advance(24 * time.Hour)
	}

	first, err := svc.List(context.Background(), domain.ListDispensersRequest{PageSize: 3})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.Dispensers) != 3 {
		t.Fatalf("expected 3 dispensers on first page, got %d", len(first.Dispensers))
	}
	if !first.HasMore || first.NextPageToken == "" {
		t.Fatal("expected a next page")
	}

	second, err := svc.List(context.Background(), domain.ListDispensersRequest{PageSize: 3, PageToken: first.NextPageToken})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Dispensers) != 2 {
		t.Fatalf("expected 2 dispensers on second page, got %d", len(second.Dispensers))
	}

	seen := make(map[snowflake.ID]struct{})
	for _, d := range append(first.Dispensers, second.Dispensers...) {
		if _, dup := seen[d.ID]; dup {
			t.Fatalf("dispenser %s returned twice", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
}

func setupDispenserService(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	return setupDispenserServiceWithClock(t, clock.NewSystemClock())
}

func setupDispenserServiceWithClock(t *testing.T, clk clock.Clock) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db := openTestDB(t)
	node := mustNode(t)

	svc := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      dispenserrepo.Provide(),
		UsageRepo: usagerepo.Provide(),
		Notifier:  monitor.NewNotifier(),
		Cache:     cache.NewUsageAggregateCache(),
	})
	return svc, db, node
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	prepareSchema(t, db)
	return db
}

func prepareSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec(`CREATE TABLE dispensers (
		id BIGINT PRIMARY KEY,
		flow_volume DOUBLE PRECISION NOT NULL,
		is_open BOOLEAN NOT NULL DEFAULT FALSE,
		total_usage_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_money_made DOUBLE PRECISION NOT NULL DEFAULT 0,
		metadata JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create dispensers: %v", err)
	}
	if err := db.Exec(`CREATE TABLE usage_records (
		id BIGINT PRIMARY KEY,
		dispenser_id BIGINT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		amount_accrued DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create usage_records: %v", err)
	}
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
