package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/muneebkhan4/tapflow/internal/cache"
	"github.com/muneebkhan4/tapflow/internal/clock"
	"github.com/muneebkhan4/tapflow/internal/config"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	dispenserrepo "github.com/muneebkhan4/tapflow/internal/dispenser/repository"
	dispenserservice "github.com/muneebkhan4/tapflow/internal/dispenser/service"
	"github.com/muneebkhan4/tapflow/internal/monitor"
	usagerepo "github.com/muneebkhan4/tapflow/internal/usage/repository"
	usageservice "github.com/muneebkhan4/tapflow/internal/usage/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type apiFixture struct {
	server *Server
	fake   *clock.FakeClock
	db     *gorm.DB
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openServerTestDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	notifier := monitor.NewNotifier()
	dispRepo := dispenserrepo.Provide()
	usgRepo := usagerepo.Provide()
	aggregateCache := cache.NewUsageAggregateCache()

	usageSvc := usageservice.New(usageservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fake,
		Repo:          usgRepo,
		DispenserRepo: dispRepo,
		Cache:         aggregateCache,
	})

	dispenserSvc := dispenserservice.New(dispenserservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Repo:      dispRepo,
		UsageRepo: usgRepo,
		Notifier:  notifier,
		Cache:     aggregateCache,
	})

	holder := config.StaticMonitorConfigHolder(config.MonitorConfig{
		PollInterval:   10 * time.Millisecond,
		ReadTimeout:    100 * time.Millisecond,
		StaleThreshold: 200 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
		ShutdownDrain:  2 * time.Second,
	})
	sup := monitor.New(monitor.Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fake,
		Config:        holder,
		Notifier:      notifier,
		DispenserRepo: dispRepo,
		UsageSvc:      usageSvc,
	})
	sup.Start()
	t.Cleanup(sup.Stop)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:          engine,
		Cfg:          config.Config{AppName: "tapflow-test"},
		DB:           db,
		DispenserSvc: dispenserSvc,
		UsageSvc:     usageSvc,
		Supervisor:   sup,
	})

	return &apiFixture{server: srv, fake: fake, db: db}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateDispenserValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/dispensers", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[messageResponse](t, rec)
	require.Equal(t, "Flow volume is required.", resp.Message)

	rec = f.do(t, http.MethodPost, "/dispensers", map[string]any{"flow_volume": 10.5})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[dispenserdomain.Dispenser](t, rec)
	require.NotZero(t, created.ID)
	require.Equal(t, 10.5, created.FlowVolume)
	require.False(t, created.IsOpen)
}

func TestGetDispenserNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/dispensers/12345", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeBody[messageResponse](t, rec)
	require.Equal(t, "Dispenser not found.", resp.Message)
}

func TestUpdateDispenserEmptyBody(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/dispensers", map[string]any{"flow_volume": 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[dispenserdomain.Dispenser](t, rec)

	// A bodyless PATCH carries no fields and succeeds as a no-op.
	rec = f.do(t, http.MethodPatch, "/dispensers/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[messageResponse](t, rec)
	require.Equal(t, "Updated dispenser.", resp.Message)

	// The dispenser must still exist, even for a no-op update.
	rec = f.do(t, http.MethodPatch, "/dispensers/999999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// A body that is not a JSON object is still rejected.
	rec = f.do(t, http.MethodPatch, "/dispensers/"+created.ID.String(), "not an object")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp = decodeBody[messageResponse](t, rec)
	require.Equal(t, "Invalid request.", resp.Message)
}

func TestOpenDispenserValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/dispenser_usage", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[messageResponse](t, rec)
	require.Equal(t, "Dispenser ID is required.", resp.Message)

	rec = f.do(t, http.MethodPost, "/dispenser_usage", map[string]any{"dispenserId": "999999"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp = decodeBody[messageResponse](t, rec)
	require.Equal(t, "Dispenser not found.", resp.Message)
}

func TestTapLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/dispensers", map[string]any{"flow_volume": 10})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[dispenserdomain.Dispenser](t, rec)
	id := created.ID.String()

	// Open the tap.
	rec = f.do(t, http.MethodPost, "/dispenser_usage", map[string]any{"dispenserId": id})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Opened", decodeBody[messageResponse](t, rec).Message)

	// A second attendant hits the closed gate.
	rec = f.do(t, http.MethodPost, "/dispenser_usage", map[string]any{"dispenserId": id})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Dispenser is already in use.", decodeBody[messageResponse](t, rec).Message)

	// The pending session already counts as a usage.
	rec = f.do(t, http.MethodGet, "/dispenser_usage/"+id+"/usage_count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	count := decodeBody[map[string]int64](t, rec)
	require.EqualValues(t, 1, count["usage_count"])

	// Five seconds of pouring, then the tap closes.
	f.fake.Advance(5 * time.Second)
	rec = f.do(t, http.MethodPatch, "/dispensers/"+id, map[string]any{"is_open": false})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Updated dispenser.", decodeBody[messageResponse](t, rec).Message)

	f.waitForMoney(t, id, 50)

	rec = f.do(t, http.MethodGet, "/dispenser_usage/"+id+"/total_usage_time", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	seconds := decodeBody[map[string]float64](t, rec)
	require.InDelta(t, 5, seconds["total_usage_time"], 1e-9)
}

func TestAggregateEndpointsUnknownDispenser(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{
		"/dispenser_usage/424242/usage_count",
		"/dispenser_usage/424242/total_usage_time",
		"/dispenser_usage/424242/total_money_made",
	} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equalf(t, http.StatusNotFound, rec.Code, "path %s", path)
		require.Equal(t, "Dispenser not found.", decodeBody[messageResponse](t, rec).Message)
	}
}

// waitForMoney polls total_money_made until the monitor finalizes the
// session. The aggregate cache can hold a pre-finalization zero for its
// TTL, so the deadline exceeds it.
func (f *apiFixture) waitForMoney(t *testing.T, id string, want float64) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	var last float64
	for time.Now().Before(deadline) {
		rec := f.do(t, http.MethodGet, "/dispenser_usage/"+id+"/total_money_made", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody[map[string]float64](t, rec)
		last = body["total_money_made"]
		if math.Abs(last-want) < 1e-9 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("total_money_made never reached %v, last %v", want, last)
}

func openServerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.Exec(`CREATE TABLE dispensers (
		id BIGINT PRIMARY KEY,
		flow_volume DOUBLE PRECISION NOT NULL,
		is_open BOOLEAN NOT NULL DEFAULT FALSE,
		total_usage_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_money_made DOUBLE PRECISION NOT NULL DEFAULT 0,
		metadata JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE usage_records (
		id BIGINT PRIMARY KEY,
		dispenser_id BIGINT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		amount_accrued DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)
	return db
}
