package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/muneebkhan4/tapflow/internal/config"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	"github.com/muneebkhan4/tapflow/internal/monitor"
	"github.com/muneebkhan4/tapflow/internal/observability"
	obsmiddleware "github.com/muneebkhan4/tapflow/internal/observability/logger"
	obsmetrics "github.com/muneebkhan4/tapflow/internal/observability/metrics"
	obstracing "github.com/muneebkhan4/tapflow/internal/observability/tracing"
	"github.com/muneebkhan4/tapflow/internal/ratelimit"
	usagedomain "github.com/muneebkhan4/tapflow/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	dispenserSvc dispenserdomain.Service
	usageSvc     usagedomain.Service
	supervisor   *monitor.Supervisor
	openLimiter  *ratelimit.OpenLimiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	DispenserSvc dispenserdomain.Service
	UsageSvc     usagedomain.Service
	Supervisor   *monitor.Supervisor
	OpenLimiter  *ratelimit.OpenLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		dispenserSvc: p.DispenserSvc,
		usageSvc:     p.UsageSvc,
		supervisor:   p.Supervisor,
		openLimiter:  p.OpenLimiter,
		obsMetrics:   p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	s.engine.POST("/dispensers", s.CreateDispenser)
	s.engine.GET("/dispensers", s.ListDispensers)
	s.engine.GET("/dispensers/:id", s.GetDispenser)
	s.engine.PATCH("/dispensers/:id", s.UpdateDispenser)

	s.engine.POST("/dispenser_usage", s.OpenDispenser)
	s.engine.GET("/dispenser_usage/:id/usage_count", s.UsageCount)
	s.engine.GET("/dispenser_usage/:id/total_usage_time", s.TotalUsageTime)
	s.engine.GET("/dispenser_usage/:id/total_money_made", s.TotalMoneyMade)
}
