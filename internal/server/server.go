package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/erpsync/internal/cloudstore"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	mirrordomain "github.com/smallbiznis/erpsync/internal/mirror/domain"
	mirrorservice "github.com/smallbiznis/erpsync/internal/mirror/service"
	"github.com/smallbiznis/erpsync/internal/observability"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	obstracing "github.com/smallbiznis/erpsync/internal/observability/tracing"
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(
		NewEngine,
		func(svc *mirrorservice.Service) MirrorService { return svc },
		func(p *pipeline.Pipeline) DocumentPipeline { return p },
		NewServer,
	),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

// MirrorService is the part of the mirror the admin API drives.
type MirrorService interface {
	Sync(ctx context.Context, feed string, full bool) (mirrordomain.Result, error)
	GetSyncStats(ctx context.Context, feed string) (mirrordomain.Stats, error)
	GetConfig() map[string]config.FeedConfig
}

// DocumentPipeline is the part of the pipeline the admin API drives.
type DocumentPipeline interface {
	Ready() bool
	Recover(ctx context.Context) (pipeline.Summary, error)
	Process(ctx context.Context, id, trigger string) (pipeline.Outcome, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	mirror   MirrorService
	pipeline DocumentPipeline
	legacy   Pinger
	cloud    Pinger
	log      *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	Mirror   MirrorService
	Pipeline DocumentPipeline
	Legacy   *legacystore.Store
	Cloud    *cloudstore.Store
	Log      *zap.Logger
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		mirror:   p.Mirror,
		pipeline: p.Pipeline,
		log:      p.Log.Named("http"),
	}
	if p.Legacy != nil {
		s.legacy = p.Legacy
	}
	if p.Cloud != nil {
		s.cloud = p.Cloud
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/health", s.Health)
	r.GET("/readyz", s.Ready)

	v1 := r.Group("/v1")
	v1.POST("/sync/:feed", s.SyncFeed)
	v1.GET("/sync/:feed/stats", s.FeedStats)
	v1.POST("/documents/recover", s.RecoverDocuments)
	v1.POST("/documents/:id/sync", s.SyncDocument)
	v1.GET("/config", s.Config)
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports 200 once startup recovery finished and both stores answer.
func (s *Server) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"recovery": "ok", "legacy": "ok", "cloud": "ok"}
	ready := true
	if !s.pipeline.Ready() {
		checks["recovery"] = "pending"
		ready = false
	}
	for name, store := range map[string]Pinger{"legacy": s.legacy, "cloud": s.cloud} {
		if store == nil {
			continue
		}
		if err := store.Ping(ctx); err != nil {
			checks[name] = "unreachable"
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
