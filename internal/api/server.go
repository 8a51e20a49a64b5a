package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/servereye/internal/metricscache"
	"github.com/servereye/internal/monitor"
	"github.com/servereye/internal/notify"
	"github.com/servereye/internal/sshpool"
	"github.com/servereye/internal/stream"
	"go.uber.org/zap"
)

// Server exposes the live-update websocket and operational read endpoints.
// Resource CRUD and authentication are left to the surrounding deployment.
type Server struct {
	engine   *monitor.Engine
	pool     *sshpool.Pool
	pipeline *notify.Pipeline
	cache    *metricscache.Cache
	hub      *stream.Hub
	log      *zap.Logger

	router *gin.Engine
	srv    *http.Server
}

func NewServer(engine *monitor.Engine, pool *sshpool.Pool, pipeline *notify.Pipeline,
	cache *metricscache.Cache, hub *stream.Hub, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   engine,
		pool:     pool,
		pipeline: pipeline,
		cache:    cache,
		hub:      hub,
		log:      log,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/ws/targets/:targetId", s.hub.Handler())

	api := s.router.Group("/api/v1")
	api.GET("/stats", s.stats)
	api.GET("/targets/:targetId/metrics/latest", s.latestMetrics)
	api.GET("/targets/:targetId/metrics/history", s.metricsHistory)
}

func (s *Server) Run(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("api server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) stats(c *gin.Context) {
	deliveries, err := s.pipeline.Stats(7)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"monitoring":    s.engine.Stats(),
		"sessions":      s.pool.Stats(),
		"notifications": deliveries,
	})
}

func (s *Server) latestMetrics(c *gin.Context) {
	targetID, ok := s.targetParam(c)
	if !ok {
		return
	}
	sample := s.cache.Latest(targetID)
	if sample == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics for target"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) metricsHistory(c *gin.Context) {
	targetID, ok := s.targetParam(c)
	if !ok {
		return
	}
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "1"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
		return
	}
	c.JSON(http.StatusOK, s.cache.History(targetID, hours))
}

func (s *Server) targetParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("targetId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target id"})
		return 0, false
	}
	return uint(id), true
}
