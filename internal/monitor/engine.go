package monitor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/servereye/internal/dockerctl"
	"github.com/servereye/internal/metricscache"
	"github.com/servereye/internal/models"
	"github.com/servereye/internal/sshpool"
	"github.com/servereye/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Commands used to read host resource usage over SSH.
var resourceCommands = []string{
	`top -bn1 | grep 'Cpu(s)' | awk '{print $2}' | cut -d'%' -f1`,
	`free | grep Mem | awk '{printf "%.1f", ($3/$2) * 100.0}'`,
	`df -h / | awk 'NR==2 {print $5}' | cut -d'%' -f1`,
}

// CommandRunner is the slice of the session pool the engine uses.
type CommandRunner interface {
	ExecuteSequence(ctx context.Context, targetID uint, commands []string) ([]sshpool.Result, error)
	TestConnection(ctx context.Context, targetID uint) bool
}

// EngineInspector is the slice of the container adapter the engine uses.
type EngineInspector interface {
	GetInfo(ctx context.Context, targetID uint) (dockerctl.EngineInfo, error)
}

// Notifier hands created alerts to the notification pipeline.
type Notifier interface {
	Send(alert *models.Alert, metadata map[string]string)
}

// Config bounds the engine's cadences.
type Config struct {
	DefaultInterval time.Duration // per-target cadence when none given
	MinInterval     time.Duration // API-boundary clamp, default 5s
	MaxInterval     time.Duration // API-boundary clamp, default 300s
	SweepInterval   time.Duration // global collection sweep
	RetentionDays   int           // metric retention horizon
	AlertChannels   []string      // channels stamped onto created alerts
}

func (c *Config) withDefaults() {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 300 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if len(c.AlertChannels) == 0 {
		c.AlertChannels = []string{"email", "slack", "webhook"}
	}
}

// Engine schedules recurring metric collection per target and health checks
// per service, persists the results, evaluates thresholds and broadcasts
// live updates.
type Engine struct {
	db       *gorm.DB
	pool     CommandRunner
	docker   EngineInspector
	cache    *metricscache.Cache
	hub      *stream.Hub
	notifier Notifier
	log      *zap.Logger
	cfg      Config

	targetJobs  *scheduler
	serviceJobs *scheduler

	healthMu sync.Mutex
	health   map[uint]HealthCheckConfig

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(db *gorm.DB, pool CommandRunner, docker EngineInspector, cache *metricscache.Cache,
	hub *stream.Hub, notifier Notifier, log *zap.Logger, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{
		db:          db,
		pool:        pool,
		docker:      docker,
		cache:       cache,
		hub:         hub,
		notifier:    notifier,
		log:         log,
		cfg:         cfg,
		targetJobs:  newScheduler(log),
		serviceJobs: newScheduler(log),
		health:      make(map[uint]HealthCheckConfig),
		stop:        make(chan struct{}),
	}
}

// Start launches the global collection sweep and the retention sweep. The
// per-target and per-service jobs are managed individually.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.sweepLoop()
	go e.retentionLoop()
}

// StartMonitoring schedules recurring collection for the target, replacing
// any existing job. The interval is clamped to the configured bounds.
func (e *Engine) StartMonitoring(targetID uint, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.DefaultInterval
	}
	if interval < e.cfg.MinInterval {
		interval = e.cfg.MinInterval
	}
	if interval > e.cfg.MaxInterval {
		interval = e.cfg.MaxInterval
	}

	e.log.Info("starting target monitoring",
		zap.Uint("target_id", targetID), zap.Duration("interval", interval))

	e.targetJobs.Start(targetID, interval, func(ctx context.Context) {
		if _, err := e.CollectAndBroadcast(ctx, targetID); err != nil {
			e.log.Warn("metric collection failed",
				zap.Uint("target_id", targetID), zap.Error(err))
		}
	})
}

// StopMonitoring cancels the target's recurring collection. An in-flight
// tick completes its persistence and broadcast but is not rescheduled.
func (e *Engine) StopMonitoring(targetID uint) {
	e.targetJobs.Stop(targetID)
	e.log.Info("stopped target monitoring", zap.Uint("target_id", targetID))
}

// CollectAndBroadcast performs one collection tick: resource usage via the
// session pool and container counts via the engine adapter, gathered
// concurrently and tolerated independently; the sample is persisted, cached,
// broadcast, and evaluated against the thresholds.
func (e *Engine) CollectAndBroadcast(ctx context.Context, targetID uint) (*models.MetricSample, error) {
	var (
		usage    resourceUsage
		usageErr error
		info     dockerctl.EngineInfo
		infoErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		usage, usageErr = e.collectResourceUsage(gctx, targetID)
		return nil
	})
	g.Go(func() error {
		info, infoErr = e.docker.GetInfo(gctx, targetID)
		return nil
	})
	g.Wait()

	sample := &models.MetricSample{
		TargetID:  targetID,
		Timestamp: time.Now(),
	}
	if usageErr == nil {
		sample.CPUUsage = usage.CPU
		sample.MemoryUsage = usage.Memory
		sample.DiskUsage = usage.Disk
	} else {
		e.log.Warn("resource usage collection failed, storing partial sample",
			zap.Uint("target_id", targetID), zap.Error(usageErr))
	}
	if infoErr == nil {
		sample.ContainersRunning = info.ContainersRunning
		sample.ContainersTotal = info.Containers
	} else {
		e.log.Debug("container count collection failed",
			zap.Uint("target_id", targetID), zap.Error(infoErr))
	}

	e.updateReachability(targetID, sample, usageErr)

	if err := e.db.Create(sample).Error; err != nil {
		return nil, err
	}
	e.cache.Put(sample)
	e.hub.Publish(targetID, stream.EventMetrics, sample)

	// Do not evaluate defaulted zeros from a failed collection.
	if usageErr == nil {
		e.evaluateThresholds(targetID, sample)
	}
	return sample, nil
}

type resourceUsage struct {
	CPU    float64
	Memory float64
	Disk   float64
}

func (e *Engine) collectResourceUsage(ctx context.Context, targetID uint) (resourceUsage, error) {
	results, err := e.pool.ExecuteSequence(ctx, targetID, resourceCommands)
	if err != nil {
		return resourceUsage{}, err
	}

	var usage resourceUsage
	for i, res := range results {
		value, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
		if err != nil {
			continue
		}
		switch i {
		case 0:
			usage.CPU = value
		case 1:
			usage.Memory = value
		case 2:
			usage.Disk = value
		}
	}
	return usage, nil
}

// updateReachability flips the target's stored status and latest resource
// snapshot based on the tick's outcome.
func (e *Engine) updateReachability(targetID uint, sample *models.MetricSample, usageErr error) {
	updates := map[string]interface{}{}
	if usageErr == nil {
		now := time.Now()
		updates["status"] = models.TargetStatusOnline
		updates["cpu_usage"] = sample.CPUUsage
		updates["memory_usage"] = sample.MemoryUsage
		updates["disk_usage"] = sample.DiskUsage
		updates["last_seen_at"] = &now
	} else if isConnectionError(usageErr) {
		updates["status"] = models.TargetStatusOffline
	} else {
		updates["status"] = models.TargetStatusError
	}

	if err := e.db.Model(&models.Target{}).Where("id = ?", targetID).
		Updates(updates).Error; err != nil {
		e.log.Warn("failed to update target reachability",
			zap.Uint("target_id", targetID), zap.Error(err))
	}
}

func isConnectionError(err error) bool {
	switch {
	case err == nil:
		return false
	case errorsIsAny(err, sshpool.ErrConnectTimeout):
		return true
	default:
		return strings.Contains(err.Error(), "dial")
	}
}

// sweepLoop collects all known targets at a fixed cadence, independent of
// per-target subscriptions. Targets with a dedicated job are skipped so their
// ticks stay serialized.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	var targets []models.Target
	if err := e.db.Find(&targets).Error; err != nil {
		e.log.Warn("sweep failed to list targets", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SweepInterval)
	defer cancel()

	var wg sync.WaitGroup
	for _, target := range targets {
		id := target.ID
		wg.Add(1)
		// Admission goes through the scheduler: the sweep's run holds the
		// target's job slot, so a StartMonitoring racing with the sweep
		// serializes behind it instead of ticking concurrently.
		started := e.targetJobs.RunOnce(id, func(context.Context) {
			defer wg.Done()
			if _, err := e.CollectAndBroadcast(ctx, id); err != nil {
				e.log.Debug("sweep collection failed",
					zap.Uint("target_id", id), zap.Error(err))
			}
		})
		if !started {
			wg.Done()
		}
	}
	wg.Wait()
}

// retentionLoop purges samples older than the retention horizon.
func (e *Engine) retentionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.purgeExpired()
		}
	}
}

func (e *Engine) purgeExpired() {
	cutoff := time.Now().AddDate(0, 0, -e.cfg.RetentionDays)

	res := e.db.Where("timestamp < ?", cutoff).Delete(&models.MetricSample{})
	if res.Error != nil {
		e.log.Warn("metric retention sweep failed", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		e.log.Info("purged expired metric samples", zap.Int64("rows", res.RowsAffected))
	}

	if err := e.db.Where("checked_at < ?", cutoff).
		Delete(&models.HealthCheckResult{}).Error; err != nil {
		e.log.Warn("health check retention sweep failed", zap.Error(err))
	}
}

// Stats reports the currently scheduled jobs for operational visibility.
type Stats struct {
	ActiveTargetJobs  int    `json:"active_target_jobs"`
	TargetIDs         []uint `json:"target_ids"`
	ActiveServiceJobs int    `json:"active_service_jobs"`
	ServiceIDs        []uint `json:"service_ids"`
}

func (e *Engine) Stats() Stats {
	targetIDs := e.targetJobs.IDs()
	serviceIDs := e.serviceJobs.IDs()
	return Stats{
		ActiveTargetJobs:  len(targetIDs),
		TargetIDs:         targetIDs,
		ActiveServiceJobs: len(serviceIDs),
		ServiceIDs:        serviceIDs,
	}
}

// Shutdown cancels every scheduled job. Idempotent and safe during process
// termination.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.targetJobs.StopAll()
	e.serviceJobs.StopAll()
	e.wg.Wait()
	e.log.Info("monitoring engine stopped")
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
