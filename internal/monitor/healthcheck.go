package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/servereye/internal/models"
	"github.com/servereye/internal/stream"
	"go.uber.org/zap"
)

// HealthCheckConfig describes one recurring HTTP probe.
type HealthCheckConfig struct {
	URL            string        `json:"url"`
	Interval       time.Duration `json:"interval"`
	Timeout        time.Duration `json:"timeout"`
	Method         string        `json:"method"`
	ExpectedStatus int           `json:"expected_status"`
	Retries        int           `json:"retries"`
}

func (c *HealthCheckConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.ExpectedStatus == 0 {
		c.ExpectedStatus = http.StatusOK
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
}

// StartHealthCheck schedules a recurring probe for the service, replacing any
// existing one. The cadence is clamped to the same bounds as target jobs.
func (e *Engine) StartHealthCheck(serviceID uint, cfg HealthCheckConfig) {
	cfg.withDefaults()
	if cfg.Interval < e.cfg.MinInterval {
		cfg.Interval = e.cfg.MinInterval
	}
	if cfg.Interval > e.cfg.MaxInterval {
		cfg.Interval = e.cfg.MaxInterval
	}

	e.healthMu.Lock()
	e.health[serviceID] = cfg
	e.healthMu.Unlock()

	e.log.Info("starting health check",
		zap.Uint("service_id", serviceID),
		zap.String("url", cfg.URL),
		zap.Duration("interval", cfg.Interval))

	e.serviceJobs.Start(serviceID, cfg.Interval, func(ctx context.Context) {
		e.runHealthCheck(ctx, serviceID, cfg)
	})
}

// StopHealthCheck cancels the service's recurring probe.
func (e *Engine) StopHealthCheck(serviceID uint) {
	e.serviceJobs.Stop(serviceID)
	e.healthMu.Lock()
	delete(e.health, serviceID)
	e.healthMu.Unlock()
	e.log.Info("stopped health check", zap.Uint("service_id", serviceID))
}

// runHealthCheck performs one probe tick: issue the request (non-2xx is an
// answer, not an error), classify, record the result, and flip the owning
// service's status only when the classification changed.
func (e *Engine) runHealthCheck(ctx context.Context, serviceID uint, cfg HealthCheckConfig) {
	status, statusCode, responseTime, probeErr := e.probe(ctx, cfg)

	result := &models.HealthCheckResult{
		ServiceID:    serviceID,
		Status:       status,
		ResponseTime: responseTime.Milliseconds(),
		StatusCode:   statusCode,
		CheckedAt:    time.Now(),
	}
	if probeErr != nil {
		result.Error = probeErr.Error()
	}
	if err := e.db.Create(result).Error; err != nil {
		e.log.Warn("failed to record health check result",
			zap.Uint("service_id", serviceID), zap.Error(err))
	}

	var service models.Service
	if err := e.db.First(&service, serviceID).Error; err != nil {
		e.log.Warn("health check for unknown service",
			zap.Uint("service_id", serviceID), zap.Error(err))
		return
	}

	e.hub.Publish(service.TargetID, stream.EventHealthCheck, result)

	newStatus := models.ServiceStatusRunning
	if status != models.HealthStatusHealthy {
		newStatus = models.ServiceStatusError
	}
	if service.Status == newStatus {
		// No transition; avoid a redundant write every tick.
		return
	}

	if err := e.db.Model(&service).Update("status", newStatus).Error; err != nil {
		e.log.Warn("failed to update service status",
			zap.Uint("service_id", serviceID), zap.Error(err))
		return
	}
	e.log.Info("service health transition",
		zap.Uint("service_id", serviceID),
		zap.String("from", string(service.Status)),
		zap.String("to", string(newStatus)))

	if newStatus == models.ServiceStatusError {
		e.raiseServiceAlert(&service, result)
	} else {
		// A service recovering is the one auto-resolve path; resource
		// threshold alerts stay active until an operator acts.
		e.resolveServiceAlerts(serviceID)
	}
}

// probe issues the configured request, retrying transport failures up to the
// configured count. A response with an unexpected status is UNHEALTHY, not an
// error.
func (e *Engine) probe(ctx context.Context, cfg HealthCheckConfig) (models.HealthStatus, int, time.Duration, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		// ResponseTime reports the answering attempt, not the retries that
		// preceded it.
		start = time.Now()
		req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, nil)
		if err != nil {
			return models.HealthStatusUnknown, 0, time.Since(start), err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		resp.Body.Close()

		elapsed := time.Since(start)
		if resp.StatusCode == cfg.ExpectedStatus {
			return models.HealthStatusHealthy, resp.StatusCode, elapsed, nil
		}
		return models.HealthStatusUnhealthy, resp.StatusCode, elapsed,
			fmt.Errorf("expected status %d, got %d", cfg.ExpectedStatus, resp.StatusCode)
	}
	return models.HealthStatusUnhealthy, 0, time.Since(start), lastErr
}

func (e *Engine) raiseServiceAlert(service *models.Service, result *models.HealthCheckResult) {
	var active int64
	err := e.db.Model(&models.Alert{}).
		Where("service_id = ? AND type = ? AND status = ?",
			service.ID, models.AlertTypeServiceDown, models.AlertStatusActive).
		Count(&active).Error
	if err != nil || active > 0 {
		return
	}

	serviceID := service.ID
	targetID := service.TargetID
	alert := &models.Alert{
		TargetID:  &targetID,
		ServiceID: &serviceID,
		Type:      models.AlertTypeServiceDown,
		Severity:  models.AlertSeverityHigh,
		Title:     fmt.Sprintf("Service %s is down", service.Name),
		Message: fmt.Sprintf("Service %s is not responding to health checks: %s",
			service.Name, result.Error),
		Channels: e.cfg.AlertChannels,
		Status:   models.AlertStatusActive,
	}
	if err := e.db.Create(alert).Error; err != nil {
		e.log.Error("failed to create service alert",
			zap.Uint("service_id", service.ID), zap.Error(err))
		return
	}

	e.hub.Publish(service.TargetID, stream.EventAlert, alert)
	if e.notifier != nil {
		e.notifier.Send(alert, map[string]string{"serviceName": service.Name})
	}
}

func (e *Engine) resolveServiceAlerts(serviceID uint) {
	now := time.Now()
	res := e.db.Model(&models.Alert{}).
		Where("service_id = ? AND type = ? AND status = ?",
			serviceID, models.AlertTypeServiceDown, models.AlertStatusActive).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolved_at": &now,
		})
	if res.Error != nil {
		e.log.Warn("failed to resolve service alerts",
			zap.Uint("service_id", serviceID), zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		e.log.Info("service alerts auto-resolved",
			zap.Uint("service_id", serviceID), zap.Int64("count", res.RowsAffected))
	}
}
