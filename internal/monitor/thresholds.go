package monitor

import (
	"fmt"

	"github.com/servereye/internal/models"
	"github.com/servereye/internal/stream"
	"go.uber.org/zap"
)

// Default breach points with escalated critical sub-thresholds.
const (
	cpuHighThreshold     = 80.0
	cpuCriticalThreshold = 90.0

	memoryHighThreshold     = 85.0
	memoryCriticalThreshold = 95.0

	diskHighThreshold     = 90.0
	diskCriticalThreshold = 95.0
)

type breach struct {
	alertType models.AlertType
	severity  models.AlertSeverity
	resource  string
	value     float64
}

// detectBreaches compares a sample against the fixed thresholds.
func detectBreaches(sample *models.MetricSample) []breach {
	var breaches []breach

	if sample.CPUUsage > cpuHighThreshold {
		breaches = append(breaches, breach{
			alertType: models.AlertTypeHighCPU,
			severity:  escalate(sample.CPUUsage, cpuCriticalThreshold),
			resource:  "CPU",
			value:     sample.CPUUsage,
		})
	}
	if sample.MemoryUsage > memoryHighThreshold {
		breaches = append(breaches, breach{
			alertType: models.AlertTypeHighMemory,
			severity:  escalate(sample.MemoryUsage, memoryCriticalThreshold),
			resource:  "memory",
			value:     sample.MemoryUsage,
		})
	}
	if sample.DiskUsage > diskHighThreshold {
		breaches = append(breaches, breach{
			alertType: models.AlertTypeHighDisk,
			severity:  escalate(sample.DiskUsage, diskCriticalThreshold),
			resource:  "disk",
			value:     sample.DiskUsage,
		})
	}
	return breaches
}

func escalate(value, criticalThreshold float64) models.AlertSeverity {
	if value > criticalThreshold {
		return models.AlertSeverityCritical
	}
	return models.AlertSeverityHigh
}

// evaluateThresholds raises one alert per breached resource unless an ACTIVE
// alert of the same (target, type) already exists. Per-target ticks are
// serialized, which makes the check-then-create sequence safe.
func (e *Engine) evaluateThresholds(targetID uint, sample *models.MetricSample) {
	for _, b := range detectBreaches(sample) {
		var active int64
		err := e.db.Model(&models.Alert{}).
			Where("target_id = ? AND type = ? AND status = ?",
				targetID, b.alertType, models.AlertStatusActive).
			Count(&active).Error
		if err != nil {
			e.log.Warn("failed to check for active alert",
				zap.Uint("target_id", targetID), zap.Error(err))
			continue
		}
		if active > 0 {
			// Suppress duplicates while one is active.
			continue
		}

		id := targetID
		alert := &models.Alert{
			TargetID: &id,
			Type:     b.alertType,
			Severity: b.severity,
			Title:    fmt.Sprintf("High %s usage", b.resource),
			Message: fmt.Sprintf("Target %d %s usage is at %.1f%%",
				targetID, b.resource, b.value),
			Channels: e.cfg.AlertChannels,
			Status:   models.AlertStatusActive,
		}
		if err := e.db.Create(alert).Error; err != nil {
			e.log.Error("failed to create alert",
				zap.Uint("target_id", targetID), zap.Error(err))
			continue
		}

		e.log.Info("alert raised",
			zap.Uint("target_id", targetID),
			zap.String("type", string(b.alertType)),
			zap.String("severity", string(b.severity)),
			zap.Float64("value", b.value))

		e.hub.Publish(targetID, stream.EventAlert, alert)
		if e.notifier != nil {
			e.notifier.Send(alert, map[string]string{
				"resourceType": b.resource,
				"value":        fmt.Sprintf("%.1f", b.value),
			})
		}
	}
}
