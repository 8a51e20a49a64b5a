package models

import (
	"time"

	"gorm.io/gorm"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// HealthCheckResult is one probe outcome for a Service.
type HealthCheckResult struct {
	gorm.Model
	ServiceID    uint         `json:"service_id" gorm:"index"`
	Status       HealthStatus `json:"status"`
	ResponseTime int64        `json:"response_time"` // milliseconds
	StatusCode   int          `json:"status_code"`
	Error        string       `json:"error"`
	CheckedAt    time.Time    `json:"checked_at" gorm:"index"`
}
