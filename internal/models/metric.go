package models

import (
	"time"

	"gorm.io/gorm"
)

// MetricSample is one immutable monitoring observation for a Target.
// Container counts are zero when the engine was unreachable for that tick.
type MetricSample struct {
	gorm.Model
	TargetID  uint      `json:"target_id" gorm:"index"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`

	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`

	ContainersRunning int `json:"containers_running"`
	ContainersTotal   int `json:"containers_total"`

	// Per-service status snapshot at collection time, when available.
	Services []ServiceStatusSnapshot `json:"services,omitempty" gorm:"serializer:json"`
}

type ServiceStatusSnapshot struct {
	ServiceID uint          `json:"service_id"`
	Name      string        `json:"name"`
	Status    ServiceStatus `json:"status"`
}
