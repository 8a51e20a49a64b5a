package models

import (
	"gorm.io/gorm"
)

type ServiceStatus string

const (
	ServiceStatusRunning ServiceStatus = "RUNNING"
	ServiceStatusStopped ServiceStatus = "STOPPED"
	ServiceStatusError   ServiceStatus = "ERROR"
)

// Service is a deployed workload on a Target, optionally health-checked.
type Service struct {
	gorm.Model
	TargetID       uint          `json:"target_id" gorm:"index"`
	Name           string        `json:"name" gorm:"not null"`
	Description    string        `json:"description"`
	Status         ServiceStatus `json:"status" gorm:"default:STOPPED"`
	ContainerID    string        `json:"container_id"`
	HealthCheckURL string        `json:"health_check_url"`
}
