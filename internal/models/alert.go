package models

import (
	"time"

	"gorm.io/gorm"
)

type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "LOW"
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "ACTIVE"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

type AlertType string

const (
	AlertTypeServerDown   AlertType = "SERVER_DOWN"
	AlertTypeServiceDown  AlertType = "SERVICE_DOWN"
	AlertTypeHighCPU      AlertType = "HIGH_CPU"
	AlertTypeHighMemory   AlertType = "HIGH_MEMORY"
	AlertTypeHighDisk     AlertType = "HIGH_DISK"
	AlertTypeHealthFailed AlertType = "HEALTH_CHECK_FAILED"
)

// Alert is raised by threshold evaluation or by an operator. Alerts are never
// deleted; they only move ACTIVE -> ACKNOWLEDGED -> RESOLVED.
type Alert struct {
	gorm.Model
	TargetID  *uint         `json:"target_id" gorm:"index"`
	ServiceID *uint         `json:"service_id" gorm:"index"`
	Type      AlertType     `json:"type" gorm:"index;not null"`
	Severity  AlertSeverity `json:"severity" gorm:"not null"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Channels  []string      `json:"channels" gorm:"serializer:json"`
	Status    AlertStatus   `json:"status" gorm:"index;default:ACTIVE"`

	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
}
