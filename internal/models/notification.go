package models

import (
	"time"

	"gorm.io/gorm"
)

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "PENDING"
	NotificationStatusSent    NotificationStatus = "SENT"
	NotificationStatusFailed  NotificationStatus = "FAILED"
)

// Notification records one delivery attempt of an Alert on one channel.
type Notification struct {
	gorm.Model
	AlertID  uint               `json:"alert_id" gorm:"index"`
	Channel  string             `json:"channel"`
	Status   NotificationStatus `json:"status" gorm:"index;default:PENDING"`
	Attempts int                `json:"attempts" gorm:"default:0"`
	Error    string             `json:"error"`
	SentAt   *time.Time         `json:"sent_at"`
}
