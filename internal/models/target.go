package models

import (
	"time"

	"gorm.io/gorm"
)

type TargetStatus string

const (
	TargetStatusOnline  TargetStatus = "ONLINE"
	TargetStatusOffline TargetStatus = "OFFLINE"
	TargetStatusError   TargetStatus = "ERROR"
)

// Target is a managed remote host. Credentials are stored encrypted; the
// vault decrypts them when the session pool dials.
type Target struct {
	gorm.Model
	Name        string       `json:"name" gorm:"uniqueIndex;not null"`
	Description string       `json:"description"`
	IPAddress   string       `json:"ip_address" gorm:"not null"`
	SSHPort     int          `json:"ssh_port" gorm:"default:22"`
	DockerPort  int          `json:"docker_port" gorm:"default:2376"`
	Username    string       `json:"username"`
	Status      TargetStatus `json:"status" gorm:"default:OFFLINE"`
	Tags        []string     `json:"tags" gorm:"serializer:json"`

	// Encrypted credentials. Either password or private key may be set.
	Password     string `json:"-"`
	PasswordIV   string `json:"-"`
	PrivateKey   string `json:"-"`
	PrivateKeyIV string `json:"-"`

	// Last resource-usage snapshot, refreshed by the monitoring engine.
	CPUUsage    float64    `json:"cpu_usage"`
	MemoryUsage float64    `json:"memory_usage"`
	DiskUsage   float64    `json:"disk_usage"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
}
