package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/servereye/internal/models"
	"github.com/servereye/internal/stream"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("alert not found")
	ErrBadTransition = errors.New("invalid alert state transition")
)

// Service owns the alert lifecycle. Alerts move ACTIVE -> ACKNOWLEDGED ->
// RESOLVED and are never deleted; an operator can resolve directly from
// ACTIVE.
type Service struct {
	db  *gorm.DB
	hub *stream.Hub
	log *zap.Logger
}

func NewService(db *gorm.DB, hub *stream.Hub, log *zap.Logger) *Service {
	return &Service{db: db, hub: hub, log: log}
}

// Acknowledge marks an active alert as seen by an operator.
func (s *Service) Acknowledge(alertID uint) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.First(&alert, alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, alertID)
		}
		return nil, err
	}
	if alert.Status != models.AlertStatusActive {
		return nil, fmt.Errorf("%w: cannot acknowledge %s alert", ErrBadTransition, alert.Status)
	}

	now := time.Now()
	alert.Status = models.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	if err := s.db.Save(&alert).Error; err != nil {
		return nil, err
	}

	s.publish(&alert)
	s.log.Info("alert acknowledged", zap.Uint("alert_id", alert.ID))
	return &alert, nil
}

// Resolve closes an alert. Resource threshold alerts only leave ACTIVE
// through this path.
func (s *Service) Resolve(alertID uint) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.First(&alert, alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, alertID)
		}
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return nil, fmt.Errorf("%w: alert already resolved", ErrBadTransition)
	}

	now := time.Now()
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &now
	if err := s.db.Save(&alert).Error; err != nil {
		return nil, err
	}

	s.publish(&alert)
	s.log.Info("alert resolved", zap.Uint("alert_id", alert.ID))
	return &alert, nil
}

// Filter narrows a List query. Zero values match everything.
type Filter struct {
	TargetID uint
	Status   models.AlertStatus
	Severity models.AlertSeverity
	Limit    int
}

// List returns alerts newest first.
func (s *Service) List(filter Filter) ([]models.Alert, error) {
	q := s.db.Model(&models.Alert{}).Order("created_at DESC")
	if filter.TargetID != 0 {
		q = q.Where("target_id = ?", filter.TargetID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var alerts []models.Alert
	err := q.Find(&alerts).Error
	return alerts, err
}

// ActiveCount reports how many alerts still need operator attention.
func (s *Service) ActiveCount() (int64, error) {
	var count int64
	err := s.db.Model(&models.Alert{}).
		Where("status = ?", models.AlertStatusActive).Count(&count).Error
	return count, err
}

func (s *Service) publish(alert *models.Alert) {
	if s.hub == nil || alert.TargetID == nil {
		return
	}
	s.hub.Publish(*alert.TargetID, stream.EventAlert, alert)
}
