package alert

import (
	"path/filepath"
	"testing"

	"github.com/servereye/internal/database"
	"github.com/servereye/internal/models"
	"github.com/servereye/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newFixture(t *testing.T) (*Service, *gorm.DB, *stream.Hub) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	hub := stream.NewHub(zap.NewNop())
	return NewService(db, hub, zap.NewNop()), db, hub
}

func seedAlert(t *testing.T, db *gorm.DB, status models.AlertStatus) *models.Alert {
	t.Helper()
	targetID := uint(1)
	alert := &models.Alert{
		TargetID: &targetID,
		Type:     models.AlertTypeHighCPU,
		Severity: models.AlertSeverityHigh,
		Title:    "High CPU usage",
		Status:   status,
	}
	require.NoError(t, db.Create(alert).Error)
	return alert
}

func TestAcknowledge(t *testing.T) {
	svc, db, hub := newFixture(t)
	alert := seedAlert(t, db, models.AlertStatusActive)

	events := hub.Subscribe(1)

	got, err := svc.Acknowledge(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, got.Status)
	assert.NotNil(t, got.AcknowledgedAt)

	event := <-events
	assert.Equal(t, stream.EventAlert, event.Type)
}

func TestAcknowledgeRejectsNonActive(t *testing.T) {
	svc, db, _ := newFixture(t)
	alert := seedAlert(t, db, models.AlertStatusResolved)

	_, err := svc.Acknowledge(alert.ID)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestResolveFromActiveAndAcknowledged(t *testing.T) {
	svc, db, _ := newFixture(t)

	for _, status := range []models.AlertStatus{
		models.AlertStatusActive,
		models.AlertStatusAcknowledged,
	} {
		alert := seedAlert(t, db, status)
		got, err := svc.Resolve(alert.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusResolved, got.Status)
		assert.NotNil(t, got.ResolvedAt)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	svc, db, _ := newFixture(t)
	alert := seedAlert(t, db, models.AlertStatusActive)

	_, err := svc.Resolve(alert.ID)
	require.NoError(t, err)
	_, err = svc.Resolve(alert.ID)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestUnknownAlert(t *testing.T) {
	svc, _, _ := newFixture(t)
	_, err := svc.Acknowledge(999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Resolve(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	svc, db, _ := newFixture(t)
	seedAlert(t, db, models.AlertStatusActive)
	seedAlert(t, db, models.AlertStatusActive)
	seedAlert(t, db, models.AlertStatusResolved)

	active, err := svc.List(Filter{Status: models.AlertStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	limited, err := svc.List(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	count, err := svc.ActiveCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
