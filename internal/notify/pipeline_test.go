package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/servereye/internal/database"
	"github.com/servereye/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeChannel struct {
	name string

	mu       sync.Mutex
	failures int // fail this many sends before succeeding
	calls    int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, alert *models.Alert, msg rendered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("delivery refused")
	}
	return nil
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func newTestAlert(t *testing.T, db *gorm.DB, channels ...string) *models.Alert {
	t.Helper()
	targetID := uint(1)
	alert := &models.Alert{
		TargetID: &targetID,
		Type:     models.AlertTypeHighCPU,
		Severity: models.AlertSeverityCritical,
		Title:    "High CPU usage",
		Message:  "Target 1 CPU usage is at 95.0%",
		Channels: channels,
		Status:   models.AlertStatusActive,
	}
	require.NoError(t, db.Create(alert).Error)
	return alert
}

func fastOptions() Options {
	return Options{Workers: 1, MaxAttempts: 3, BackoffBase: 5 * time.Millisecond}
}

func waitForRecord(t *testing.T, db *gorm.DB, alertID uint, channel string,
	status models.NotificationStatus) models.Notification {
	t.Helper()
	var record models.Notification
	require.Eventually(t, func() bool {
		err := db.Where("alert_id = ? AND channel = ? AND status = ?",
			alertID, channel, status).First(&record).Error
		return err == nil
	}, 2*time.Second, 10*time.Millisecond,
		"expected a %s record for channel %s", status, channel)
	return record
}

func TestPipelineDeliversFirstAttempt(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack"}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	p.Send(alert, map[string]string{"targetName": "web-1", "value": "95.0"})

	record := waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusSent)
	assert.Equal(t, 1, record.Attempts)
	assert.Empty(t, record.Error)
	assert.NotNil(t, record.SentAt)
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack", failures: 2}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	p.Send(alert, nil)

	record := waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusSent)
	assert.Equal(t, 3, record.Attempts)
	assert.Equal(t, 3, ch.callCount())
}

func TestPipelineExhaustsAttempts(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack", failures: 100}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	p.Send(alert, nil)

	record := waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusFailed)
	assert.Equal(t, 3, record.Attempts, "attempts stop at the configured maximum")
	assert.Contains(t, record.Error, "delivery refused")
	assert.Nil(t, record.SentAt)
	assert.Equal(t, 3, ch.callCount())
}

func TestPipelineWholeUnitRetry(t *testing.T) {
	db := newTestDB(t)
	good := &fakeChannel{name: "slack"}
	bad := &fakeChannel{name: "webhook", failures: 1}
	p := NewPipeline(db, zap.NewNop(), []Channel{good, bad}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack", "webhook")
	p.Send(alert, nil)

	waitForRecord(t, db, alert.ID, "webhook", models.NotificationStatusSent)

	// One channel failing retries the whole unit, so the healthy channel is
	// sent again on the second attempt.
	require.Eventually(t, func() bool { return good.callCount() == 2 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, bad.callCount())
}

func TestPipelineSkipsUnconfiguredChannels(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack"}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack", "email", "webhook")
	p.Send(alert, nil)

	waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusSent)

	// No rows for channels that were never registered.
	var count int64
	require.NoError(t, db.Model(&models.Notification{}).
		Where("alert_id = ?", alert.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPipelineAllChannelsUnconfigured(t *testing.T) {
	db := newTestDB(t)
	p := NewPipeline(db, zap.NewNop(), nil, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "email")
	p.Send(alert, nil)

	time.Sleep(50 * time.Millisecond)
	var count int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRetryFailed(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack"}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	// A row that failed with budget left, e.g. dropped when the queue was
	// full.
	row := models.Notification{
		AlertID:  alert.ID,
		Channel:  "slack",
		Status:   models.NotificationStatusFailed,
		Attempts: 1,
		Error:    "delivery refused",
	}
	require.NoError(t, db.Create(&row).Error)

	requeued, err := p.RetryFailed(1)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	record := waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusSent)
	assert.Equal(t, 2, record.Attempts, "a requeued row resumes its attempt budget")
}

func TestRetryFailedSkipsExhaustedRows(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack", failures: 100}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	p.Send(alert, nil)
	waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusFailed)

	// The row burned all its attempts; it is terminal and must not be
	// re-queued.
	requeued, err := p.RetryFailed(1)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, ch.callCount(), "no delivery for an exhausted row")

	record := waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusFailed)
	assert.Equal(t, 3, record.Attempts)
}

func TestRetryFailedBudgetIsCumulative(t *testing.T) {
	db := newTestDB(t)
	ch := &fakeChannel{name: "slack", failures: 100}
	p := NewPipeline(db, zap.NewNop(), []Channel{ch}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	row := models.Notification{
		AlertID:  alert.ID,
		Channel:  "slack",
		Status:   models.NotificationStatusFailed,
		Attempts: 2,
		Error:    "delivery refused",
	}
	require.NoError(t, db.Create(&row).Error)

	requeued, err := p.RetryFailed(1)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	record := waitForRecord(t, db, alert.ID, "slack", models.NotificationStatusFailed)
	assert.Equal(t, 3, record.Attempts, "only the remaining budget is spent")
	assert.Equal(t, 1, ch.callCount())
}

func TestRetryFailedIgnoresOldRows(t *testing.T) {
	db := newTestDB(t)
	p := NewPipeline(db, zap.NewNop(), []Channel{&fakeChannel{name: "slack"}}, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	stale := models.Notification{
		AlertID: alert.ID,
		Channel: "slack",
		Status:  models.NotificationStatusFailed,
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Model(&stale).
		UpdateColumn("updated_at", time.Now().Add(-48*time.Hour)).Error)

	requeued, err := p.RetryFailed(24)
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestHistoryAndStats(t *testing.T) {
	db := newTestDB(t)
	p := NewPipeline(db, zap.NewNop(), nil, fastOptions())
	defer p.Shutdown()

	alert := newTestAlert(t, db, "slack")
	now := time.Now()
	rows := []models.Notification{
		{AlertID: alert.ID, Channel: "slack", Status: models.NotificationStatusSent, Attempts: 1, SentAt: &now},
		{AlertID: alert.ID, Channel: "email", Status: models.NotificationStatusFailed, Attempts: 3},
		{AlertID: alert.ID, Channel: "slack", Status: models.NotificationStatusFailed, Attempts: 3},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	history, err := p.History(HistoryFilter{Channel: "slack"})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = p.History(HistoryFilter{Status: models.NotificationStatusFailed, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	stats, err := p.Stats(7)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Sent)
	assert.EqualValues(t, 2, stats.Failed)
	assert.EqualValues(t, 2, stats.ByChannel["slack"])
	assert.EqualValues(t, 1, stats.ByChannel["email"])
}

func TestWebhookChannel(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		got.Store(payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	db := newTestDB(t)
	alert := newTestAlert(t, db, "webhook")
	msg := render(alert, map[string]string{"targetName": "web-1", "value": "95.0"})

	ch := NewWebhookChannel(srv.URL)
	require.NoError(t, ch.Send(context.Background(), alert, msg))

	payload := got.Load().(map[string]interface{})
	assert.Equal(t, "alert", payload["event"])
	assert.Equal(t, "High CPU usage on web-1", payload["subject"])
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := newTestDB(t)
	alert := newTestAlert(t, db, "webhook")

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), alert, render(alert, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRenderTemplates(t *testing.T) {
	alert := &models.Alert{
		Type:     models.AlertTypeHighMemory,
		Severity: models.AlertSeverityHigh,
		Title:    "High memory usage",
		Message:  "Target 3 memory usage is at 88.2%",
	}

	msg := render(alert, map[string]string{"targetName": "db-1", "value": "88.2"})
	assert.Equal(t, "High memory usage on db-1", msg.Subject)
	assert.Contains(t, msg.Text, "88.2%")
	assert.Contains(t, msg.HTML, "#ffcc00")
	assert.NotContains(t, msg.Subject, "{{")
}

func TestRenderFallbackForUnknownType(t *testing.T) {
	alert := &models.Alert{
		Type:    models.AlertType("CUSTOM"),
		Title:   "Custom condition",
		Message: "Something operator-defined happened",
	}

	msg := render(alert, nil)
	assert.Equal(t, "Custom condition", msg.Subject)
	assert.Equal(t, "Something operator-defined happened", msg.Text)
}

func TestRenderMissingMetadata(t *testing.T) {
	alert := &models.Alert{Type: models.AlertTypeServiceDown, Title: "t", Message: "m"}
	msg := render(alert, nil)
	assert.Equal(t, "Service unknown is down", msg.Subject)
}

func TestShutdownIdempotent(t *testing.T) {
	db := newTestDB(t)
	p := NewPipeline(db, zap.NewNop(), nil, fastOptions())
	p.Shutdown()
	p.Shutdown()
}
