package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servereye/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options bounds the pipeline's delivery behavior.
type Options struct {
	Workers     int           // delivery goroutines, default 2
	QueueSize   int           // pending unit buffer, default 256
	MaxAttempts int           // per-unit delivery attempts, default 3
	BackoffBase time.Duration // first retry delay, doubled per attempt, default 2s
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
}

// unit is one alert delivery across its channels. The unit retries as a
// whole: every channel is re-sent on each attempt, so delivery is
// at-least-once per channel.
type unit struct {
	id       string
	alert    *models.Alert
	metadata map[string]string
	records  map[string]uint // channel name -> notification row
	base     map[string]int  // attempts already consumed, for requeued rows
}

// Pipeline delivers alerts asynchronously over the registered channels,
// recording one Notification row per (alert, channel).
type Pipeline struct {
	db       *gorm.DB
	log      *zap.Logger
	opts     Options
	channels map[string]Channel

	queue    chan *unit
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline starts the delivery workers. Only the given channels can be
// addressed; an alert naming an unregistered channel has that portion
// silently skipped, which is how unconfigured channels behave.
func NewPipeline(db *gorm.DB, log *zap.Logger, channels []Channel, opts Options) *Pipeline {
	opts.withDefaults()

	p := &Pipeline{
		db:       db,
		log:      log,
		opts:     opts,
		channels: make(map[string]Channel, len(channels)),
		queue:    make(chan *unit, opts.QueueSize),
		stop:     make(chan struct{}),
	}
	for _, ch := range channels {
		p.channels[ch.Name()] = ch
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Send enqueues the alert for delivery on its channels and returns
// immediately. Implements the monitoring engine's Notifier.
func (p *Pipeline) Send(alert *models.Alert, metadata map[string]string) {
	u := &unit{
		id:       uuid.NewString(),
		alert:    alert,
		metadata: metadata,
		records:  make(map[string]uint),
	}

	for _, name := range alert.Channels {
		if _, ok := p.channels[name]; !ok {
			p.log.Debug("skipping unconfigured channel",
				zap.Uint("alert_id", alert.ID), zap.String("channel", name))
			continue
		}
		record := &models.Notification{
			AlertID: alert.ID,
			Channel: name,
			Status:  models.NotificationStatusPending,
		}
		if err := p.db.Create(record).Error; err != nil {
			p.log.Error("failed to create notification record",
				zap.Uint("alert_id", alert.ID), zap.Error(err))
			continue
		}
		u.records[name] = record.ID
	}
	if len(u.records) == 0 {
		return
	}

	select {
	case p.queue <- u:
	case <-p.stop:
		p.failUnit(u, "pipeline shutting down")
	default:
		p.log.Warn("notification queue full, dropping unit",
			zap.String("unit_id", u.id), zap.Uint("alert_id", alert.ID))
		p.failUnit(u, "notification queue full")
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case u := <-p.queue:
			p.process(u)
		case <-p.stop:
			return
		}
	}
}

// process runs the unit's delivery attempts with exponential backoff between
// them. A unit succeeds only when every channel delivered in the same
// attempt; otherwise the whole unit is retried. Attempts are cumulative
// across requeues: a retried record resumes its budget, it does not get a
// fresh one.
func (p *Pipeline) process(u *unit) {
	msg := render(u.alert, u.metadata)
	ctx := context.Background()

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		failures := 0
		retryable := 0
		for name, recordID := range u.records {
			total := u.base[name] + attempt
			if total > p.opts.MaxAttempts {
				// Already marked FAILED on its final attempt.
				continue
			}
			err := p.channels[name].Send(ctx, u.alert, msg)
			final := total == p.opts.MaxAttempts
			p.recordAttempt(recordID, total, err, final)
			if err == nil {
				continue
			}
			failures++
			p.log.Warn("notification delivery failed",
				zap.String("unit_id", u.id),
				zap.Uint("alert_id", u.alert.ID),
				zap.String("channel", name),
				zap.Int("attempt", total),
				zap.Error(err))
			if !final {
				retryable++
			}
		}
		if failures == 0 {
			p.log.Info("notification unit delivered",
				zap.String("unit_id", u.id),
				zap.Uint("alert_id", u.alert.ID),
				zap.Int("attempt", attempt))
			return
		}
		if retryable == 0 {
			p.log.Error("notification unit exhausted its attempts",
				zap.String("unit_id", u.id), zap.Uint("alert_id", u.alert.ID))
			return
		}

		delay := p.opts.BackoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-p.stop:
			return
		}
	}
}

// recordAttempt persists one delivery outcome. A failure on the record's
// final attempt is terminal and flips the row to FAILED.
func (p *Pipeline) recordAttempt(recordID uint, attempts int, sendErr error, final bool) {
	updates := map[string]interface{}{"attempts": attempts}
	if sendErr == nil {
		now := time.Now()
		updates["status"] = models.NotificationStatusSent
		updates["sent_at"] = &now
		updates["error"] = ""
	} else {
		updates["error"] = sendErr.Error()
		if final {
			updates["status"] = models.NotificationStatusFailed
		}
	}
	if err := p.db.Model(&models.Notification{}).
		Where("id = ?", recordID).Updates(updates).Error; err != nil {
		p.log.Error("failed to update notification record",
			zap.Uint("notification_id", recordID), zap.Error(err))
	}
}

func (p *Pipeline) failUnit(u *unit, reason string) {
	if err := p.db.Model(&models.Notification{}).
		Where("id IN ?", recordIDs(u)).
		Updates(map[string]interface{}{
			"status": models.NotificationStatusFailed,
			"error":  reason,
		}).Error; err != nil {
		p.log.Error("failed to mark notifications failed", zap.Error(err))
	}
}

func recordIDs(u *unit) []uint {
	ids := make([]uint, 0, len(u.records))
	for _, id := range u.records {
		ids = append(ids, id)
	}
	return ids
}

// RetryFailed re-enqueues failed notifications from the last hours, grouped
// back into one unit per alert. Only rows with attempts left are picked up;
// the cap is cumulative across requeues, so a row that already burned its
// attempts stays FAILED for good. Returns how many rows were re-queued.
func (p *Pipeline) RetryFailed(hours int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	var failed []models.Notification
	err := p.db.Where("status = ? AND attempts < ? AND updated_at > ?",
		models.NotificationStatusFailed, p.opts.MaxAttempts, cutoff).Find(&failed).Error
	if err != nil {
		return 0, err
	}

	byAlert := make(map[uint][]models.Notification)
	for _, n := range failed {
		if _, ok := p.channels[n.Channel]; !ok {
			continue
		}
		byAlert[n.AlertID] = append(byAlert[n.AlertID], n)
	}

	requeued := 0
	for alertID, records := range byAlert {
		var alert models.Alert
		if err := p.db.First(&alert, alertID).Error; err != nil {
			p.log.Warn("cannot retry notifications for missing alert",
				zap.Uint("alert_id", alertID), zap.Error(err))
			continue
		}

		u := &unit{
			id:      uuid.NewString(),
			alert:   &alert,
			records: make(map[string]uint, len(records)),
			base:    make(map[string]int, len(records)),
		}
		for _, n := range records {
			u.records[n.Channel] = n.ID
			u.base[n.Channel] = n.Attempts
		}
		if err := p.db.Model(&models.Notification{}).
			Where("id IN ?", recordIDs(u)).
			Updates(map[string]interface{}{
				"status": models.NotificationStatusPending,
				"error":  "",
			}).Error; err != nil {
			p.log.Error("failed to reset notifications", zap.Error(err))
			continue
		}

		select {
		case p.queue <- u:
			requeued += len(records)
		case <-p.stop:
			return requeued, nil
		default:
			p.failUnit(u, "notification queue full")
		}
	}
	return requeued, nil
}

// HistoryFilter narrows a History query. Zero values match everything.
type HistoryFilter struct {
	AlertID uint
	Channel string
	Status  models.NotificationStatus
	Limit   int
}

// History returns delivery records, newest first.
func (p *Pipeline) History(filter HistoryFilter) ([]models.Notification, error) {
	q := p.db.Model(&models.Notification{}).Order("created_at DESC")
	if filter.AlertID != 0 {
		q = q.Where("alert_id = ?", filter.AlertID)
	}
	if filter.Channel != "" {
		q = q.Where("channel = ?", filter.Channel)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var records []models.Notification
	err := q.Find(&records).Error
	return records, err
}

// Stats summarizes delivery outcomes over the last days.
type Stats struct {
	Total     int64            `json:"total"`
	Sent      int64            `json:"sent"`
	Failed    int64            `json:"failed"`
	Pending   int64            `json:"pending"`
	ByChannel map[string]int64 `json:"by_channel"`
}

func (p *Pipeline) Stats(days int) (Stats, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	base := func() *gorm.DB {
		return p.db.Model(&models.Notification{}).Where("created_at > ?", cutoff)
	}

	stats := Stats{ByChannel: make(map[string]int64)}
	if err := base().Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	for status, dst := range map[models.NotificationStatus]*int64{
		models.NotificationStatusSent:    &stats.Sent,
		models.NotificationStatusFailed:  &stats.Failed,
		models.NotificationStatusPending: &stats.Pending,
	} {
		if err := base().Where("status = ?", status).Count(dst).Error; err != nil {
			return stats, err
		}
	}

	type channelCount struct {
		Channel string
		Count   int64
	}
	var counts []channelCount
	err := base().Select("channel, count(*) as count").
		Group("channel").Scan(&counts).Error
	if err != nil {
		return stats, err
	}
	for _, c := range counts {
		stats.ByChannel[c.Channel] = c.Count
	}
	return stats, nil
}

// Shutdown stops the workers. In-flight units finish their current attempt;
// units still queued keep their PENDING rows for operator inspection.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.log.Info("notification pipeline stopped")
}
