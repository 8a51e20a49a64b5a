package metricscache

import (
	"sync"
	"time"

	"github.com/servereye/internal/models"
)

// Cache keeps the latest sample and a bounded, time-ordered recent history
// per target so "latest" and "last N hours" reads never touch the database.
// Entries expire after the TTL and are dropped by a background janitor.
type Cache struct {
	ttl         time.Duration
	historySize int

	mu      sync.RWMutex
	entries map[uint]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	latest  *models.MetricSample
	history []*models.MetricSample
	touched time.Time
}

func New(ttl time.Duration, historySize int) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if historySize <= 0 {
		historySize = 120
	}
	c := &Cache{
		ttl:         ttl,
		historySize: historySize,
		entries:     make(map[uint]*entry),
		stop:        make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Put records a sample as the target's latest and appends it to the history,
// evicting the oldest entry once the history is full.
func (c *Cache) Put(sample *models.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sample.TargetID]
	if !ok {
		e = &entry{}
		c.entries[sample.TargetID] = e
	}
	e.latest = sample
	e.history = append(e.history, sample)
	if len(e.history) > c.historySize {
		e.history = e.history[len(e.history)-c.historySize:]
	}
	e.touched = time.Now()
}

// Latest returns the most recent sample for the target, or nil.
func (c *Cache) Latest(targetID uint) *models.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[targetID]; ok {
		return e.latest
	}
	return nil
}

// History returns cached samples newer than the given horizon, oldest first.
func (c *Cache) History(targetID uint, hours int) []*models.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[targetID]
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	out := make([]*models.MetricSample, 0, len(e.history))
	for _, s := range e.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Drop removes a target's cached samples, e.g. when the target is deleted.
func (c *Cache) Drop(targetID uint) {
	c.mu.Lock()
	delete(c.entries, targetID)
	c.mu.Unlock()
}

func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, e := range c.entries {
		if now.Sub(e.touched) > c.ttl {
			delete(c.entries, id)
		}
	}
}
