package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// scheduler owns a set of cancellable recurring jobs keyed by id. Ticks for
// one id run in a single goroutine and therefore never overlap; ticks for
// different ids are independent. Stopping an id cancels its schedule; an
// in-flight tick completes but does not reschedule.
type scheduler struct {
	log *zap.Logger

	mu   sync.Mutex
	jobs map[uint]*job
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(log *zap.Logger) *scheduler {
	return &scheduler{log: log, jobs: make(map[uint]*job)}
}

// Start schedules fn at the given cadence, replacing and cancelling any
// existing job for the id. The first tick runs immediately.
func (s *scheduler) Start(id uint, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	old := s.jobs[id]
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[id] = j
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	go func() {
		defer close(j.done)

		fn(ctx)
		if ctx.Err() != nil {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}()
}

// RunOnce runs fn for the id unless a job is already scheduled for it. The
// run is registered as a transient job, so a concurrent Start or Stop for the
// same id serializes behind it instead of overlapping with it. Returns false
// without running when the id is busy.
func (s *scheduler) RunOnce(id uint, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if _, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[id] = j
	s.mu.Unlock()

	go func() {
		defer close(j.done)
		defer cancel()
		fn(ctx)

		s.mu.Lock()
		if s.jobs[id] == j {
			delete(s.jobs, id)
		}
		s.mu.Unlock()
	}()
	return true
}

// Stop cancels the id's job and waits for any in-flight tick to finish.
// Stopping an unknown id is a no-op.
func (s *scheduler) Stop(id uint) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if ok {
		j.cancel()
		<-j.done
	}
}

// StopAll cancels every job and waits for them to drain. Safe to call more
// than once.
func (s *scheduler) StopAll() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[uint]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
	for _, j := range jobs {
		<-j.done
	}
}

// Running reports whether the id currently has a scheduled job.
func (s *scheduler) Running(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// IDs returns the ids with scheduled jobs, sorted for stable output.
func (s *scheduler) IDs() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
