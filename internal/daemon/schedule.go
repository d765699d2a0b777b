package daemon

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const watermarkPrefix = "scheduler_watermark:"

// Schedule runs JobType once per Every.
type Schedule struct {
	JobType string
	Every   time.Duration
	Payload map[string]any
}

// Scheduler manages recurring job scheduling.
type Scheduler struct {
	queue     Queue
	schedules []Schedule
}

// NewScheduler creates a scheduler. Schedules with a non-positive interval are
// dropped.
func NewScheduler(queue Queue, schedules ...Schedule) *Scheduler {
	s := &Scheduler{queue: queue}
	for _, sched := range schedules {
		if sched.Every > 0 && sched.JobType != "" {
			s.schedules = append(s.schedules, sched)
		}
	}
	return s
}

// Names returns the scheduled job types in sorted order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.schedules))
	for _, sched := range s.schedules {
		names = append(names, sched.JobType)
	}
	sort.Strings(names)
	return names
}

// Tick enqueues every schedule whose current slot has not been enqueued yet.
// Slots are aligned to the interval in UTC. The first tick of a schedule
// enqueues its current slot; slots missed while the daemon was down collapse
// into a single run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	for _, sched := range s.schedules {
		if err := s.tickOne(ctx, sched, now); err != nil {
			return fmt.Errorf("schedule %s: %w", sched.JobType, err)
		}
	}
	return nil
}

func (s *Scheduler) tickOne(ctx context.Context, sched Schedule, now time.Time) error {
	key := watermarkPrefix + sched.JobType
	watermarkStr, err := s.queue.GetKV(ctx, key)
	if err != nil {
		return fmt.Errorf("get watermark: %w", err)
	}

	slot := now.UTC().Truncate(sched.Every)
	if watermarkStr != "" {
		last, err := time.Parse(time.RFC3339, watermarkStr)
		if err != nil {
			return fmt.Errorf("parse watermark: %w", err)
		}
		if !slot.After(last) {
			return nil
		}
	}

	payload := map[string]any{"scheduled_time": slot.Format(time.RFC3339)}
	for k, v := range sched.Payload {
		payload[k] = v
	}
	if _, _, err := s.queue.EnqueueUnique(ctx, sched.JobType, slot, payload); err != nil {
		return fmt.Errorf("enqueue at %s: %w", slot.Format(time.RFC3339), err)
	}

	if err := s.queue.SetKV(ctx, key, slot.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}
