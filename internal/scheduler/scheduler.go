// Package scheduler arms execution jobs for campaigns and runs them on the
// worker pool. One Scheduler is built at startup and passed to everything
// that needs to arm or disarm jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/domain"
	"bulkflow/internal/queue"
	"bulkflow/internal/worker"
)

// JobRefs records which job a campaign is armed with.
type JobRefs interface {
	SetJobRef(ctx context.Context, id, jobRef string) error
}

type Scheduler struct {
	jobs queue.Repository
	refs JobRefs
	now  func() time.Time

	mu       sync.RWMutex
	handlers map[string]worker.Handler
}

func New(jobs queue.Repository, refs JobRefs) *Scheduler {
	return &Scheduler{jobs: jobs, refs: refs, now: time.Now, handlers: map[string]worker.Handler{}}
}

// Jobs exposes the queue for inspection by the recovery sweep.
func (s *Scheduler) Jobs() queue.Repository { return s.jobs }

func (s *Scheduler) Register(name string, h worker.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// JobName maps a campaign kind to the job that executes it.
func JobName(kind domain.CampaignKind) string {
	if kind == domain.KindRecurring {
		return domain.JobRecurring
	}
	return domain.JobBulk
}

// Arm schedules exactly one job for c: now when the schedule is immediate or
// its start is not in the future, otherwise at StartAt.
func (s *Scheduler) Arm(ctx context.Context, c *domain.Campaign) (domain.Job, error) {
	at := s.now()
	if c.Schedule.Kind != domain.ScheduleImmediate && c.Schedule.StartAt.After(at) {
		at = c.Schedule.StartAt
	}
	return s.ArmAt(ctx, c, at)
}

func (s *Scheduler) ArmAt(ctx context.Context, c *domain.Campaign, at time.Time) (domain.Job, error) {
	job, err := s.jobs.ScheduleAt(ctx, at, JobName(c.Kind), c.ID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("arm campaign %s: %w", c.ID, err)
	}
	if err := s.refs.SetJobRef(ctx, c.ID, job.ID); err != nil {
		return domain.Job{}, fmt.Errorf("record job ref for %s: %w", c.ID, err)
	}
	c.JobRef = job.ID
	log.Debug().Str("campaign_id", c.ID).Str("job_id", job.ID).Time("run_at", at).Msg("campaign armed")
	return job, nil
}

// Disarm stops every live job for a campaign. With remove the job rows are
// deleted, otherwise they are marked canceled.
func (s *Scheduler) Disarm(ctx context.Context, campaignID string, remove bool) (int, error) {
	jobs, err := s.jobs.Find(ctx, queue.JobFilter{CampaignID: campaignID, LiveOnly: true})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if remove {
			err = s.jobs.Remove(ctx, j.ID)
		} else {
			err = s.jobs.Cancel(ctx, j.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("disarm job %s: %w", j.ID, err)
		}
	}
	return len(jobs), nil
}

// NextCycle is the fire time of the recurring cycle after last.
func NextCycle(last time.Time, f domain.Frequency) time.Time {
	switch f {
	case domain.Weekly:
		return last.AddDate(0, 0, 7)
	case domain.Monthly:
		return last.AddDate(0, 1, 0)
	default:
		return last.AddDate(0, 0, 1)
	}
}

// NewPool builds the worker pool that executes armed jobs with the registered
// handlers.
func (s *Scheduler) NewPool(size int, pollEvery, lockLifetime time.Duration) *worker.Pool {
	s.mu.RLock()
	handlers := make(map[string]worker.Handler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.mu.RUnlock()
	return worker.NewPool(s.jobs, handlers, size, pollEvery, lockLifetime)
}
