// Package recovery re-arms campaigns that should be running but have no live
// execution job, and collapses duplicate jobs for a campaign down to one.
package recovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/domain"
	"bulkflow/internal/queue"
	"bulkflow/internal/scheduler"
	"bulkflow/internal/store"
)

type Report struct {
	Checked int `json:"checked"`
	Armed   int `json:"armed"`
	Removed int `json:"removed"`
}

type Sweeper struct {
	campaigns store.Campaigns
	sched     *scheduler.Scheduler
}

func NewSweeper(campaigns store.Campaigns, sched *scheduler.Scheduler) *Sweeper {
	return &Sweeper{campaigns: campaigns, sched: sched}
}

// Sweep checks ownerID's scheduled and processing campaigns. An empty ownerID
// sweeps every owner.
func (s *Sweeper) Sweep(ctx context.Context, ownerID string) (Report, error) {
	var rep Report
	cs, err := s.campaigns.ListCampaigns(ctx, store.CampaignFilter{
		OwnerID:  ownerID,
		Statuses: []domain.Status{domain.StatusScheduled, domain.StatusProcessing},
		Kinds:    []domain.CampaignKind{domain.KindSingle, domain.KindBulk, domain.KindRecurring},
	})
	if err != nil {
		return rep, fmt.Errorf("list campaigns: %w", err)
	}
	for _, c := range cs {
		rep.Checked++
		jobs, err := s.sched.Jobs().Find(ctx, queue.JobFilter{CampaignID: c.ID, LiveOnly: true})
		if err != nil {
			return rep, fmt.Errorf("find jobs for %s: %w", c.ID, err)
		}
		if len(jobs) > 0 {
			n, err := s.dedup(ctx, c.ID, jobs)
			if err != nil {
				return rep, err
			}
			rep.Removed += n
			continue
		}
		if err := s.rearm(ctx, c); err != nil {
			return rep, err
		}
		rep.Armed++
	}
	if rep.Armed > 0 || rep.Removed > 0 {
		log.Warn().Str("owner_id", ownerID).Int("checked", rep.Checked).Int("armed", rep.Armed).Int("removed", rep.Removed).Msg("recovery sweep repaired campaigns")
	} else {
		log.Debug().Str("owner_id", ownerID).Int("checked", rep.Checked).Msg("recovery sweep found nothing to do")
	}
	return rep, nil
}

func (s *Sweeper) SweepAll(ctx context.Context) (Report, error) {
	return s.Sweep(ctx, "")
}

// rearm arms c the way its own scheduling would have: a recurring campaign
// waiting between cycles gets its next cycle, everything else a run at its
// start (or now, when the start has passed).
func (s *Sweeper) rearm(ctx context.Context, c *domain.Campaign) error {
	var (
		job domain.Job
		err error
	)
	if c.Kind == domain.KindRecurring && c.Status == domain.StatusScheduled && c.LastExecutedAt != nil {
		job, err = s.sched.ArmAt(ctx, c, scheduler.NextCycle(*c.LastExecutedAt, c.Schedule.Frequency))
	} else {
		job, err = s.sched.Arm(ctx, c)
	}
	if err != nil {
		return err
	}
	log.Info().Str("campaign_id", c.ID).Str("job_id", job.ID).Time("run_at", job.NextRunAt).Msg("campaign re-armed")
	return nil
}

// Dedup keeps one queued job for a campaign: the earliest NextRunAt, then the
// earliest created, then the lowest id. Running jobs are left alone; a
// recurring cycle arms its successor while it is still running. Jobs armed
// within the same millisecond tie-break on creation order only.
func (s *Sweeper) Dedup(ctx context.Context, campaignID string) (int, error) {
	jobs, err := s.sched.Jobs().Find(ctx, queue.JobFilter{CampaignID: campaignID, LiveOnly: true})
	if err != nil {
		return 0, err
	}
	return s.dedup(ctx, campaignID, jobs)
}

// dedup expects jobs in queue order (next_run_at, created_at, id).
func (s *Sweeper) dedup(ctx context.Context, campaignID string, jobs []domain.Job) (int, error) {
	var queued []domain.Job
	for _, j := range jobs {
		if j.State == domain.JobQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) < 2 {
		return 0, nil
	}
	keep := queued[0]
	for _, j := range queued[1:] {
		if err := s.sched.Jobs().Remove(ctx, j.ID); err != nil {
			return 0, fmt.Errorf("remove duplicate job %s: %w", j.ID, err)
		}
		log.Warn().Err(domain.ErrDuplicateJob).Str("campaign_id", campaignID).Str("kept", keep.ID).Str("removed", j.ID).Msg("duplicate job removed")
	}
	if err := s.campaigns.SetJobRef(ctx, campaignID, keep.ID); err != nil {
		return 0, err
	}
	return len(queued) - 1, nil
}
