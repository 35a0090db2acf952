package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/domain"
	"bulkflow/internal/scheduler"
	"bulkflow/internal/store"
)

// conflictRetries bounds how often an operator transition re-reads a status
// that changed underneath it.
const conflictRetries = 3

// Machine applies status transitions with compare-and-set writes and keeps the
// armed job in step with the status.
type Machine struct {
	campaigns store.Campaigns
	sched     *scheduler.Scheduler
	now       func() time.Time
}

func NewMachine(campaigns store.Campaigns, sched *scheduler.Scheduler) *Machine {
	return &Machine{campaigns: campaigns, sched: sched, now: time.Now}
}

// operate moves id to the status chosen by target, provided the current
// status is one of allowed.
func (m *Machine) operate(ctx context.Context, id string, target func(*domain.Campaign) domain.Status, opts store.TransitionOpts, allowed ...domain.Status) (*domain.Campaign, error) {
	for attempt := 0; ; attempt++ {
		c, err := m.campaigns.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		to := target(c)
		if err := checkTransition(c.Status, to, allowed...); err != nil {
			return nil, err
		}
		err = m.campaigns.TransitionStatus(ctx, id, c.Status, to, opts)
		if errors.Is(err, store.ErrStatusConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info().Str("campaign_id", id).Str("from", string(c.Status)).Str("to", string(to)).Msg("campaign status changed")
		c.Status = to
		return c, nil
	}
}

func fixed(s domain.Status) func(*domain.Campaign) domain.Status {
	return func(*domain.Campaign) domain.Status { return s }
}

// Pause stops a processing campaign. The running job is canceled; the
// executor notices at its next status check.
func (m *Machine) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := m.operate(ctx, id, fixed(domain.StatusPaused), store.TransitionOpts{}, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	if _, err := m.sched.Disarm(ctx, id, false); err != nil {
		return nil, fmt.Errorf("pause %s: %w", id, err)
	}
	return c, nil
}

// Resume re-arms a paused or cancelled campaign: scheduled when its start is
// still ahead, processing otherwise.
func (m *Machine) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	now := m.now()
	target := func(c *domain.Campaign) domain.Status {
		if c.Schedule.Kind != domain.ScheduleImmediate && c.Schedule.StartAt.After(now) {
			return domain.StatusScheduled
		}
		return domain.StatusProcessing
	}
	cleared := ""
	opts := store.TransitionOpts{ClearCompletedAt: true, LastError: &cleared, ClearJobRef: true}
	c, err := m.operate(ctx, id, target, opts, domain.StatusPaused, domain.StatusCancelled)
	if err != nil {
		return nil, err
	}
	c.CompletedAt, c.LastError = nil, ""
	if _, err := m.sched.Arm(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Cancel stops a campaign and removes its armed jobs.
func (m *Machine) Cancel(ctx context.Context, id string) (*domain.Campaign, error) {
	now := m.now()
	opts := store.TransitionOpts{CompletedAt: &now, ClearJobRef: true}
	c, err := m.operate(ctx, id, fixed(domain.StatusCancelled), opts, domain.StatusScheduled, domain.StatusProcessing, domain.StatusPaused)
	if err != nil {
		return nil, err
	}
	c.CompletedAt, c.JobRef = &now, ""
	if _, err := m.sched.Disarm(ctx, id, true); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	return c, nil
}

// Start moves a scheduled campaign to processing when its job fires. It
// reports whether the campaign is processing afterwards. StartedAt is stamped
// by the first execution, not here.
func (m *Machine) Start(ctx context.Context, c *domain.Campaign) (bool, error) {
	if c.Status == domain.StatusScheduled {
		err := m.campaigns.TransitionStatus(ctx, c.ID, domain.StatusScheduled, domain.StatusProcessing, store.TransitionOpts{})
		if err != nil && !errors.Is(err, store.ErrStatusConflict) {
			return false, err
		}
		st, err := m.campaigns.GetStatus(ctx, c.ID)
		if err != nil {
			return false, err
		}
		c.Status = st
	}
	return c.Status == domain.StatusProcessing, nil
}

// Complete finishes a processing campaign. Any remaining count left without
// eligible recipients is settled out of the total.
func (m *Machine) Complete(ctx context.Context, id string) error {
	now := m.now()
	err := m.campaigns.TransitionStatus(ctx, id, domain.StatusProcessing, domain.StatusCompleted, store.TransitionOpts{
		CompletedAt: &now,
		ClearJobRef: true,
		Settle:      true,
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	log.Info().Str("campaign_id", id).Msg("campaign completed")
	return nil
}

// Fail ends a campaign after a batch-wide fault. It is terminal.
func (m *Machine) Fail(ctx context.Context, id string, cause error) error {
	now := m.now()
	reason := cause.Error()
	err := m.campaigns.TransitionStatus(ctx, id, domain.StatusProcessing, domain.StatusFailed, store.TransitionOpts{
		CompletedAt: &now,
		LastError:   &reason,
		ClearJobRef: true,
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	log.Error().Str("campaign_id", id).Err(cause).Msg("campaign failed")
	return nil
}

// Stall parks a campaign whose channels ran out of capacity with recipients
// still remaining. An operator raises a channel limit and resumes it.
func (m *Machine) Stall(ctx context.Context, id string, remaining int) error {
	reason := fmt.Sprintf("stalled: channel capacity exhausted with %d recipients remaining", remaining)
	err := m.campaigns.TransitionStatus(ctx, id, domain.StatusProcessing, domain.StatusPaused, store.TransitionOpts{
		LastError:   &reason,
		ClearJobRef: true,
	})
	if err != nil {
		return fmt.Errorf("stall %s: %w", id, err)
	}
	log.Warn().Str("campaign_id", id).Int("remaining", remaining).Msg("campaign stalled")
	return nil
}

// Rearm returns a recurring campaign to scheduled and arms its next cycle.
func (m *Machine) Rearm(ctx context.Context, c *domain.Campaign, at time.Time) error {
	if err := m.campaigns.TransitionStatus(ctx, c.ID, domain.StatusProcessing, domain.StatusScheduled, store.TransitionOpts{}); err != nil {
		return fmt.Errorf("rearm %s: %w", c.ID, err)
	}
	c.Status = domain.StatusScheduled
	if _, err := m.sched.ArmAt(ctx, c, at); err != nil {
		return err
	}
	log.Info().Str("campaign_id", c.ID).Time("next_run", at).Msg("next cycle armed")
	return nil
}
