// Package engine runs campaign executions: it allocates recipients across a
// campaign's channels, drains every channel's share and decides what the
// campaign does next.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"bulkflow/internal/allocator"
	"bulkflow/internal/domain"
	"bulkflow/internal/render"
	"bulkflow/internal/store"
)

const (
	// PauseCheckInterval is how many send attempts an execution makes, across
	// all of its channel workers, between status checks. A pause is noticed at
	// the next check, so at most PauseCheckInterval-1 sends start after the one
	// during which it landed.
	PauseCheckInterval = 10
	// FlushEvery is how many successful sends are buffered before the counters
	// are written. Buffers are also flushed at every status check and at the
	// end of a channel's share.
	FlushEvery = 10
)

// Sender delivers one rendered message through a channel.
type Sender interface {
	Send(ctx context.Context, channelID string, rcpt domain.Recipient, subject, body, campaignID string) error
}

type Result struct {
	Assigned   int
	Unassigned int
	Attempted  int
	Sent       int
	Failed     int
	// Stopped is set when a status check found the campaign no longer
	// processing.
	Stopped bool
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Stopped = r.Stopped || o.Stopped
}

type Executor struct {
	campaigns store.Campaigns
	ledger    store.Ledger
	sender    Sender
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewExecutor(campaigns store.Campaigns, ledger store.Ledger, sender Sender) *Executor {
	return &Executor{campaigns: campaigns, ledger: ledger, sender: sender, now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute splits recipients across c's channels by remaining capacity and
// drains every share concurrently. Recipients left without capacity are
// reported as Unassigned and stay in the campaign's remaining count.
// Allocation starts at the channel after the last one used by the previous
// execution.
func (e *Executor) Execute(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient) (Result, error) {
	caps := make([]int, len(c.Channels))
	for i, a := range c.Channels {
		caps[i] = a.Remaining()
	}
	plan := allocator.Allocate(len(recipients), caps, c.ChannelCursor)
	total := Result{Assigned: plan.Total(), Unassigned: len(plan.Unassigned)}
	if plan.Total() == 0 {
		return total, nil
	}
	if err := e.campaigns.SetChannelCursor(ctx, c.ID, plan.Next); err != nil {
		return total, &domain.ExecutionFailure{CampaignID: c.ID, Op: "save channel cursor", Err: err}
	}

	gt := &gate{check: func(ctx context.Context) (domain.Status, error) {
		return e.campaigns.GetStatus(ctx, c.ID)
	}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, idxs := range plan.Assigned {
		if len(idxs) == 0 {
			continue
		}
		alloc := c.Channels[i]
		share := make([]domain.Recipient, len(idxs))
		for j, idx := range idxs {
			share[j] = recipients[idx]
		}
		g.Go(func() error {
			r, err := e.drain(gctx, c, alloc, share, gt)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}

// gate admits send attempts for one execution. Every PauseCheckInterval
// admissions it re-reads the campaign status; once that is no longer
// processing it admits nothing more.
type gate struct {
	mu      sync.Mutex
	issued  int
	stopped bool
	status  domain.Status
	check   func(ctx context.Context) (domain.Status, error)
}

// admit reports whether the caller may make its next send attempt. flush
// writes the caller's buffered counters before a status check.
func (g *gate) admit(ctx context.Context, flush func() error) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false, nil
	}
	if g.issued > 0 && g.issued%PauseCheckInterval == 0 {
		if err := flush(); err != nil {
			return false, err
		}
		st, err := g.check(ctx)
		if err != nil {
			return false, err
		}
		if st != domain.StatusProcessing {
			g.stopped, g.status = true, st
			return false, nil
		}
	}
	g.issued++
	return true, nil
}

// drain sends to one channel's share in order.
func (e *Executor) drain(ctx context.Context, c *domain.Campaign, alloc domain.ChannelAllocation, share []domain.Recipient, gt *gate) (Result, error) {
	logger := log.With().Str("campaign_id", c.ID).Str("channel_id", alloc.ChannelID).Logger()
	var res Result
	var d store.Delta
	// counters must land even when the execution is being interrupted
	wctx := context.WithoutCancel(ctx)
	flush := func() error {
		if d.Empty() {
			return nil
		}
		err := e.campaigns.ApplyDelta(wctx, c.ID, d)
		d.Reset()
		if err != nil {
			return &domain.ExecutionFailure{CampaignID: c.ID, Op: "flush counters", Err: err}
		}
		return nil
	}
	delay := time.Duration(alloc.Delay) * time.Second

	for i, r := range share {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(flush(), err)
		}
		ok, err := gt.admit(ctx, flush)
		if err != nil {
			if ctx.Err() != nil {
				return res, errors.Join(flush(), ctx.Err())
			}
			var ef *domain.ExecutionFailure
			if !errors.As(err, &ef) {
				err = &domain.ExecutionFailure{CampaignID: c.ID, Op: "check status", Err: err}
			}
			return res, errors.Join(flush(), err)
		}
		if !ok {
			logger.Info().Str("status", string(gt.status)).Int("attempted", res.Attempted).Msg("execution stopped")
			res.Stopped = true
			return res, flush()
		}
		fields := r.TemplateFields()
		sendErr := e.sender.Send(ctx, alloc.ChannelID, r, render.Render(c.Subject, fields), render.Render(c.Body, fields), c.ID)
		if sendErr != nil && ctx.Err() != nil {
			// interrupted before the attempt completed
			return res, errors.Join(flush(), ctx.Err())
		}

		at := e.now()
		entry, err := domain.NewLedgerEntry(c.ID, r.ID, alloc.ChannelID, sendErr, at)
		if err == nil {
			err = e.ledger.Append(wctx, entry)
		}
		if err != nil {
			return res, errors.Join(flush(), &domain.ExecutionFailure{CampaignID: c.ID, Op: "append ledger", Err: err})
		}
		res.Attempted++
		if sendErr == nil {
			res.Sent++
			d.Sent++
			if d.ChannelSent == nil {
				d.ChannelSent = map[string]int{}
			}
			d.ChannelSent[alloc.ChannelID]++
		} else {
			res.Failed++
			d.Failed++
			d.Failures = append(d.Failures, domain.FailedRecipient{Email: r.Email, Error: sendErr.Error(), At: at})
			logger.Debug().Err(&domain.DeliveryError{ChannelID: alloc.ChannelID, Email: r.Email, Err: sendErr}).Msg("delivery failed")
		}

		if d.Sent >= FlushEvery {
			if err := flush(); err != nil {
				return res, err
			}
		}
		if delay > 0 && i < len(share)-1 {
			if err := e.sleep(ctx, delay); err != nil {
				return res, errors.Join(flush(), err)
			}
		}
	}
	return res, flush()
}
