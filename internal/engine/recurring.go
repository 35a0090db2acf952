package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/domain"
	"bulkflow/internal/scheduler"
	"bulkflow/internal/store"
)

// RunRecurring executes one cycle of a recurring campaign. The pending set is
// derived from the ledger every cycle: active recipients without a sent entry
// for this campaign, matched by recipient id. The counters are resized from
// the ledger too, so a recipient whose earlier attempts failed and who is
// pending again counts as remaining.
func (e *Engine) RunRecurring(ctx context.Context, job domain.Job) error {
	logger := log.With().Str("campaign_id", job.CampaignID).Str("job_id", job.ID).Logger()
	c, release, err := e.begin(ctx, job, logger)
	if err != nil || c == nil {
		return err
	}
	defer release()
	now := e.now()

	if end := c.Schedule.EndAt; end != nil && !now.Before(*end) {
		logger.Info().Time("end_at", *end).Msg("recurring schedule ended")
		return settled(e.machine.Complete(ctx, c.ID))
	}

	active, err := e.recipients.ListActiveRecipients(ctx, c.ListIDs, c.Schedule.SortOrder)
	if err != nil {
		return e.fail(ctx, c, "fetch audience", err)
	}
	sent, err := e.ledger.SentRecipientIDs(ctx, c.ID)
	if err != nil {
		return e.fail(ctx, c, "read ledger", err)
	}
	attempted, err := e.ledger.AttemptedRecipientIDs(ctx, c.ID)
	if err != nil {
		return e.fail(ctx, c, "read ledger", err)
	}
	pending := without(active, sent)
	if len(pending) == 0 {
		return settled(e.machine.Complete(ctx, c.ID))
	}
	batch := pending
	if n := c.BatchSize(); len(batch) > n {
		batch = batch[:n]
	}

	cycle := store.Cycle{Sent: len(sent), Pending: len(pending)}
	isPending := make(map[string]struct{}, len(pending))
	for _, r := range pending {
		isPending[r.ID] = struct{}{}
	}
	for id := range attempted {
		_, served := sent[id]
		_, retry := isPending[id]
		if !served && !retry {
			cycle.Failed++
		}
	}
	if err := e.campaigns.StartCycle(ctx, c.ID, cycle, now); err != nil {
		return e.fail(ctx, c, "start cycle", err)
	}
	if c, err = e.campaigns.GetCampaign(ctx, c.ID); err != nil {
		return e.fail(ctx, &domain.Campaign{ID: job.CampaignID}, "reload campaign", err)
	}

	res, err := e.exec.Execute(ctx, c, batch)
	if merr := e.campaigns.MarkExecuted(context.WithoutCancel(ctx), c.ID, now); merr != nil {
		logger.Error().Err(merr).Msg("mark executed")
	}
	logResult(logger, res, e.now().Sub(now))
	if err != nil {
		if interrupted(err) {
			return err
		}
		return e.fail(ctx, c, "execute", err)
	}
	if res.Stopped {
		return nil
	}

	if len(pending)-res.Attempted <= 0 {
		return settled(e.machine.Complete(ctx, c.ID))
	}
	next := scheduler.NextCycle(now, c.Schedule.Frequency)
	if end := c.Schedule.EndAt; end != nil && next.After(*end) {
		logger.Info().Time("end_at", *end).Msg("next cycle falls after end of schedule")
		return settled(e.machine.Complete(ctx, c.ID))
	}
	return settled(e.machine.Rearm(ctx, c, next))
}
