package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/domain"
)

// RunBulk executes a single or bulk campaign. The audience is sized on the
// first execution; later executions (resume, recovery) rebuild the counters
// from the ledger, skip recipients that already have a ledger entry and serve
// at most the remaining count. Per-channel usage is never reset, so limits cap
// the whole campaign.
func (e *Engine) RunBulk(ctx context.Context, job domain.Job) error {
	logger := log.With().Str("campaign_id", job.CampaignID).Str("job_id", job.ID).Logger()
	c, release, err := e.begin(ctx, job, logger)
	if err != nil || c == nil {
		return err
	}
	defer release()
	start := e.now()

	active, err := e.recipients.ListActiveRecipients(ctx, c.ListIDs, c.Schedule.SortOrder)
	if err != nil {
		return e.fail(ctx, c, "fetch audience", err)
	}
	if _, err := e.campaigns.InitAudience(ctx, c.ID, len(active), start); err != nil {
		return e.fail(ctx, c, "size audience", err)
	}
	if err := e.campaigns.Reconcile(ctx, c.ID); err != nil {
		return e.fail(ctx, c, "reconcile counters", err)
	}
	attempted, err := e.ledger.AttemptedRecipientIDs(ctx, c.ID)
	if err != nil {
		return e.fail(ctx, c, "read ledger", err)
	}
	if c, err = e.campaigns.GetCampaign(ctx, c.ID); err != nil {
		return e.fail(ctx, &domain.Campaign{ID: job.CampaignID}, "reload campaign", err)
	}

	eligible := without(active, attempted)
	if len(eligible) > c.RemainingCount {
		eligible = eligible[:c.RemainingCount]
	}
	if len(eligible) == 0 {
		if err := e.campaigns.MarkExecuted(ctx, c.ID, start); err != nil {
			return e.fail(ctx, c, "mark executed", err)
		}
		return settled(e.machine.Complete(ctx, c.ID))
	}

	res, err := e.exec.Execute(ctx, c, eligible)
	if merr := e.campaigns.MarkExecuted(context.WithoutCancel(ctx), c.ID, start); merr != nil {
		logger.Error().Err(merr).Msg("mark executed")
	}
	logResult(logger, res, e.now().Sub(start))
	if err != nil {
		if interrupted(err) {
			return err
		}
		return e.fail(ctx, c, "execute", err)
	}

	switch {
	case res.Stopped:
		return nil
	case res.Unassigned > 0:
		return settled(e.machine.Stall(ctx, c.ID, res.Unassigned))
	default:
		return settled(e.machine.Complete(ctx, c.ID))
	}
}
