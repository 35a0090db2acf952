package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bulkflow/internal/campaign"
	"bulkflow/internal/domain"
	"bulkflow/internal/scheduler"
	"bulkflow/internal/store"
	"bulkflow/internal/worker"
)

// Engine holds the job handlers for bulk and recurring campaigns.
type Engine struct {
	campaigns  store.Campaigns
	recipients store.Recipients
	ledger     store.Ledger
	machine    *campaign.Machine
	exec       *Executor
	now        func() time.Time
}

func New(campaigns store.Campaigns, recipients store.Recipients, ledger store.Ledger, sender Sender, machine *campaign.Machine) *Engine {
	return &Engine{
		campaigns:  campaigns,
		recipients: recipients,
		ledger:     ledger,
		machine:    machine,
		exec:       NewExecutor(campaigns, ledger, sender),
		now:        time.Now,
	}
}

// Register installs the engine's handlers on s.
func (e *Engine) Register(s *scheduler.Scheduler) {
	s.Register(domain.JobBulk, worker.HandlerFunc(e.RunBulk))
	s.Register(domain.JobRecurring, worker.HandlerFunc(e.RunRecurring))
}

// ClaimRetry is how long a job waits before trying again when another
// execution of the same campaign still holds it.
const ClaimRetry = 5 * time.Second

// begin loads the job's campaign, claims it for this job and moves it to
// processing. A nil campaign means there is nothing to run. When a campaign is
// returned the caller must call release once the execution is over.
func (e *Engine) begin(ctx context.Context, job domain.Job, logger zerolog.Logger) (c *domain.Campaign, release func(), err error) {
	c, err = e.campaigns.GetCampaign(ctx, job.CampaignID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("campaign gone, dropping job")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	// a job armed by resume can fire while the execution that was paused or
	// cancelled is still draining
	claimed, err := e.campaigns.ClaimExecution(ctx, c.ID, job.ID)
	if err != nil {
		return nil, nil, err
	}
	if !claimed {
		logger.Info().Dur("retry_in", ClaimRetry).Msg("campaign held by another execution")
		return nil, nil, worker.Defer(ClaimRetry, "campaign "+c.ID+" is executing")
	}
	id := c.ID
	release = func() {
		if err := e.campaigns.ReleaseExecution(context.WithoutCancel(ctx), id, job.ID); err != nil {
			logger.Error().Err(err).Msg("release execution claim")
		}
	}
	ok, err := e.machine.Start(ctx, c)
	if err != nil {
		release()
		return nil, nil, err
	}
	if !ok {
		release()
		logger.Info().Str("status", string(c.Status)).Msg("campaign not processing, skipping")
		return nil, nil, nil
	}
	return c, release, nil
}

// fail marks the campaign failed and returns cause so the job is failed too.
func (e *Engine) fail(ctx context.Context, c *domain.Campaign, op string, err error) error {
	var ef *domain.ExecutionFailure
	if !errors.As(err, &ef) {
		ef = &domain.ExecutionFailure{CampaignID: c.ID, Op: op, Err: err}
	}
	if ferr := e.machine.Fail(context.WithoutCancel(ctx), c.ID, ef); ferr != nil {
		log.Warn().Err(ferr).Str("campaign_id", c.ID).Msg("could not mark campaign failed")
	}
	return ef
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// settled drops status conflicts: an operator changed the status while the
// execution was finishing and their transition wins.
func settled(err error) error {
	if errors.Is(err, store.ErrStatusConflict) {
		log.Info().Err(err).Msg("status changed during execution")
		return nil
	}
	return err
}

func without(rs []domain.Recipient, skip map[string]struct{}) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(rs))
	for _, r := range rs {
		if _, ok := skip[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

func logResult(logger zerolog.Logger, res Result, took time.Duration) {
	logger.Info().
		Int("assigned", res.Assigned).
		Int("unassigned", res.Unassigned).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Bool("stopped", res.Stopped).
		Dur("took", took).
		Msg("execution finished")
}
