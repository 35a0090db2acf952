package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/channel"
	"bulkflow/internal/domain"
	"bulkflow/internal/scheduler"
	"bulkflow/internal/store"
)

// Channels resolves configured delivery channels.
type Channels interface {
	Definition(id string) (channel.Definition, bool)
}

type CreateInput struct {
	OwnerID  string                     `json:"-"`
	Kind     domain.CampaignKind        `json:"kind"`
	Name     string                     `json:"name"`
	Subject  string                     `json:"subject"`
	Body     string                     `json:"body"`
	ListIDs  []string                   `json:"list_ids"`
	Channels []domain.ChannelAllocation `json:"channels"`
	Schedule domain.Schedule            `json:"schedule"`
}

type Progress struct {
	Status           domain.Status            `json:"status"`
	TotalRecipients  int                      `json:"total_recipients"`
	SentCount        int                      `json:"sent_count"`
	FailedCount      int                      `json:"failed_count"`
	RemainingCount   int                      `json:"remaining_count"`
	Rate             float64                  `json:"rate"`
	FailedRecipients []domain.FailedRecipient `json:"failed_recipients"`
	LastError        string                   `json:"last_error,omitempty"`
	StartedAt        *time.Time               `json:"started_at,omitempty"`
	LastExecutedAt   *time.Time               `json:"last_executed_at,omitempty"`
	CompletedAt      *time.Time               `json:"completed_at,omitempty"`
}

// ErrNotArmed is returned together with a stored campaign whose job could not
// be scheduled. The recovery sweep arms it later.
var ErrNotArmed = errors.New("campaign stored but not armed")

// Service is the control surface for campaign owners.
type Service struct {
	machine    *Machine
	campaigns  store.Campaigns
	recipients store.Recipients
	channels   Channels
	sched      *scheduler.Scheduler
	now        func() time.Time
}

func NewService(m *Machine, campaigns store.Campaigns, recipients store.Recipients, channels Channels, sched *scheduler.Scheduler) *Service {
	return &Service{machine: m, campaigns: campaigns, recipients: recipients, channels: channels, sched: sched, now: time.Now}
}

// Create validates the input, stores the campaign and arms its first job.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Campaign, error) {
	c, err := domain.NewCampaign(in.OwnerID, in.Kind, in.Name, in.Subject, in.Body, in.ListIDs, in.Channels, in.Schedule)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, c); err != nil {
		return nil, err
	}
	if err := s.campaigns.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	if _, err := s.sched.Arm(ctx, c); err != nil {
		log.Error().Err(err).Str("campaign_id", c.ID).Msg("arm new campaign")
		return c, fmt.Errorf("%w: %w", ErrNotArmed, err)
	}
	log.Info().Str("campaign_id", c.ID).Str("owner_id", c.OwnerID).Str("kind", string(c.Kind)).Str("status", string(c.Status)).Msg("campaign created")
	return c, nil
}

// authorize checks every list and channel the campaign references belongs to
// its owner. Channels without an owner are shared.
func (s *Service) authorize(ctx context.Context, c *domain.Campaign) error {
	ve := &domain.ValidationError{}
	for _, id := range c.ListIDs {
		owner, err := s.recipients.ListOwner(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			ve.Add("list_ids", "unknown list "+id)
			continue
		}
		if err != nil {
			return err
		}
		if owner != c.OwnerID {
			return &domain.AuthorizationError{OwnerID: c.OwnerID, Resource: "list", ID: id}
		}
	}
	for _, a := range c.Channels {
		def, ok := s.channels.Definition(a.ChannelID)
		if !ok {
			ve.Add("channels", "unknown channel "+a.ChannelID)
			continue
		}
		if def.OwnerID != "" && def.OwnerID != c.OwnerID {
			return &domain.AuthorizationError{OwnerID: c.OwnerID, Resource: "channel", ID: a.ChannelID}
		}
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// Get loads a campaign owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, &domain.AuthorizationError{OwnerID: ownerID, Resource: "campaign", ID: id}
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]*domain.Campaign, error) {
	return s.campaigns.ListCampaigns(ctx, store.CampaignFilter{OwnerID: ownerID})
}

// CountByStatus counts campaigns across every owner.
func (s *Service) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	cs, err := s.campaigns.ListCampaigns(ctx, store.CampaignFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int, len(domain.Statuses))
	for _, c := range cs {
		out[c.Status]++
	}
	return out, nil
}

func (s *Service) Pause(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.machine.Pause(ctx, id)
}

func (s *Service) Resume(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.machine.Resume(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.machine.Cancel(ctx, id)
}

// Progress reports counters and the send rate in messages per minute since
// the campaign started (until completion, if finished).
func (s *Service) Progress(ctx context.Context, ownerID, id string) (Progress, error) {
	c, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		Status:           c.Status,
		TotalRecipients:  c.TotalRecipients,
		SentCount:        c.SentCount,
		FailedCount:      c.FailedCount,
		RemainingCount:   c.RemainingCount,
		FailedRecipients: c.FailedRecipients,
		LastError:        c.LastError,
		StartedAt:        c.StartedAt,
		LastExecutedAt:   c.LastExecutedAt,
		CompletedAt:      c.CompletedAt,
	}
	if p.FailedRecipients == nil {
		p.FailedRecipients = []domain.FailedRecipient{}
	}
	if c.StartedAt != nil {
		end := s.now()
		if c.CompletedAt != nil {
			end = *c.CompletedAt
		}
		if mins := end.Sub(*c.StartedAt).Minutes(); mins > 0 {
			p.Rate = float64(c.SentCount) / mins
		}
	}
	return p, nil
}

// SetChannelLimit changes a channel's per-execution cap. Only paused or
// scheduled campaigns can be edited.
func (s *Service) SetChannelLimit(ctx context.Context, ownerID, id, channelID string, limit int) (*domain.Campaign, error) {
	c, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	ve := &domain.ValidationError{}
	if limit <= 0 {
		ve.Add("per_execution_limit", "must be > 0")
	}
	if c.Status != domain.StatusPaused && c.Status != domain.StatusScheduled {
		ve.Add("status", "channel limits can change only while paused or scheduled, campaign is "+string(c.Status))
	}
	if ve.HasErrors() {
		return nil, ve
	}
	if err := s.campaigns.SetChannelLimit(ctx, id, channelID, limit); err != nil {
		return nil, err
	}
	return s.campaigns.GetCampaign(ctx, id)
}
