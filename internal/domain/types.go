package domain

import (
	"strings"
	"time"
)

type CampaignKind string

const (
	KindSingle    CampaignKind = "single"
	KindBulk      CampaignKind = "bulk"
	KindRecurring CampaignKind = "recurring"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var Statuses = []Status{StatusScheduled, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}

type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAt        ScheduleKind = "scheduled"
	ScheduleRecurring ScheduleKind = "recurring"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

type SortOrder string

const (
	Oldest SortOrder = "oldest"
	Newest SortOrder = "newest"
)

const DefaultBatchSize = 100

type Schedule struct {
	Kind      ScheduleKind `json:"kind"`
	StartAt   time.Time    `json:"start_at"`
	Frequency Frequency    `json:"frequency,omitempty"`
	EndAt     *time.Time   `json:"end_at,omitempty"`
	SortOrder SortOrder    `json:"sort_order"`
	BatchSize int          `json:"batch_size,omitempty"`
}

// ChannelAllocation is one entry of a campaign's channel plan. Delay is the
// pause in seconds applied after every send through this channel.
type ChannelAllocation struct {
	ChannelID         string `json:"channel_id"`
	PerExecutionLimit int    `json:"per_execution_limit"`
	SentThisExecution int    `json:"sent_this_execution"`
	Delay             int    `json:"delay"`
}

// Remaining is the capacity left for the current execution.
func (a ChannelAllocation) Remaining() int {
	if r := a.PerExecutionLimit - a.SentThisExecution; r > 0 {
		return r
	}
	return 0
}

type FailedRecipient struct {
	Email string    `json:"email"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

type Campaign struct {
	ID       string              `json:"id"`
	OwnerID  string              `json:"owner_id"`
	Kind     CampaignKind        `json:"kind"`
	Name     string              `json:"name"`
	Subject  string              `json:"subject"`
	Body     string              `json:"body"`
	ListIDs  []string            `json:"list_ids"`
	Channels []ChannelAllocation `json:"channels"`
	Schedule Schedule            `json:"schedule"`

	Status           Status            `json:"status"`
	TotalRecipients  int               `json:"total_recipients"`
	SentCount        int               `json:"sent_count"`
	FailedCount      int               `json:"failed_count"`
	RemainingCount   int               `json:"remaining_count"`
	FailedRecipients []FailedRecipient `json:"failed_recipients,omitempty"`
	JobRef           string            `json:"job_ref,omitempty"`
	ChannelCursor    int               `json:"-"`
	LastError        string            `json:"last_error,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	LastExecutedAt   *time.Time        `json:"last_executed_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// BatchSize returns the configured recurring batch size or the default.
func (c *Campaign) BatchSize() int {
	if c.Schedule.BatchSize > 0 {
		return c.Schedule.BatchSize
	}
	return DefaultBatchSize
}

// NewCampaign validates the creation input and returns a campaign in its
// initial status. Counters start at zero; they are set by the first execution.
func NewCampaign(ownerID string, kind CampaignKind, name, subject, body string, listIDs []string, channels []ChannelAllocation, sched Schedule) (*Campaign, error) {
	ve := &ValidationError{}
	if strings.TrimSpace(ownerID) == "" {
		ve.Add("owner_id", "is required")
	}
	switch kind {
	case KindSingle, KindBulk, KindRecurring:
	default:
		ve.Add("kind", "must be single, bulk or recurring")
	}
	if strings.TrimSpace(subject) == "" {
		ve.Add("subject", "is required")
	}
	if strings.TrimSpace(body) == "" {
		ve.Add("body", "is required")
	}
	if len(listIDs) == 0 {
		ve.Add("list_ids", "at least one list is required")
	}
	if len(channels) == 0 {
		ve.Add("channels", "at least one channel is required")
	}
	seen := map[string]bool{}
	for i := range channels {
		ch := &channels[i]
		if ch.ChannelID == "" {
			ve.Add("channels", "channel_id is required")
			continue
		}
		if seen[ch.ChannelID] {
			ve.Add("channels", "duplicate channel "+ch.ChannelID)
		}
		seen[ch.ChannelID] = true
		if ch.PerExecutionLimit <= 0 {
			ve.Add("channels", "per_execution_limit must be > 0 for "+ch.ChannelID)
		}
		if ch.Delay < 0 {
			ve.Add("channels", "delay must be >= 0 for "+ch.ChannelID)
		}
		ch.SentThisExecution = 0
	}

	if sched.SortOrder == "" {
		sched.SortOrder = Oldest
	}
	if sched.SortOrder != Oldest && sched.SortOrder != Newest {
		ve.Add("schedule.sort_order", "must be oldest or newest")
	}
	if sched.BatchSize < 0 {
		ve.Add("schedule.batch_size", "must be >= 0")
	}
	switch sched.Kind {
	case ScheduleImmediate:
		if kind == KindRecurring {
			ve.Add("schedule.kind", "recurring campaigns need a recurring schedule")
		}
	case ScheduleAt:
		if sched.StartAt.IsZero() {
			ve.Add("schedule.start_at", "is required for scheduled campaigns")
		}
		if kind == KindRecurring {
			ve.Add("schedule.kind", "recurring campaigns need a recurring schedule")
		}
	case ScheduleRecurring:
		if kind != KindRecurring {
			ve.Add("schedule.kind", "recurring schedule requires a recurring campaign")
		}
		if sched.StartAt.IsZero() {
			ve.Add("schedule.start_at", "is required for recurring campaigns")
		}
		switch sched.Frequency {
		case Daily, Weekly, Monthly:
		default:
			ve.Add("schedule.frequency", "must be daily, weekly or monthly")
		}
		if sched.EndAt != nil && !sched.EndAt.After(sched.StartAt) {
			ve.Add("schedule.end_at", "must be after start_at")
		}
	default:
		ve.Add("schedule.kind", "must be immediate, scheduled or recurring")
	}
	if ve.HasErrors() {
		return nil, ve
	}

	status := StatusScheduled
	if sched.Kind == ScheduleImmediate {
		status = StatusProcessing
	}
	return &Campaign{
		OwnerID:  ownerID,
		Kind:     kind,
		Name:     strings.TrimSpace(name),
		Subject:  subject,
		Body:     body,
		ListIDs:  append([]string(nil), listIDs...),
		Channels: channels,
		Schedule: sched,
		Status:   status,
	}, nil
}

type Recipient struct {
	ID             string            `json:"id"`
	ListID         string            `json:"list_id"`
	Email          string            `json:"email"`
	Name           string            `json:"name"`
	Fields         map[string]string `json:"fields,omitempty"`
	Unsubscribed   bool              `json:"unsubscribed"`
	UnsubscribedAt *time.Time        `json:"unsubscribed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func NewRecipient(listID, email, name string, fields map[string]string) (*Recipient, error) {
	ve := &ValidationError{}
	if listID == "" {
		ve.Add("list_id", "is required")
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		ve.Add("email", "must be an address")
	}
	if ve.HasErrors() {
		return nil, ve
	}
	return &Recipient{ListID: listID, Email: email, Name: strings.TrimSpace(name), Fields: fields}, nil
}

// TemplateFields merges custom fields with the standard email and name keys.
func (r Recipient) TemplateFields() map[string]string {
	out := make(map[string]string, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["email"] = r.Email
	out["name"] = r.Name
	return out
}

type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

type LedgerEntry struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	RecipientID string    `json:"recipient_id"`
	ChannelID   string    `json:"channel_id"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

func NewLedgerEntry(campaignID, recipientID, channelID string, sendErr error, at time.Time) (LedgerEntry, error) {
	ve := &ValidationError{}
	if campaignID == "" {
		ve.Add("campaign_id", "is required")
	}
	if recipientID == "" {
		ve.Add("recipient_id", "is required")
	}
	if channelID == "" {
		ve.Add("channel_id", "is required")
	}
	if ve.HasErrors() {
		return LedgerEntry{}, ve
	}
	e := LedgerEntry{CampaignID: campaignID, RecipientID: recipientID, ChannelID: channelID, Outcome: OutcomeSent, At: at}
	if sendErr != nil {
		e.Outcome = OutcomeFailed
		e.Error = sendErr.Error()
	}
	return e, nil
}

// Job names registered with the scheduler.
const (
	JobBulk      = "bulk"
	JobRecurring = "recurring"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Live reports whether the job can still fire or is firing.
func (s JobState) Live() bool { return s == JobQueued || s == JobRunning }

type Job struct {
	ID             string
	Name           string
	CampaignID     string
	State          JobState
	NextRunAt      time.Time
	LockedAt       *time.Time
	LastRunAt      *time.Time
	LastFinishedAt *time.Time
	FailedAt       *time.Time
	FailReason     string
	FailCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
