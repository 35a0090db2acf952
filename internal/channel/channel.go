// Package channel implements outbound delivery transports and the registry
// the executor sends through.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bulkflow/internal/domain"
)

// Message is one rendered delivery.
type Message struct {
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	To          string `json:"to"`
	Name        string `json:"name,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

type Channel interface {
	Send(ctx context.Context, m Message) error
}

const (
	KindSMTP    = "smtp"
	KindWebhook = "webhook"
	KindAMQP    = "amqp"
	KindCommand = "command"
	KindLog     = "log"
)

// Definition describes a configured channel. Only the fields relevant to Kind
// are used.
type Definition struct {
	ID         string            `yaml:"id"`
	OwnerID    string            `yaml:"owner_id"`
	Kind       string            `yaml:"kind"`
	RatePerSec float64           `yaml:"rate_per_sec"`
	Timeout    time.Duration     `yaml:"timeout"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	From       string            `yaml:"from"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	Queue      string            `yaml:"queue"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	FailRate   float64           `yaml:"fail_rate"`
}

func (d Definition) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 30 * time.Second
}

// New builds the transport for a definition.
func New(d Definition) (Channel, error) {
	switch d.Kind {
	case KindSMTP:
		return NewSMTP(d)
	case KindWebhook:
		return NewWebhook(d)
	case KindAMQP:
		return NewAMQP(d)
	case KindCommand:
		return NewCommand(d)
	case KindLog:
		return Log{ID: d.ID, FailRate: d.FailRate}, nil
	default:
		return nil, fmt.Errorf("channel %s: unknown kind %q", d.ID, d.Kind)
	}
}

type entry struct {
	def     Definition
	ch      Channel
	limiter *rate.Limiter
}

// Registry resolves channel ids to transports and applies each channel's
// throughput cap.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Build constructs a registry from definitions.
func Build(defs []Definition) (*Registry, error) {
	r := NewRegistry()
	for _, d := range defs {
		ch, err := New(d)
		if err != nil {
			return nil, err
		}
		if err := r.Register(d, ch); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(d Definition, ch Channel) error {
	if d.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d.ID]; ok {
		return fmt.Errorf("channel %s registered twice", d.ID)
	}
	e := &entry{def: d, ch: ch}
	if d.RatePerSec > 0 {
		burst := int(d.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(d.RatePerSec), burst)
	}
	r.entries[d.ID] = e
	return nil
}

func (r *Registry) Definition(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Send delivers one message through channel id.
func (r *Registry) Send(ctx context.Context, id string, rcpt domain.Recipient, subject, body string, campaignID string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return e.ch.Send(ctx, Message{
		CampaignID:  campaignID,
		RecipientID: rcpt.ID,
		To:          rcpt.Email,
		Name:        rcpt.Name,
		Subject:     subject,
		Body:        body,
	})
}

// Close releases transports holding connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, e := range r.entries {
		if c, ok := e.ch.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
