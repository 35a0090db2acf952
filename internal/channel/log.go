package channel

import (
	"context"
	"errors"
	"math/rand"

	"github.com/rs/zerolog/log"
)

var errSimulated = errors.New("simulated delivery failure")

// Log writes deliveries to the process log instead of sending them. A
// non-zero FailRate rejects that fraction of messages, for dry runs.
type Log struct {
	ID       string
	FailRate float64
}

func (l Log) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.FailRate > 0 && rand.Float64() < l.FailRate {
		return errSimulated
	}
	log.Info().
		Str("channel", l.ID).
		Str("campaign_id", m.CampaignID).
		Str("to", m.To).
		Str("subject", m.Subject).
		Int("body_bytes", len(m.Body)).
		Msg("message delivered")
	return nil
}
