package recovery

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Service runs the sweep for every owner on a cron schedule.
type Service struct {
	sweeper *Sweeper
	cron    *cron.Cron
	spec    string
	timeout time.Duration
}

func NewService(sweeper *Sweeper, spec string, timeout time.Duration) (*Service, error) {
	s := &Service{sweeper: sweeper, cron: cron.New(), spec: spec, timeout: timeout}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs until ctx is done and waits for an in-flight sweep to finish.
func (s *Service) Start(ctx context.Context) {
	log.Info().Str("schedule", s.spec).Msg("recovery sweep service started")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Service) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.sweeper.SweepAll(ctx); err != nil {
		log.Error().Err(err).Msg("recovery sweep failed")
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
