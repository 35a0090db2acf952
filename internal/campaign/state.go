// Package campaign owns campaign status transitions and the control
// operations (create, pause, resume, cancel, progress) built on them.
package campaign

import "bulkflow/internal/domain"

// transitions lists every legal status change. processing -> scheduled is the
// recurring re-arm between cycles; paused/cancelled -> scheduled|processing is
// resume.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusScheduled:  {domain.StatusProcessing, domain.StatusCancelled},
	domain.StatusProcessing: {domain.StatusCompleted, domain.StatusFailed, domain.StatusPaused, domain.StatusCancelled, domain.StatusScheduled},
	domain.StatusPaused:     {domain.StatusProcessing, domain.StatusScheduled, domain.StatusCancelled},
	domain.StatusCancelled:  {domain.StatusProcessing, domain.StatusScheduled},
}

func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether nothing but an operator resume can move a
// campaign out of s.
func Terminal(s domain.Status) bool {
	return s == domain.StatusCompleted || s == domain.StatusFailed || s == domain.StatusCancelled
}

func checkTransition(from, to domain.Status, allowed ...domain.Status) error {
	for _, a := range allowed {
		if a == from && CanTransition(from, to) {
			return nil
		}
	}
	return &domain.InvalidTransitionError{From: from, To: to}
}
