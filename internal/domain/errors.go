package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateJob marks more than one live job for a campaign. It is
	// resolved by the recovery sweep and never returned to callers.
	ErrDuplicateJob = errors.New("duplicate execution job")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a campaign input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) HasErrors() bool { return len(e.Fields) > 0 }

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type AuthorizationError struct {
	OwnerID  string
	Resource string
	ID       string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %s is not owned by %s", e.Resource, e.ID, e.OwnerID)
}

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// DeliveryError is a single-recipient send failure. It is recorded and never
// aborts a batch.
type DeliveryError struct {
	ChannelID string
	Email     string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s via %s: %v", e.Email, e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ExecutionFailure aborts a whole execution and fails the campaign.
type ExecutionFailure struct {
	CampaignID string
	Op         string
	Err        error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("campaign %s: %s: %v", e.CampaignID, e.Op, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }
