// Package actions dispatches the concrete side effect once a send verdict
// clears. The action set is closed: routing is an exhaustive switch over
// ActionType, so adding an action is a compile-time-checked change.
package actions

import (
	"context"
	"fmt"

	"leadline/internal/domain"
)

type ActionType string

const (
	SendReviewRequest       ActionType = "send_review_request"
	SendReferralOffer       ActionType = "send_referral_offer"
	UpdateLeadStatus        ActionType = "update_lead_status"
	SendBookingConfirmation ActionType = "send_booking_confirmation"
)

// Parse validates a stored action type string.
func Parse(s string) (ActionType, error) {
	switch t := ActionType(s); t {
	case SendReviewRequest, SendReferralOffer, UpdateLeadStatus, SendBookingConfirmation:
		return t, nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// Known lists every action type, in dispatch order.
func Known() []ActionType {
	return []ActionType{SendReviewRequest, SendReferralOffer, UpdateLeadStatus, SendBookingConfirmation}
}

// Request carries the lead and trigger context an action needs.
type Request struct {
	Tenant  domain.Tenant
	Lead    domain.Lead
	Trigger string
	Payload map[string]any
}

// ExecError marks a failed side effect. The pipeline treats it as distinct
// from a governance skip: nothing is committed and the lead stays retryable.
type ExecError struct {
	Action ActionType
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Mailer sends outbound email on behalf of a tenant. Implemented by an
// external collaborator; the engine treats it as opaque.
type Mailer interface {
	SendReviewRequest(ctx context.Context, req Request) error
	SendReferralOffer(ctx context.Context, req Request) error
	SendBookingConfirmation(ctx context.Context, req Request) error
}

// StatusUpdater applies a business-status change to a lead.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, req Request) error
}

// Dispatcher routes an action type to its collaborator.
type Dispatcher struct {
	Mailer  Mailer
	Updater StatusUpdater
}

// Execute runs the side effect for action. Any collaborator failure is
// wrapped in ExecError.
func (d Dispatcher) Execute(ctx context.Context, action ActionType, req Request) error {
	var err error
	switch action {
	case SendReviewRequest:
		err = d.Mailer.SendReviewRequest(ctx, req)
	case SendReferralOffer:
		err = d.Mailer.SendReferralOffer(ctx, req)
	case SendBookingConfirmation:
		err = d.Mailer.SendBookingConfirmation(ctx, req)
	case UpdateLeadStatus:
		err = d.Updater.UpdateStatus(ctx, req)
	default:
		return &ExecError{Action: action, Err: fmt.Errorf("no handler registered")}
	}
	if err != nil {
		return &ExecError{Action: action, Err: err}
	}
	return nil
}

// Channel returns the message channel an action writes to. Status updates
// still count as an outbound touch but carry no delivery channel.
func Channel(action ActionType) string {
	switch action {
	case SendReviewRequest, SendReferralOffer, SendBookingConfirmation:
		return "email"
	default:
		return ""
	}
}
