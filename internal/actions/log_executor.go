package actions

import (
	"context"

	"go.uber.org/zap"
)

// LogExecutor satisfies the collaborator interfaces by logging instead of
// sending. Used by the CLI in development and by tests; production wires
// real transport implementations.
type LogExecutor struct {
	Log *zap.Logger
}

func NewLogExecutor(log *zap.Logger) LogExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return LogExecutor{Log: log}
}

func (e LogExecutor) SendReviewRequest(ctx context.Context, req Request) error {
	return e.send(ctx, SendReviewRequest, req)
}

func (e LogExecutor) SendReferralOffer(ctx context.Context, req Request) error {
	return e.send(ctx, SendReferralOffer, req)
}

func (e LogExecutor) SendBookingConfirmation(ctx context.Context, req Request) error {
	return e.send(ctx, SendBookingConfirmation, req)
}

func (e LogExecutor) UpdateStatus(ctx context.Context, req Request) error {
	e.Log.Info("would update lead status",
		zap.String("tenant_id", req.Tenant.ID),
		zap.String("lead_id", req.Lead.ID),
		zap.String("trigger", req.Trigger))
	return nil
}

func (e LogExecutor) send(_ context.Context, action ActionType, req Request) error {
	e.Log.Info("would send message",
		zap.String("action", string(action)),
		zap.String("tenant_id", req.Tenant.ID),
		zap.String("lead_id", req.Lead.ID),
		zap.String("email", req.Lead.Email),
		zap.String("trigger", req.Trigger))
	return nil
}
