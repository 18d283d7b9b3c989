package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
)

type recordingMailer struct {
	calls []ActionType
	fail  bool
}

func (m *recordingMailer) SendReviewRequest(ctx context.Context, req Request) error {
	return m.record(SendReviewRequest)
}

func (m *recordingMailer) SendReferralOffer(ctx context.Context, req Request) error {
	return m.record(SendReferralOffer)
}

func (m *recordingMailer) SendBookingConfirmation(ctx context.Context, req Request) error {
	return m.record(SendBookingConfirmation)
}

func (m *recordingMailer) record(t ActionType) error {
	m.calls = append(m.calls, t)
	if m.fail {
		return errors.New("smtp down")
	}
	return nil
}

type recordingUpdater struct {
	calls int
}

func (u *recordingUpdater) UpdateStatus(ctx context.Context, req Request) error {
	u.calls++
	return nil
}

func TestDispatchRoutesEveryKnownAction(t *testing.T) {
	mailer := &recordingMailer{}
	updater := &recordingUpdater{}
	d := Dispatcher{Mailer: mailer, Updater: updater}
	req := Request{Lead: domain.Lead{ID: "lead-1"}}

	for _, action := range Known() {
		require.NoError(t, d.Execute(context.Background(), action, req))
	}
	assert.Equal(t, []ActionType{SendReviewRequest, SendReferralOffer, SendBookingConfirmation}, mailer.calls)
	assert.Equal(t, 1, updater.calls)
}

func TestDispatchWrapsFailures(t *testing.T) {
	d := Dispatcher{Mailer: &recordingMailer{fail: true}, Updater: &recordingUpdater{}}
	err := d.Execute(context.Background(), SendReviewRequest, Request{})
	require.Error(t, err)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, SendReviewRequest, execErr.Action)
}

func TestDispatchUnknownAction(t *testing.T) {
	d := Dispatcher{Mailer: &recordingMailer{}, Updater: &recordingUpdater{}}
	err := d.Execute(context.Background(), ActionType("send_pigeon"), Request{})
	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
}

func TestParse(t *testing.T) {
	for _, action := range Known() {
		got, err := Parse(string(action))
		require.NoError(t, err)
		assert.Equal(t, action, got)
	}
	_, err := Parse("fax_blast")
	assert.Error(t, err)
}
