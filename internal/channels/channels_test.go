package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/franzego/teleconsult/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

type staticContacts map[string]models.Contact

func (s staticContacts) GetContact(_ context.Context, userID string) (*models.Contact, error) {
	c, ok := s[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return &c, nil
}

type recordingPublisher struct {
	messages []interface{}
}

func (r *recordingPublisher) PublishPush(_ context.Context, message interface{}) error {
	r.messages = append(r.messages, message)
	return nil
}

var contacts = staticContacts{
	"u1": {UserID: "u1", Email: "u1@clinic.test", Phone: "+254700000001"},
	"u2": {UserID: "u2"},
}

func record(userID string) models.NotificationRecord {
	return models.NotificationRecord{
		ID:       "n1",
		UserID:   userID,
		Type:     models.TypeAppointmentReminder,
		Title:    "Appointment in 1 hour",
		Message:  "Dr. Kim at 15:00",
		Priority: models.PriorityHigh,
	}
}

func TestEmailSender(t *testing.T) {
	var got *ses.SendEmailInput
	client := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			got = params
			return &ses.SendEmailOutput{}, nil
		},
	}
	sender := NewEmailSender(client, "no-reply@clinic.test", contacts)

	require.NoError(t, sender.Send(context.Background(), record("u1")))
	require.NotNil(t, got)
	assert.Equal(t, []string{"u1@clinic.test"}, got.Destination.ToAddresses)
	assert.Equal(t, "Appointment in 1 hour", *got.Message.Subject.Data)
	assert.Equal(t, "no-reply@clinic.test", *got.Source)
	assert.Equal(t, models.DeliveryEmail, sender.Method())

	assert.ErrorIs(t, sender.Send(context.Background(), record("u2")), ErrNoAddress)
	assert.Error(t, sender.Send(context.Background(), record("ghost")))
}

func TestSMSSender(t *testing.T) {
	var got *sns.PublishInput
	client := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			got = params
			return &sns.PublishOutput{}, nil
		},
	}
	sender := NewSMSSender(client, contacts)

	require.NoError(t, sender.Send(context.Background(), record("u1")))
	assert.Equal(t, "+254700000001", *got.PhoneNumber)
	assert.Contains(t, *got.Message, "Dr. Kim at 15:00")

	assert.ErrorIs(t, sender.Send(context.Background(), record("u2")), ErrNoAddress)
}

func TestPushSinkPermissionAndPush(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := &recordingPublisher{}
	sink := NewPushSink(pub, client)
	ctx := context.Background()

	perm, err := sink.Permission(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionDefault, perm)

	require.NoError(t, sink.SetPermission(ctx, "u1", models.PermissionGranted))
	perm, err = sink.Permission(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionGranted, perm)

	require.NoError(t, sink.Push(ctx, record("u1")))
	require.Len(t, pub.messages, 1)
	msg := pub.messages[0].(PushMessage)
	assert.Equal(t, "n1", msg.NotificationID)
	assert.Equal(t, "u1", msg.UserID)
}
