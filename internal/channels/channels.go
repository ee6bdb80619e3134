// Package channels delivers notification records outside the app: email
// through SES, SMS through SNS, and platform push through the push queue.
package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/franzego/teleconsult/internal/models"
)

// ErrNoAddress means the directory has no address for the channel.
var ErrNoAddress = errors.New("channels: no address for recipient")

type ContactLookup interface {
	GetContact(ctx context.Context, userID string) (*models.Contact, error)
}

type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewAWSClients builds SES and SNS clients from the default credential chain.
func NewAWSClients(ctx context.Context, region string) (*ses.Client, *sns.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	return ses.NewFromConfig(cfg), sns.NewFromConfig(cfg), nil
}

type EmailSender struct {
	client   SESAPI
	from     string
	contacts ContactLookup
}

func NewEmailSender(client SESAPI, from string, contacts ContactLookup) *EmailSender {
	return &EmailSender{client: client, from: from, contacts: contacts}
}

func (e *EmailSender) Method() models.DeliveryMethod { return models.DeliveryEmail }

func (e *EmailSender) Send(ctx context.Context, rec models.NotificationRecord) error {
	contact, err := e.contacts.GetContact(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("lookup contact: %w", err)
	}
	if contact.Email == "" {
		return ErrNoAddress
	}
	_, err = e.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{contact.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(rec.Title)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(rec.Message)},
			},
		},
		Source: aws.String(e.from),
	})
	return err
}

type SMSSender struct {
	client   SNSAPI
	contacts ContactLookup
}

func NewSMSSender(client SNSAPI, contacts ContactLookup) *SMSSender {
	return &SMSSender{client: client, contacts: contacts}
}

func (s *SMSSender) Method() models.DeliveryMethod { return models.DeliverySMS }

func (s *SMSSender) Send(ctx context.Context, rec models.NotificationRecord) error {
	contact, err := s.contacts.GetContact(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("lookup contact: %w", err)
	}
	if contact.Phone == "" {
		return ErrNoAddress
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(contact.Phone),
		Message:     aws.String(rec.Title + ": " + rec.Message),
	})
	return err
}
