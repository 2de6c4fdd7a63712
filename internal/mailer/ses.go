package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/inteldesk/advisory-mailer/internal/config"
)

// SESMailer sends through the AWS SES v2 API.
type SESMailer struct {
	client   *sesv2.Client
	from     string
	fromName string
	region   string
}

// NewSESMailer creates the SES transport from static credentials.
func NewSESMailer(ctx context.Context, cfg appconfig.MailerConfig) (*SESMailer, error) {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKey,
		cfg.SecretKey,
		"",
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESMailer{
		client:   sesv2.NewFromConfig(awsCfg),
		from:     cfg.FromEmail,
		fromName: cfg.FromName,
		region:   cfg.Region,
	}, nil
}

// Send delivers one message via SES. The configured sender is used
// when the message does not set one.
func (m *SESMailer) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg.From == "" {
		msg.From = m.formattedFrom()
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
				Headers: sesHeaders(msg.Headers),
			},
		},
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sending via SES: %w", err)
	}

	res := &SendResult{}
	if out.MessageId != nil {
		res.MessageID = *out.MessageId
	}
	return res, nil
}

func (m *SESMailer) formattedFrom() string {
	if m.fromName != "" {
		return fmt.Sprintf("%s <%s>", m.fromName, m.from)
	}
	return m.from
}

func sesHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(h))
	for k, v := range h {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}
