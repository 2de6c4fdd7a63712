// Package mailer abstracts outbound email transport. The delivery
// engine talks to the Mailer interface; production wires the SES
// implementation, tests inject a mock.
package mailer

import (
	"context"
	"errors"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      []string
	CC      []string
	BCC     []string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// SendResult carries the transport's identity for a delivered message.
type SendResult struct {
	MessageID string
}

// Mailer sends a single message. Implementations must respect ctx
// cancellation and return an error on any transport failure; partial
// delivery is reported as failure.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// Validate checks the fields every transport requires.
func (m *Message) Validate() error {
	if m.From == "" {
		return errors.New("message requires a from address")
	}
	if len(m.To) == 0 {
		return errors.New("message requires at least one recipient")
	}
	if m.Subject == "" {
		return errors.New("message requires a subject")
	}
	if m.HTML == "" && m.Text == "" {
		return errors.New("message requires a body")
	}
	return nil
}
