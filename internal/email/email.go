// Package email delivers the outbound messages the outbox worker drains.
package email

import "context"

// Message is a composed outbound email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string // optional
}

// Sender sends a single message. Implementations exist for SMTP, Postmark,
// and a log-only mode for development.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}
