package email

import (
	"context"
	"log/slog"
)

// LogSender writes messages to the log instead of delivering them. Used in
// development and when EMAIL_MODE=log.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, m *Message) error {
	s.logger.Info("email (log mode)",
		slog.String("to", m.To),
		slog.String("subject", m.Subject),
		slog.Int("body_bytes", len(m.TextBody)))
	return nil
}
