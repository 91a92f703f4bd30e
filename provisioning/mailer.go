package provisioning

import (
	"context"
	"log/slog"
)

// Mailer delivers transactional mail. Actual delivery is an external
// collaborator; the broker only defines the port.
type Mailer interface {
	// SendWelcome greets a newly provisioned tenant.
	SendWelcome(ctx context.Context, email, name string) error
}

// LogMailer is a Mailer that records the send instead of delivering,
// for development and test environments without a mail provider.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a logging mailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

var _ Mailer = (*LogMailer)(nil)

func (m *LogMailer) SendWelcome(_ context.Context, email, name string) error {
	m.logger.Info("welcome mail suppressed", "email", email, "name", name)
	return nil
}
