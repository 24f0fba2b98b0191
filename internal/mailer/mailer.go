// Package mailer sends payment confirmations to members.
package mailer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/logging"
)

// Confirmation is the content of a payment confirmation message.
type Confirmation struct {
	To        string
	Name      string
	Service   string
	Amount    float64
	Currency  string
	ExpiresAt *time.Time
}

// LogMailer records confirmations in the log instead of delivering email.
type LogMailer struct {
	logger *logrus.Entry
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *logrus.Entry) *LogMailer {
	if logger == nil {
		logger = logging.Logger()
	}
	return &LogMailer{logger: logger}
}

// SendConfirmation logs the confirmation. An empty recipient is an error.
func (m *LogMailer) SendConfirmation(ctx context.Context, c Confirmation) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(c.To) == "" {
		return errors.New("confirmation recipient is required")
	}

	fields := logrus.Fields{
		"event":    "payment_confirmation",
		"to":       c.To,
		"service":  c.Service,
		"amount":   c.Amount,
		"currency": c.Currency,
	}
	if c.ExpiresAt != nil {
		fields["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}

	m.logger.WithFields(fields).Info("payment confirmation queued")
	return nil
}
