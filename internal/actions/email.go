package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/orchestrator"
)

// Email is an outgoing message.
type Email struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// Mailer delivers email and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Email) (string, error)
}

// LogMailer logs messages instead of sending them.
type LogMailer struct {
	Logger *zap.Logger
}

// Send logs msg and returns a generated message id.
func (m *LogMailer) Send(_ context.Context, msg Email) (string, error) {
	id := uuid.New().String()
	if m.Logger != nil {
		m.Logger.Info("email queued",
			zap.String("message_id", id),
			zap.Strings("to", msg.To),
			zap.Strings("cc", msg.Cc),
			zap.String("subject", msg.Subject),
			zap.Int("body_length", len(msg.Body)))
	}
	return id, nil
}

// SendEmail executes send_email steps.
//
// Params: to (string or list), cc (optional), subject, body.
type SendEmail struct {
	Mailer Mailer
	Logger *zap.Logger
	now    func() time.Time
}

// Execute validates the message and hands it to the mailer.
func (s *SendEmail) Execute(ctx context.Context, req orchestrator.Request) (map[string]any, error) {
	msg := Email{
		To:      listParam(req.Params, "to"),
		Cc:      listParam(req.Params, "cc"),
		Subject: stringParam(req.Params, "subject"),
		Body:    stringParam(req.Params, "body"),
	}
	if len(msg.To) == 0 {
		return nil, needsInfo("email recipient is required")
	}
	for _, addr := range append(append([]string{}, msg.To...), msg.Cc...) {
		if !strings.Contains(addr, "@") {
			return nil, needsInfo("invalid email address %q", addr)
		}
	}
	if msg.Subject == "" {
		return nil, needsInfo("email subject is required")
	}
	if msg.Body == "" {
		return nil, needsInfo("email body is required")
	}

	id, err := s.Mailer.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	return map[string]any{
		"message_id": id,
		"to":         strings.Join(msg.To, ", "),
		"subject":    msg.Subject,
		"sent_at":    now().UTC().Format(time.RFC3339),
	}, nil
}
