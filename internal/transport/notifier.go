// Package transport delivers clarification requests and replies back to the
// conversation that triggered them.
//
// The orchestrator only sees the Notifier interface. Concrete transports are a
// websocket feed for connected UIs and an AMQP publisher for chat gateways.
// A file spool carries notifications from short-lived CLI processes to the
// server that owns the websocket feed. Fanout combines several of them.
package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Kind is the type of a notification.
type Kind string

// Notification kinds.
const (
	KindClarification Kind = "clarification"
	KindReply         Kind = "reply"
)

// Notification is a message for a conversation.
type Notification struct {
	Kind           Kind           `json:"type"`
	ConversationID string         `json:"conversation_id"`
	PlanID         string         `json:"plan_id,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	Text           string         `json:"text"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Notifier sends notifications to conversations.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify sends n to each notifier in order.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range f {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs n.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("conversation notification",
		zap.String("type", string(n.Kind)),
		zap.String("conversation_id", n.ConversationID),
		zap.String("plan_id", n.PlanID),
		zap.String("step_id", n.StepID),
		zap.String("text", n.Text))
	return nil
}
