package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/transport"
)

// Reply executes reply steps: the text goes back to the conversation.
type Reply struct {
	Notifier transport.Notifier
}

// Execute sends params.text to the step's conversation.
func (r *Reply) Execute(ctx context.Context, req orchestrator.Request) (map[string]any, error) {
	text := stringParam(req.Params, "text")
	if text == "" {
		text = stringParam(req.Params, "message")
	}
	if text == "" {
		return nil, needsInfo("reply text is required")
	}

	err := r.Notifier.Notify(ctx, transport.Notification{
		Kind:           transport.KindReply,
		ConversationID: req.ConversationID,
		PlanID:         req.PlanID,
		StepID:         req.StepID,
		Text:           text,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deliver reply: %w", err)
	}
	return map[string]any{"delivered": true, "text": text}, nil
}
