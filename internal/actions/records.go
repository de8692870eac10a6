package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// entityWriter stores generated records, embedding their text when an
// embedder is configured. An embedding failure is logged and the record is
// stored without a vector.
type entityWriter struct {
	entities storage.EntityStore
	embedder llm.EmbeddingGenerator
	chunker  llm.Chunker
	logger   *zap.Logger
}

func (w *entityWriter) store(ctx context.Context, e *types.Entity) (bool, error) {
	embedded := false
	if w.embedder != nil && strings.TrimSpace(e.Text) != "" {
		vec, err := llm.EmbedLong(ctx, w.embedder, w.chunker, e.Name+"\n\n"+e.Text)
		if err != nil {
			w.logger.Warn("failed to embed record, storing without vector",
				zap.String("class", string(e.Class)),
				zap.String("name", e.Name),
				zap.Error(err))
		} else {
			e.Embedding = vec
			embedded = true
		}
	}

	if err := w.entities.Insert(ctx, e); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrInvalidInput) {
			return false, &types.StepError{Class: types.ErrClassExecutionFailed, Message: err.Error()}
		}
		return false, fmt.Errorf("failed to store %s: %w", e.Class, err)
	}
	return embedded, nil
}

// GenerateDocument executes generate_document steps. Rendering is out of
// scope: the step records the document so later steps and searches can find it.
//
// Params: title, content, doc_type (optional), tags (optional).
type GenerateDocument struct {
	writer *entityWriter
}

// Execute stores the document.
func (g *GenerateDocument) Execute(ctx context.Context, req orchestrator.Request) (map[string]any, error) {
	title := stringParam(req.Params, "title")
	if title == "" {
		return nil, needsInfo("document title is required")
	}
	content := stringParam(req.Params, "content")
	if content == "" {
		content = stringParam(req.Params, "body")
	}
	docType := stringParam(req.Params, "doc_type")

	doc := &types.Entity{
		Class: types.ClassDocument,
		Name:  title,
		Group: docType,
		Tags:  listParam(req.Params, "tags"),
		Text:  content,
		Fields: map[string]string{
			"conversation_id": req.ConversationID,
			"plan_id":         req.PlanID,
		},
	}
	embedded, err := g.writer.store(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document_id": doc.ID,
		"title":       doc.Name,
		"doc_type":    docType,
		"embedded":    embedded,
	}, nil
}

// CreateTask executes create_task steps.
//
// Params: title, description, assignee, due_date, priority (all but title optional).
type CreateTask struct {
	writer *entityWriter
}

// Execute stores the task.
func (c *CreateTask) Execute(ctx context.Context, req orchestrator.Request) (map[string]any, error) {
	title := stringParam(req.Params, "title")
	if title == "" {
		return nil, needsInfo("task title is required")
	}
	assignee := stringParam(req.Params, "assignee")

	fields := map[string]string{"status": "open", "conversation_id": req.ConversationID}
	for _, key := range []string{"due_date", "priority"} {
		if v := stringParam(req.Params, key); v != "" {
			fields[key] = v
		}
	}

	task := &types.Entity{
		Class:  types.ClassTask,
		Name:   title,
		Group:  assignee,
		Tags:   listParam(req.Params, "tags"),
		Text:   stringParam(req.Params, "description"),
		Fields: fields,
	}
	if _, err := c.writer.store(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{
		"task_id":  task.ID,
		"title":    task.Name,
		"assignee": assignee,
		"status":   "open",
	}, nil
}
