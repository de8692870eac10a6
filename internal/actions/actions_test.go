package actions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/storage/sqlite"
	"github.com/ImCalebP/ai-employee/internal/transport"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

type fakeMailer struct {
	sent []Email
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Email) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "msg-1", nil
}

type capturingNotifier struct {
	mu   sync.Mutex
	sent []transport.Notification
}

func (c *capturingNotifier) Notify(_ context.Context, n transport.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

// keywordEmbedder maps text onto a 3-d vector by keyword, enough to make
// similarity deterministic.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "invoice"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "roadmap"):
		return []float32{0, 1, 0}, nil
	}
	return []float32{0, 0, 1}, nil
}

func (keywordEmbedder) GetModel() string { return "keyword" }

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func request(action types.ActionType, params map[string]any) orchestrator.Request {
	return orchestrator.Request{PlanID: "plan-1", ConversationID: "conv-1", StepID: "s1", Action: action, Params: params}
}

func requireClass(t *testing.T, err error, class types.ErrorClass) {
	t.Helper()
	var se *types.StepError
	require.True(t, errors.As(err, &se), "expected *types.StepError, got %v", err)
	assert.Equal(t, class, se.Class)
}

func TestSendEmail(t *testing.T) {
	mailer := &fakeMailer{}
	exec := &SendEmail{Mailer: mailer}

	out, err := exec.Execute(context.Background(), request(types.ActionSendEmail, map[string]any{
		"to":      "max@acme.com, sarah@acme.com",
		"subject": "Q3 report",
		"body":    "Attached.",
	}))
	require.NoError(t, err)
	assert.Equal(t, "msg-1", out["message_id"])
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"max@acme.com", "sarah@acme.com"}, mailer.sent[0].To)
}

func TestSendEmailValidation(t *testing.T) {
	exec := &SendEmail{Mailer: &fakeMailer{}}
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing recipient", map[string]any{"subject": "s", "body": "b"}},
		{"invalid recipient", map[string]any{"to": "max", "subject": "s", "body": "b"}},
		{"invalid cc", map[string]any{"to": "a@b.c", "cc": []any{"nobody"}, "subject": "s", "body": "b"}},
		{"missing subject", map[string]any{"to": "a@b.c", "body": "b"}},
		{"missing body", map[string]any{"to": "a@b.c", "subject": "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), request(types.ActionSendEmail, tt.params))
			requireClass(t, err, types.ErrClassNeedsInfo)
		})
	}
}

func TestSendEmailMailerFailureIsPlainError(t *testing.T) {
	exec := &SendEmail{Mailer: &fakeMailer{err: errors.New("connection refused")}}
	_, err := exec.Execute(context.Background(), request(types.ActionSendEmail, map[string]any{
		"to": "a@b.c", "subject": "s", "body": "b",
	}))
	require.Error(t, err)
	var se *types.StepError
	assert.False(t, errors.As(err, &se))
}

func TestReply(t *testing.T) {
	notifier := &capturingNotifier{}
	exec := &Reply{Notifier: notifier}

	out, err := exec.Execute(context.Background(), request(types.ActionReply, map[string]any{"text": "Done!"}))
	require.NoError(t, err)
	assert.Equal(t, true, out["delivered"])
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, transport.KindReply, notifier.sent[0].Kind)
	assert.Equal(t, "conv-1", notifier.sent[0].ConversationID)

	_, err = exec.Execute(context.Background(), request(types.ActionReply, map[string]any{}))
	requireClass(t, err, types.ErrClassNeedsInfo)
}

func TestGenerateDocumentAndContextEnrichment(t *testing.T) {
	store := newTestStore(t)
	writer := &entityWriter{entities: store, embedder: keywordEmbedder{}, logger: zap.NewNop()}
	ctx := context.Background()

	gen := &GenerateDocument{writer: writer}
	out, err := gen.Execute(ctx, request(types.ActionGenerateDocument, map[string]any{
		"title":    "Invoice 2024-07",
		"content":  "Invoice for July consulting work.",
		"doc_type": "invoice",
	}))
	require.NoError(t, err)
	assert.Equal(t, true, out["embedded"])

	doc, err := store.Get(ctx, out["document_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.ClassDocument, doc.Class)
	assert.Equal(t, "invoice", doc.Group)
	assert.Len(t, doc.Embedding, 3)

	task := &CreateTask{writer: writer}
	_, err = task.Execute(ctx, request(types.ActionCreateTask, map[string]any{
		"title":       "Roadmap review",
		"description": "Walk through the roadmap with the team.",
		"assignee":    "Sarah",
		"due_date":    "2024-08-01",
	}))
	require.NoError(t, err)

	retriever := engine.NewRetriever(store, keywordEmbedder{}, engine.DefaultConfig(), zap.NewNop())
	enrich := &ContextEnrichment{Retriever: retriever}
	out, err = enrich.Execute(ctx, request(types.ActionContextEnrichment, map[string]any{"query": "the invoice"}))
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	hits := out["hits"].([]any)
	assert.Equal(t, "Invoice 2024-07", hits[0].(map[string]any)["name"])
	assert.Contains(t, out["summary"], "Found 1 related items:")

	_, err = enrich.Execute(ctx, request(types.ActionContextEnrichment, map[string]any{"query": "x", "types": "contacts"}))
	requireClass(t, err, types.ErrClassNeedsInfo)
}

func TestCreateTaskStoresAssignee(t *testing.T) {
	store := newTestStore(t)
	exec := &CreateTask{writer: &entityWriter{entities: store, logger: zap.NewNop()}}

	out, err := exec.Execute(context.Background(), request(types.ActionCreateTask, map[string]any{
		"title":    "Call the bank",
		"assignee": "Max",
		"priority": "high",
	}))
	require.NoError(t, err)

	task, err := store.Get(context.Background(), out["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Max", task.Group)
	assert.Equal(t, "high", task.Field("priority"))
	assert.Equal(t, "open", task.Field("status"))
	assert.Empty(t, task.Embedding)

	_, err = exec.Execute(context.Background(), request(types.ActionCreateTask, map[string]any{}))
	requireClass(t, err, types.ErrClassNeedsInfo)
}

func TestResolveContact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, &types.Entity{
		Class: types.ClassContact, Name: "Max Dupont", FirstName: "Max", LastName: "Dupont",
		PrimaryKey: "max@acme.com", Group: "Acme", Fields: map[string]string{"role": "CFO"},
	}))
	cfg := engine.DefaultConfig()
	resolver := engine.NewResolver(store, store, engine.NewPendingTracker(store, cfg, nil), cfg, nil)
	notifier := &capturingNotifier{}
	exec := &ResolveContact{Resolver: resolver, Notifier: notifier, Mentions: store}

	out, err := exec.Execute(ctx, request(types.ActionResolveContact, map[string]any{"name": "Max"}))
	require.NoError(t, err)
	assert.Equal(t, "max@acme.com", out["email"])
	assert.Equal(t, "Acme", out["company"])
	assert.Equal(t, "CFO", out["role"])
	assert.Equal(t, 1, out["mention_count"])
	assert.NotEmpty(t, out["last_mentioned_at"])

	out, err = exec.Execute(ctx, request(types.ActionResolveContact, map[string]any{"name": "max@acme.com"}))
	require.NoError(t, err)
	assert.Equal(t, 2, out["mention_count"])

	bare := &ResolveContact{Resolver: resolver, Notifier: notifier}
	out, err = bare.Execute(ctx, request(types.ActionResolveContact, map[string]any{"name": "Max"}))
	require.NoError(t, err)
	assert.NotContains(t, out, "mention_count")

	_, err = exec.Execute(ctx, request(types.ActionResolveContact, map[string]any{"name": "Bob"}))
	requireClass(t, err, types.ErrClassNeedsInfo)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, transport.KindClarification, notifier.sent[0].Kind)
	assert.Contains(t, notifier.sent[0].Text, "Bob")
}

func TestRegisterAll(t *testing.T) {
	reg := orchestrator.NewRegistry()
	require.NoError(t, RegisterAll(reg, Deps{}))
	assert.Equal(t, []types.ActionType{types.ActionReply, types.ActionSendEmail}, reg.Actions())

	store := newTestStore(t)
	cfg := engine.DefaultConfig()
	full := orchestrator.NewRegistry()
	require.NoError(t, RegisterAll(full, Deps{
		Entities:  store,
		Resolver:  engine.NewResolver(store, store, engine.NewPendingTracker(store, cfg, nil), cfg, nil),
		Retriever: engine.NewRetriever(store, nil, cfg, nil),
	}))
	assert.Len(t, full.Actions(), len(types.ValidActionTypes))
}

func TestPlanThroughOrchestrator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, &types.Entity{
		Class: types.ClassContact, Name: "Sarah Lee", FirstName: "Sarah", LastName: "Lee", PrimaryKey: "sarah@acme.com",
	}))
	cfg := engine.DefaultConfig()
	resolver := engine.NewResolver(store, store, engine.NewPendingTracker(store, cfg, nil), cfg, nil)

	pool, err := orchestrator.NewWorkerPool(2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	mailer := &fakeMailer{}
	reg := orchestrator.NewRegistry()
	require.NoError(t, RegisterAll(reg, Deps{Entities: store, Resolver: resolver, Mailer: mailer, Notifier: &capturingNotifier{}}))
	orch, err := orchestrator.New(pool, reg, orchestrator.DefaultConfig(), orchestrator.Options{Resolver: resolver})
	require.NoError(t, err)

	results, err := orch.Execute(ctx, &types.ActionPlan{
		ConversationID: "conv-1",
		Steps: []types.ActionStep{
			{ID: "doc", Action: types.ActionGenerateDocument, Params: map[string]any{"title": "Offer letter", "content": "Welcome aboard."}},
			{ID: "mail", Action: types.ActionSendEmail, DependsOn: []string{"doc"}, Params: map[string]any{
				"to":      "{{resolved:contact:Sarah}}",
				"subject": "{{step:doc.title}}",
				"body":    "Document {{step:doc.document_id}} is ready.",
			}},
			{ID: "done", Action: types.ActionReply, DependsOn: []string{"mail"}, Params: map[string]any{"text": "Sent to {{step:mail.to}}"}},
		},
	})
	require.NoError(t, err)
	for id, r := range results {
		require.True(t, r.Succeeded(), "step %s failed: %+v", id, r.Error)
	}
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"sarah@acme.com"}, mailer.sent[0].To)
	assert.Equal(t, "Offer letter", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].Body, results["doc"].Payload["document_id"].(string))
	assert.Equal(t, "Sent to sarah@acme.com", results["done"].Payload["text"])
}
