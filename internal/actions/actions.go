// Package actions implements the executors behind each plan action type.
//
// Executors validate their own parameters and return a *types.StepError when
// the input is unusable, so the orchestrator can tell a missing recipient
// (NeedsInfo) from a broken mail server (ExecutionFailed).
package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/internal/transport"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Searcher runs text retrieval for context enrichment.
type Searcher interface {
	SearchText(ctx context.Context, text string, q engine.Query) ([]engine.Hit, error)
}

// Deps holds what the executors need. Executors whose dependency is missing
// are not registered, except Mailer and Notifier which fall back to logging.
type Deps struct {
	Entities  storage.EntityStore
	Mentions  storage.MentionLog
	Resolver  orchestrator.MentionResolver
	Retriever Searcher
	Embedder  llm.EmbeddingGenerator
	Mailer    Mailer
	Notifier  transport.Notifier
	Logger    *zap.Logger
}

// RegisterAll registers every executor that deps can support.
func RegisterAll(reg *orchestrator.Registry, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = &LogMailer{Logger: logger}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = transport.LogNotifier{Logger: logger}
	}

	execs := map[types.ActionType]orchestrator.Executor{
		types.ActionSendEmail: &SendEmail{Mailer: mailer, Logger: logger},
		types.ActionReply:     &Reply{Notifier: notifier},
	}
	if deps.Entities != nil {
		store := &entityWriter{entities: deps.Entities, embedder: deps.Embedder, logger: logger}
		execs[types.ActionGenerateDocument] = &GenerateDocument{writer: store}
		execs[types.ActionCreateTask] = &CreateTask{writer: store}
	}
	if deps.Resolver != nil {
		execs[types.ActionResolveContact] = &ResolveContact{
			Resolver: deps.Resolver,
			Notifier: notifier,
			Mentions: deps.Mentions,
			Logger:   logger,
		}
	}
	if deps.Retriever != nil {
		execs[types.ActionContextEnrichment] = &ContextEnrichment{Retriever: deps.Retriever}
	}

	for action, exec := range execs {
		if err := reg.Register(action, exec); err != nil {
			return err
		}
	}
	logger.Info("registered action executors", zap.Int("count", len(execs)))
	return nil
}

// needsInfo reports a parameter problem the user has to fix.
func needsInfo(format string, args ...any) error {
	return types.NewStepError(types.ErrClassNeedsInfo, format, args...)
}

// stringParam returns params[key] as trimmed text. Non-string scalars are
// formatted.
func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// listParam accepts a list or a comma separated string.
func listParam(params map[string]any, key string) []string {
	var raw []string
	switch t := params[key].(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if item != nil {
				raw = append(raw, fmt.Sprint(item))
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intParam(params map[string]any, key string) int {
	switch t := params[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}
