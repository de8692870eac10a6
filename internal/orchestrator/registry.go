package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Request is what an executor receives for one step. Params have every
// reference already substituted.
type Request struct {
	PlanID         string
	ConversationID string
	StepID         string
	Action         types.ActionType
	Params         map[string]any
}

// Executor performs one action type. Returning a *types.StepError selects the
// error class; any other error is ExecutionFailed.
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps action types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[types.ActionType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[types.ActionType]Executor)}
}

// Register binds exec to action. Unknown action types are rejected.
func (r *Registry) Register(action types.ActionType, exec Executor) error {
	if !types.IsValidActionType(action) {
		return fmt.Errorf("unknown action type %q", action)
	}
	if exec == nil {
		return fmt.Errorf("nil executor for %q", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[action] = exec
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(action types.ActionType, exec Executor) {
	if err := r.Register(action, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for action.
func (r *Registry) Lookup(action types.ActionType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[action]
	return exec, ok
}

// Actions returns the registered action types in sorted order.
func (r *Registry) Actions() []types.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]types.ActionType, 0, len(r.executors))
	for a := range r.executors {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}
