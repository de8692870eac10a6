package types

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPlan indicates that an action plan failed structural validation.
var ErrInvalidPlan = errors.New("invalid action plan")

// ActionType names an executable action. The set is closed.
type ActionType string

// Action type constants
const (
	ActionResolveContact    ActionType = "resolve_contact"
	ActionSendEmail         ActionType = "send_email"
	ActionGenerateDocument  ActionType = "generate_document"
	ActionCreateTask        ActionType = "create_task"
	ActionReply             ActionType = "reply"
	ActionContextEnrichment ActionType = "context_enrichment"
)

// ValidActionTypes contains all executable action types.
var ValidActionTypes = []ActionType{
	ActionResolveContact,
	ActionSendEmail,
	ActionGenerateDocument,
	ActionCreateTask,
	ActionReply,
	ActionContextEnrichment,
}

// IsValidActionType checks if the given action type is part of the closed set.
func IsValidActionType(a ActionType) bool {
	for _, valid := range ValidActionTypes {
		if a == valid {
			return true
		}
	}
	return false
}

// ActionStep is one unit of work inside a plan.
type ActionStep struct {
	ID        string         `json:"id" yaml:"id"`
	Action    ActionType     `json:"action" yaml:"action"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// ActionPlan is a DAG of steps produced for one conversation turn.
type ActionPlan struct {
	ID             string       `json:"id" yaml:"id"`
	ConversationID string       `json:"conversation_id" yaml:"conversation_id"`
	Steps          []ActionStep `json:"steps" yaml:"steps"`
}

// Reference patterns embedded in parameter strings.
//
//	{{step:<id>}}              whole output of a dependency
//	{{step:<id>.<field>}}      one output field of a dependency
//	{{resolved:<class>:<text>}} a mention to resolve before execution
var (
	stepRefPattern     = regexp.MustCompile(`\{\{\s*step:([A-Za-z0-9_\-]+)(?:\.([A-Za-z0-9_\-.]+))?\s*\}\}`)
	resolvedRefPattern = regexp.MustCompile(`\{\{\s*resolved:([a-z]+):([^}]+?)\s*\}\}`)
)

// StepRef is a reference from a parameter to the output of another step.
type StepRef struct {
	Raw    string
	StepID string
	Field  string
}

// MentionRef is a reference from a parameter to a mention that must be resolved.
type MentionRef struct {
	Raw   string
	Class EntityClass
	Text  string
}

// FindStepRefs returns every step reference in s.
func FindStepRefs(s string) []StepRef {
	var refs []StepRef
	for _, m := range stepRefPattern.FindAllStringSubmatch(s, -1) {
		refs = append(refs, StepRef{Raw: m[0], StepID: m[1], Field: m[2]})
	}
	return refs
}

// FindMentionRefs returns every mention reference in s.
func FindMentionRefs(s string) []MentionRef {
	var refs []MentionRef
	for _, m := range resolvedRefPattern.FindAllStringSubmatch(s, -1) {
		refs = append(refs, MentionRef{Raw: m[0], Class: EntityClass(m[1]), Text: strings.TrimSpace(m[2])})
	}
	return refs
}

// WalkStrings calls fn for every string nested in v (maps, slices, scalars).
func WalkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case []any:
		for _, item := range t {
			WalkStrings(item, fn)
		}
	case []string:
		for _, item := range t {
			fn(item)
		}
	case map[string]any:
		for _, item := range t {
			WalkStrings(item, fn)
		}
	}
}

// StepRefs returns the distinct step ids referenced anywhere in the step params.
func (s *ActionStep) StepRefs() []string {
	seen := map[string]bool{}
	var ids []string
	WalkStrings(s.Params, func(str string) {
		for _, ref := range FindStepRefs(str) {
			if !seen[ref.StepID] {
				seen[ref.StepID] = true
				ids = append(ids, ref.StepID)
			}
		}
	})
	sort.Strings(ids)
	return ids
}

// MentionRefs returns the distinct mention references in the step params.
func (s *ActionStep) MentionRefs() []MentionRef {
	seen := map[string]bool{}
	var refs []MentionRef
	WalkStrings(s.Params, func(str string) {
		for _, ref := range FindMentionRefs(str) {
			if !seen[ref.Raw] {
				seen[ref.Raw] = true
				refs = append(refs, ref)
			}
		}
	})
	sort.Slice(refs, func(i, j int) bool { return refs[i].Raw < refs[j].Raw })
	return refs
}

// Validate checks the structure of the plan: unique step ids, known actions,
// known dependencies, references only to declared dependencies, and no cycles.
func (p *ActionPlan) Validate() error {
	index := make(map[string]*ActionStep, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPlan, i)
		}
		if _, dup := index[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, step.ID)
		}
		if !IsValidActionType(step.Action) {
			return fmt.Errorf("%w: step %q has unknown action %q", ErrInvalidPlan, step.ID, step.Action)
		}
		index[step.ID] = step
	}

	for _, step := range p.Steps {
		deps := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidPlan, step.ID)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, step.ID, dep)
			}
			deps[dep] = true
		}
		for _, ref := range step.StepRefs() {
			if !deps[ref] {
				return fmt.Errorf("%w: step %q references %q outside its dependencies", ErrInvalidPlan, step.ID, ref)
			}
		}
	}

	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns step ids in an order where every step follows its
// dependencies (Kahn's algorithm, ties broken by declaration order).
func (p *ActionPlan) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var queue, order []string
	for _, step := range p.Steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(p.Steps) {
		return nil, fmt.Errorf("%w: dependency cycle detected", ErrInvalidPlan)
	}
	return order, nil
}

// ErrorClass classifies why a step did not succeed.
type ErrorClass string

// Error class constants
const (
	ErrClassNotFound          ErrorClass = "not_found"
	ErrClassNeedsInfo         ErrorClass = "needs_info"
	ErrClassAmbiguous         ErrorClass = "ambiguous"
	ErrClassDependencyFailed  ErrorClass = "dependency_failed"
	ErrClassExecutionFailed   ErrorClass = "execution_failed"
	ErrClassResourceExhausted ErrorClass = "resource_exhausted"
	ErrClassTimeout           ErrorClass = "timeout"
)

// StepError is the failure payload of a step result. Executors may return a
// *StepError to choose the class; any other error is ExecutionFailed.
type StepError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// NewStepError builds a StepError of the given class.
func NewStepError(class ErrorClass, format string, args ...any) *StepError {
	return &StepError{
		Class:     class,
		Message:   fmt.Sprintf(format, args...),
		Retryable: class == ErrClassExecutionFailed || class == ErrClassTimeout,
	}
}

// StepStatus is the outcome of a step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepResult is written exactly once per step.
type StepResult struct {
	StepID      string         `json:"step_id"`
	Action      ActionType     `json:"action"`
	Status      StepStatus     `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// Succeeded reports whether the step completed without error.
func (r StepResult) Succeeded() bool {
	return r.Status == StepSucceeded
}

// ExecutionSummary aggregates the results of one plan execution.
type ExecutionSummary struct {
	TotalSteps       int           `json:"total_steps"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	DependencyFailed int           `json:"dependency_failed"`
	TimedOut         int           `json:"timed_out"`
	SuccessRate      float64       `json:"success_rate"`
	TotalDuration    time.Duration `json:"total_duration"`
}
