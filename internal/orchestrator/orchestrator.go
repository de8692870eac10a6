// Package orchestrator executes action plans: steps run as soon as their
// dependencies succeeded, on a worker pool shared by every plan in the
// process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/transport"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// RateLimit is a token bucket for one action type. A zero PerSecond means
// unlimited.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// BreakerConfig configures the per-action circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Config holds orchestrator settings.
type Config struct {
	// PlanTimeout bounds dispatching for one plan (default: 2m). Steps not
	// dispatched when it expires are marked Timeout; running steps finish.
	PlanTimeout time.Duration `yaml:"plan_timeout"`

	// RateLimits per action type. Actions without an entry are unlimited.
	RateLimits map[types.ActionType]RateLimit `yaml:"rate_limits"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PlanTimeout: 2 * time.Minute,
		RateLimits: map[types.ActionType]RateLimit{
			types.ActionSendEmail: {PerSecond: 2, Burst: 5},
		},
		Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
	}
}

// MentionResolver resolves {{resolved:...}} references.
type MentionResolver interface {
	Resolve(ctx context.Context, m types.Mention) (*engine.Resolution, error)
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Resolver MentionResolver
	Notifier transport.Notifier
	Logger   *zap.Logger
}

// Orchestrator executes action plans.
type Orchestrator struct {
	pool     *WorkerPool
	registry *Registry
	resolver MentionResolver
	notifier transport.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	breakers map[types.ActionType]*gobreaker.CircuitBreaker
	limiters map[types.ActionType]*rate.Limiter
}

// New creates an orchestrator that runs steps on pool.
func New(pool *WorkerPool, registry *Registry, cfg Config, opts Options) (*Orchestrator, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: no worker pool", ErrResourceExhausted)
	}
	if registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		pool:     pool,
		registry: registry,
		resolver: opts.Resolver,
		notifier: opts.Notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[types.ActionType]*gobreaker.CircuitBreaker, len(types.ValidActionTypes)),
		limiters: make(map[types.ActionType]*rate.Limiter),
	}
	for _, action := range types.ValidActionTypes {
		o.breakers[action] = newBreaker(action, cfg.Breaker, logger)
		if rl, ok := cfg.RateLimits[action]; ok && rl.PerSecond > 0 {
			burst := rl.Burst
			if burst < 1 {
				burst = 1
			}
			o.limiters[action] = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
		}
	}
	return o, nil
}

func newBreaker(action types.ActionType, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(action),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only infrastructure failures count; a missing email address is not
		// a reason to stop sending email.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *types.StepError
			if errors.As(err, &se) {
				return se.Class != types.ErrClassExecutionFailed && se.Class != types.ErrClassTimeout
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("action circuit breaker state changed",
				zap.String("action", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// BreakerState returns the circuit state of an action.
func (o *Orchestrator) BreakerState(action types.ActionType) string {
	if b, ok := o.breakers[action]; ok {
		return b.State().String()
	}
	return ""
}

// Execute runs plan and returns one result per step. Step failures are
// reported in the results; only an invalid plan or a stopped pool produce a
// call-level error.
func (o *Orchestrator) Execute(ctx context.Context, plan *types.ActionPlan) (map[string]types.StepResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan is nil", types.ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	planID := plan.ID
	if planID == "" {
		planID = uuid.New().String()
	}

	runCtx := ctx
	if o.cfg.PlanTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.PlanTimeout)
		defer cancel()
	}

	n := len(plan.Steps)
	steps := make(map[string]*types.ActionStep, n)
	remaining := make(map[string]int, n)
	dependents := make(map[string][]string, n)
	var ready []*types.ActionStep
	for i := range plan.Steps {
		step := &plan.Steps[i]
		steps[step.ID] = step
		for _, dep := range distinct(step.DependsOn) {
			remaining[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
		if remaining[step.ID] == 0 {
			ready = append(ready, step)
		}
	}

	o.logger.Info("executing plan",
		zap.String("plan_id", planID),
		zap.String("conversation_id", plan.ConversationID),
		zap.Int("steps", n))

	results := make(map[string]types.StepResult, n)
	done := make(chan types.StepResult, n)
	running := 0
	var poolErr error

	for {
		for len(ready) > 0 && poolErr == nil && runCtx.Err() == nil {
			step := ready[0]
			inputs := dependencyOutputs(step, results)
			err := o.pool.Submit(runCtx, func() {
				done <- o.runStep(runCtx, planID, plan.ConversationID, step, inputs)
			})
			if err != nil {
				if errors.Is(err, ErrPoolStopped) {
					poolErr = err
				}
				break
			}
			ready = ready[1:]
			running++
		}
		if running == 0 {
			break
		}

		r := <-done
		running--
		results[r.StepID] = r

		if r.Succeeded() {
			for _, next := range dependents[r.StepID] {
				remaining[next]--
				if _, settled := results[next]; remaining[next] == 0 && !settled {
					ready = append(ready, steps[next])
				}
			}
			continue
		}
		o.cascade(r.StepID, steps, dependents, results)
	}

	if poolErr != nil {
		return results, poolErr
	}

	for _, step := range plan.Steps {
		if _, ok := results[step.ID]; ok {
			continue
		}
		results[step.ID] = types.StepResult{
			StepID:      step.ID,
			Action:      step.Action,
			Status:      types.StepFailed,
			Error:       undispatched(runCtx),
			CompletedAt: o.now(),
		}
	}

	summary := Summarize(results)
	o.logger.Info("plan finished",
		zap.String("plan_id", planID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("dependency_failed", summary.DependencyFailed),
		zap.Int("timed_out", summary.TimedOut),
		zap.Duration("duration", summary.TotalDuration))
	return results, nil
}

// undispatched explains a step that never reached a worker. Both causes are
// Timeout; the message tells an expired deadline from a caller that went away.
func undispatched(runCtx context.Context) *types.StepError {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return types.NewStepError(types.ErrClassTimeout, "plan deadline expired before dispatch")
	}
	return types.NewStepError(types.ErrClassTimeout, "plan cancelled before dispatch")
}

// cascade marks every transitive dependent of failed as DependencyFailed.
func (o *Orchestrator) cascade(failed string, steps map[string]*types.ActionStep, dependents map[string][]string, results map[string]types.StepResult) {
	queue := []string{failed}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range dependents[parent] {
			if _, settled := results[child]; settled {
				continue
			}
			results[child] = types.StepResult{
				StepID:      child,
				Action:      steps[child].Action,
				Status:      types.StepFailed,
				Error:       types.NewStepError(types.ErrClassDependencyFailed, "dependency %q failed", parent),
				CompletedAt: o.now(),
			}
			queue = append(queue, child)
		}
	}
}

// runStep executes one step inside a worker slot. Executors get a context
// that outlives the plan deadline: a dispatched step always finishes.
func (o *Orchestrator) runStep(ctx context.Context, planID, conversationID string, step *types.ActionStep, inputs map[string]map[string]any) (res types.StepResult) {
	res = types.StepResult{StepID: step.ID, Action: step.Action, StartedAt: o.now()}
	execCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("step panicked",
				zap.String("plan_id", planID),
				zap.String("step_id", step.ID),
				zap.Any("panic", r))
			res = o.finish(res, nil, types.NewStepError(types.ErrClassExecutionFailed, "panic: %v", r))
		}
	}()

	payload, stepErr := o.execute(execCtx, planID, conversationID, step, inputs)
	return o.finish(res, payload, stepErr)
}

func (o *Orchestrator) finish(res types.StepResult, payload map[string]any, stepErr *types.StepError) types.StepResult {
	res.CompletedAt = o.now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	if stepErr != nil {
		res.Status = types.StepFailed
		res.Error = stepErr
		res.Payload = nil
		return res
	}
	res.Status = types.StepSucceeded
	if payload == nil {
		payload = map[string]any{}
	}
	res.Payload = payload
	return res
}

func (o *Orchestrator) execute(ctx context.Context, planID, conversationID string, step *types.ActionStep, inputs map[string]map[string]any) (map[string]any, *types.StepError) {
	exec, ok := o.registry.Lookup(step.Action)
	if !ok {
		return nil, &types.StepError{
			Class:   types.ErrClassExecutionFailed,
			Message: fmt.Sprintf("no executor registered for %s", step.Action),
		}
	}

	if limiter := o.limiters[step.Action]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, types.NewStepError(types.ErrClassExecutionFailed, "rate limiter: %v", err)
		}
	}

	mentions, stepErr := o.resolveMentions(ctx, planID, conversationID, step)
	if stepErr != nil {
		return nil, stepErr
	}

	params, err := substitute(step.Params, inputs, mentions)
	if err != nil {
		return nil, &types.StepError{Class: types.ErrClassExecutionFailed, Message: err.Error()}
	}
	paramMap, _ := params.(map[string]any)
	if paramMap == nil {
		paramMap = map[string]any{}
	}

	req := Request{
		PlanID:         planID,
		ConversationID: conversationID,
		StepID:         step.ID,
		Action:         step.Action,
		Params:         paramMap,
	}
	out, err := o.breakers[step.Action].Execute(func() (interface{}, error) {
		return exec.Execute(ctx, req)
	})
	if err != nil {
		return nil, classify(step.Action, err)
	}
	payload, _ := out.(map[string]any)

	o.logger.Debug("step succeeded",
		zap.String("plan_id", planID),
		zap.String("step_id", step.ID),
		zap.String("action", string(step.Action)))
	return payload, nil
}

func classify(action types.ActionType, err error) *types.StepError {
	var se *types.StepError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewStepError(types.ErrClassExecutionFailed, "circuit open for %s", action)
	}
	return types.NewStepError(types.ErrClassExecutionFailed, "%v", err)
}

// resolveMentions resolves every {{resolved:...}} reference of step. An
// unresolved mention fails the step and asks the conversation for help.
func (o *Orchestrator) resolveMentions(ctx context.Context, planID, conversationID string, step *types.ActionStep) (map[string]any, *types.StepError) {
	refs := step.MentionRefs()
	if len(refs) == 0 {
		return nil, nil
	}
	if o.resolver == nil {
		return nil, &types.StepError{Class: types.ErrClassExecutionFailed, Message: "no resolver configured for mention references"}
	}

	values := make(map[string]any, len(refs))
	for _, ref := range refs {
		res, err := o.resolver.Resolve(ctx, types.Mention{
			Text:           ref.Text,
			Class:          ref.Class,
			ConversationID: conversationID,
			Confidence:     0.5,
		})
		if err != nil {
			return nil, types.NewStepError(types.ErrClassExecutionFailed, "resolve %q: %v", ref.Text, err)
		}
		if res.Outcome != engine.OutcomeResolved {
			o.clarify(ctx, planID, conversationID, step.ID, res)
			return nil, &types.StepError{
				Class:   res.ErrorClass(),
				Message: fmt.Sprintf("%s %q: %s", ref.Class, ref.Text, res.Outcome),
			}
		}
		values[ref.Raw] = referenceValue(res.Entity)
	}
	return values, nil
}

// referenceValue is what a resolved mention expands to: the natural key when
// the entity has one, its id otherwise.
func referenceValue(e *types.Entity) string {
	if e.PrimaryKey != "" {
		return e.PrimaryKey
	}
	return e.ID
}

func (o *Orchestrator) clarify(ctx context.Context, planID, conversationID, stepID string, res *engine.Resolution) {
	if o.notifier == nil {
		return
	}
	data := map[string]any{"outcome": string(res.Outcome), "mention": res.Mention.Text}
	if res.Pending != nil {
		data["pending_id"] = res.Pending.ID
		data["missing_fields"] = res.Pending.MissingFields
	}
	if len(res.Candidates) > 0 {
		names := make([]string, len(res.Candidates))
		for i, c := range res.Candidates {
			names[i] = c.Entity.DisplayName()
		}
		data["candidates"] = names
	}

	err := o.notifier.Notify(ctx, transport.Notification{
		Kind:           transport.KindClarification,
		ConversationID: conversationID,
		PlanID:         planID,
		StepID:         stepID,
		Text:           engine.ResolutionPrompt(res),
		Data:           data,
		CreatedAt:      o.now(),
	})
	if err != nil {
		o.logger.Warn("failed to send clarification", zap.String("step_id", stepID), zap.Error(err))
	}
}

func dependencyOutputs(step *types.ActionStep, results map[string]types.StepResult) map[string]map[string]any {
	inputs := make(map[string]map[string]any, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		inputs[dep] = results[dep].Payload
	}
	return inputs
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Summarize aggregates step results.
func Summarize(results map[string]types.StepResult) types.ExecutionSummary {
	var s types.ExecutionSummary
	s.TotalSteps = len(results)
	for _, r := range results {
		s.TotalDuration += r.Duration
		if r.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		if r.Error != nil {
			switch r.Error.Class {
			case types.ErrClassDependencyFailed:
				s.DependencyFailed++
			case types.ErrClassTimeout:
				s.TimedOut++
			}
		}
	}
	if s.TotalSteps > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.TotalSteps)
	}
	return s
}
