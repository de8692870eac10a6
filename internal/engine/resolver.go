package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Outcome is the result kind of a resolution.
type Outcome string

// Resolution outcomes.
const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeNeedsInfo Outcome = "needs_info"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeNotFound  Outcome = "not_found"
)

// Resolution is the answer to a single mention.
type Resolution struct {
	Outcome Outcome       `json:"outcome"`
	Mention types.Mention `json:"mention"`

	// Entity is set for OutcomeResolved.
	Entity *types.Entity `json:"entity,omitempty"`
	Score  int           `json:"score,omitempty"`

	// Candidates holds the tied candidates for OutcomeAmbiguous and the best
	// below-threshold suggestions for OutcomeNeedsInfo.
	Candidates []Candidate `json:"candidates,omitempty"`

	// Pending is the tracked record for OutcomeNeedsInfo on tracked classes.
	Pending *types.PendingEntity `json:"pending,omitempty"`
}

// MissingFields returns the fields still needed, if any.
func (r *Resolution) MissingFields() []string {
	if r.Pending == nil {
		return nil
	}
	return r.Pending.MissingFields
}

// ErrorClass maps a non-resolved outcome onto the step error taxonomy.
func (r *Resolution) ErrorClass() types.ErrorClass {
	switch r.Outcome {
	case OutcomeNeedsInfo:
		return types.ErrClassNeedsInfo
	case OutcomeAmbiguous:
		return types.ErrClassAmbiguous
	case OutcomeNotFound:
		return types.ErrClassNotFound
	}
	return ""
}

// Resolver maps mentions to canonical entities. Mentions it cannot settle
// are tracked as pending entities (for tracked classes) or returned with
// suggestions so the caller can ask the user; it never guesses.
type Resolver struct {
	entities storage.EntityStore
	mentions storage.MentionLog
	tracker  *PendingTracker
	matcher  *Matcher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. mentions may be nil, in which case resolved
// mentions are not logged.
func NewResolver(entities storage.EntityStore, mentions storage.MentionLog, tracker *PendingTracker, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		entities: entities,
		mentions: mentions,
		tracker:  tracker,
		matcher:  NewMatcher(),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Tracker returns the pending tracker used by the resolver.
func (r *Resolver) Tracker() *PendingTracker {
	return r.tracker
}

// Resolve resolves one mention.
func (r *Resolver) Resolve(ctx context.Context, m types.Mention) (*Resolution, error) {
	m.Text = strings.TrimSpace(m.Text)
	if m.Text == "" {
		return nil, fmt.Errorf("%w: mention text is required", storage.ErrInvalidInput)
	}
	if m.Class == "" {
		m.Class = types.ClassContact
	}
	if !types.IsValidEntityClass(m.Class) {
		return nil, fmt.Errorf("%w: unknown entity class %q", storage.ErrInvalidInput, m.Class)
	}

	pool, err := r.candidatePool(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s candidates: %w", m.Class, err)
	}
	candidates := r.matcher.Match(m.Text, pool)

	res := &Resolution{Mention: m}
	if len(candidates) > 0 && candidates[0].Score >= r.cfg.AcceptThreshold {
		top := candidates[0]
		tied := []Candidate{top}
		for _, c := range candidates[1:] {
			if c.Score < r.cfg.AcceptThreshold || top.Score-c.Score >= r.cfg.AmbiguityMargin {
				break
			}
			tied = append(tied, c)
		}
		if len(tied) > 1 {
			res.Outcome = OutcomeAmbiguous
			res.Candidates = tied
			r.logger.Info("ambiguous mention",
				zap.String("mention", m.Text),
				zap.String("class", string(m.Class)),
				zap.Int("candidates", len(tied)))
			return res, nil
		}

		entity := top.Entity
		res.Outcome = OutcomeResolved
		res.Entity = &entity
		res.Score = top.Score
		r.logMention(ctx, m, entity.ID)
		r.logger.Debug("mention resolved",
			zap.String("mention", m.Text),
			zap.String("entity_id", entity.ID),
			zap.Int("score", top.Score),
			zap.String("reason", top.Reason))
		return res, nil
	}

	res.Candidates = r.suggestions(candidates)

	if r.cfg.IsTracked(m.Class) && r.tracker != nil {
		if m.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversation ID is required to track %s mentions", storage.ErrInvalidInput, m.Class)
		}
		p, err := r.tracker.TrackMention(ctx, m)
		if err != nil {
			return nil, err
		}
		res.Outcome = OutcomeNeedsInfo
		res.Pending = p
		return res, nil
	}

	if len(candidates) == 0 {
		res.Outcome = OutcomeNotFound
		return res, nil
	}
	res.Outcome = OutcomeNeedsInfo
	return res, nil
}

// candidatePool loads the entities m is matched against: the entity whose
// natural key is the mention text, wherever it sorts, followed by the first
// CandidatePoolSize entities of the class in name order.
func (r *Resolver) candidatePool(ctx context.Context, m types.Mention) ([]types.Entity, error) {
	var pool []types.Entity
	exactID := ""
	exact, err := r.entities.GetByPrimaryKey(ctx, m.Class, storage.NormalizeKey(m.Text))
	switch {
	case err == nil:
		pool = append(pool, *exact)
		exactID = exact.ID
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	for offset := 0; offset < r.cfg.CandidatePoolSize; {
		limit := min(r.cfg.CandidatePoolSize-offset, storage.MaxListLimit)
		page, err := r.entities.ListByClass(ctx, m.Class, storage.ListOptions{Limit: limit, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if e.ID != exactID {
				pool = append(pool, e)
			}
		}
		if len(page) < limit {
			break
		}
		offset += len(page)
	}
	return pool, nil
}

func (r *Resolver) suggestions(candidates []Candidate) []Candidate {
	n := r.cfg.MaxSuggestions
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	if n == 0 {
		return nil
	}
	return append([]Candidate(nil), candidates[:n]...)
}

func (r *Resolver) logMention(ctx context.Context, m types.Mention, entityID string) {
	if r.mentions == nil {
		return
	}
	rec := &types.MentionRecord{
		EntityID:       entityID,
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		Snippet:        snippet(m),
		CreatedAt:      r.now(),
	}
	if err := r.mentions.AppendMention(ctx, rec); err != nil {
		r.logger.Warn("failed to record mention", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// maxSnippetRunes bounds the context stored with a mention record.
const maxSnippetRunes = 280

func snippet(m types.Mention) string {
	s := m.Context
	if s == "" {
		s = m.Text
	}
	s, _ = truncateRunes(s, maxSnippetRunes)
	return s
}

// truncateRunes cuts s to at most n runes and reports whether it cut.
func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

// Complete turns a pending entity whose required fields are present into a
// canonical entity, or links it to the existing entity sharing its natural
// key, and marks it complete. It returns the entity and whether this call
// completed the record.
func (r *Resolver) Complete(ctx context.Context, pendingID string) (*types.Entity, bool, error) {
	p, err := r.tracker.Get(ctx, pendingID)
	if err != nil {
		return nil, false, err
	}
	if !p.IsOpen() {
		return nil, false, ErrPendingClosed
	}
	missing := types.MissingOf(r.tracker.RequiredFields(p.Class), p.KnownInfo)
	if len(missing) > 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}

	entity, err := r.materialize(ctx, p)
	if err != nil {
		return nil, false, err
	}

	won, err := r.tracker.Resolve(ctx, p.ID, entity.ID)
	if err != nil {
		return nil, false, err
	}
	if won {
		r.logMention(ctx, types.Mention{Text: p.Name, Context: p.Context, ConversationID: p.ConversationID}, entity.ID)
	}
	return entity, won, nil
}

// materialize inserts the canonical entity for p, or returns the existing one
// with the same primary key. The entity takes the pending record's ID, so
// concurrent completions of one record collide on insert even when the class
// has no natural key.
func (r *Resolver) materialize(ctx context.Context, p *types.PendingEntity) (*types.Entity, error) {
	primary := storage.NormalizeKey(p.KnownInfo[primaryField(p.Class)])
	if primary != "" {
		existing, err := r.entities.GetByPrimaryKey(ctx, p.Class, primary)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	entity := entityFromPending(p, primary)
	entity.ID = p.ID
	err := r.entities.Insert(ctx, entity)
	if errors.Is(err, storage.ErrConflict) {
		if primary != "" {
			return r.entities.GetByPrimaryKey(ctx, p.Class, primary)
		}
		return r.entities.Get(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s entity: %w", p.Class, err)
	}
	r.logger.Info("created entity from pending mention",
		zap.String("entity_id", entity.ID),
		zap.String("pending_id", p.ID),
		zap.String("class", string(p.Class)))
	return entity, nil
}

func primaryField(class types.EntityClass) string {
	if class == types.ClassContact {
		return "email"
	}
	return "key"
}

func entityFromPending(p *types.PendingEntity, primary string) *types.Entity {
	e := &types.Entity{
		Class:      p.Class,
		Name:       p.Name,
		PrimaryKey: primary,
		Fields:     map[string]string{},
	}
	for k, v := range p.KnownInfo {
		switch k {
		case "email", "key":
		case "first_name":
			e.FirstName = v
		case "last_name":
			e.LastName = v
		case "company", "group":
			e.Group = v
		default:
			e.Fields[k] = v
		}
	}
	if words := strings.Fields(p.Name); e.FirstName == "" && e.LastName == "" && len(words) > 1 {
		e.FirstName = words[0]
		e.LastName = words[len(words)-1]
	}
	return e
}
