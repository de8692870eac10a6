package engine

import (
	"sort"
	"strings"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Tier scores. A candidate's score is the highest tier it satisfies; tiers
// never add up.
const (
	ScorePrimaryExact   = 100
	ScoreFullName       = 95
	ScoreNamePart       = 90
	ScoreNamePrefix     = 85
	ScorePrimaryPrefix  = 80
	ScoreReversePrefix  = 75
	ScoreNameSubstring  = 70
	ScoreAlias          = 70
	ScorePrimarySubstr  = 65
	ScoreGroupSubstring = 60
	ScoreTag            = 50
)

// Candidate is a scored match for a query.
type Candidate struct {
	Entity types.Entity `json:"entity"`
	Score  int          `json:"score"`
	Reason string       `json:"reason"`
}

// Matcher ranks a candidate pool against a free-text query with a fixed
// precedence ladder. It is stateless and safe for concurrent use.
type Matcher struct{}

// NewMatcher creates a new Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Match scores every entity in pool against query, drops zero scores and
// returns the rest ordered by score descending, then name ascending.
func (m *Matcher) Match(query string, pool []types.Entity) []Candidate {
	q := storage.NormalizeName(query)
	if q == "" {
		return []Candidate{}
	}

	candidates := make([]Candidate, 0, len(pool))
	for i := range pool {
		score, reason := scoreEntity(q, &pool[i])
		if score > 0 {
			candidates = append(candidates, Candidate{Entity: pool[i], Score: score, Reason: reason})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		an, bn := strings.ToLower(a.Entity.Name), strings.ToLower(b.Entity.Name)
		if an != bn {
			return an < bn
		}
		return a.Entity.ID < b.Entity.ID
	})
	return candidates
}

// Score returns the tier score of a single entity for query, and the name of
// the tier that produced it.
func (m *Matcher) Score(query string, e *types.Entity) (int, string) {
	return scoreEntity(storage.NormalizeName(query), e)
}

func scoreEntity(q string, e *types.Entity) (int, string) {
	if q == "" {
		return 0, ""
	}

	best, reason := 0, ""
	consider := func(score int, why string) {
		if score > best {
			best, reason = score, why
		}
	}

	name := storage.NormalizeName(e.Name)
	primary := storage.NormalizeKey(e.PrimaryKey)
	first, last := nameParts(e)

	if primary != "" && q == primary {
		consider(ScorePrimaryExact, "primary_exact")
	}
	if name != "" && q == name {
		consider(ScoreFullName, "full_name")
	}
	if full := storage.NormalizeName(first + " " + last); first != "" && last != "" && q == full {
		consider(ScoreFullName, "full_name")
	}
	if (first != "" && q == first) || (last != "" && q == last) {
		consider(ScoreNamePart, "name_part")
	}

	if name != "" && strings.HasPrefix(name, q) {
		consider(ScoreNamePrefix, "name_prefix")
	}
	if primary != "" && strings.HasPrefix(primary, q) {
		consider(ScorePrimaryPrefix, "primary_prefix")
	}
	if (name != "" && strings.HasPrefix(q, name)) || (primary != "" && strings.HasPrefix(q, primary)) {
		consider(ScoreReversePrefix, "reverse_prefix")
	}

	if name != "" && strings.Contains(name, q) {
		consider(ScoreNameSubstring, "name_substring")
	}
	if primary != "" && strings.Contains(primary, q) {
		consider(ScorePrimarySubstr, "primary_substring")
	}
	if group := storage.NormalizeName(e.Group); group != "" && strings.Contains(group, q) {
		consider(ScoreGroupSubstring, "group_substring")
	}

	for _, alias := range e.Aliases {
		if storage.NormalizeName(alias) == q {
			consider(ScoreAlias, "alias")
			break
		}
	}
	for _, tag := range e.Tags {
		if storage.NormalizeName(tag) == q {
			consider(ScoreTag, "tag")
			break
		}
	}

	return best, reason
}

// nameParts returns the normalized first and last name, deriving them from
// a multi-word display name when the entity does not carry them.
func nameParts(e *types.Entity) (string, string) {
	first := storage.NormalizeName(e.FirstName)
	last := storage.NormalizeName(e.LastName)
	if first != "" || last != "" {
		return first, last
	}
	words := strings.Fields(storage.NormalizeName(e.Name))
	if len(words) < 2 {
		return "", ""
	}
	return words[0], words[len(words)-1]
}
