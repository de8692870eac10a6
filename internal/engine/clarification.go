package engine

import (
	"fmt"
	"strings"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// ClarificationPrompt builds the question to ask the user about the open
// pending entity with the highest confidence. It returns "" when nothing is open.
func ClarificationPrompt(pending []types.PendingEntity) string {
	var target *types.PendingEntity
	for i := range pending {
		p := &pending[i]
		if !p.IsOpen() {
			continue
		}
		if target == nil || p.Confidence > target.Confidence {
			target = p
		}
	}
	if target == nil {
		return ""
	}

	switch {
	case containsField(target.MissingFields, "email"):
		return fmt.Sprintf("To reach %s I need their email address. Could you share it?", target.Name)
	case containsField(target.MissingFields, "role"):
		return fmt.Sprintf("What is %s's role? It would help me understand the context.", target.Name)
	default:
		return fmt.Sprintf("I have some information about %s but would like to know more. Could you give me more details?", target.Name)
	}
}

// AmbiguityPrompt asks the user to choose between close candidates.
func AmbiguityPrompt(mention string, candidates []Candidate) string {
	if len(candidates) == 0 {
		return fmt.Sprintf("I could not find %q. Who do you mean?", mention)
	}
	options := make([]string, 0, len(candidates))
	for _, c := range candidates {
		label := c.Entity.DisplayName()
		if c.Entity.PrimaryKey != "" {
			label += " <" + c.Entity.PrimaryKey + ">"
		}
		options = append(options, label)
	}
	return fmt.Sprintf("Which %q do you mean: %s?", mention, strings.Join(options, ", "))
}

// ResolutionPrompt returns the clarification text for a resolution that did
// not produce an entity, or "" when it did.
func ResolutionPrompt(r *Resolution) string {
	if r == nil {
		return ""
	}
	switch r.Outcome {
	case OutcomeAmbiguous:
		return AmbiguityPrompt(r.Mention.Text, r.Candidates)
	case OutcomeNeedsInfo:
		if r.Pending != nil {
			return ClarificationPrompt([]types.PendingEntity{*r.Pending})
		}
		return AmbiguityPrompt(r.Mention.Text, r.Candidates)
	case OutcomeNotFound:
		return fmt.Sprintf("I could not find any %s matching %q.", r.Mention.Class, r.Mention.Text)
	}
	return ""
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
