package types

import "time"

// PendingStatus is the lifecycle state of a pending entity.
type PendingStatus string

// Pending lifecycle constants
const (
	PendingOpen      PendingStatus = "pending"   // Mentioned, nothing known yet beyond the name
	PendingGathering PendingStatus = "gathering" // Some information has been supplied
	PendingComplete  PendingStatus = "complete"  // Resolved into a canonical entity
	PendingAbandoned PendingStatus = "abandoned" // Given up on (conversation closed or idle)
)

// ValidPendingStatuses contains all valid pending status values
var ValidPendingStatuses = []PendingStatus{
	PendingOpen,
	PendingGathering,
	PendingComplete,
	PendingAbandoned,
}

// IsValidPendingStatus checks if the given status is a valid pending status.
func IsValidPendingStatus(s PendingStatus) bool {
	for _, valid := range ValidPendingStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed out of s.
func (s PendingStatus) IsTerminal() bool {
	return s == PendingComplete || s == PendingAbandoned
}

// CanTransition validates pending status transitions.
//
// Valid transitions:
//
//	pending   -> gathering | complete | abandoned
//	gathering -> gathering | complete | abandoned
//	complete  -> (terminal)
//	abandoned -> (terminal)
func CanTransition(from, to PendingStatus) bool {
	if !IsValidPendingStatus(to) {
		return false
	}

	switch from {
	case PendingOpen:
		return to == PendingGathering || to == PendingComplete || to == PendingAbandoned

	case PendingGathering:
		return to == PendingGathering || to == PendingComplete || to == PendingAbandoned

	default:
		return false
	}
}

// PendingEntity is a mention the system could not resolve and is collecting
// information about.
type PendingEntity struct {
	ID             string            `json:"id"`
	Class          EntityClass       `json:"class"`
	Name           string            `json:"name"`
	ConversationID string            `json:"conversation_id"`
	Context        string            `json:"context,omitempty"`
	KnownInfo      map[string]string `json:"known_info"`
	MissingFields  []string          `json:"missing_fields"`
	Confidence     float64           `json:"confidence"`
	Status         PendingStatus     `json:"status"`

	// EntityID links the canonical entity once the pending record completes.
	EntityID string `json:"entity_id,omitempty"`

	MentionedAt time.Time  `json:"mentioned_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"` // Set iff Status == complete
}

// IsOpen reports whether the pending entity still accepts information.
func (p *PendingEntity) IsOpen() bool {
	return !p.Status.IsTerminal()
}

// Clone returns a deep copy of p.
func (p *PendingEntity) Clone() *PendingEntity {
	if p == nil {
		return nil
	}
	c := *p
	if p.KnownInfo != nil {
		c.KnownInfo = make(map[string]string, len(p.KnownInfo))
		for k, v := range p.KnownInfo {
			c.KnownInfo[k] = v
		}
	}
	c.MissingFields = append([]string(nil), p.MissingFields...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MissingOf returns the subset of required fields that have no non-empty value
// in known, preserving the order of required.
func MissingOf(required []string, known map[string]string) []string {
	missing := make([]string, 0, len(required))
	for _, f := range required {
		if known[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
