package types

import (
	"strings"
	"time"
)

// EntityClass identifies the kind of a canonical entity.
type EntityClass string

// Entity class constants.
const (
	ClassContact  EntityClass = "contact"
	ClassDocument EntityClass = "document"
	ClassTask     EntityClass = "task"
	ClassMessage  EntityClass = "message"
)

// ValidEntityClasses contains every supported entity class.
var ValidEntityClasses = []EntityClass{
	ClassContact,
	ClassDocument,
	ClassTask,
	ClassMessage,
}

// IsValidEntityClass checks if the given class is a supported entity class.
func IsValidEntityClass(c EntityClass) bool {
	for _, valid := range ValidEntityClasses {
		if c == valid {
			return true
		}
	}
	return false
}

// ParseEntityClass normalizes s and validates it as an entity class.
func ParseEntityClass(s string) (EntityClass, bool) {
	c := EntityClass(strings.ToLower(strings.TrimSpace(s)))
	return c, IsValidEntityClass(c)
}

// Entity is a canonical record the system can act upon: a contact, a document,
// a task or a message.
type Entity struct {
	// Core identification fields
	ID    string      `json:"id"`    // Stable identifier, never changes after insert
	Class EntityClass `json:"class"` // Entity class
	Name  string      `json:"name"`  // Display name (full name for contacts, title otherwise)

	// PrimaryKey is the natural key (email for contacts). Unique per class when set.
	PrimaryKey string `json:"primary_key,omitempty"`

	// Name components, only meaningful for contacts
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`

	// Group is the grouping field: company for contacts, assignee for tasks,
	// document type for documents.
	Group string `json:"group,omitempty"`

	Aliases []string          `json:"aliases,omitempty"` // Alternative names
	Tags    []string          `json:"tags,omitempty"`    // User-defined tags
	Text    string            `json:"text,omitempty"`    // Body / description used for retrieval
	Fields  map[string]string `json:"fields,omitempty"`  // Class specific attributes (role, phone, due_date...)

	// Embedding for semantic retrieval
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Field returns a class specific attribute or "" when absent.
func (e *Entity) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// DisplayName returns the best human readable label for the entity.
func (e *Entity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if full := strings.TrimSpace(e.FirstName + " " + e.LastName); full != "" {
		return full
	}
	return e.PrimaryKey
}

// Mention is a piece of text in a conversation that may denote an entity.
// Mentions are ephemeral and only live for one resolution attempt.
type Mention struct {
	Text           string            `json:"text"`
	Context        string            `json:"context,omitempty"`
	Class          EntityClass       `json:"class"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
	KnownInfo      map[string]string `json:"known_info,omitempty"`
}

// MentionRecord is an append-only log entry recording that an entity was
// referenced in a conversation.
type MentionRecord struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
