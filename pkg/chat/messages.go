package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/powere-ch/guide-cli/pkg/guide"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn half of a conversation. Assistant messages start as
// empty placeholders and grow in place while a stream is active; once Final
// is set the content is immutable.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Citations []guide.Citation `json:"citations,omitempty"`
	Final     bool             `json:"final"`
	Timestamp time.Time        `json:"timestamp"`
}

func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   strings.TrimSpace(content),
		Final:     true,
		Timestamp: time.Now(),
	}
}

// NewPlaceholderMessage creates the empty assistant message appended
// alongside every user turn, to be filled by deltas or a fallback response.
func NewPlaceholderMessage() Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
	}
}

func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == ""
}

func (m Message) HasCitations() bool {
	return len(m.Citations) > 0
}
