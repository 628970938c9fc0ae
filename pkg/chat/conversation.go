package chat

import (
	"sync"
	"time"

	"github.com/powere-ch/guide-cli/pkg/guide"
)

// Conversation is the ordered list of exchanged messages plus the
// server-issued conversation identifier. Messages are addressed by stable
// ids rather than slice indices so that a late delta cannot land on the
// wrong message after intervening appends.
//
// Mutations are serialized by a mutex; the orchestrator applies stream
// events one at a time, so contention is limited to watchdog callbacks.
type Conversation struct {
	mu             sync.Mutex
	messages       []Message
	conversationID string
}

// NewConversation creates an empty conversation. conversationID may carry
// an identifier restored from durable storage; pass "" to start fresh.
func NewConversation(conversationID string) *Conversation {
	return &Conversation{conversationID: conversationID}
}

// AppendUserTurn appends the user message and its empty assistant
// placeholder in one atomic update and returns the placeholder's id.
func (c *Conversation) AppendUserTurn(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	placeholder := NewPlaceholderMessage()
	c.messages = append(c.messages, NewUserMessage(text), placeholder)
	return placeholder.ID
}

// ApplyDelta concatenates text onto the assistant message with the given
// id. Empty text is a no-op. An id that no longer resolves clamps to the
// last assistant message. Deltas against a finalized message are dropped;
// the return value reports whether the delta was applied.
func (c *Conversation) ApplyDelta(id, text string) bool {
	if text == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.resolveAssistant(id)
	if msg == nil || msg.Final {
		return false
	}
	msg.Content += text
	msg.Timestamp = time.Now()
	return true
}

// AttachMetadata records citations and the server-issued conversation id.
// Citations are set exactly once per message (first writer wins); the
// conversation id is only replaced by a different non-empty server value.
func (c *Conversation) AttachMetadata(id string, citations []guide.Citation, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg := c.resolveAssistant(id); msg != nil && !msg.Final && len(citations) > 0 && msg.Citations == nil {
		msg.Citations = append([]guide.Citation(nil), citations...)
	}
	if conversationID != "" && conversationID != c.conversationID {
		c.conversationID = conversationID
	}
}

// Finalize resolves the turn: it replaces the placeholder content wholesale
// (fallback path) or seals the streamed content (content == ""). The first
// resolution wins; repeated finalization and later deltas are dropped.
func (c *Conversation) Finalize(id, content string, citations []guide.Citation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.resolveAssistant(id)
	if msg == nil || msg.Final {
		return false
	}
	if content != "" {
		msg.Content = content
	}
	if len(citations) > 0 && msg.Citations == nil {
		msg.Citations = append([]guide.Citation(nil), citations...)
	}
	msg.Final = true
	msg.Timestamp = time.Now()
	return true
}

// Reset clears all messages and the conversation identifier.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = nil
	c.conversationID = ""
}

// Messages returns a copy of the message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Message returns the message with the given id.
func (c *Conversation) Message(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].ID == id {
			return c.messages[i], true
		}
	}
	return Message{}, false
}

// LastAssistantMessage returns the most recent assistant message.
func (c *Conversation) LastAssistantMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg := c.lastAssistant(); msg != nil {
		return *msg, true
	}
	return Message{}, false
}

func (c *Conversation) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// resolveAssistant finds the assistant message with the given id, falling
// back to the last assistant message when the id is stale. Callers hold the
// lock.
func (c *Conversation) resolveAssistant(id string) *Message {
	for i := range c.messages {
		if c.messages[i].ID == id && c.messages[i].IsAssistant() {
			return &c.messages[i]
		}
	}
	return c.lastAssistant()
}

func (c *Conversation) lastAssistant() *Message {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].IsAssistant() {
			return &c.messages[i]
		}
	}
	return nil
}
