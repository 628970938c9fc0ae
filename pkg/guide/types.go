// Package guide is the HTTP client for the powere.ch AI-guide API: the SSE
// streaming chat endpoint, its non-streaming fallback, and the liveness
// probe that gates sending.
package guide

import "encoding/json"

// Citation points at a knowledge-base document backing an answer.
type Citation struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	URL   *string `json:"url,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// RetrievalHit is one ranked retrieval row from the server's debug output.
type RetrievalHit struct {
	Rank    int     `json:"rank"`
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	URL     *string `json:"url,omitempty"`
	Score   float64 `json:"score,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
}

// DebugMeta mirrors the server's optional meta block (requested with
// ?debug=1): per-stage timings, retrieval rows, and backend identifiers.
type DebugMeta struct {
	TopK       int               `json:"top_k,omitempty"`
	TimingMS   map[string]int    `json:"timing_ms,omitempty"`
	Retrieval  []RetrievalHit    `json:"retrieval,omitempty"`
	Backend    map[string]string `json:"backend,omitempty"`
	TokenUsage map[string]int    `json:"token_usage,omitempty"`
}

// ChatRequest is the body shared by the streaming and fallback endpoints.
type ChatRequest struct {
	Question       string `json:"question"`
	TopK           int    `json:"top_k"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the full non-streaming answer.
type ChatResponse struct {
	Answer         string     `json:"answer"`
	Citations      []Citation `json:"citations,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	UsedModel      string     `json:"used_model,omitempty"`
	Meta           *DebugMeta `json:"meta,omitempty"`
}

// Recognized stream event names. Anything else is passed through with its
// raw payload so callers can decide what to do with it.
const (
	EventMeta  = "meta"
	EventToken = "token"
	EventDone  = "done"
)

// MetaEvent is the payload of a meta stream event.
type MetaEvent struct {
	ConversationID string     `json:"conversation_id,omitempty"`
	Citations      []Citation `json:"citations,omitempty"`
	Meta           *DebugMeta `json:"meta,omitempty"`
}

// TokenEvent is the payload of a token stream event.
type TokenEvent struct {
	Delta string `json:"delta"`
}

// StreamEvent is one decoded event from the streaming endpoint. Events are
// delivered in parse order; a non-nil Err is terminal and is the last event
// sent before the channel closes. An Err satisfying errors.Is(err,
// context.Canceled) marks a deliberate abort, not a hard failure.
type StreamEvent struct {
	Name  string
	Delta string
	Meta  *MetaEvent
	Raw   json.RawMessage
	Err   error
}

// IsDone reports whether this event signals stream completion.
func (e StreamEvent) IsDone() bool {
	return e.Name == EventDone
}
