package api

import (
	"time"
)

// Conversation is a multi-agent chat session as reported by the server.
// The server's copy is authoritative; anything the client holds is a cache.
type Conversation struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Participants []int  `json:"participants"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Conversation status values. "draft" exists only client-side, before the
// server has confirmed a start; the server reports the other three.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Message is one turn within a conversation. Human and system messages carry
// a nil SenderID; agent messages carry the agent's id. Messages are immutable
// once created.
type Message struct {
	ID             int    `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	SenderID       *int   `json:"sender_id,omitempty"`
	SenderName     string `json:"sender_name,omitempty"`
	SenderType     string `json:"sender_type,omitempty"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Message type tags.
const (
	MessageTypeHuman  = "human"
	MessageTypeAI     = "ai"
	MessageTypeSystem = "system"
	MessageTypeText   = "text"
)

// ParseTime parses a server timestamp. The backend emits naive ISO 8601
// strings; RFC 3339 variants are accepted too.
func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Time parses the message timestamp, returning the zero time if absent or
// malformed.
func (m *Message) Time() time.Time {
	ts, _ := ParseTime(m.Timestamp)
	return ts
}

// Agent is a configured AI provider agent. Only the fields the client needs
// for participant resolution and rendering are decoded.
type Agent struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Status   string `json:"status,omitempty"`
}

// envelope is the common response wrapper: every endpoint reports success
// plus an error string on failure.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CreateConversationRequest is the request body for POST /api/conversations.
type CreateConversationRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Participants []int  `json:"participants"`
}

// UpdateConversationRequest is the request body for PUT /api/conversations/{id}.
// Nil fields are omitted so the server merges only what was set.
type UpdateConversationRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// SendMessageRequest is the request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	SenderID    int    `json:"sender_id"`
	ReceiverID  *int   `json:"receiver_id,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
}

type listConversationsResponse struct {
	envelope
	Conversations []Conversation `json:"conversations"`
}

type conversationResponse struct {
	envelope
	Conversation *Conversation `json:"conversation"`
}

type listMessagesResponse struct {
	envelope
	Messages []Message `json:"messages"`
}

type messageResponse struct {
	envelope
	Message *Message `json:"message"`
}

type listAgentsResponse struct {
	envelope
	Agents []Agent `json:"agents"`
}
