package coordinator

import (
	"errors"
	"strings"
	"time"
)

// typingQuietInterval is how long the composer must stay idle before the
// trailing typing_stop goes out.
const typingQuietInterval = 1000 * time.Millisecond

// ErrEmptyMessage rejects a human send with no content after trimming.
var ErrEmptyMessage = errors.New("message is empty")

type humanMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	UserName       string `json:"user_name"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserName       string `json:"user_name"`
}

type typingState struct {
	active bool
	timer  *time.Timer
}

// SendHumanMessage submits the operator's message for a conversation. The
// text is trimmed and must be non-empty. The message is NOT appended to the
// local cache: the server's new_message broadcast is the single source of
// truth for ordering, and the idempotent append absorbs any echo. If the
// conversation was waiting on this human turn, the open request is cleared
// and the session flips back to active right away rather than waiting for
// the server to echo the message.
func (c *Coordinator) SendHumanMessage(conversationID, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	c.stopTypingNow(conversationID)
	c.ch.Emit("send_human_message", humanMessagePayload{
		ConversationID: conversationID,
		Message:        trimmed,
		UserName:       c.userName,
	})

	c.mu.Lock()
	_, open := c.inputRequests[conversationID]
	if open {
		delete(c.inputRequests, conversationID)
		c.applyStatusLocked(conversationID, StatusEntry{Active: true})
	}
	c.mu.Unlock()
	if open {
		c.notify(Change{Kind: ChangeInputRequest, ConversationID: conversationID})
		c.notify(Change{Kind: ChangeStatus, ConversationID: conversationID})
	}
	return nil
}

// Typing records one composer keystroke. The first keystroke of a burst
// emits typing_start; each keystroke re-arms the quiet timer; once the
// composer stays idle for the quiet interval a single trailing typing_stop
// goes out.
func (c *Coordinator) Typing(conversationID string) {
	c.mu.Lock()
	ts, ok := c.typing[conversationID]
	if !ok {
		ts = &typingState{}
		c.typing[conversationID] = ts
	}
	start := !ts.active
	ts.active = true
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.timer = time.AfterFunc(c.quietInterval, func() {
		c.typingQuiet(conversationID)
	})
	c.mu.Unlock()

	if start {
		c.ch.Emit("typing_start", typingPayload{
			ConversationID: conversationID,
			UserName:       c.userName,
		})
	}
}

// typingQuiet fires when the quiet interval elapses with no keystrokes.
func (c *Coordinator) typingQuiet(conversationID string) {
	c.mu.Lock()
	ts, ok := c.typing[conversationID]
	stop := ok && ts.active
	if stop {
		ts.active = false
		ts.timer = nil
	}
	c.mu.Unlock()

	if stop {
		c.ch.Emit("typing_stop", typingPayload{
			ConversationID: conversationID,
			UserName:       c.userName,
		})
	}
}

// stopTypingNow ends an in-flight typing burst immediately (the composer
// was submitted, not abandoned).
func (c *Coordinator) stopTypingNow(conversationID string) {
	c.mu.Lock()
	ts, ok := c.typing[conversationID]
	stop := ok && ts.active
	if stop {
		ts.active = false
		if ts.timer != nil {
			ts.timer.Stop()
			ts.timer = nil
		}
	}
	c.mu.Unlock()

	if stop {
		c.ch.Emit("typing_stop", typingPayload{
			ConversationID: conversationID,
			UserName:       c.userName,
		})
	}
}
