package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// minParticipants is the floor for starting (or creating) a conversation.
const minParticipants = 2

var (
	// ErrNotEnoughParticipants rejects a start/create with fewer than two
	// participants before anything touches the network.
	ErrNotEnoughParticipants = errors.New("conversation needs at least 2 participants")

	// ErrCompleted rejects commands against a terminal conversation.
	ErrCompleted = errors.New("conversation is completed")

	// ErrNotActive rejects stop/pause for a conversation not known to be
	// running.
	ErrNotActive = errors.New("conversation is not active")

	// ErrNotPaused rejects resume for a conversation not known to be paused.
	ErrNotPaused = errors.New("conversation is not paused")
)

type startPayload struct {
	ConversationID string `json:"conversation_id"`
}

type pausePayload struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

type requestInputPayload struct {
	ConversationID  string `json:"conversation_id"`
	RequestingAgent string `json:"requesting_agent"`
	RequestMessage  string `json:"request_message"`
}

// Start asks the server to begin agent turns for a conversation. The
// participant floor is checked client-side first: an under-populated start
// never reaches the wire. The cached status stays untouched until the
// confirmation event arrives; a transient "starting" indicator is kept in
// the meantime and reverted if no confirmation shows up in time.
func (c *Coordinator) Start(ctx context.Context, conversationID string) error {
	conv := c.Conversation(conversationID)
	if conv == nil {
		// Not cached (maybe never refreshed): the record is needed for the
		// participant guard, so fetch it over REST.
		fetched, err := c.backend.GetConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("looking up conversation: %w", err)
		}
		conv = fetched
	}
	if len(conv.Participants) < minParticipants {
		return ErrNotEnoughParticipants
	}

	c.mu.Lock()
	if c.status[conversationID].Completed {
		c.mu.Unlock()
		return ErrCompleted
	}
	c.markStartingLocked(conversationID)
	c.mu.Unlock()

	c.ch.Emit("start_conversation", startPayload{ConversationID: conversationID})
	c.notify(Change{Kind: ChangeStatus, ConversationID: conversationID})
	return nil
}

// markStartingLocked arms the confirmation timeout for a start command. If
// the server never confirms, the indicator reverts so the UI is not stuck
// on "starting...".
func (c *Coordinator) markStartingLocked(conversationID string) {
	if t, ok := c.starting[conversationID]; ok {
		t.Stop()
	}
	c.starting[conversationID] = time.AfterFunc(c.confirmTimeout, func() {
		c.mu.Lock()
		_, pending := c.starting[conversationID]
		delete(c.starting, conversationID)
		c.mu.Unlock()
		if pending {
			c.log.Warn("start not confirmed in time",
				zap.String("conversation_id", conversationID),
				zap.Duration("timeout", c.confirmTimeout))
			c.notify(Change{Kind: ChangeStatus, ConversationID: conversationID})
		}
	})
}

// Stop asks the server to halt a conversation. Valid for any joined or
// unjoined conversation; the id travels in the payload. When the cached
// status is known, obviously invalid stops are rejected locally.
func (c *Coordinator) Stop(conversationID string) error {
	c.mu.Lock()
	entry, known := c.status[conversationID]
	c.mu.Unlock()
	if known && entry.Completed {
		return ErrCompleted
	}
	if known && !entry.Active && !entry.Paused {
		return ErrNotActive
	}
	c.ch.Emit("stop_conversation", startPayload{ConversationID: conversationID})
	return nil
}

// Pause asks the server to suspend agent turns. reason is forwarded for the
// server's audit/system message.
func (c *Coordinator) Pause(conversationID, reason string) error {
	if reason == "" {
		reason = "User requested pause"
	}
	c.mu.Lock()
	entry, known := c.status[conversationID]
	c.mu.Unlock()
	if known && entry.Completed {
		return ErrCompleted
	}
	if known && entry.Paused {
		return ErrNotActive
	}
	c.ch.Emit("pause_conversation", pausePayload{ConversationID: conversationID, Reason: reason})
	return nil
}

// Resume asks the server to continue a paused conversation.
func (c *Coordinator) Resume(conversationID string) error {
	c.mu.Lock()
	entry, known := c.status[conversationID]
	c.mu.Unlock()
	if known && entry.Completed {
		return ErrCompleted
	}
	if known && !entry.Paused {
		return ErrNotPaused
	}
	c.ch.Emit("resume_conversation", startPayload{ConversationID: conversationID})
	return nil
}

// RequestHumanInput deliberately pauses a conversation for operator input,
// as if an agent had asked for it.
func (c *Coordinator) RequestHumanInput(conversationID, requestingAgent, requestMessage string) {
	c.ch.Emit("request_human_input", requestInputPayload{
		ConversationID:  conversationID,
		RequestingAgent: requestingAgent,
		RequestMessage:  requestMessage,
	})
}

// ProbeStatus asks the server for a detailed status report, delivered back
// as a conversation_status_update event.
func (c *Coordinator) ProbeStatus(conversationID string) {
	c.ch.Emit("get_conversation_status", startPayload{ConversationID: conversationID})
}
