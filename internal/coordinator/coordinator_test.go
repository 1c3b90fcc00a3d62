package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradiselabs-ai/amx/internal/api"
	"github.com/paradiselabs-ai/amx/internal/channel"
)

// --- Fakes ---------------------------------------------------------------

type emission struct {
	event   string
	payload any
}

// fakeChannel records outgoing frames and lets tests inject server events.
type fakeChannel struct {
	mu        sync.Mutex
	emissions []emission
	handlers  map[string][]channel.Handler
	stateFns  []func(channel.State)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]channel.Handler)}
}

func (f *fakeChannel) Emit(event string, payload any) {
	f.mu.Lock()
	f.emissions = append(f.emissions, emission{event: event, payload: payload})
	f.mu.Unlock()
}

func (f *fakeChannel) On(event string, fn channel.Handler) channel.Subscription {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
	return channel.Subscription{}
}

func (f *fakeChannel) Off(channel.Subscription) {}

func (f *fakeChannel) OnStateChange(fn func(channel.State)) {
	f.mu.Lock()
	f.stateFns = append(f.stateFns, fn)
	f.mu.Unlock()
}

// deliver injects a server event, running handlers synchronously the way the
// real channel's read goroutine does.
func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]channel.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

// setState simulates a connection state transition.
func (f *fakeChannel) setState(s channel.State) {
	f.mu.Lock()
	fns := append([]func(channel.State){}, f.stateFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeChannel) emitted() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emission(nil), f.emissions...)
}

func (f *fakeChannel) emittedNames() []string {
	var names []string
	for _, e := range f.emitted() {
		names = append(names, e.event)
	}
	return names
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	f.emissions = nil
	f.mu.Unlock()
}

// fakeBackend is an in-memory REST backend.
type fakeBackend struct {
	mu            sync.Mutex
	conversations []api.Conversation
	messages      map[string][]api.Message

	listErr     error
	getErr      error
	createErr   error
	updateErr   error
	deleteErr   error
	messagesErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]api.Message)}
}

func (b *fakeBackend) ListConversations(context.Context) ([]api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]api.Conversation(nil), b.conversations...), nil
}

func (b *fakeBackend) GetConversation(_ context.Context, id string) (*api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	for i := range b.conversations {
		if b.conversations[i].ID == id {
			conv := b.conversations[i]
			return &conv, nil
		}
	}
	return nil, &api.Error{StatusCode: 404, Message: "Conversation not found"}
}

func (b *fakeBackend) CreateConversation(_ context.Context, req *api.CreateConversationRequest) (*api.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	conv := api.Conversation{
		ID:           "created-" + req.Name,
		Name:         req.Name,
		Description:  req.Description,
		Participants: req.Participants,
		// The server reports freshly created conversations as active.
		Status: api.StatusActive,
	}
	b.conversations = append(b.conversations, conv)
	return &conv, nil
}

func (b *fakeBackend) UpdateConversation(_ context.Context, id string, req *api.UpdateConversationRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateErr
}

func (b *fakeBackend) DeleteConversation(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteErr
}

func (b *fakeBackend) ListMessages(_ context.Context, conversationID string) ([]api.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messagesErr != nil {
		return nil, b.messagesErr
	}
	return append([]api.Message(nil), b.messages[conversationID]...), nil
}

// --- Fixtures ------------------------------------------------------------

func conv(id, name, status string, participants ...int) api.Conversation {
	return api.Conversation{ID: id, Name: name, Status: status, Participants: participants}
}

func msg(id int, conversationID, content, messageType string) api.Message {
	return api.Message{
		ID:             id,
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeChannel, *fakeBackend) {
	t.Helper()
	ch := newFakeChannel()
	backend := newFakeBackend()
	c := New(ch, backend, "Juan", nil)
	t.Cleanup(c.Close)
	return c, ch, backend
}

// --- Registry / reconciliation -------------------------------------------

func TestRefreshConversationsReplacesCache(t *testing.T) {
	c, _, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{
		conv("a", "Alpha", api.StatusActive, 1, 2),
		conv("b", "Beta", api.StatusDraft, 2, 3),
	}

	require.NoError(t, c.RefreshConversations(context.Background()))

	convs := c.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "Alpha", convs[0].Name)
	assert.True(t, c.IsConversationActive("a"))
	assert.Equal(t, StatusEntry{}, c.StatusFor("b"))

	// Second refresh fully replaces, never merges.
	backend.mu.Lock()
	backend.conversations = []api.Conversation{conv("b", "Beta renamed", api.StatusPaused, 2, 3)}
	backend.mu.Unlock()
	require.NoError(t, c.RefreshConversations(context.Background()))

	convs = c.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "Beta renamed", convs[0].Name)
	assert.True(t, c.IsConversationPaused("b"))
	assert.Equal(t, StatusEntry{}, c.StatusFor("a"), "status for removed conversations is pruned")
}

func TestRefreshOverwritesEventDerivedStatus(t *testing.T) {
	c, ch, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Alpha", api.StatusActive, 1, 2)}
	require.NoError(t, c.RefreshConversations(context.Background()))

	// An event flips the projection...
	ch.deliver(t, "conversation_paused", statusEvent{ConversationID: "a"})
	assert.True(t, c.IsConversationPaused("a"))

	// ...and the next refresh brings back the authoritative view.
	require.NoError(t, c.RefreshConversations(context.Background()))
	assert.True(t, c.IsConversationActive("a"))
	assert.False(t, c.IsConversationPaused("a"))
}

func TestRefreshConversationsError(t *testing.T) {
	c, _, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Alpha", api.StatusActive, 1, 2)}
	require.NoError(t, c.RefreshConversations(context.Background()))

	backend.mu.Lock()
	backend.listErr = errors.New("server down")
	backend.mu.Unlock()

	err := c.RefreshConversations(context.Background())
	require.Error(t, err)
	assert.Len(t, c.Conversations(), 1, "cache survives a failed refresh")
}

func TestRefreshDropsSelectionOfRemovedConversation(t *testing.T) {
	c, _, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Alpha", api.StatusActive, 1, 2)}
	backend.messages["a"] = []api.Message{msg(1, "a", "hello", api.MessageTypeAI)}
	require.NoError(t, c.RefreshConversations(context.Background()))
	require.NoError(t, c.Select(context.Background(), "a"))
	require.Equal(t, "a", c.SelectedID())

	backend.mu.Lock()
	backend.conversations = nil
	backend.mu.Unlock()
	require.NoError(t, c.RefreshConversations(context.Background()))

	assert.Empty(t, c.SelectedID())
	assert.Empty(t, c.Messages())
}

func TestSelectJoinsRoomAndLoadsHistory(t *testing.T) {
	c, ch, backend := newTestCoordinator(t)
	backend.messages["a"] = []api.Message{
		msg(1, "a", "first", api.MessageTypeAI),
		msg(2, "a", "second", api.MessageTypeAI),
	}
	backend.messages["b"] = []api.Message{msg(9, "b", "other", api.MessageTypeAI)}

	require.NoError(t, c.Select(context.Background(), "a"))
	assert.Equal(t, []string{"join_conversation"}, ch.emittedNames())
	require.Len(t, c.Messages(), 2)

	// Switching leaves the old room and replaces the cache.
	ch.reset()
	require.NoError(t, c.Select(context.Background(), "b"))
	assert.Equal(t, []string{"leave_conversation", "join_conversation"}, ch.emittedNames())
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "other", msgs[0].Content)

	// Re-selecting the current conversation is a no-op.
	ch.reset()
	require.NoError(t, c.Select(context.Background(), "b"))
	assert.Empty(t, ch.emittedNames())
}

func TestSelectHistoryErrorStillJoins(t *testing.T) {
	c, ch, backend := newTestCoordinator(t)
	backend.messagesErr = errors.New("server down")

	err := c.Select(context.Background(), "a")
	require.Error(t, err)
	assert.Equal(t, "a", c.SelectedID(), "selection stands so live events keep flowing")
	assert.Equal(t, []string{"join_conversation"}, ch.emittedNames())
	assert.Empty(t, c.Messages())

	// RefreshMessages recovers once the server is back.
	backend.mu.Lock()
	backend.messagesErr = nil
	backend.messages["a"] = []api.Message{msg(1, "a", "hello", api.MessageTypeAI)}
	backend.mu.Unlock()
	require.NoError(t, c.RefreshMessages(context.Background()))
	assert.Len(t, c.Messages(), 1)
}

func TestCreateCachesAsDraft(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	created, err := c.Create(context.Background(), &api.CreateConversationRequest{
		Name:         "Planning",
		Participants: []int{1, 2},
	})
	require.NoError(t, err)

	// The backend reports active on create; locally nothing has started.
	assert.Equal(t, api.StatusDraft, created.Status)
	assert.Equal(t, StatusEntry{}, c.StatusFor(created.ID))
	require.Len(t, c.Conversations(), 1)
	assert.Equal(t, api.StatusDraft, c.Conversations()[0].Status)
}

func TestCreateParticipantFloor(t *testing.T) {
	c, _, backend := newTestCoordinator(t)

	_, err := c.Create(context.Background(), &api.CreateConversationRequest{
		Name:         "Solo",
		Participants: []int{1},
	})
	assert.ErrorIs(t, err, ErrNotEnoughParticipants)
	assert.Empty(t, backend.conversations, "rejected create never reaches the backend")
}

func TestUpdateMetaPatchesAfterSuccess(t *testing.T) {
	c, _, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Old name", api.StatusDraft, 1, 2)}
	require.NoError(t, c.RefreshConversations(context.Background()))

	name := "New name"
	require.NoError(t, c.UpdateMeta(context.Background(), "a", &api.UpdateConversationRequest{Name: &name}))
	assert.Equal(t, "New name", c.Conversation("a").Name)

	// A rejected edit leaves the cache untouched.
	backend.mu.Lock()
	backend.updateErr = errors.New("validation failed")
	backend.mu.Unlock()
	bad := "Unsaved"
	require.Error(t, c.UpdateMeta(context.Background(), "a", &api.UpdateConversationRequest{Name: &bad}))
	assert.Equal(t, "New name", c.Conversation("a").Name)
}

func TestRemoveClearsSelection(t *testing.T) {
	c, ch, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Alpha", api.StatusActive, 1, 2)}
	backend.messages["a"] = []api.Message{msg(1, "a", "hello", api.MessageTypeAI)}
	require.NoError(t, c.RefreshConversations(context.Background()))
	require.NoError(t, c.Select(context.Background(), "a"))
	ch.reset()

	require.NoError(t, c.Remove(context.Background(), "a"))
	assert.Empty(t, c.SelectedID())
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.Conversations())
	assert.Contains(t, ch.emittedNames(), "leave_conversation")
}

// --- Event handling ------------------------------------------------------

func TestNewMessageAppendIsIdempotent(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	require.NoError(t, c.Select(context.Background(), "a"))

	m := msg(42, "a", "hello", api.MessageTypeAI)
	ch.deliver(t, "new_message", newMessageEvent{ConversationID: "a", Message: m})
	ch.deliver(t, "new_message", newMessageEvent{ConversationID: "a", Message: m})

	require.Len(t, c.Messages(), 1, "duplicate broadcast collapses into one entry")
}

func TestNewMessageIgnoredForUnselectedConversation(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	require.NoError(t, c.Select(context.Background(), "a"))

	ch.deliver(t, "new_message", newMessageEvent{
		ConversationID: "b",
		Message:        msg(1, "b", "elsewhere", api.MessageTypeAI),
	})
	assert.Empty(t, c.Messages())
}

func TestNewMessagePreservesArrivalOrder(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	require.NoError(t, c.Select(context.Background(), "a"))

	for i := 1; i <= 4; i++ {
		ch.deliver(t, "new_message", newMessageEvent{
			ConversationID: "a",
			Message:        msg(i, "a", "m", api.MessageTypeAI),
		})
	}
	msgs := c.Messages()
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.ID)
	}
}

func TestStatusEvents(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	ch.deliver(t, "conversation_started", statusEvent{ConversationID: "a"})
	assert.Equal(t, StatusEntry{Active: true}, c.StatusFor("a"))

	ch.deliver(t, "conversation_paused", statusEvent{ConversationID: "a", Reason: "max turns"})
	assert.Equal(t, StatusEntry{Paused: true}, c.StatusFor("a"))

	ch.deliver(t, "conversation_resumed", statusEvent{ConversationID: "a"})
	assert.Equal(t, StatusEntry{Active: true}, c.StatusFor("a"))

	ch.deliver(t, "conversation_status", statusEvent{ConversationID: "a", Status: api.StatusPaused})
	assert.Equal(t, StatusEntry{Paused: true}, c.StatusFor("a"))

	ch.deliver(t, "conversation_stopped", statusEvent{ConversationID: "a"})
	assert.Equal(t, StatusEntry{Completed: true}, c.StatusFor("a"))
}

func TestStatusReportFeedsProjection(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	report := func(active, paused bool) map[string]any {
		return map[string]any{
			"conversation_id": "a",
			"status": map[string]any{
				"active":        active,
				"paused":        paused,
				"message_count": 7,
			},
		}
	}

	ch.deliver(t, "conversation_status_update", report(true, false))
	assert.Equal(t, StatusEntry{Active: true}, c.StatusFor("a"))

	ch.deliver(t, "conversation_status_update", report(true, true))
	assert.Equal(t, StatusEntry{Paused: true}, c.StatusFor("a"))

	ch.deliver(t, "conversation_status_update", report(false, false))
	assert.Equal(t, StatusEntry{}, c.StatusFor("a"))
}

func TestCompletedIsTerminal(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	ch.deliver(t, "conversation_stopped", statusEvent{ConversationID: "a"})
	require.True(t, c.StatusFor("a").Completed)

	// Late events cannot revive the session.
	ch.deliver(t, "conversation_started", statusEvent{ConversationID: "a"})
	ch.deliver(t, "conversation_resumed", statusEvent{ConversationID: "a"})
	assert.True(t, c.StatusFor("a").Completed)
	assert.False(t, c.StatusFor("a").Active)
}

func TestStatusEventSyncsConversationRecord(t *testing.T) {
	c, ch, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Alpha", api.StatusDraft, 1, 2)}
	require.NoError(t, c.RefreshConversations(context.Background()))

	ch.deliver(t, "conversation_started", statusEvent{ConversationID: "a"})
	assert.Equal(t, api.StatusActive, c.Conversation("a").Status)
}

func TestHumanInputRequestedStoresAndPauses(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	ch.deliver(t, "human_input_requested", humanInputEvent{
		ConversationID:  "a",
		RequestingAgent: "Researcher",
		RequestMessage:  "Need a decision on scope",
	})

	req := c.InputRequest("a")
	require.NotNil(t, req)
	assert.Equal(t, "Researcher", req.RequestingAgent)
	assert.Equal(t, "Need a decision on scope", req.RequestMessage)
	assert.True(t, c.IsConversationPaused("a"))
	assert.Nil(t, c.InputRequest("b"), "requests are tracked per conversation")
}

func TestHumanTurnClosesInputRequest(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	require.NoError(t, c.Select(context.Background(), "a"))

	ch.deliver(t, "human_input_requested", humanInputEvent{
		ConversationID:  "a",
		RequestingAgent: "Researcher",
		RequestMessage:  "Your call",
	})
	require.NotNil(t, c.InputRequest("a"))

	ch.deliver(t, "new_message", newMessageEvent{
		ConversationID: "a",
		Message:        msg(7, "a", "Go with option B", api.MessageTypeHuman),
	})

	assert.Nil(t, c.InputRequest("a"))
	assert.True(t, c.IsConversationActive("a"), "the human turn puts the session back in motion")
}

func TestResumedClosesInputRequest(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	ch.deliver(t, "human_input_requested", humanInputEvent{
		ConversationID: "a", RequestingAgent: "Researcher", RequestMessage: "Your call",
	})
	require.NotNil(t, c.InputRequest("a"))

	ch.deliver(t, "conversation_resumed", statusEvent{ConversationID: "a"})
	assert.Nil(t, c.InputRequest("a"))
	assert.True(t, c.IsConversationActive("a"))
}

func TestUserTypingFanOut(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)

	type typingCall struct {
		conversationID, userName string
		typing                   bool
	}
	var calls []typingCall
	remove := c.OnUserTyping(func(conversationID, userName string, typing bool) {
		calls = append(calls, typingCall{conversationID, userName, typing})
	})

	ch.deliver(t, "user_typing", typingEvent{ConversationID: "a", UserName: "Maria", Typing: true})
	ch.deliver(t, "user_typing", typingEvent{ConversationID: "a", UserName: "Maria", Typing: false})
	require.Len(t, calls, 2)
	assert.Equal(t, typingCall{"a", "Maria", true}, calls[0])
	assert.Equal(t, typingCall{"a", "Maria", false}, calls[1])

	remove()
	ch.deliver(t, "user_typing", typingEvent{ConversationID: "a", UserName: "Maria", Typing: true})
	assert.Len(t, calls, 2, "removed observer no longer fires")
}

func TestReconnectRejoinsSelectedRoom(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	require.NoError(t, c.Select(context.Background(), "a"))
	ch.reset()

	ch.setState(channel.StateDisconnected)
	ch.setState(channel.StateConnected)

	names := ch.emittedNames()
	require.Equal(t, []string{"join_conversation"}, names)
	payload, ok := ch.emitted()[0].payload.(joinPayload)
	require.True(t, ok)
	assert.Equal(t, "a", payload.ConversationID)
}

func TestReconnectWithoutSelectionEmitsNothing(t *testing.T) {
	c, ch, _ := newTestCoordinator(t)
	_ = c
	ch.setState(channel.StateConnected)
	assert.Empty(t, ch.emittedNames())
}

func TestSubscribeNotifiesOnChanges(t *testing.T) {
	c, ch, backend := newTestCoordinator(t)
	backend.conversations = []api.Conversation{conv("a", "Alpha", api.StatusDraft, 1, 2)}

	var mu sync.Mutex
	var kinds []ChangeKind
	remove := c.Subscribe(func(change Change) {
		mu.Lock()
		kinds = append(kinds, change.Kind)
		mu.Unlock()
	})

	require.NoError(t, c.RefreshConversations(context.Background()))
	ch.deliver(t, "conversation_started", statusEvent{ConversationID: "a"})

	mu.Lock()
	assert.Contains(t, kinds, ChangeConversations)
	assert.Contains(t, kinds, ChangeStatus)
	seen := len(kinds)
	mu.Unlock()

	remove()
	ch.deliver(t, "conversation_paused", statusEvent{ConversationID: "a"})
	mu.Lock()
	assert.Len(t, kinds, seen, "removed observer no longer fires")
	mu.Unlock()
}

func TestCloseUnbindsHandlers(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, newFakeBackend(), "Juan", nil)
	require.NoError(t, c.Select(context.Background(), "a"))
	c.Close()
	c.Close() // idempotent
}
