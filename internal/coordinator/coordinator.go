// Package coordinator tracks multi-agent conversations on the client side.
//
// The Coordinator is the single writer for all cached conversation state: the
// conversation list, the selected conversation's messages, per-conversation
// activity status, and open human-input requests. UI/CLI layers read through
// getters, subscribe for change notifications, and issue commands through
// methods - they never mutate state directly.
//
// Status is event-derived and provisional: commands are forwarded to the
// server over the event channel, and the cached {active, paused} entry only
// changes when the corresponding server event arrives. REST refreshes
// (Reconcile operations) fully replace cached collections and win over stale
// event-derived status.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paradiselabs-ai/amx/internal/api"
	"github.com/paradiselabs-ai/amx/internal/channel"
)

// Emitter is the slice of the event channel the coordinator uses.
type Emitter interface {
	Emit(event string, payload any)
	On(event string, fn channel.Handler) channel.Subscription
	Off(sub channel.Subscription)
	OnStateChange(fn func(channel.State))
}

// Backend is the REST surface used for reconciliation and conversation CRUD.
type Backend interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	GetConversation(ctx context.Context, id string) (*api.Conversation, error)
	CreateConversation(ctx context.Context, req *api.CreateConversationRequest) (*api.Conversation, error)
	UpdateConversation(ctx context.Context, id string, req *api.UpdateConversationRequest) error
	DeleteConversation(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]api.Message, error)
}

// StatusEntry is the per-conversation activity projection, rebuilt from the
// last-seen server event (or the last REST refresh). Safe to discard.
type StatusEntry struct {
	Active    bool
	Paused    bool
	Completed bool
}

// HumanInputRequest is an open request from an agent that needs human input.
// One request is tracked per conversation; it lives until a human message is
// sent for that conversation or the conversation resumes.
type HumanInputRequest struct {
	ConversationID  string
	RequestingAgent string
	RequestMessage  string
}

// Change describes what part of the coordinator's state moved.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// ChangeKind enumerates observable state updates.
type ChangeKind int

const (
	ChangeConversations ChangeKind = iota
	ChangeMessages
	ChangeStatus
	ChangeInputRequest
)

// TypingObserver receives remote participants' typing indicator updates.
type TypingObserver func(conversationID, userName string, typing bool)

// confirmTimeout bounds how long the transient "starting" indicator may
// stay up without a confirming server event.
const confirmTimeout = 15 * time.Second

// Coordinator is the client-side conversation session store.
type Coordinator struct {
	ch       Emitter
	backend  Backend
	log      *zap.Logger
	userName string

	quietInterval  time.Duration // typing debounce window
	confirmTimeout time.Duration

	mu            sync.Mutex
	conversations []api.Conversation
	selectedID    string
	messages      []api.Message
	messageIDs    map[int]struct{}
	status        map[string]StatusEntry
	inputRequests map[string]*HumanInputRequest
	starting      map[string]*time.Timer
	typing        map[string]*typingState
	subs          []channel.Subscription
	observers     map[uint64]func(Change)
	typingObs     map[uint64]TypingObserver
	nextObsID     uint64
	closed        bool
}

// New creates a coordinator bound to the given channel and REST backend.
// userName is the display name attached to human messages and typing
// indicators.
func New(ch Emitter, backend Backend, userName string, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		ch:             ch,
		backend:        backend,
		log:            log,
		userName:       userName,
		quietInterval:  typingQuietInterval,
		confirmTimeout: confirmTimeout,
		messageIDs:     make(map[int]struct{}),
		status:         make(map[string]StatusEntry),
		inputRequests:  make(map[string]*HumanInputRequest),
		starting:       make(map[string]*time.Timer),
		typing:         make(map[string]*typingState),
		observers:      make(map[uint64]func(Change)),
		typingObs:      make(map[uint64]TypingObserver),
	}
	c.bind()
	return c
}

// bind wires the server event vocabulary to handlers and arranges room
// re-join after a reconnect (reconnection does not restore membership).
func (c *Coordinator) bind() {
	c.subs = append(c.subs,
		c.ch.On("new_message", c.onNewMessage),
		c.ch.On("conversation_status", c.onConversationStatus),
		c.ch.On("conversation_started", c.onConversationStarted),
		c.ch.On("conversation_stopped", c.onConversationStopped),
		c.ch.On("conversation_paused", c.onConversationPaused),
		c.ch.On("conversation_resumed", c.onConversationResumed),
		c.ch.On("human_input_requested", c.onHumanInputRequested),
		c.ch.On("conversation_status_update", c.onStatusReport),
		c.ch.On("user_typing", c.onUserTyping),
	)

	c.ch.OnStateChange(func(s channel.State) {
		if s != channel.StateConnected {
			return
		}
		c.mu.Lock()
		id := c.selectedID
		c.mu.Unlock()
		if id != "" {
			c.ch.Emit("join_conversation", joinPayload{ConversationID: id})
		}
	})
}

// Close unregisters all channel subscriptions and stops pending timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	for id, t := range c.starting {
		t.Stop()
		delete(c.starting, id)
	}
	for id, ts := range c.typing {
		if ts.timer != nil {
			ts.timer.Stop()
		}
		delete(c.typing, id)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.ch.Off(s)
	}
}

// Subscribe registers a change observer and returns its remove function.
func (c *Coordinator) Subscribe(fn func(Change)) func() {
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// OnUserTyping registers an observer for remote typing indicators and
// returns its remove function.
func (c *Coordinator) OnUserTyping(fn TypingObserver) func() {
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.typingObs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.typingObs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) notify(ch Change) {
	c.mu.Lock()
	observers := make([]func(Change), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(ch)
	}
}

// --- Read side -----------------------------------------------------------

// Conversations returns a copy of the cached conversation list.
func (c *Coordinator) Conversations() []api.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.Conversation(nil), c.conversations...)
}

// Conversation returns the cached record for id, or nil.
func (c *Coordinator) Conversation(id string) *api.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(id)
}

func (c *Coordinator) findLocked(id string) *api.Conversation {
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			conv := c.conversations[i]
			return &conv
		}
	}
	return nil
}

// SelectedID returns the id of the selected conversation, or "".
func (c *Coordinator) SelectedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedID
}

// Messages returns a copy of the selected conversation's message cache.
func (c *Coordinator) Messages() []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.Message(nil), c.messages...)
}

// StatusFor returns the activity projection for a conversation. The zero
// entry means no event or refresh has reported on it yet.
func (c *Coordinator) StatusFor(id string) StatusEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[id]
}

// IsConversationActive reports whether the last-seen status was active.
func (c *Coordinator) IsConversationActive(id string) bool {
	return c.StatusFor(id).Active
}

// IsConversationPaused reports whether the last-seen status was paused.
func (c *Coordinator) IsConversationPaused(id string) bool {
	return c.StatusFor(id).Paused
}

// InputRequest returns the open human-input request for a conversation, or
// nil.
func (c *Coordinator) InputRequest(id string) *HumanInputRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.inputRequests[id]; ok {
		cp := *req
		return &cp
	}
	return nil
}

// IsStarting reports whether a start command is awaiting its confirmation
// event. This is the transient UI indicator, not the canonical status.
func (c *Coordinator) IsStarting(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.starting[id]
	return ok
}

// --- Registry / reconciliation ------------------------------------------

// RefreshConversations fetches the conversation list and fully replaces the
// cache. REST-reported status overwrites any event-derived entry: the event
// path is the faster but provisional signal between refreshes.
func (c *Coordinator) RefreshConversations(ctx context.Context) error {
	convs, err := c.backend.ListConversations(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conversations = convs
	present := make(map[string]struct{}, len(convs))
	for i := range convs {
		present[convs[i].ID] = struct{}{}
		c.status[convs[i].ID] = entryForStatus(convs[i].Status)
	}
	for id := range c.status {
		if _, ok := present[id]; !ok {
			delete(c.status, id)
		}
	}
	for id := range c.inputRequests {
		if _, ok := present[id]; !ok {
			delete(c.inputRequests, id)
		}
	}
	selectionDropped := false
	if c.selectedID != "" {
		if _, ok := present[c.selectedID]; !ok {
			c.clearSelectionLocked()
			selectionDropped = true
		}
	}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeConversations})
	if selectionDropped {
		c.notify(Change{Kind: ChangeMessages})
	}
	return nil
}

func entryForStatus(status string) StatusEntry {
	switch status {
	case api.StatusActive:
		return StatusEntry{Active: true}
	case api.StatusPaused:
		return StatusEntry{Paused: true}
	case api.StatusCompleted:
		return StatusEntry{Completed: true}
	default: // draft or unknown
		return StatusEntry{}
	}
}

// Select makes a conversation current: leaves the previous room, joins the
// new one, and replaces the message cache with fresh history. Selecting ""
// just leaves the current room.
func (c *Coordinator) Select(ctx context.Context, id string) error {
	c.mu.Lock()
	previous := c.selectedID
	c.mu.Unlock()

	if previous == id {
		return nil
	}
	if previous != "" {
		c.ch.Emit("leave_conversation", joinPayload{ConversationID: previous})
	}

	if id == "" {
		c.mu.Lock()
		c.clearSelectionLocked()
		c.mu.Unlock()
		c.notify(Change{Kind: ChangeMessages})
		return nil
	}

	msgs, err := c.backend.ListMessages(ctx, id)
	if err != nil {
		// Selection stands so the room join still happens; history can be
		// re-fetched via RefreshMessages once the server is reachable.
		c.mu.Lock()
		c.selectedID = id
		c.resetMessagesLocked(nil)
		c.mu.Unlock()
		c.ch.Emit("join_conversation", joinPayload{ConversationID: id})
		c.notify(Change{Kind: ChangeMessages, ConversationID: id})
		return err
	}

	c.mu.Lock()
	c.selectedID = id
	c.resetMessagesLocked(msgs)
	c.mu.Unlock()

	c.ch.Emit("join_conversation", joinPayload{ConversationID: id})
	c.notify(Change{Kind: ChangeMessages, ConversationID: id})
	return nil
}

// RefreshMessages re-fetches and fully replaces the selected conversation's
// history.
func (c *Coordinator) RefreshMessages(ctx context.Context) error {
	c.mu.Lock()
	id := c.selectedID
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	msgs, err := c.backend.ListMessages(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.selectedID == id {
		c.resetMessagesLocked(msgs)
	}
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeMessages, ConversationID: id})
	return nil
}

func (c *Coordinator) resetMessagesLocked(msgs []api.Message) {
	c.messages = msgs
	c.messageIDs = make(map[int]struct{}, len(msgs))
	for i := range msgs {
		c.messageIDs[msgs[i].ID] = struct{}{}
	}
}

func (c *Coordinator) clearSelectionLocked() {
	c.selectedID = ""
	c.messages = nil
	c.messageIDs = make(map[int]struct{})
}

// Create creates a conversation on the server and caches it as a draft: the
// server has not confirmed a start yet, whatever status field it reports.
func (c *Coordinator) Create(ctx context.Context, req *api.CreateConversationRequest) (*api.Conversation, error) {
	if len(req.Participants) < minParticipants {
		return nil, ErrNotEnoughParticipants
	}
	conv, err := c.backend.CreateConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	created := *conv
	created.Status = api.StatusDraft
	c.mu.Lock()
	c.conversations = append(c.conversations, created)
	c.status[created.ID] = StatusEntry{}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeConversations, ConversationID: created.ID})
	return &created, nil
}

// UpdateMeta edits a conversation's name/description. The cache is only
// patched after the server accepts the edit.
func (c *Coordinator) UpdateMeta(ctx context.Context, id string, req *api.UpdateConversationRequest) error {
	if err := c.backend.UpdateConversation(ctx, id, req); err != nil {
		return err
	}

	c.mu.Lock()
	for i := range c.conversations {
		if c.conversations[i].ID != id {
			continue
		}
		if req.Name != nil {
			c.conversations[i].Name = *req.Name
		}
		if req.Description != nil {
			c.conversations[i].Description = *req.Description
		}
		break
	}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeConversations, ConversationID: id})
	return nil
}

// Remove deletes a conversation on the server and from the cache. If it was
// selected, the selection and message cache are cleared too.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	if err := c.backend.DeleteConversation(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			c.conversations = append(c.conversations[:i], c.conversations[i+1:]...)
			break
		}
	}
	delete(c.status, id)
	delete(c.inputRequests, id)
	if t, ok := c.starting[id]; ok {
		t.Stop()
		delete(c.starting, id)
	}
	wasSelected := c.selectedID == id
	if wasSelected {
		c.clearSelectionLocked()
	}
	c.mu.Unlock()

	if wasSelected {
		c.ch.Emit("leave_conversation", joinPayload{ConversationID: id})
		c.notify(Change{Kind: ChangeMessages})
	}
	c.notify(Change{Kind: ChangeConversations, ConversationID: id})
	return nil
}

// appendMessage inserts a message for a conversation. Inserts are idempotent
// by message id: the optimistic echo of a REST send and the later broadcast
// of the same message collapse into one cache entry.
func (c *Coordinator) appendMessage(conversationID string, msg api.Message) bool {
	c.mu.Lock()
	if c.selectedID != conversationID {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.messageIDs[msg.ID]; dup {
		c.mu.Unlock()
		return false
	}
	c.messageIDs[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return true
}

// --- Event handlers ------------------------------------------------------

type joinPayload struct {
	ConversationID string `json:"conversation_id"`
}

type newMessageEvent struct {
	ConversationID string      `json:"conversation_id"`
	Message        api.Message `json:"message"`
}

type statusEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

type humanInputEvent struct {
	ConversationID  string `json:"conversation_id"`
	RequestingAgent string `json:"requesting_agent"`
	RequestMessage  string `json:"request_message"`
}

type typingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserName       string `json:"user_name"`
	Typing         bool   `json:"typing"`
}

func (c *Coordinator) onNewMessage(data json.RawMessage) {
	var ev newMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("bad new_message payload", zap.Error(err))
		return
	}
	c.appendMessage(ev.ConversationID, ev.Message)

	// A human turn arriving for a conversation that was waiting on one
	// closes the request and puts the conversation back in motion.
	if ev.Message.MessageType == api.MessageTypeHuman {
		c.mu.Lock()
		_, open := c.inputRequests[ev.ConversationID]
		if open {
			delete(c.inputRequests, ev.ConversationID)
			c.applyStatusLocked(ev.ConversationID, StatusEntry{Active: true})
		}
		c.mu.Unlock()
		if open {
			c.notify(Change{Kind: ChangeInputRequest, ConversationID: ev.ConversationID})
			c.notify(Change{Kind: ChangeStatus, ConversationID: ev.ConversationID})
		}
	}
}

func (c *Coordinator) onConversationStatus(data json.RawMessage) {
	var ev statusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("bad conversation_status payload", zap.Error(err))
		return
	}
	c.applyRemoteStatus(ev.ConversationID, entryForStatus(ev.Status))
}

func (c *Coordinator) onConversationStarted(data json.RawMessage) {
	var ev statusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	c.applyRemoteStatus(ev.ConversationID, StatusEntry{Active: true})
}

func (c *Coordinator) onConversationStopped(data json.RawMessage) {
	var ev statusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	c.applyRemoteStatus(ev.ConversationID, StatusEntry{Completed: true})
}

func (c *Coordinator) onConversationPaused(data json.RawMessage) {
	var ev statusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	c.applyRemoteStatus(ev.ConversationID, StatusEntry{Paused: true})
}

func (c *Coordinator) onConversationResumed(data json.RawMessage) {
	var ev statusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	c.mu.Lock()
	_, open := c.inputRequests[ev.ConversationID]
	delete(c.inputRequests, ev.ConversationID)
	c.mu.Unlock()
	if open {
		c.notify(Change{Kind: ChangeInputRequest, ConversationID: ev.ConversationID})
	}
	c.applyRemoteStatus(ev.ConversationID, StatusEntry{Active: true})
}

func (c *Coordinator) onHumanInputRequested(data json.RawMessage) {
	var ev humanInputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("bad human_input_requested payload", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.inputRequests[ev.ConversationID] = &HumanInputRequest{
		ConversationID:  ev.ConversationID,
		RequestingAgent: ev.RequestingAgent,
		RequestMessage:  ev.RequestMessage,
	}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeInputRequest, ConversationID: ev.ConversationID})
	c.applyRemoteStatus(ev.ConversationID, StatusEntry{Paused: true})
}

// statusReportEvent is the reply to a get_conversation_status probe. The
// nested report is richer than the broadcast events; only the activity flags
// feed the projection.
type statusReportEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         struct {
		Active          bool `json:"active"`
		Paused          bool `json:"paused"`
		WaitingForHuman bool `json:"waiting_for_human"`
		MessageCount    int  `json:"message_count"`
	} `json:"status"`
}

func (c *Coordinator) onStatusReport(data json.RawMessage) {
	var ev statusReportEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("bad conversation_status_update payload", zap.Error(err))
		return
	}
	entry := StatusEntry{
		Active: ev.Status.Active && !ev.Status.Paused,
		Paused: ev.Status.Active && ev.Status.Paused,
	}
	c.applyRemoteStatus(ev.ConversationID, entry)
}

func (c *Coordinator) onUserTyping(data json.RawMessage) {
	var ev typingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	c.mu.Lock()
	observers := make([]TypingObserver, 0, len(c.typingObs))
	for _, fn := range c.typingObs {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(ev.ConversationID, ev.UserName, ev.Typing)
	}
}

// applyRemoteStatus updates the projection from a server event and settles
// any pending start indicator for the conversation.
func (c *Coordinator) applyRemoteStatus(id string, entry StatusEntry) {
	c.mu.Lock()
	changed := c.applyStatusLocked(id, entry)
	c.mu.Unlock()
	if changed {
		c.notify(Change{Kind: ChangeStatus, ConversationID: id})
	}
}

func (c *Coordinator) applyStatusLocked(id string, entry StatusEntry) bool {
	if current, ok := c.status[id]; ok && current.Completed {
		// Completed is terminal: late events cannot revive the session.
		return false
	}
	if t, ok := c.starting[id]; ok && (entry.Active || entry.Completed) {
		t.Stop()
		delete(c.starting, id)
	}
	c.status[id] = entry
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			c.conversations[i].Status = statusName(entry)
			break
		}
	}
	return true
}

func statusName(entry StatusEntry) string {
	switch {
	case entry.Completed:
		return api.StatusCompleted
	case entry.Active:
		return api.StatusActive
	case entry.Paused:
		return api.StatusPaused
	default:
		return api.StatusDraft
	}
}
