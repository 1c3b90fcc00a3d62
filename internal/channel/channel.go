// Package channel implements the AgentMix WebSocket event channel.
//
// The channel is the client's one persistent bidirectional connection to the
// server. Commands go out as fire-and-forget frames; server events fan out to
// named subscribers. The connection reconnects automatically with exponential
// backoff. Reconnecting does not restore conversation room membership - the
// owner must re-join via an OnStateChange hook.
//
// Wire format is one JSON frame per WebSocket text message:
//
//	{"event": "<name>", "data": {...}}
package channel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is a single frame on the wire, in either direction.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Handler receives the payload of one event. Handlers for one connection run
// sequentially in arrival order; a slow handler delays later events.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	name string
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

const (
	// outboxSize bounds the number of frames held while disconnected.
	// When full, the oldest queued frame is dropped.
	outboxSize = 256

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Channel manages the WebSocket connection to the AgentMix server.
type Channel struct {
	url string
	log *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     State
	onState   []func(State)
	subs      map[string][]subscriber
	nextSubID uint64
	connected chan struct{} // closed while connected, replaced on drop

	outbox chan Event
	done   chan struct{}
	once   sync.Once
}

// New creates a channel for the given WebSocket URL. Dial must be called
// before any frames flow.
func New(wsURL string, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		url:       wsURL,
		log:       log,
		state:     StateDisconnected,
		subs:      make(map[string][]subscriber),
		connected: make(chan struct{}),
		outbox:    make(chan Event, outboxSize),
		done:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the channel is currently connected.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// OnStateChange registers a callback invoked on every connection state
// transition. Callbacks run on the connection manager goroutine.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// On registers a handler for the named event. Multiple handlers per event
// are supported and run in registration order.
func (c *Channel) On(event string, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	sub := Subscription{name: event, id: c.nextSubID}
	c.subs[event] = append(c.subs[event], subscriber{id: sub.id, fn: fn})
	return sub
}

// Off removes a previously registered handler. Removing an already-removed
// subscription is a no-op.
func (c *Channel) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[sub.name]
	for i := range subs {
		if subs[i].id == sub.id {
			c.subs[sub.name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subs[sub.name]) == 0 {
		delete(c.subs, sub.name)
	}
}

// Emit queues a command frame. It never fails: while disconnected the frame
// is held in a bounded outbox and flushed on reconnect; when the outbox is
// full the oldest queued frame is dropped.
func (c *Channel) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("emit: marshal payload", zap.String("event", event), zap.Error(err))
		return
	}
	ev := Event{Name: event, Data: data}
	for {
		select {
		case c.outbox <- ev:
			return
		default:
		}
		// Outbox full: make room by dropping the oldest frame.
		select {
		case dropped := <-c.outbox:
			c.log.Warn("emit: outbox full, dropping oldest frame",
				zap.String("dropped", dropped.Name))
		default:
		}
	}
}

// Dial starts the connection manager. It returns immediately; use
// WaitConnected or OnStateChange to observe progress. Dial is a no-op after
// Close.
func (c *Channel) Dial() {
	go c.run()
}

// WaitConnected blocks until the channel is connected, the timeout elapses,
// or the channel is closed.
func (c *Channel) WaitConnected(timeout time.Duration) bool {
	c.mu.RLock()
	ready := c.connected
	c.mu.RUnlock()
	select {
	case <-ready:
		return true
	case <-c.done:
		return false
	case <-time.After(timeout):
		return false
	}
}

// Close tears the connection down and stops reconnecting.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	switch s {
	case StateConnected:
		close(c.connected)
	case StateDisconnected, StateConnecting:
		select {
		case <-c.connected:
			c.connected = make(chan struct{})
		default:
		}
	}
	callbacks := append([]func(State){}, c.onState...)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
}

// run is the connection manager: dial, pump, and retry until Close.
func (c *Channel) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.Dial(c.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			c.log.Warn("dial failed, retrying",
				zap.String("url", c.url), zap.Duration("retry_in", wait), zap.Error(err))
			c.setState(StateDisconnected)
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		c.log.Info("channel connected", zap.String("url", c.url))

		// Writer drains the outbox until the connection drops.
		writerDone := make(chan struct{})
		go c.writeLoop(conn, writerDone)

		c.readLoop(conn)

		close(writerDone)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(StateDisconnected)

		select {
		case <-c.done:
			return
		default:
			c.log.Warn("channel disconnected, reconnecting")
		}
	}
}

func (c *Channel) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case ev := <-c.outbox:
			data, err := json.Marshal(ev)
			if err != nil {
				c.log.Error("marshal frame", zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Requeue so the frame survives the reconnect.
				select {
				case c.outbox <- ev:
				default:
				}
				c.log.Warn("write failed", zap.String("event", ev.Name), zap.Error(err))
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch fans one event out to its subscribers, in registration order.
// Events for one connection are delivered in server-send order because
// dispatch runs on the single read goroutine.
func (c *Channel) dispatch(ev Event) {
	c.mu.RLock()
	subs := append([]subscriber(nil), c.subs[ev.Name]...)
	c.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev.Data)
	}
}
