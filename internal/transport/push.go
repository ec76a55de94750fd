// Package transport implements the two channels the engine consumes from
// the probing agent: the persistent push connection (websocket) and the
// stateless pull client (HTTP request/response).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/record"
	"github.com/probelab/netdash/internal/session"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
	reconnectMin     = time.Second
	reconnectMax     = 30 * time.Second
	subscriberBuffer = 64
)

// frame is the client-to-agent control message pairing each subscribe with
// its unsubscribe, keyed by session id.
type frame struct {
	Action    string            `json:"action"`
	Stream    string            `json:"stream"`
	SessionID string            `json:"session_id"`
	Spec      *session.ScanSpec `json:"spec,omitempty"`
}

// subscription is one session's registered event sink.
type subscription struct {
	sessionID string
	stream    string
	events    chan record.StreamEvent
	release   sync.Once
}

// Conn is the process-wide push channel shared by all tool instances. It
// dials the agent, keeps a subscription registry keyed by session id, and
// reconnects with backoff until closed. Controllers observe a disconnect as
// their event channel closing.
type Conn struct {
	url     string
	logger  *logging.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	ws        *websocket.Conn
	subs      map[string]*subscription
	connected bool
	closed    bool
	done      chan struct{}
}

// NewConn creates a push connection for the agent URL. Call Connect to
// establish it; metrics may be nil.
func NewConn(url string, logger *logging.Logger, m *metrics.Registry) *Conn {
	if logger == nil {
		logger = logging.Default()
	}
	return &Conn{
		url:     url,
		logger:  logger.WithComponent("push"),
		metrics: m,
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
}

// Connect dials the agent and starts the read loop. On read failure the
// loop redials with exponential backoff until Close is called.
func (c *Conn) Connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing push channel %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("push channel connected", "url", c.url)
	go c.readLoop(ws)
	go c.pingLoop(ws)
	return nil
}

// Connected reports whether the push channel is currently usable. The
// controller falls back to the pull path when it is not.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers a session on the tool's event stream and asks the
// agent to start the scan. The returned release func sends the paired
// unsubscribe frame and closes the event channel; it is idempotent.
func (c *Conn) Subscribe(sessionID string, spec session.ScanSpec) (<-chan record.StreamEvent, func(), error) {
	c.mu.Lock()
	if !c.connected || c.ws == nil {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("push channel not connected")
	}
	sub := &subscription{
		sessionID: sessionID,
		stream:    spec.Tool.Stream(),
		events:    make(chan record.StreamEvent, subscriberBuffer),
	}
	c.subs[sessionID] = sub
	ws := c.ws
	c.mu.Unlock()

	if err := c.writeFrame(ws, frame{
		Action:    "subscribe",
		Stream:    sub.stream,
		SessionID: sessionID,
		Spec:      &spec,
	}); err != nil {
		c.removeSub(sessionID)
		return nil, nil, fmt.Errorf("sending subscribe frame: %w", err)
	}

	release := func() {
		sub.release.Do(func() {
			c.mu.Lock()
			ws := c.ws
			stillConnected := c.connected
			delete(c.subs, sessionID)
			// The read loop dispatches under this mutex, so removing the
			// subscription and closing its channel in one critical section
			// guarantees no send can race the close.
			close(sub.events)
			c.mu.Unlock()
			if stillConnected && ws != nil {
				if err := c.writeFrame(ws, frame{
					Action:    "unsubscribe",
					Stream:    sub.stream,
					SessionID: sessionID,
				}); err != nil {
					c.logger.Debug("unsubscribe frame failed", "session_id", sessionID, "error", err)
				}
			}
		})
	}
	return sub.events, release, nil
}

// Close tears the connection down permanently and closes every remaining
// subscription channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.ws = nil
	subs := c.drainSubsLocked()
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.release.Do(func() { close(sub.events) })
	}
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// readLoop pumps envelopes off the socket, normalizes them, and dispatches
// to the owning subscription. Events with no registered session id are
// stale by definition and dropped.
func (c *Conn) readLoop(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}

		var env record.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.discard("malformed")
			c.logger.Debug("dropping undecodable push frame", "error", err)
			continue
		}

		ev, err := record.Normalize(env)
		if err != nil {
			if _, unknown := err.(*record.ErrUnknownEventType); unknown {
				c.discard("unknown")
			} else {
				c.discard("malformed")
			}
			c.logger.Debug("dropping unnormalizable push event", "type", env.Type, "error", err)
			continue
		}

		c.mu.Lock()
		sub, ok := c.subs[env.SessionID]
		if !ok {
			c.mu.Unlock()
			c.discard("stale")
			continue
		}
		select {
		case sub.events <- ev:
			c.mu.Unlock()
		default:
			c.mu.Unlock()
			// Slow consumer; the final batch is authoritative anyway.
			c.discard("backpressure")
			c.logger.Warn("subscriber buffer full, dropping event",
				"session_id", env.SessionID, "type", env.Type)
		}
	}
}

// pingLoop keeps the connection alive per the agent's pong deadline.
func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDisconnect closes live subscriptions (controllers fall back to
// pull) and redials with backoff until Close.
func (c *Conn) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.ws = nil
	subs := c.drainSubsLocked()
	c.mu.Unlock()

	_ = ws.Close()
	c.logger.ErrorTransport("push channel disconnected", cause)
	for _, sub := range subs {
		sub.release.Do(func() { close(sub.events) })
	}

	go c.reconnect()
}

func (c *Conn) reconnect() {
	backoff := reconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		if c.metrics != nil {
			c.metrics.PushReconnect()
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Debug("push reconnect failed", "error", err, "backoff", backoff.String())
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Conn) writeFrame(ws *websocket.Conn, f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(f)
}

func (c *Conn) removeSub(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
}

func (c *Conn) drainSubsLocked() []*subscription {
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	return subs
}

func (c *Conn) discard(reason string) {
	if c.metrics != nil {
		c.metrics.EventDiscarded(reason)
	}
}
