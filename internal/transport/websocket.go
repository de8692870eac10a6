package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

const (
	hubQueueSize    = 256
	subscriberQueue = 64
	writeTimeout    = 10 * time.Second
)

// subscriber is anything the hub can push encoded notifications to.
type subscriber interface {
	queue() chan []byte
	follows(conversationID string) bool
	hangUp()
}

// WebSocketHub pushes notifications to connected websocket clients. A client
// that connects with ?conversation=<id> only receives that conversation's
// notifications; without it, it receives all of them.
type WebSocketHub struct {
	origins []string
	logger  *zap.Logger

	outgoing chan Notification
	joins    chan subscriber
	leaves   chan subscriber

	mu   sync.RWMutex
	subs map[subscriber]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocketHub creates a hub. origins restricts the Origin header of
// upgrade requests; empty allows same-host requests only.
func NewWebSocketHub(origins []string, logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		origins:  origins,
		logger:   logger,
		outgoing: make(chan Notification, hubQueueSize),
		joins:    make(chan subscriber),
		leaves:   make(chan subscriber),
		subs:     make(map[subscriber]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run owns subscription changes and delivery until Stop is called.
func (h *WebSocketHub) Run() {
	for {
		select {
		case s := <-h.joins:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", zap.Int("clients", n))
		case s := <-h.leaves:
			h.mu.Lock()
			h.drop(s)
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.Int("clients", n))
		case note := <-h.outgoing:
			h.deliver(note)
		case <-h.ctx.Done():
			return
		}
	}
}

// deliver encodes note once and queues it for every interested subscriber.
// A subscriber whose queue is full is disconnected.
func (h *WebSocketHub) deliver(note Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		h.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.follows(note.ConversationID) {
			continue
		}
		select {
		case s.queue() <- data:
		default:
			h.logger.Warn("dropping slow websocket client")
			h.drop(s)
		}
	}
}

// drop forgets s and closes its queue. Callers hold mu.
func (h *WebSocketHub) drop(s subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.queue())
}

// Stop ends Run and disconnects every client.
func (h *WebSocketHub) Stop() {
	h.cancel()
	h.mu.Lock()
	gone := make([]subscriber, 0, len(h.subs))
	for s := range h.subs {
		h.drop(s)
		gone = append(gone, s)
	}
	h.mu.Unlock()
	for _, s := range gone {
		s.hangUp()
	}
}

// Notify queues note for delivery. When the queue is full the notification
// is dropped and logged; it never blocks the caller.
func (h *WebSocketHub) Notify(_ context.Context, note Notification) error {
	select {
	case h.outgoing <- note:
	default:
		h.logger.Warn("websocket queue full, dropping notification",
			zap.String("conversation_id", note.ConversationID),
			zap.String("kind", string(note.Kind)))
	}
	return nil
}

// ClientCount reports the connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Register subscribes s. It returns without effect once the hub is stopped.
func (h *WebSocketHub) Register(s subscriber) {
	select {
	case h.joins <- s:
	case <-h.ctx.Done():
	}
}

// Unregister unsubscribes s.
func (h *WebSocketHub) Unregister(s subscriber) {
	select {
	case h.leaves <- s:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins}) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		conn:         conn,
		out:          make(chan []byte, subscriberQueue),
		conversation: r.URL.Query().Get("conversation"),
	}
	h.Register(c)
	go c.pushLoop(h)
	go c.readLoop(h)
}

// wsClient is one websocket connection.
type wsClient struct {
	conn         *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	out          chan []byte
	conversation string
	closeOnce    sync.Once
}

func (c *wsClient) queue() chan []byte { return c.out }

func (c *wsClient) follows(conversationID string) bool {
	return c.conversation == "" || c.conversation == conversationID
}

func (c *wsClient) hangUp() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	})
}

// pushLoop writes queued notifications until the queue is closed or a write
// fails.
func (c *wsClient) pushLoop(h *WebSocketHub) {
	defer func() {
		h.Unregister(c)
		c.hangUp()
	}()
	for msg := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			return
		}
	}
}

// readLoop discards client frames; its only job is noticing the disconnect.
func (c *wsClient) readLoop(h *WebSocketHub) {
	defer func() {
		h.Unregister(c)
		c.hangUp()
	}()
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// ChannelSubscriber receives notifications on a plain channel, for in-process
// consumers and tests. An empty Conversation follows every conversation.
type ChannelSubscriber struct {
	C            chan []byte
	Conversation string
}

func (s *ChannelSubscriber) queue() chan []byte { return s.C }

func (s *ChannelSubscriber) follows(conversationID string) bool {
	return s.Conversation == "" || s.Conversation == conversationID
}

func (s *ChannelSubscriber) hangUp() {}
