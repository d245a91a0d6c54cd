package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"pkt.systems/cobrowse/internal/logx"
	"pkt.systems/cobrowse/internal/metrics"
	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

const (
	defaultQueueDepth   = 256
	defaultWriteTimeout = 10 * time.Second
)

// HubConfig tunes per-client delivery.
type HubConfig struct {
	// QueueDepth bounds undelivered state events per client. A client that
	// falls further behind is detached.
	QueueDepth   int
	WriteTimeout time.Duration
	Logger       pslog.Logger
}

// Hub fans session events out to attached websocket clients. Each client has
// its own queue and writer, so a slow client only delays itself.
type Hub struct {
	mu           sync.RWMutex
	clients      map[schema.ClientID]*client
	queueDepth   int
	writeTimeout time.Duration
	logger       pslog.Logger
}

// NewHub constructs a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		clients:      make(map[schema.ClientID]*client),
		queueDepth:   cfg.QueueDepth,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

// Broadcast implements core.EventSink. It never blocks. The event is encoded
// once and the bytes are shared by every client queue.
func (h *Hub) Broadcast(event schema.Event) {
	msg, ok := h.encode(event)
	if !ok {
		return
	}
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range clients {
		replaced, ok := c.enqueue(msg)
		if !ok {
			go h.detach(c, detachOverflow)
			continue
		}
		if replaced {
			dropped++
		}
	}
	metrics.FramesDropped(dropped)
	if dropped > 0 {
		h.logger.Trace("hub frames coalesced", "clients", dropped)
	}
}

// Send implements core.EventSink. Unknown ids are ignored.
func (h *Hub) Send(clientID schema.ClientID, event schema.Event) {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		h.logger.Debug("hub send to unknown client", "client", clientID, "type", event.Type)
		return
	}
	msg, ok := h.encode(event)
	if !ok {
		return
	}
	replaced, ok := c.enqueue(msg)
	if !ok {
		go h.detach(c, detachOverflow)
		return
	}
	if replaced {
		metrics.FramesDropped(1)
	}
}

func (h *Hub) encode(event schema.Event) (outbound, bool) {
	data, err := event.Encode()
	if err != nil {
		h.logger.Warn("hub encode failed", "type", event.Type, "err", err)
		return outbound{}, false
	}
	return outbound{typ: event.Type, perishable: event.Perishable(), data: data}, true
}

// Count returns the number of attached clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register attaches conn under a fresh id.
func (h *Hub) register(conn wsConn) *client {
	c := &client{
		id:       schema.ClientID(uuid.NewString()),
		conn:     conn,
		maxState: h.queueDepth,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	metrics.ClientAttached()
	logx.WithClient(context.Background(), c.id).Info("hub client attached", "clients", count)
	return c
}

type detachReason int

const (
	// detachClosed is a normal disconnect; the caller closes the socket.
	detachClosed detachReason = iota
	// detachOverflow drops a client whose state backlog hit the queue depth.
	detachOverflow
	// detachWriteFailed drops a client whose socket write failed.
	detachWriteFailed
)

func (r detachReason) String() string {
	switch r {
	case detachOverflow:
		return "queue overflow"
	case detachWriteFailed:
		return "write failed"
	default:
		return "closed"
	}
}

// closeStatus is the websocket status sent for a forced detach.
func (r detachReason) closeStatus() (websocket.StatusCode, string) {
	switch r {
	case detachOverflow:
		return websocket.StatusPolicyViolation, "client too slow"
	case detachWriteFailed:
		return websocket.StatusInternalError, "write failed"
	default:
		return websocket.StatusNormalClosure, "bye"
	}
}

// detach removes c. Forced detaches also close the socket with a status
// matching reason.
func (h *Hub) detach(c *client, reason detachReason) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !ok || current != c {
		return
	}
	c.shutdown()
	failed := reason != detachClosed
	metrics.ClientDetached(failed)
	log := h.logger.With("client", c.id)
	if failed {
		log.Warn("hub client detached", "clients", count, "reason", reason.String())
		c.close(reason.closeStatus())
		return
	}
	log.Info("hub client detached", "clients", count)
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// outbound is an encoded event waiting in a client queue.
type outbound struct {
	typ        schema.EventType
	perishable bool
	data       []byte
}

// client holds one connection's pending output: an ordered queue of state
// events plus at most one frame. A newer frame replaces an undelivered one.
type client struct {
	id       schema.ClientID
	conn     wsConn
	maxState int

	mu     sync.Mutex
	state  []outbound
	frame  *outbound
	closed bool

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// enqueue adds event to the client's queue. replaced reports a coalesced
// frame; ok is false when the state queue overflowed.
func (c *client) enqueue(msg outbound) (replaced, ok bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, true
	}
	if msg.perishable {
		replaced = c.frame != nil
		c.frame = &msg
	} else {
		if len(c.state) >= c.maxState {
			c.mu.Unlock()
			return false, false
		}
		c.state = append(c.state, msg)
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return replaced, true
}

// next pops the next event. State events go before the pending frame.
func (c *client) next() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.state) > 0 {
		msg := c.state[0]
		c.state[0] = outbound{}
		c.state = c.state[1:]
		return msg, true
	}
	if c.frame != nil {
		msg := *c.frame
		c.frame = nil
		return msg, true
	}
	return outbound{}, false
}

func (c *client) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.state)
	if c.frame != nil {
		n++
	}
	return n
}

func (c *client) shutdown() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = nil
		c.frame = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) writeLoop(ctx context.Context, timeout time.Duration) error {
	for {
		for {
			msg, ok := c.next()
			if !ok {
				break
			}
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg.data)
			cancel()
			if err != nil {
				return fmt.Errorf("write %s: %w", msg.typ, err)
			}
		}
		select {
		case <-c.wake:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
