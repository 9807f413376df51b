package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pdv_terminal/internal/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultReconnectDelay = 3 * time.Second

var ErrClosed = errors.New("notification channel closed")

// Message is one inbound push from the server.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type (
	Predicate func(Message) bool
	Handler   func(Message)
)

// OfType matches messages with the given type.
func OfType(msgType string) Predicate {
	return func(m Message) bool { return m.Type == msgType }
}

// Client keeps one logical connection to the notification server and
// fans inbound messages out to subscribers. It is shared by every open
// authorization; Connect and Close are reference counted and the socket
// lives while at least one holder remains.
//
// Delivery is at-most-once: messages broadcast while disconnected are
// lost and nothing is replayed after a reconnect.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu       sync.Mutex
	refs     int
	cancel   context.CancelFunc
	done     chan struct{}
	subs     []*Subscription
	nextID   uint64
	watchers []func(bool)

	connected atomic.Bool
}

func NewClient(cfg config.Config, logger *zap.Logger) *Client {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &Client{
		url:            cfg.ChannelURL,
		dialer:         &websocket.Dialer{HandshakeTimeout: cfg.Timeout, Proxy: http.ProxyFromEnvironment},
		reconnectDelay: delay,
		logger:         logger.Named("channel"),
	}
}

// Connect takes a reference on the connection, starting the dial loop
// for the first holder. It does not wait for the socket to come up.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs++
	if c.refs > 1 {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Close releases one reference. The last holder tears the connection
// down and waits for the read loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		return ErrClosed
	}
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return nil
	}

	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// OnStateChange registers fn to be called with the new state every time
// the socket connects or drops.
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Subscribe registers handler for every message accepted by predicate. A
// nil predicate accepts everything. Handlers run on the read loop in
// arrival order and must not block.
func (c *Client) Subscribe(predicate Predicate, handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := &Subscription{id: c.nextID, client: c, predicate: predicate, handler: handler}
	c.subs = append(c.subs, sub)
	return sub
}

type Subscription struct {
	id        uint64
	client    *Client
	predicate Predicate
	handler   Handler
	once      sync.Once
	removed   atomic.Bool
}

// Unsubscribe stops delivery to the handler. It is safe to call more
// than once and from inside the handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.removed.Store(true)
		s.client.mu.Lock()
		defer s.client.mu.Unlock()
		subs := s.client.subs
		for i, sub := range subs {
			if sub.id == s.id {
				s.client.subs = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	})
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel connect failed, retrying",
				zap.String("url", c.url),
				zap.Duration("delay", c.reconnectDelay),
				zap.Error(err),
			)
		} else {
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Info("channel disconnected, reconnecting",
				zap.Duration("delay", c.reconnectDelay),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	// Unblocks ReadMessage when the last holder closes the client.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		c.setConnected(false)
	}()

	c.setConnected(true)
	c.logger.Info("channel connected", zap.String("url", c.url))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("channel read failed", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("channel message is not json", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.logger.Debug("channel message", zap.String("type", msg.Type))
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		if sub.predicate != nil && !sub.predicate(msg) {
			continue
		}
		sub.handler(msg)
	}
}

func (c *Client) setConnected(connected bool) {
	c.connected.Store(connected)

	c.mu.Lock()
	watchers := make([]func(bool), len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(connected)
	}
}
