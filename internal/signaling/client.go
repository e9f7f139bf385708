package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/metrics"
)

var (
	ErrClientClosed = errors.New("signaling: client closed")
	ErrNotJoined    = errors.New("signaling: room not joined")
	// ErrNotConnected is returned while the transport is down. Messages are
	// never queued across an outage; callers decide whether to retry.
	ErrNotConnected = errors.New("signaling: not connected")
)

const (
	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 8 * time.Second
	defaultSendTimeout  = 10 * time.Second
)

type ClientConfig struct {
	// URL is the relay base, e.g. "ws://127.0.0.1:8443".
	URL        string
	Credential string
	LocalID    identity.UserID

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Dialer  *websocket.Dialer

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client maintains one relay connection per joined room and fans inbound
// messages out to subscribers. Self-echoes and messages for other rooms are
// dropped before delivery.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	rooms   map[identity.RoomID]*clientRoom
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

type subscriber struct {
	ch   chan Message
	stop chan struct{}
	once sync.Once
}

type clientRoom struct {
	id identity.RoomID

	wmu       sync.Mutex
	ws        *websocket.Conn
	connected bool

	left     chan struct{}
	leftOnce sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Client{
		cfg:   cfg,
		rooms: make(map[identity.RoomID]*clientRoom),
		subs:  make(map[int]*subscriber),
	}
}

// Join connects to the room's relay channel. Joining an already-joined room
// is a no-op. The initial dial is synchronous so callers see a bad URL or
// rejected credential immediately; later drops reconnect in the background.
func (c *Client) Join(ctx context.Context, roomID identity.RoomID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	rm := &clientRoom{
		id:   roomID,
		left: make(chan struct{}),
	}
	c.rooms[roomID] = rm
	c.mu.Unlock()

	ws, err := c.dial(ctx, roomID)
	if err != nil {
		c.mu.Lock()
		if c.rooms[roomID] == rm {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		rm.markLeft()
		return err
	}
	rm.setConn(ws)

	go c.manage(rm)
	return nil
}

// Send writes one message to the room's relay connection. It fails fast
// with ErrNotConnected during a reconnect window.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	rm, ok := c.rooms[msg.RoomID]
	c.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}

	rm.wmu.Lock()
	defer rm.wmu.Unlock()
	if !rm.connected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultSendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = rm.ws.SetWriteDeadline(deadline)
	if err := rm.ws.WriteJSON(msg); err != nil {
		return err
	}
	return nil
}

// Subscribe registers a receiver for all inbound messages across joined
// rooms. The cancel func releases the subscription; calling it more than
// once is safe. Delivery blocks on a live subscriber, so consumers must
// drain the channel until they cancel.
func (c *Client) Subscribe() (<-chan Message, func()) {
	sub := &subscriber{
		ch:   make(chan Message, 16),
		stop: make(chan struct{}),
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() { close(sub.stop) })
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	return sub.ch, cancel
}

// Leave disconnects from a room and stops its reconnect loop.
func (c *Client) Leave(roomID identity.RoomID) {
	c.mu.Lock()
	rm := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if rm != nil {
		rm.markLeft()
		rm.closeConn()
	}
}

// Close leaves every room and stops all subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := make([]*clientRoom, 0, len(c.rooms))
	for _, rm := range c.rooms {
		rooms = append(rooms, rm)
	}
	c.rooms = make(map[identity.RoomID]*clientRoom)
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[int]*subscriber)
	c.mu.Unlock()

	for _, rm := range rooms {
		rm.markLeft()
		rm.closeConn()
	}
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.stop) })
	}
}

func (c *Client) dial(ctx context.Context, roomID identity.RoomID) (*websocket.Conn, error) {
	u := c.cfg.URL + "/ws/rooms/" + url.PathEscape(string(roomID)) +
		"?credential=" + url.QueryEscape(c.cfg.Credential)
	ws, _, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	return ws, err
}

// manage owns the room's read loop and reconnects with capped exponential
// backoff until the room is left or the client closes.
func (c *Client) manage(rm *clientRoom) {
	delay := c.cfg.ReconnectMin
	for {
		c.readLoop(rm)
		rm.closeConn()

		select {
		case <-rm.left:
			return
		default:
		}
		c.cfg.Logger.Info("signaling connection lost, reconnecting", "room", rm.id, "delay", delay)

		select {
		case <-rm.left:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}

		ws, err := c.dial(context.Background(), rm.id)
		if err != nil {
			continue
		}
		delay = c.cfg.ReconnectMin
		rm.setConn(ws)
	}
}

func (c *Client) readLoop(rm *clientRoom) {
	rm.wmu.Lock()
	ws := rm.ws
	rm.wmu.Unlock()
	if ws == nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.cfg.Logger.Warn("dropping malformed relay message", "room", rm.id, "error", err)
			continue
		}
		if msg.RoomID != rm.id {
			c.count(metrics.SignalWrongRoom)
			continue
		}
		if msg.SenderID == c.cfg.LocalID {
			c.count(metrics.SignalSelfEcho)
			continue
		}
		c.deliver(msg)
	}
}

func (c *Client) deliver(msg Message) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.stop:
		}
	}
}

func (c *Client) count(event string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Inc(event)
	}
}

func (rm *clientRoom) setConn(ws *websocket.Conn) {
	rm.wmu.Lock()
	rm.ws = ws
	rm.connected = true
	rm.wmu.Unlock()
}

func (rm *clientRoom) closeConn() {
	rm.wmu.Lock()
	if rm.ws != nil {
		_ = rm.ws.Close()
	}
	rm.connected = false
	rm.wmu.Unlock()
}

func (rm *clientRoom) markLeft() {
	rm.leftOnce.Do(func() { close(rm.left) })
}
