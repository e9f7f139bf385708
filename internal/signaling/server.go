package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heartbeam/calling/internal/auth"
	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/metrics"
	"github.com/heartbeam/calling/internal/origin"
	"github.com/heartbeam/calling/internal/ratelimit"
)

// maxRoomMembers is fixed: calls are strictly two-party.
const maxRoomMembers = 2

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 32
)

type ServerConfig struct {
	Verifier auth.Verifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// AllowedOrigins is the explicit allow list. Empty means same-host only.
	AllowedOrigins []string

	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int

	// Clock drives the per-connection rate limiter. Nil means wall clock.
	Clock ratelimit.Clock
}

// Server is the WebSocket room relay. One room per canonical room ID, at
// most two distinct authenticated senders per room.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[identity.RoomID]*room
}

type room struct {
	members map[identity.UserID]*member
}

type member struct {
	userID identity.UserID
	roomID identity.RoomID
	ws     *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("signaling server requires a verifier")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PingInterval >= cfg.IdleTimeout {
		return nil, fmt.Errorf("ping interval %v must be below idle timeout %v", cfg.PingInterval, cfg.IdleTimeout)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	s := &Server{
		cfg:   cfg,
		rooms: make(map[identity.RoomID]*room),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the relay's HTTP handler. Mount it at GET /ws/rooms/{roomId}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/rooms/{roomId}", s.handleRoom)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		// Non-browser clients carry no Origin.
		return true
	}
	normalized, host, ok := origin.Normalize(header)
	if !ok {
		s.count(metrics.OriginRejected)
		return false
	}
	if !origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
		s.count(metrics.OriginRejected)
		return false
	}
	return true
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := identity.RoomID(r.PathValue("roomId"))
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	ident, err := s.authenticate(r, ws)
	if err != nil {
		s.count(metrics.AuthFailure)
		s.cfg.Logger.Warn("signaling auth failed", "room", roomID, "remote", ws.RemoteAddr().String())
		closeWithPolicy(ws, "unauthorized")
		return
	}

	m := &member{
		userID: ident.UserID,
		roomID: roomID,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}

	if !s.join(m) {
		s.count(metrics.RoomFull)
		closeWithPolicy(ws, "room full")
		return
	}

	s.cfg.Logger.Info("peer joined room", "room", roomID, "user", ident.UserID)

	go s.writePump(m)
	s.readPump(m)
}

// authMessage is the first-frame handshake alternative to the query
// credential. It is consumed here and never relayed.
type authMessage struct {
	Type       string `json:"type"`
	Credential string `json:"credential"`
}

func (s *Server) authenticate(r *http.Request, ws *websocket.Conn) (auth.Identity, error) {
	credential := r.URL.Query().Get("credential")
	if credential == "" {
		if err := ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout)); err != nil {
			return auth.Identity{}, err
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return auth.Identity{}, fmt.Errorf("read auth message: %w", err)
		}
		var am authMessage
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&am); err != nil {
			return auth.Identity{}, fmt.Errorf("decode auth message: %w", err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return auth.Identity{}, fmt.Errorf("trailing data after auth message")
		}
		if am.Type != "auth" || am.Credential == "" {
			return auth.Identity{}, fmt.Errorf("first message is not auth")
		}
		credential = am.Credential
	}
	return s.cfg.Verifier.Verify(r.Context(), credential)
}

// join adds m to its room, replacing any previous connection from the same
// user. It reports false when the room already holds two other users.
func (s *Server) join(m *member) bool {
	s.mu.Lock()

	rm := s.rooms[m.roomID]
	if rm == nil {
		rm = &room{members: make(map[identity.UserID]*member)}
		s.rooms[m.roomID] = rm
	}

	var replaced *member
	if prev, ok := rm.members[m.userID]; ok {
		replaced = prev
	} else if len(rm.members) >= maxRoomMembers {
		s.mu.Unlock()
		return false
	}
	rm.members[m.userID] = m

	joined := Message{RoomID: m.roomID, SenderID: m.userID, Type: TypeRoomJoined}
	s.broadcastLocked(rm, joined)

	// Re-announced on reconnects too. Clients treat duplicates as no-ops,
	// so a replaced connection still learns the room is full.
	if len(rm.members) == maxRoomMembers {
		s.broadcastLocked(rm, Message{RoomID: m.roomID, Type: TypeRoomReady})
	}
	s.mu.Unlock()

	if replaced != nil {
		replaced.close()
	}
	return true
}

func (s *Server) leave(m *member) {
	s.mu.Lock()
	rm := s.rooms[m.roomID]
	if rm != nil && rm.members[m.userID] == m {
		delete(rm.members, m.userID)
		if len(rm.members) == 0 {
			delete(s.rooms, m.roomID)
		}
	}
	s.mu.Unlock()
	m.close()
}

// broadcastLocked fans a message out to every room member, the sender
// included. Clients filter their own echoes.
func (s *Server) broadcastLocked(rm *room, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.cfg.Logger.Error("marshal relay message", "error", err)
		return
	}
	for _, m := range rm.members {
		select {
		case m.send <- data:
		default:
			// Slow consumer. Dropping the connection beats unbounded
			// buffering; the client reconnects and rejoins.
			go m.close()
		}
	}
}

func (s *Server) readPump(m *member) {
	defer s.leave(m)

	bucket := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond))

	resetDeadline := func() {
		_ = m.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	resetDeadline()
	m.ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, data, err := m.ws.ReadMessage()
		if err != nil {
			return
		}
		resetDeadline()

		if !bucket.Allow(1) {
			s.count(metrics.SignalRateLimited)
			s.cfg.Logger.Warn("signaling rate limit exceeded", "room", m.roomID, "user", m.userID)
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			s.count(metrics.SignalBadMessage)
			s.cfg.Logger.Warn("bad signaling message", "room", m.roomID, "user", m.userID, "error", err)
			return
		}
		if msg.SenderID != m.userID {
			s.count(metrics.SignalBadMessage)
			s.cfg.Logger.Warn("signaling sender spoof", "room", m.roomID, "user", m.userID, "claimed", msg.SenderID)
			return
		}
		if msg.RoomID != m.roomID {
			s.count(metrics.SignalWrongRoom)
			s.cfg.Logger.Warn("signaling wrong room", "room", m.roomID, "user", m.userID, "claimed", msg.RoomID)
			return
		}
		switch msg.Type {
		case TypeRoomJoined, TypeRoomReady:
			// Server-originated types are not accepted from clients.
			s.count(metrics.SignalBadMessage)
			return
		}

		s.mu.Lock()
		if rm := s.rooms[m.roomID]; rm != nil {
			s.broadcastLocked(rm, msg)
		}
		s.mu.Unlock()
	}
}

func (s *Server) writePump(m *member) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer m.close()

	for {
		select {
		case data := <-m.send:
			_ = m.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := m.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := m.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

// RoomCount reports the number of active rooms, for readiness and tests.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) count(event string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Inc(event)
	}
}

func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
		_ = m.ws.Close()
	})
}

func closeWithPolicy(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}
