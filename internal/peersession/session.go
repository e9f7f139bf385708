// Package peersession drives one WebRTC peer connection through a single
// negotiation round over a signaling room: rendezvous, offer/answer, trickle
// ICE and teardown.
package peersession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/media"
	"github.com/heartbeam/calling/internal/metrics"
	"github.com/heartbeam/calling/internal/signaling"
)

// Signaler is the slice of the signaling client a session needs. Tests
// substitute in-memory implementations.
type Signaler interface {
	Send(ctx context.Context, msg signaling.Message) error
	Subscribe() (<-chan signaling.Message, func())
}

const sendTimeout = 10 * time.Second

// End reasons reported through OnEnded.
const (
	ReasonClosed             = "closed"
	ReasonConnectionFailed   = "connection failed"
	ReasonNegotiationFailure = "negotiation failure"
	ReasonProtocolViolation  = "protocol violation"
)

type Config struct {
	RoomID  identity.RoomID
	LocalID identity.UserID
	// Role is fixed for the lifetime of the call attempt. Only the
	// initiator ever creates an offer, which is what rules out glare.
	Role identity.Role
	// Video requests camera capture in addition to audio.
	Video bool

	// ICEServers is handed to the peer connection as-is. Empty means
	// host candidates only, which is fine for tests and LAN calls.
	ICEServers []webrtc.ICEServer

	Signaler Signaler
	Media    media.Provider

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnTrack fires for each inbound remote track.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnConnectionState fires on every peer connection state change.
	OnConnectionState func(state webrtc.PeerConnectionState)
	// OnEnded fires exactly once when the session tears down, with one of
	// the Reason constants.
	OnEnded func(reason string)
}

// Session owns one peer connection and the local media source backing it.
//
// Inbound remote candidates that arrive before the remote description are
// buffered in arrival order and flushed exactly once when the description
// applies; the buffer is never refilled. All signaling is handled on a
// single loop goroutine, so no handler races another.
type Session struct {
	cfg    Config
	logger *slog.Logger

	pc     *webrtc.PeerConnection
	source media.Source

	msgs      <-chan signaling.Message
	cancelSub func()

	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
	remoteApplied     bool
	offerSent         bool
	audioSender       *webrtc.RTPSender
	videoSender       *webrtc.RTPSender
	audioTrack        webrtc.TrackLocal
	videoTrack        webrtc.TrackLocal
	connState         webrtc.PeerConnectionState
	endReason         string

	closeOnce sync.Once
	done      chan struct{}
}

// New acquires local media, builds the peer connection and starts the
// signaling loop. Media acquisition failure aborts the whole session for
// audio and video calls alike; there is no silent downgrade to a lesser
// call, the caller surfaces the error and gives up.
//
// The initiator sends its offer only after the room signals readiness, so
// a session created before the peer arrives simply waits.
func New(cfg Config) (*Session, error) {
	if cfg.Signaler == nil || cfg.Media == nil {
		return nil, fmt.Errorf("peersession: signaler and media provider are required")
	}
	if cfg.Role != identity.RoleInitiator && cfg.Role != identity.RoleResponder {
		return nil, fmt.Errorf("peersession: invalid role %q", cfg.Role)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("room", cfg.RoomID, "role", cfg.Role)

	source, err := cfg.Media.NewSource(cfg.Video)
	if err != nil {
		if cfg.Metrics != nil {
			cfg.Metrics.Inc(metrics.CallMediaFailure)
		}
		return nil, fmt.Errorf("acquire local media: %w", err)
	}

	api, err := newAPI(cfg.Media, logger)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		pc:        pc,
		source:    source,
		connState: webrtc.PeerConnectionStateNew,
		done:      make(chan struct{}),
	}

	// Tracks attach before any description exists so the first offer or
	// answer already carries every m-line.
	for _, track := range source.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			_ = source.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.audioSender, s.audioTrack = sender, track
		case webrtc.RTPCodecTypeVideo:
			s.videoSender, s.videoTrack = sender, track
		}
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Info("remote track", "kind", track.Kind(), "id", track.ID())
		if cfg.OnTrack != nil {
			cfg.OnTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(s.onConnectionStateChange)

	s.msgs, s.cancelSub = cfg.Signaler.Subscribe()
	go s.run()
	return s, nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.msgs:
			if !ok {
				s.end(ReasonClosed)
				return
			}
			s.handle(msg)
		}
	}
}

func (s *Session) handle(msg signaling.Message) {
	if msg.RoomID != s.cfg.RoomID {
		return
	}
	switch msg.Type {
	case signaling.TypeRoomJoined:
		s.logger.Debug("peer joined", "peer", msg.SenderID)
	case signaling.TypeRoomReady:
		s.handleRoomReady()
	case signaling.TypeOffer:
		s.handleOffer(msg)
	case signaling.TypeAnswer:
		s.handleAnswer(msg)
	case signaling.TypeCandidate:
		s.handleCandidate(msg)
	case signaling.TypeStatus:
		// Lifecycle traffic is the call controller's concern.
	}
}

// handleRoomReady starts the offer exactly once, and only for the
// initiator. Duplicate readiness events (reconnects) are no-ops.
func (s *Session) handleRoomReady() {
	if s.cfg.Role != identity.RoleInitiator {
		return
	}
	s.mu.Lock()
	if s.offerSent {
		s.mu.Unlock()
		return
	}
	s.offerSent = true
	s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.negotiationFailed("create offer", err)
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.negotiationFailed("set local offer", err)
		return
	}
	s.send(signaling.Message{
		RoomID:   s.cfg.RoomID,
		SenderID: s.cfg.LocalID,
		Type:     signaling.TypeOffer,
		Offer:    signaling.SDPFromPion(offer),
	})
}

func (s *Session) handleOffer(msg signaling.Message) {
	if s.cfg.Role != identity.RoleResponder {
		s.protocolViolation("offer received by initiator")
		return
	}
	s.mu.Lock()
	applied := s.remoteApplied
	s.mu.Unlock()
	if applied {
		// Single negotiation round only.
		s.protocolViolation("second offer")
		return
	}

	if err := s.pc.SetRemoteDescription(msg.Offer.ToPion()); err != nil {
		s.negotiationFailed("set remote offer", err)
		return
	}
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.negotiationFailed("create answer", err)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.negotiationFailed("set local answer", err)
		return
	}
	s.send(signaling.Message{
		RoomID:   s.cfg.RoomID,
		SenderID: s.cfg.LocalID,
		Type:     signaling.TypeAnswer,
		Answer:   signaling.SDPFromPion(answer),
	})
}

func (s *Session) handleAnswer(msg signaling.Message) {
	if s.cfg.Role != identity.RoleInitiator {
		s.protocolViolation("answer received by responder")
		return
	}
	s.mu.Lock()
	offerSent, applied := s.offerSent, s.remoteApplied
	s.mu.Unlock()
	if !offerSent {
		s.protocolViolation("answer before offer")
		return
	}
	if applied {
		s.protocolViolation("second answer")
		return
	}

	if err := s.pc.SetRemoteDescription(msg.Answer.ToPion()); err != nil {
		s.negotiationFailed("set remote answer", err)
		return
	}
	s.flushPendingCandidates()
}

// handleCandidate applies a remote candidate, or buffers it when no remote
// description has been applied yet. A candidate that fails to apply is
// logged and skipped; losing one candidate rarely loses the call.
func (s *Session) handleCandidate(msg signaling.Message) {
	init := msg.Candidate.ToPion()

	s.mu.Lock()
	if !s.remoteApplied {
		s.pendingCandidates = append(s.pendingCandidates, init)
		s.mu.Unlock()
		s.count(metrics.CandidateBuffered)
		return
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		s.count(metrics.CandidateDiscarded)
		s.logger.Warn("dropping unusable remote candidate", "error", err)
	}
}

// flushPendingCandidates applies the buffer in arrival order, exactly once.
// After the flush, remoteApplied routes new candidates straight to the
// peer connection, so the buffer can never refill.
func (s *Session) flushPendingCandidates() {
	s.mu.Lock()
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.remoteApplied = true
	s.mu.Unlock()

	for _, init := range pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.count(metrics.CandidateDiscarded)
			s.logger.Warn("dropping buffered remote candidate", "error", err)
		}
	}
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	wire := signaling.CandidateFromPion(c)
	if wire == nil {
		// End-of-candidates marker.
		return
	}
	s.send(signaling.Message{
		RoomID:    s.cfg.RoomID,
		SenderID:  s.cfg.LocalID,
		Type:      signaling.TypeCandidate,
		Candidate: wire,
	})
}

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
	s.logger.Info("connection state", "state", state)

	if s.cfg.OnConnectionState != nil {
		s.cfg.OnConnectionState(state)
	}
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// Not inline: this callback also fires from inside pc.Close during
		// teardown, and end must never re-enter itself on one goroutine.
		go s.end(ReasonConnectionFailed)
	}
}

func (s *Session) send(msg signaling.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.cfg.Signaler.Send(ctx, msg); err != nil {
		s.logger.Warn("signaling send failed", "type", msg.Type, "error", err)
	}
}

// SetAudioEnabled pauses or resumes the outbound audio track by swapping
// the sender's track. The capture source keeps running so unmute is
// instant.
func (s *Session) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	sender, track := s.audioSender, s.audioTrack
	s.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no audio sender")
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// SetVideoEnabled pauses or resumes the outbound video track.
func (s *Session) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	sender, track := s.videoSender, s.videoTrack
	s.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no video sender")
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// ConnectionState reports the last observed peer connection state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// EndReason is empty until the session has ended.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Done is closed when the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// PendingCandidateCount reports the size of the remote candidate buffer.
func (s *Session) PendingCandidateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates)
}

func (s *Session) negotiationFailed(step string, err error) {
	s.count(metrics.NegotiationFailure)
	s.logger.Error("negotiation failed", "step", step, "error", err)
	s.end(ReasonNegotiationFailure)
}

func (s *Session) protocolViolation(detail string) {
	s.count(metrics.NegotiationFailure)
	s.logger.Error("signaling protocol violation", "detail", detail)
	s.end(ReasonProtocolViolation)
}

// Close tears the session down with ReasonClosed. Safe to call from any
// goroutine, any number of times.
func (s *Session) Close() {
	s.end(ReasonClosed)
}

// end releases the subscription, the peer connection and the media source.
// Runs at most once; every later call is a no-op regardless of reason.
func (s *Session) end(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		s.mu.Unlock()

		close(s.done)
		s.cancelSub()
		if err := s.pc.Close(); err != nil {
			s.logger.Warn("close peer connection", "error", err)
		}
		if err := s.source.Close(); err != nil {
			s.logger.Warn("close media source", "error", err)
		}
		s.logger.Info("session ended", "reason", reason)

		if s.cfg.OnEnded != nil {
			s.cfg.OnEnded(reason)
		}
	})
}

func (s *Session) count(event string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Inc(event)
	}
}
