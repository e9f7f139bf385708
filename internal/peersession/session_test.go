package peersession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/media"
	"github.com/heartbeam/calling/internal/metrics"
	"github.com/heartbeam/calling/internal/signaling"
)

// fakeSignaler records outbound messages and lets the test inject inbound
// ones.
type fakeSignaler struct {
	mu     sync.Mutex
	sent   []signaling.Message
	inbox  chan signaling.Message
	cancel int32
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{inbox: make(chan signaling.Message, 64)}
}

func (f *fakeSignaler) Send(_ context.Context, msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Subscribe() (<-chan signaling.Message, func()) {
	return f.inbox, func() { atomic.AddInt32(&f.cancel, 1) }
}

func (f *fakeSignaler) push(msg signaling.Message) { f.inbox <- msg }

func (f *fakeSignaler) sentOfType(mt signaling.MessageType) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, msg := range f.sent {
		if msg.Type == mt {
			out = append(out, msg)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(t *testing.T, role identity.Role, sig *fakeSignaler) *Session {
	t.Helper()
	local := identity.UserID(1)
	if role == identity.RoleResponder {
		local = 2
	}
	s, err := New(Config{
		RoomID:   identity.NewRoomID(1, 2),
		LocalID:  local,
		Role:     role,
		Signaler: sig,
		Media:    media.SyntheticProvider{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// makeRemoteOffer produces a realistic audio offer from a throwaway peer
// connection.
func makeRemoteOffer(t *testing.T) *signaling.SessionDescription {
	t.Helper()
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	return signaling.SDPFromPion(offer)
}

func hostCandidate(room identity.RoomID, sender identity.UserID, port string) signaling.Message {
	idx := uint16(0)
	return signaling.Message{
		RoomID:   room,
		SenderID: sender,
		Type:     signaling.TypeCandidate,
		Candidate: &signaling.Candidate{
			Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 " + port + " typ host",
			SDPMLineIndex: &idx,
		},
	}
}

func TestEarlyCandidatesBufferedThenFlushedOnce(t *testing.T) {
	sig := newFakeSignaler()
	s := newTestSession(t, identity.RoleResponder, sig)
	room := identity.NewRoomID(1, 2)

	// Candidates before the offer land in the buffer.
	sig.push(hostCandidate(room, 1, "50000"))
	sig.push(hostCandidate(room, 1, "50001"))
	waitFor(t, "candidates buffered", func() bool { return s.PendingCandidateCount() == 2 })

	sig.push(signaling.Message{
		RoomID:   room,
		SenderID: 1,
		Type:     signaling.TypeOffer,
		Offer:    makeRemoteOffer(t),
	})

	// The offer drains the buffer and produces an answer.
	waitFor(t, "answer sent", func() bool { return len(sig.sentOfType(signaling.TypeAnswer)) == 1 })
	if got := s.PendingCandidateCount(); got != 0 {
		t.Errorf("PendingCandidateCount after flush = %d, want 0", got)
	}

	// Late candidates bypass the buffer entirely.
	sig.push(hostCandidate(room, 1, "50002"))
	time.Sleep(100 * time.Millisecond)
	if got := s.PendingCandidateCount(); got != 0 {
		t.Errorf("late candidate was buffered, count = %d", got)
	}
}

func TestInitiatorOffersOnlyAfterRoomReady(t *testing.T) {
	sig := newFakeSignaler()
	s := newTestSession(t, identity.RoleInitiator, sig)
	room := identity.NewRoomID(1, 2)

	// A peer joining is not readiness.
	sig.push(signaling.Message{RoomID: room, SenderID: 2, Type: signaling.TypeRoomJoined})
	time.Sleep(100 * time.Millisecond)
	if n := len(sig.sentOfType(signaling.TypeOffer)); n != 0 {
		t.Fatalf("offer sent before room-ready, n = %d", n)
	}

	sig.push(signaling.Message{RoomID: room, Type: signaling.TypeRoomReady})
	waitFor(t, "offer sent", func() bool { return len(sig.sentOfType(signaling.TypeOffer)) == 1 })

	// A duplicate readiness event must not renegotiate.
	sig.push(signaling.Message{RoomID: room, Type: signaling.TypeRoomReady})
	time.Sleep(100 * time.Millisecond)
	if n := len(sig.sentOfType(signaling.TypeOffer)); n != 1 {
		t.Errorf("offers sent = %d, want 1", n)
	}
	_ = s
}

func TestResponderNeverOffers(t *testing.T) {
	sig := newFakeSignaler()
	newTestSession(t, identity.RoleResponder, sig)
	room := identity.NewRoomID(1, 2)

	sig.push(signaling.Message{RoomID: room, Type: signaling.TypeRoomReady})
	time.Sleep(200 * time.Millisecond)
	if n := len(sig.sentOfType(signaling.TypeOffer)); n != 0 {
		t.Errorf("responder sent %d offers", n)
	}
}

func TestInitiatorRejectsInboundOffer(t *testing.T) {
	sig := newFakeSignaler()
	s := newTestSession(t, identity.RoleInitiator, sig)
	room := identity.NewRoomID(1, 2)

	sig.push(signaling.Message{
		RoomID:   room,
		SenderID: 2,
		Type:     signaling.TypeOffer,
		Offer:    makeRemoteOffer(t),
	})

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end on glare offer")
	}
	if got := s.EndReason(); got != ReasonProtocolViolation {
		t.Errorf("EndReason = %q, want %q", got, ReasonProtocolViolation)
	}
}

func TestSecondOfferEndsSession(t *testing.T) {
	sig := newFakeSignaler()
	s := newTestSession(t, identity.RoleResponder, sig)
	room := identity.NewRoomID(1, 2)

	sig.push(signaling.Message{
		RoomID: room, SenderID: 1, Type: signaling.TypeOffer, Offer: makeRemoteOffer(t),
	})
	waitFor(t, "answer sent", func() bool { return len(sig.sentOfType(signaling.TypeAnswer)) == 1 })

	sig.push(signaling.Message{
		RoomID: room, SenderID: 1, Type: signaling.TypeOffer, Offer: makeRemoteOffer(t),
	})
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived a second offer")
	}
	if got := s.EndReason(); got != ReasonProtocolViolation {
		t.Errorf("EndReason = %q, want %q", got, ReasonProtocolViolation)
	}
}

func TestCloseIdempotent(t *testing.T) {
	sig := newFakeSignaler()
	var ended atomic.Int32
	s, err := New(Config{
		RoomID:   identity.NewRoomID(1, 2),
		LocalID:  1,
		Role:     identity.RoleInitiator,
		Signaler: sig,
		Media:    media.SyntheticProvider{},
		OnEnded:  func(string) { ended.Add(1) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Close()
	s.Close()
	s.Close()

	waitFor(t, "OnEnded", func() bool { return ended.Load() == 1 })
	// Give any duplicate invocation a chance to show up.
	time.Sleep(100 * time.Millisecond)
	if got := ended.Load(); got != 1 {
		t.Errorf("OnEnded fired %d times, want 1", got)
	}
	if got := s.EndReason(); got != ReasonClosed {
		t.Errorf("EndReason = %q, want %q", got, ReasonClosed)
	}
}

type failingProvider struct{}

func (failingProvider) MediaEngine() (*webrtc.MediaEngine, error) {
	return media.SyntheticProvider{}.MediaEngine()
}

func (failingProvider) NewSource(bool) (media.Source, error) {
	return nil, errors.New("no such device")
}

func TestMediaFailureAbortsSetup(t *testing.T) {
	sig := newFakeSignaler()
	m := metrics.New()
	_, err := New(Config{
		RoomID:   identity.NewRoomID(1, 2),
		LocalID:  1,
		Role:     identity.RoleInitiator,
		Signaler: sig,
		Media:    failingProvider{},
		Metrics:  m,
	})
	if err == nil {
		t.Fatal("New succeeded with failing media provider")
	}
	if m.Get(metrics.CallMediaFailure) != 1 {
		t.Errorf("media failure metric = %d, want 1", m.Get(metrics.CallMediaFailure))
	}
	// No signaling traffic leaked from the aborted setup.
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.sent) != 0 {
		t.Errorf("aborted setup sent %d messages", len(sig.sent))
	}
}

func TestToggleWithoutVideoSender(t *testing.T) {
	sig := newFakeSignaler()
	s := newTestSession(t, identity.RoleInitiator, sig)

	if err := s.SetAudioEnabled(false); err != nil {
		t.Errorf("SetAudioEnabled(false): %v", err)
	}
	if err := s.SetAudioEnabled(true); err != nil {
		t.Errorf("SetAudioEnabled(true): %v", err)
	}
	// Audio-only session has no video sender to toggle.
	if err := s.SetVideoEnabled(false); err == nil {
		t.Error("SetVideoEnabled succeeded without a video track")
	}
}
