package metrics

import "sync"

// Event counter names used across the call subsystem.
const (
	AuthFailure         = "auth_failure"
	OriginRejected      = "origin_rejected"
	SignalRateLimited   = "signal_rate_limited"
	SignalBadMessage    = "signal_bad_message"
	SignalSelfEcho      = "signal_self_echo_dropped"
	SignalWrongRoom     = "signal_wrong_room_dropped"
	RoomFull            = "room_full"
	CallRinging         = "call_ringing"
	CallAccepted        = "call_accepted"
	CallRejected        = "call_rejected"
	CallCancelled       = "call_cancelled"
	CallConnected       = "call_connected"
	CallEnded           = "call_ended"
	CallNoAnswer        = "call_no_answer"
	CallMediaFailure    = "call_media_failure"
	CandidateBuffered   = "candidate_buffered"
	CandidateDiscarded  = "candidate_discarded"
	NegotiationFailure  = "negotiation_failure"
	NotifyFailure       = "notify_failure"
	RecordUpdateRefused = "record_update_refused"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a full metrics SDK can scrape the Prometheus text
// endpoint; keeping counters in-process keeps the protocol logic testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
