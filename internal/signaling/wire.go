// Package signaling implements the call signaling wire protocol, the
// WebSocket room relay server, and the client used by call sessions.
//
// The relay is intentionally dumb: it authenticates senders, enforces the
// two-party room cap and fans every message out to all room members. All
// interpretation (self-echo filtering, role checks, candidate buffering)
// happens client side.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/heartbeam/calling/internal/identity"
)

type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"

	// Server-originated room events.
	TypeRoomJoined MessageType = "room-joined"
	TypeRoomReady  MessageType = "room-ready"

	// Call lifecycle fan-out on the room channel so a peer never waits on
	// a cancelled or rejected call.
	TypeStatus MessageType = "status"
)

// SessionDescription is the browser-compatible SDP envelope.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors RTCIceCandidateInit. Pointer fields distinguish absent
// from empty, matching browser trickle ICE payloads.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Message struct {
	RoomID   identity.RoomID `json:"roomId"`
	SenderID identity.UserID `json:"senderId"`
	Type     MessageType     `json:"type"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	// Status/Reason are set only for TypeStatus.
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ParseMessage decodes a single wire message strictly: unknown fields,
// trailing data and payloads inconsistent with the declared type are all
// rejected.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("trailing data after signaling message")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("signaling message missing roomId")
	}

	switch m.Type {
	case TypeOffer:
		if m.SenderID <= 0 {
			return fmt.Errorf("offer missing senderId")
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("offer carries foreign payload")
		}
		return validateDescription("offer", m.Offer, "offer")
	case TypeAnswer:
		if m.SenderID <= 0 {
			return fmt.Errorf("answer missing senderId")
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("answer carries foreign payload")
		}
		return validateDescription("answer", m.Answer, "answer")
	case TypeCandidate:
		if m.SenderID <= 0 {
			return fmt.Errorf("candidate missing senderId")
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("candidate carries foreign payload")
		}
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("candidate message missing candidate")
		}
		return nil
	case TypeStatus:
		if m.SenderID <= 0 {
			return fmt.Errorf("status missing senderId")
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("status carries foreign payload")
		}
		if m.Status == "" {
			return fmt.Errorf("status message missing status")
		}
		return nil
	case TypeRoomJoined:
		if m.SenderID <= 0 {
			return fmt.Errorf("room-joined missing senderId")
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("room-joined carries foreign payload")
		}
		return nil
	case TypeRoomReady:
		// Server-originated, senderId zero.
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("room-ready carries foreign payload")
		}
		return nil
	case "":
		return fmt.Errorf("signaling message missing type")
	default:
		return fmt.Errorf("unknown signaling message type %q", m.Type)
	}
}

func validateDescription(field string, sd *SessionDescription, wantType string) error {
	if sd == nil {
		return fmt.Errorf("%s message missing %s", field, field)
	}
	if sd.Type != wantType {
		return fmt.Errorf("%s description has type %q", field, sd.Type)
	}
	if sd.SDP == "" {
		return fmt.Errorf("%s description has empty sdp", field)
	}
	return nil
}

// SDPFromPion converts a pion session description to the wire envelope.
func SDPFromPion(sd webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type: sd.Type.String(),
		SDP:  sd.SDP,
	}
}

// ToPion converts the wire envelope back to a pion session description.
func (sd *SessionDescription) ToPion() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}
}

// CandidateFromPion converts a locally gathered candidate for the wire.
// Returns nil for the nil end-of-candidates marker.
func CandidateFromPion(c *webrtc.ICECandidate) *Candidate {
	if c == nil {
		return nil
	}
	init := c.ToJSON()
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ToPion converts a wire candidate to the form AddICECandidate accepts.
func (c *Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
