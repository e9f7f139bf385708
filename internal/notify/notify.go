// Package notify fans call lifecycle events out to users who are not in
// the signaling room, most importantly the receiver's incoming-call alert.
package notify

import (
	"context"

	"github.com/heartbeam/calling/internal/callrecord"
	"github.com/heartbeam/calling/internal/identity"
)

type IncomingCall struct {
	CallID   string          `json:"callId"`
	CallerID identity.UserID `json:"callerId"`
	RoomID   identity.RoomID `json:"roomId"`
	Type     callrecord.Type `json:"type"`
}

type StatusEvent struct {
	CallID string            `json:"callId"`
	Status callrecord.Status `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// Notifier delivery is best effort: the lifecycle controller logs and
// counts failures but never rolls a persisted status back because of one.
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, receiver identity.UserID, call IncomingCall) error
	NotifyCallStatus(ctx context.Context, user identity.UserID, event StatusEvent) error
}
