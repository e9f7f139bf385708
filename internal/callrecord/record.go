// Package callrecord persists the authoritative lifecycle record of every
// call attempt. Status transitions are validated atomically by each Store
// implementation; records are never deleted.
package callrecord

import (
	"context"
	"errors"
	"time"

	"github.com/heartbeam/calling/internal/identity"
)

type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

func (t Type) Valid() bool { return t == TypeAudio || t == TypeVideo }

type Status string

const (
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// Terminal statuses admit no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusEnded:
		return true
	}
	return false
}

var (
	ErrNotFound = errors.New("callrecord: not found")
	// ErrTerminalStatus is returned when updating a record that has already
	// reached a terminal status. The race loser of simultaneous
	// cancel/accept sees this error.
	ErrTerminalStatus = errors.New("callrecord: record already terminal")
	// ErrInvalidTransition is returned for transitions the lifecycle does
	// not allow, such as connected without a prior accept.
	ErrInvalidTransition = errors.New("callrecord: invalid status transition")
)

// validateTransition returns nil only for allowed lifecycle moves:
//
//	ringing  → accepted | rejected | cancelled
//	accepted → connected | ended
//	connected → ended
func validateTransition(from, to Status) error {
	if from.Terminal() {
		return ErrTerminalStatus
	}
	allowed := map[Status][]Status{
		StatusRinging:   {StatusAccepted, StatusRejected, StatusCancelled},
		StatusAccepted:  {StatusConnected, StatusEnded},
		StatusConnected: {StatusEnded},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

type Record struct {
	ID         string
	CallerID   identity.UserID
	ReceiverID identity.UserID
	Type       Type
	Status     Status
	StartedAt  time.Time
	// EndedAt is zero until the record reaches a terminal status.
	EndedAt time.Time
}

type Store interface {
	// CreateCall persists a new record in StatusRinging.
	CreateCall(ctx context.Context, caller, receiver identity.UserID, callType Type) (Record, error)
	// UpdateCallStatus validates and applies the transition atomically, so
	// exactly one of two racing terminal updates wins.
	UpdateCallStatus(ctx context.Context, id string, status Status) (Record, error)
	GetCall(ctx context.Context, id string) (Record, error)
	// History lists a user's most recent calls, newest first.
	History(ctx context.Context, user identity.UserID, limit int) ([]Record, error)
}
