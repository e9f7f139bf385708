// Package identity holds the participant identity types shared by the call
// subsystem: user IDs, the canonical room ID for a two-party call, and the
// caller/receiver role resolution.
package identity

import "strconv"

// UserID identifies a Heartbeam user. Wire messages carry it as a JSON number.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// RoomID scopes signaling messages to exactly one call attempt between two
// specific participants.
type RoomID string

func (r RoomID) String() string { return string(r) }

// NewRoomID derives the canonical room ID for a call between a and b:
// "<min>-<max>". Both participants compute the identical value independently,
// regardless of argument order.
func NewRoomID(a, b UserID) RoomID {
	if b < a {
		a, b = b, a
	}
	return RoomID(a.String() + "-" + b.String())
}

// Role is a participant's fixed role for one call attempt. It is resolved once
// and never re-derived mid-call: only the initiator ever creates an offer, so
// a stable role is what prevents glare.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ResolveRole determines the local participant's role from the call
// parameters. Pure and deterministic: the caller initiates, everyone else
// responds.
func ResolveRole(local, caller, receiver UserID) Role {
	if local == caller {
		return RoleInitiator
	}
	return RoleResponder
}
