package notify

import (
	"context"
	"sync"

	"github.com/heartbeam/calling/internal/identity"
)

// MemoryNotifier records deliveries for tests. Err, when set, is returned
// from every call to exercise failure paths.
type MemoryNotifier struct {
	Err error

	mu       sync.Mutex
	incoming []IncomingDelivery
	statuses []StatusDelivery
}

type IncomingDelivery struct {
	Receiver identity.UserID
	Call     IncomingCall
}

type StatusDelivery struct {
	User  identity.UserID
	Event StatusEvent
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) NotifyIncomingCall(_ context.Context, receiver identity.UserID, call IncomingCall) error {
	if n.Err != nil {
		return n.Err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, IncomingDelivery{Receiver: receiver, Call: call})
	return nil
}

func (n *MemoryNotifier) NotifyCallStatus(_ context.Context, user identity.UserID, event StatusEvent) error {
	if n.Err != nil {
		return n.Err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, StatusDelivery{User: user, Event: event})
	return nil
}

func (n *MemoryNotifier) Incoming() []IncomingDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]IncomingDelivery(nil), n.incoming...)
}

func (n *MemoryNotifier) Statuses() []StatusDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]StatusDelivery(nil), n.statuses...)
}
