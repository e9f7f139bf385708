package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/heartbeam/calling/internal/identity"
)

const (
	KindIncomingCall = "incoming-call"
	KindCallStatus   = "call-status"
)

// Envelope is the JSON frame published on a user's channel.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// UserChannel is the Redis pub/sub channel a user's devices subscribe to
// for call alerts.
func UserChannel(user identity.UserID) string {
	return "user:" + user.String() + ":calls"
}

// RedisNotifier publishes envelopes on per-user pub/sub channels. Delivery
// reaches whoever is subscribed right now; there is no replay.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) NotifyIncomingCall(ctx context.Context, receiver identity.UserID, call IncomingCall) error {
	return n.publish(ctx, receiver, KindIncomingCall, call)
}

func (n *RedisNotifier) NotifyCallStatus(ctx context.Context, user identity.UserID, event StatusEvent) error {
	return n.publish(ctx, user, KindCallStatus, event)
}

func (n *RedisNotifier) publish(ctx context.Context, user identity.UserID, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{Kind: kind, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	if err := n.client.Publish(ctx, UserChannel(user), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", UserChannel(user), err)
	}
	return nil
}
