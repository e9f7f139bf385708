package callrecord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/heartbeam/calling/internal/identity"
)

const (
	callKeyPrefix    = "call:"
	historyKeyPrefix = "user:"
	historyKeySuffix = ":history"

	// historyMax bounds each user's history list. Records themselves are
	// kept.
	historyMax = 500
)

func callKey(id string) string { return callKeyPrefix + id }

func historyKey(user identity.UserID) string {
	return historyKeyPrefix + user.String() + historyKeySuffix
}

// RedisStore persists one hash per call plus a per-user history list.
// Status transitions run inside a WATCH transaction so concurrent updates
// to the same record serialize and exactly one racing terminal write wins.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) CreateCall(ctx context.Context, caller, receiver identity.UserID, callType Type) (Record, error) {
	if caller == receiver {
		return Record{}, fmt.Errorf("caller and receiver are the same user %v", caller)
	}
	if !callType.Valid() {
		return Record{}, fmt.Errorf("invalid call type %q", callType)
	}

	rec := Record{
		ID:         uuid.NewString(),
		CallerID:   caller,
		ReceiverID: receiver,
		Type:       callType,
		Status:     StatusRinging,
		StartedAt:  s.now(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, callKey(rec.ID), recordFields(rec))
	for _, user := range []identity.UserID{caller, receiver} {
		pipe.LPush(ctx, historyKey(user), rec.ID)
		pipe.LTrim(ctx, historyKey(user), 0, historyMax-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("persist call record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) UpdateCallStatus(ctx context.Context, id string, status Status) (Record, error) {
	key := callKey(id)
	var updated Record

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrNotFound
		}
		rec, err := recordFromFields(fields)
		if err != nil {
			return err
		}
		if err := validateTransition(rec.Status, status); err != nil {
			return err
		}

		rec.Status = status
		set := map[string]any{"status": string(status)}
		if status.Terminal() {
			rec.EndedAt = s.now()
			set["ended_at"] = rec.EndedAt.UnixNano()
		}
		updated = rec

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, set)
			return nil
		})
		return err
	}

	// Retry on WATCH conflicts; transition validation reruns against the
	// fresh record each attempt, so a race loser fails cleanly.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return updated, nil
	}
	return Record{}, fmt.Errorf("update call %s: too many conflicts", id)
}

func (s *RedisStore) GetCall(ctx context.Context, id string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, callKey(id)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromFields(fields)
}

func (s *RedisStore) History(ctx context.Context, user identity.UserID, limit int) ([]Record, error) {
	if limit <= 0 || limit > historyMax {
		limit = historyMax
	}
	ids, err := s.client.LRange(ctx, historyKey(user), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetCall(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFields(rec Record) map[string]any {
	fields := map[string]any{
		"id":         rec.ID,
		"caller":     int64(rec.CallerID),
		"receiver":   int64(rec.ReceiverID),
		"type":       string(rec.Type),
		"status":     string(rec.Status),
		"started_at": rec.StartedAt.UnixNano(),
	}
	if !rec.EndedAt.IsZero() {
		fields["ended_at"] = rec.EndedAt.UnixNano()
	}
	return fields
}

func recordFromFields(fields map[string]string) (Record, error) {
	caller, err := strconv.ParseInt(fields["caller"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt caller field: %w", err)
	}
	receiver, err := strconv.ParseInt(fields["receiver"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt receiver field: %w", err)
	}
	startedAt, err := strconv.ParseInt(fields["started_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt started_at field: %w", err)
	}

	rec := Record{
		ID:         fields["id"],
		CallerID:   identity.UserID(caller),
		ReceiverID: identity.UserID(receiver),
		Type:       Type(fields["type"]),
		Status:     Status(fields["status"]),
		StartedAt:  time.Unix(0, startedAt),
	}
	if raw, ok := fields["ended_at"]; ok {
		endedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("corrupt ended_at field: %w", err)
		}
		rec.EndedAt = time.Unix(0, endedAt)
	}
	return rec, nil
}
