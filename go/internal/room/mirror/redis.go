package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// Redis stores snapshots as JSON strings under room:{id} with SET EX.
type Redis struct {
	client *redis.Client
}

var _ room.Mirror = (*Redis)(nil)

// NewRedis creates a Redis mirror on client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (m *Redis) Save(ctx context.Context, snap room.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return m.client.Set(ctx, room.MirrorKey(snap.ID), data, ttl).Err()
}

func (m *Redis) Load(ctx context.Context, roomID string) (*room.Snapshot, error) {
	data, err := m.client.Get(ctx, room.MirrorKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (m *Redis) Delete(ctx context.Context, roomID string) error {
	return m.client.Del(ctx, room.MirrorKey(roomID)).Err()
}
