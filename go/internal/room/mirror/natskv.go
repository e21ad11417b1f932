package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// NATSKV stores snapshots in a JetStream key-value bucket. Expiry is the bucket TTL, so
// the ttl passed to Save is not used per key.
type NATSKV struct {
	kv jetstream.KeyValue
}

var _ room.Mirror = (*NATSKV)(nil)

// NewNATSKV creates or updates the bucket and returns a mirror on it.
func NewNATSKV(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if ttl <= 0 {
		ttl = room.DefaultMirrorTTL
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Room snapshots for warm recovery",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	log.Info().Str("bucket", bucket).Dur("ttl", ttl).Msg("using JetStream KV mirror")
	return &NATSKV{kv: kv}, nil
}

// kvKey maps room:{id} onto the KV key alphabet, which has no colon.
func kvKey(roomID string) string {
	return strings.ReplaceAll(room.MirrorKey(roomID), ":", ".")
}

func (m *NATSKV) Save(ctx context.Context, snap room.Snapshot, _ time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := m.kv.Put(ctx, kvKey(snap.ID), data); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (m *NATSKV) Load(ctx context.Context, roomID string) (*room.Snapshot, error) {
	entry, err := m.kv.Get(ctx, kvKey(roomID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var snap room.Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (m *NATSKV) Delete(ctx context.Context, roomID string) error {
	if err := m.kv.Delete(ctx, kvKey(roomID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
