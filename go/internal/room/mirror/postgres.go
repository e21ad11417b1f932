package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/syncroom/go/internal/room"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_mirror (
    room_key   TEXT PRIMARY KEY,
    instance   TEXT NOT NULL,
    snapshot   JSONB,
    expires_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSnapshot = `
INSERT INTO room_mirror (room_key, instance, snapshot, expires_at, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (room_key) DO UPDATE
SET instance = EXCLUDED.instance,
    snapshot = EXCLUDED.snapshot,
    expires_at = EXCLUDED.expires_at,
    updated_at = now()`

const selectSnapshot = `
SELECT snapshot FROM room_mirror
WHERE room_key = $1 AND expires_at > $2`

// Postgres stores snapshots in the room_mirror table. Expired rows are ignored on load and
// removed by Prune.
type Postgres struct {
	db    *sql.DB
	clock clockwork.Clock
}

var _ room.Mirror = (*Postgres)(nil)

// NewPostgres creates a Postgres mirror. clock may be nil.
func NewPostgres(db *sql.DB, clock clockwork.Clock) *Postgres {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Postgres{db: db, clock: clock}
}

// EnsureSchema creates the room_mirror table if it does not exist.
func (m *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create room_mirror table: %w", err)
	}
	return nil
}

func (m *Postgres) Save(ctx context.Context, snap room.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = m.db.ExecContext(ctx, upsertSnapshot,
		room.MirrorKey(snap.ID),
		snap.Instance,
		pqtype.NullRawMessage{RawMessage: data, Valid: len(data) > 0},
		m.clock.Now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (m *Postgres) Load(ctx context.Context, roomID string) (*room.Snapshot, error) {
	var raw pqtype.NullRawMessage
	err := m.db.QueryRowContext(ctx, selectSnapshot, room.MirrorKey(roomID), m.clock.Now()).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	if !raw.Valid {
		return nil, room.ErrRoomNotFound
	}
	var snap room.Snapshot
	if err := json.Unmarshal(raw.RawMessage, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (m *Postgres) Delete(ctx context.Context, roomID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM room_mirror WHERE room_key = $1`, room.MirrorKey(roomID)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Prune deletes expired rows and returns how many were removed.
func (m *Postgres) Prune(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM room_mirror WHERE expires_at <= $1`, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner calls Prune every interval until ctx is cancelled.
func (m *Postgres) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := m.Prune(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("failed to prune room mirror")
				continue
			}
			if n > 0 {
				log.Info().Int64("rows", n).Msg("pruned expired room snapshots")
			}
		}
	}
}
