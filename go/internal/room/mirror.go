package room

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMirrorTTL bounds how long a mirrored snapshot outlives its last mutation.
const DefaultMirrorTTL = time.Hour

// Mirror is the best-effort external copy of room state used for warm recovery.
type Mirror interface {
	// Save upserts the snapshot under MirrorKey(snap.ID) with the given expiry.
	Save(ctx context.Context, snap Snapshot, ttl time.Duration) error
	// Load returns the snapshot for roomID or ErrRoomNotFound.
	Load(ctx context.Context, roomID string) (*Snapshot, error)
	// Delete removes the snapshot for roomID. Deleting a missing key is not an error.
	Delete(ctx context.Context, roomID string) error
}

// MirrorKey is the key a room's snapshot is stored under.
func MirrorKey(roomID string) string {
	return "room:" + roomID
}

// NopMirror discards everything.
type NopMirror struct{}

func (NopMirror) Save(context.Context, Snapshot, time.Duration) error { return nil }
func (NopMirror) Load(context.Context, string) (*Snapshot, error)    { return nil, ErrRoomNotFound }
func (NopMirror) Delete(context.Context, string) error               { return nil }

type mirrorOp struct {
	roomID string
	snap   *Snapshot // nil means delete
}

// MirrorWriter applies mirror writes on a single goroutine so saves and deletes for a room
// are never reordered. Enqueueing never blocks.
type MirrorWriter struct {
	mirror  Mirror
	ttl     time.Duration
	timeout time.Duration
	queue   chan mirrorOp
}

// NewMirrorWriter creates a writer in front of m.
func NewMirrorWriter(m Mirror, ttl time.Duration) *MirrorWriter {
	if m == nil {
		m = NopMirror{}
	}
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &MirrorWriter{
		mirror:  m,
		ttl:     ttl,
		timeout: 2 * time.Second,
		queue:   make(chan mirrorOp, 1024),
	}
}

// Mirror returns the backend the writer applies to.
func (w *MirrorWriter) Mirror() Mirror {
	return w.mirror
}

// Save queues an upsert.
func (w *MirrorWriter) Save(snap Snapshot) {
	w.enqueue(mirrorOp{roomID: snap.ID, snap: &snap})
}

// Delete queues a removal.
func (w *MirrorWriter) Delete(roomID string) {
	w.enqueue(mirrorOp{roomID: roomID})
}

func (w *MirrorWriter) enqueue(op mirrorOp) {
	select {
	case w.queue <- op:
	default:
		log.Warn().Str("room_id", op.roomID).Msg("mirror queue full, dropping write")
	}
}

// Start applies queued writes until ctx is cancelled. Pending writes are dropped on shutdown.
func (w *MirrorWriter) Start(ctx context.Context) {
	log.Info().Msg("mirror writer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("pending", len(w.queue)).Msg("mirror writer shutting down")
			return
		case op := <-w.queue:
			w.apply(ctx, op)
		}
	}
}

func (w *MirrorWriter) apply(ctx context.Context, op mirrorOp) {
	opCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if op.snap == nil {
		if err := w.mirror.Delete(opCtx, op.roomID); err != nil {
			log.Warn().Err(err).Str("room_id", op.roomID).Msg("failed to delete room mirror")
		}
		return
	}
	if err := w.mirror.Save(opCtx, *op.snap, w.ttl); err != nil {
		log.Warn().Err(err).Str("room_id", op.roomID).Msg("failed to store room mirror")
	}
}
