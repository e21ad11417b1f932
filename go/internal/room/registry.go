package room

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	shardCount    = 32
	maxIDAttempts = 8
	roomIDLength  = 8
)

// Lifecycle observes rooms opening and closing on this process.
type Lifecycle interface {
	RoomOpened(roomID string)
	RoomClosed(roomID string)
}

// TrackReleaser frees the stored asset behind a track reference.
type TrackReleaser interface {
	Release(track string) error
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// Registry owns the rooms of this process. The table is sharded so lookups for unrelated
// rooms never contend; each room carries its own lock for state changes.
//
// Lock order is always room before shard.
type Registry struct {
	shards   [shardCount]*shard
	clock    Clock
	notifier Notifier
	mirror   *MirrorWriter
	failover *FailoverManager
	instance string

	lifecycle Lifecycle
	releaser  TrackReleaser
	newID     func() string
}

func newRegistry(clock Clock, notifier Notifier, mirror *MirrorWriter, instance string) *Registry {
	r := &Registry{
		clock:    clock,
		notifier: notifier,
		mirror:   mirror,
		failover: &FailoverManager{notifier: notifier},
		instance: instance,
		newID: func() string {
			return uuid.New().String()[:roomIDLength]
		},
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*Room)}
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return r.shards[h.Sum32()%shardCount]
}

// Get looks up a room. The returned room may be closed by the time it is locked.
func (r *Registry) Get(roomID string) (*Room, bool) {
	s := r.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.rooms[roomID]
	return rm, ok
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// rooms returns the live rooms without holding any shard lock afterwards.
func (r *Registry) rooms() []*Room {
	var out []*Room
	for _, s := range r.shards {
		s.mu.RLock()
		for _, rm := range s.rooms {
			out = append(out, rm)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) insert(rm *Room) bool {
	s := r.shardFor(rm.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[rm.id]; exists {
		return false
	}
	s.rooms[rm.id] = rm
	return true
}

func (r *Registry) remove(rm *Room) {
	s := r.shardFor(rm.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[rm.id] == rm {
		delete(s.rooms, rm.id)
	}
}

// lookupLocked returns the room locked, or ErrRoomNotFound when it is unknown or closed.
func (r *Registry) lookupLocked(roomID string) (*Room, error) {
	rm, ok := r.Get(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// CreateRoom opens a room with connectionID as its only member and host.
func (r *Registry) CreateRoom(connectionID, password string) (*RoomCreatedPayload, error) {
	now := nowMs(r.clock)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		rm := newRoom(r.newID(), password, connectionID, now)
		rm.mu.Lock()
		if !r.insert(rm) {
			rm.mu.Unlock()
			log.Debug().Str("room_id", rm.id).Msg("room id collision, retrying")
			continue
		}
		r.mirror.Save(rm.snapshot(r.instance))
		rm.mu.Unlock()

		r.opened(rm.id)
		log.Info().
			Str("room_id", rm.id).
			Str("connection_id", connectionID).
			Bool("password", password != "").
			Msg("room created")

		return &RoomCreatedPayload{RoomID: rm.id, IsHost: true, ServerTime: now}, nil
	}
	return nil, fmt.Errorf("allocate room id after %d attempts", maxIDAttempts)
}

// JoinRoom adds connectionID as a listener and returns everything it needs to start in sync.
func (r *Registry) JoinRoom(roomID, password, connectionID string) (*RoomJoinedPayload, error) {
	rm, err := r.lookupLocked(roomID)
	if err != nil {
		return nil, err
	}
	if !passwordMatches(rm.password, password) {
		rm.mu.Unlock()
		return nil, ErrWrongPassword
	}

	now := nowMs(r.clock)
	m := rm.addMember(connectionID, now)
	state := rm.stateAt(now)
	resp := &RoomJoinedPayload{
		RoomID:       rm.id,
		IsHost:       m.IsHost,
		CurrentTrack: copyString(rm.currentTrack),
		Position:     state.Position,
		IsPlaying:    state.IsPlaying,
		ServerTime:   now,
	}
	count := len(rm.members)
	closer, err := r.commitLocked(rm)
	rm.mu.Unlock()
	if err != nil {
		closer()
		return nil, ErrRoomNotFound
	}

	log.Info().
		Str("room_id", roomID).
		Str("connection_id", connectionID).
		Int("members", count).
		Msg("client joined room")

	r.broadcastCount(roomID, count, now)
	return resp, nil
}

// RemoveMember drops connectionID from the room, promoting a new host or tearing the room
// down as needed.
func (r *Registry) RemoveMember(roomID, connectionID string) error {
	rm, err := r.lookupLocked(roomID)
	if err != nil {
		return err
	}

	now := nowMs(r.clock)
	removed, wasHost := rm.removeMember(connectionID, now)
	if !removed {
		rm.mu.Unlock()
		return ErrNotMember
	}

	if len(rm.members) == 0 {
		closer := r.teardownLocked(rm)
		rm.mu.Unlock()
		closer()
		log.Info().Str("room_id", roomID).Msg("room cleaned up")
		return nil
	}

	var promoted *Member
	if wasHost {
		promoted = r.failover.promote(rm, now)
	}
	count := len(rm.members)
	closer, err := r.commitLocked(rm)
	rm.mu.Unlock()
	if err != nil {
		closer()
		return err
	}

	log.Info().
		Str("room_id", roomID).
		Str("connection_id", connectionID).
		Bool("was_host", wasHost).
		Int("members", count).
		Msg("client left room")

	if promoted != nil {
		r.failover.notify(roomID, promoted.ConnectionID, now)
	}
	r.broadcastCount(roomID, count, now)
	return nil
}

// Recover recreates a room this instance owned before a restart from its mirrored snapshot.
// The recovering connection becomes the host.
func (r *Registry) Recover(ctx context.Context, roomID, password, connectionID string) (*RoomJoinedPayload, error) {
	snap, err := r.mirror.Mirror().Load(ctx, roomID)
	if err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			log.Warn().Err(err).Str("room_id", roomID).Msg("failed to load room mirror")
		}
		return nil, ErrRoomNotFound
	}
	if snap.Instance != r.instance {
		log.Debug().
			Str("room_id", roomID).
			Str("owner", snap.Instance).
			Msg("mirrored room belongs to another instance")
		return nil, ErrRoomNotFound
	}
	if !passwordMatches(snap.Password, password) {
		return nil, ErrWrongPassword
	}

	now := nowMs(r.clock)
	rm := newRoom(snap.ID, snap.Password, connectionID, now)
	rm.currentTrack = copyString(snap.CurrentTrack)
	if snap.IsPlaying {
		rm.setPlaying(true, snap.PositionAt(now), now)
	} else {
		rm.basePositionSeconds = snap.BasePositionSeconds
	}

	rm.mu.Lock()
	if !r.insert(rm) {
		rm.mu.Unlock()
		// Someone else recovered it first; join as a listener.
		return r.JoinRoom(roomID, password, connectionID)
	}
	state := rm.stateAt(now)
	r.mirror.Save(rm.snapshot(r.instance))
	rm.mu.Unlock()

	r.opened(roomID)
	log.Info().
		Str("room_id", roomID).
		Str("connection_id", connectionID).
		Float64("position", state.Position).
		Bool("is_playing", state.IsPlaying).
		Msg("room recovered from mirror")

	return &RoomJoinedPayload{
		RoomID:       roomID,
		IsHost:       true,
		CurrentTrack: copyString(rm.currentTrack),
		Position:     state.Position,
		IsPlaying:    state.IsPlaying,
		ServerTime:   now,
	}, nil
}

// commitLocked validates rm after a mutation and queues its mirror write. A room that
// violates its invariants is torn down; the returned closer must run after unlocking.
func (r *Registry) commitLocked(rm *Room) (func(), error) {
	if err := rm.validate(); err != nil {
		log.Error().Err(err).Str("room_id", rm.id).Msg("room invariant violated, tearing down")
		return r.teardownLocked(rm), err
	}
	r.mirror.Save(rm.snapshot(r.instance))
	return nil, nil
}

// teardownLocked closes rm and removes it from lookup. Joins that already hold the room
// pointer observe closed and fail with ErrRoomNotFound.
func (r *Registry) teardownLocked(rm *Room) func() {
	rm.closed = true
	rm.members = nil
	rm.hostConnectionID = ""
	track := rm.currentTrack
	rm.currentTrack = nil
	r.remove(rm)
	r.mirror.Delete(rm.id)

	roomID := rm.id
	return func() {
		if track != nil {
			r.releaseTrack(roomID, *track)
		}
		if r.lifecycle != nil {
			r.lifecycle.RoomClosed(roomID)
		}
	}
}

func (r *Registry) releaseTrack(roomID, track string) {
	if r.releaser == nil {
		return
	}
	if err := r.releaser.Release(track); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Str("track", track).Msg("failed to release track")
		return
	}
	log.Info().Str("room_id", roomID).Str("track", track).Msg("released track")
}

func (r *Registry) opened(roomID string) {
	if r.lifecycle != nil {
		r.lifecycle.RoomOpened(roomID)
	}
}

func (r *Registry) broadcastCount(roomID string, count int, now int64) {
	ev, err := NewEvent(roomID, EventTypeClientsUpdated, now, ClientsUpdatedPayload{Count: count})
	if err != nil {
		log.Error().Err(err).Msg("failed to build clients_updated event")
		return
	}
	r.notifier.BroadcastToRoom(roomID, ev)
}

func passwordMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
