package room

import (
	"math"

	"github.com/rs/zerolog/log"
)

// DriftThreshold is how far, in seconds, a client may stray before it is force-synced.
const DriftThreshold = 0.2

// Engine applies host transport commands and answers position queries for a room.
type Engine struct {
	registry *Registry
	clock    Clock
	notifier Notifier
}

// PlayPause starts or pauses playback at position. Commands from non-hosts are rejected
// with ErrUnauthorized and change nothing.
func (e *Engine) PlayPause(roomID, connectionID string, isPlaying bool, position float64) error {
	if !validPosition(position) {
		return ErrInvalidPosition
	}
	rm, err := e.registry.lookupLocked(roomID)
	if err != nil {
		return err
	}
	if rm.hostConnectionID != connectionID {
		rm.mu.Unlock()
		log.Debug().Str("room_id", roomID).Str("connection_id", connectionID).Msg("ignoring play_pause from non-host")
		return ErrUnauthorized
	}

	now := nowMs(e.clock)
	rm.setPlaying(isPlaying, position, now)
	state := rm.stateAt(now)
	closer, err := e.registry.commitLocked(rm)
	rm.mu.Unlock()
	if err != nil {
		closer()
		return err
	}

	log.Debug().
		Str("room_id", roomID).
		Bool("is_playing", isPlaying).
		Float64("position", position).
		Msg("playback updated")

	e.broadcast(roomID, EventTypeSyncPlayback, now, state)
	return nil
}

// Seek moves the playback position without changing the play state.
func (e *Engine) Seek(roomID, connectionID string, position float64) error {
	if !validPosition(position) {
		return ErrInvalidPosition
	}
	rm, err := e.registry.lookupLocked(roomID)
	if err != nil {
		return err
	}
	if rm.hostConnectionID != connectionID {
		rm.mu.Unlock()
		log.Debug().Str("room_id", roomID).Str("connection_id", connectionID).Msg("ignoring seek from non-host")
		return ErrUnauthorized
	}

	now := nowMs(e.clock)
	rm.seek(position, now)
	state := rm.stateAt(now)
	closer, err := e.registry.commitLocked(rm)
	rm.mu.Unlock()
	if err != nil {
		closer()
		return err
	}

	log.Debug().Str("room_id", roomID).Float64("position", position).Msg("playback seeked")

	e.broadcast(roomID, EventTypeSyncSeek, now, state)
	return nil
}

// RequestSync returns the authoritative state at the current server time.
func (e *Engine) RequestSync(roomID string) (*PlaybackState, error) {
	rm, err := e.registry.lookupLocked(roomID)
	if err != nil {
		return nil, err
	}
	state := rm.stateAt(nowMs(e.clock))
	rm.mu.Unlock()
	return &state, nil
}

// CheckDrift compares a client's reported position with the authoritative one and sends
// force_sync to that client alone when the gap exceeds DriftThreshold.
func (e *Engine) CheckDrift(roomID, connectionID string, clientPosition float64) (bool, error) {
	if math.IsNaN(clientPosition) || math.IsInf(clientPosition, 0) {
		return false, ErrInvalidPosition
	}
	rm, err := e.registry.lookupLocked(roomID)
	if err != nil {
		return false, err
	}
	if rm.member(connectionID) == nil {
		rm.mu.Unlock()
		return false, ErrNotMember
	}
	now := nowMs(e.clock)
	state := rm.stateAt(now)
	rm.mu.Unlock()

	drift := math.Abs(clientPosition - state.Position)
	if drift <= DriftThreshold {
		return false, nil
	}

	driftMs := int64(math.Round(drift * 1000))
	state.DriftMs = &driftMs
	log.Debug().
		Str("room_id", roomID).
		Str("connection_id", connectionID).
		Int64("drift_ms", driftMs).
		Msg("client drifted, forcing sync")

	ev, err := NewEvent(roomID, EventTypeForceSync, now, state)
	if err != nil {
		return false, err
	}
	e.notifier.SendToConnection(roomID, connectionID, ev)
	return true, nil
}

// SetTrack replaces the current track and rewinds playback to a paused start.
func (e *Engine) SetTrack(roomID, track string) error {
	rm, err := e.registry.lookupLocked(roomID)
	if err != nil {
		return err
	}

	now := nowMs(e.clock)
	previous := rm.currentTrack
	rm.currentTrack = &track
	rm.setPlaying(false, 0, now)
	closer, err := e.registry.commitLocked(rm)
	rm.mu.Unlock()
	if err != nil {
		closer()
		return err
	}

	if previous != nil && *previous != track {
		e.registry.releaseTrack(roomID, *previous)
	}
	log.Info().Str("room_id", roomID).Str("track", track).Msg("song changed")

	e.broadcast(roomID, EventTypeSongChanged, now, SongChangedPayload{
		Track:     track,
		Position:  0,
		IsPlaying: false,
		Timestamp: now,
	})
	return nil
}

func (e *Engine) broadcast(roomID string, eventType EventType, now int64, payload any) {
	ev, err := NewEvent(roomID, eventType, now, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	e.notifier.BroadcastToRoom(roomID, ev)
}
