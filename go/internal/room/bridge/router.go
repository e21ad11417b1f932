package bridge

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// Router sends each operation to the process that owns the room: the local engine when
// the room lives here, the owning process over the bridge otherwise.
type Router struct {
	local  *room.Service
	bridge *Bridge
}

var _ room.Rooms = (*Router)(nil)

// NewRouter creates a Router.
func NewRouter(local *room.Service, bridge *Bridge) *Router {
	return &Router{local: local, bridge: bridge}
}

func (r *Router) CreateRoom(ctx context.Context, connectionID, password string) (*room.RoomCreatedPayload, error) {
	return r.local.CreateRoom(ctx, connectionID, password)
}

// JoinRoom joins locally, remotely, or by recovering the room from the mirror, in that order.
func (r *Router) JoinRoom(ctx context.Context, roomID, password, connectionID string) (*room.RoomJoinedPayload, error) {
	if r.local.Owns(roomID) {
		return r.local.JoinRoom(ctx, roomID, password, connectionID)
	}

	reply, err := r.bridge.Request(ctx, Command{
		Op:           OpJoin,
		RoomID:       roomID,
		ConnectionID: connectionID,
		Password:     password,
	})
	if err == nil {
		return reply.Joined, nil
	}
	if !errors.Is(err, room.ErrRoomNotFound) {
		return nil, err
	}

	joined, err := r.local.Recover(ctx, roomID, password, connectionID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("room_id", roomID).Str("connection_id", connectionID).Msg("joined recovered room")
	return joined, nil
}

func (r *Router) RemoveMember(ctx context.Context, roomID, connectionID string) error {
	if r.local.Owns(roomID) {
		return r.local.RemoveMember(ctx, roomID, connectionID)
	}
	return r.bridge.Forward(ctx, Command{Op: OpLeave, RoomID: roomID, ConnectionID: connectionID})
}

func (r *Router) PlayPause(ctx context.Context, roomID, connectionID string, isPlaying bool, position float64) error {
	if r.local.Owns(roomID) {
		return r.local.PlayPause(ctx, roomID, connectionID, isPlaying, position)
	}
	return r.bridge.Forward(ctx, Command{
		Op:           OpPlayPause,
		RoomID:       roomID,
		ConnectionID: connectionID,
		IsPlaying:    isPlaying,
		Position:     position,
	})
}

func (r *Router) Seek(ctx context.Context, roomID, connectionID string, position float64) error {
	if r.local.Owns(roomID) {
		return r.local.Seek(ctx, roomID, connectionID, position)
	}
	return r.bridge.Forward(ctx, Command{Op: OpSeek, RoomID: roomID, ConnectionID: connectionID, Position: position})
}

func (r *Router) RequestSync(ctx context.Context, roomID string) (*room.PlaybackState, error) {
	if r.local.Owns(roomID) {
		return r.local.RequestSync(ctx, roomID)
	}
	reply, err := r.bridge.Request(ctx, Command{Op: OpRequestSync, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	if reply.State == nil {
		return nil, room.ErrRoomNotFound
	}
	return reply.State, nil
}

func (r *Router) CheckDrift(ctx context.Context, roomID, connectionID string, clientPosition float64) error {
	if r.local.Owns(roomID) {
		return r.local.CheckDrift(ctx, roomID, connectionID, clientPosition)
	}
	return r.bridge.Forward(ctx, Command{Op: OpSyncCheck, RoomID: roomID, ConnectionID: connectionID, Position: clientPosition})
}

func (r *Router) ReportLatency(ctx context.Context, roomID, connectionID string, latencyMs float64) error {
	if r.local.Owns(roomID) {
		return r.local.ReportLatency(ctx, roomID, connectionID, latencyMs)
	}
	return r.bridge.Forward(ctx, Command{Op: OpLatency, RoomID: roomID, ConnectionID: connectionID, LatencyMs: latencyMs})
}

func (r *Router) SetTrack(ctx context.Context, roomID, track string) error {
	if r.local.Owns(roomID) {
		return r.local.SetTrack(ctx, roomID, track)
	}
	_, err := r.bridge.Request(ctx, Command{Op: OpSetTrack, RoomID: roomID, Track: track})
	return err
}

func (r *Router) EndSession(ctx context.Context, roomID string) (bool, error) {
	if r.local.Owns(roomID) {
		return r.local.EndSession(ctx, roomID)
	}
	reply, err := r.bridge.Request(ctx, Command{Op: OpEndSession, RoomID: roomID})
	if err != nil {
		return false, err
	}
	return reply.Released, nil
}

// Pong is always answered by the process holding the connection.
func (r *Router) Pong(clientTime *int64) room.PongPayload {
	return r.local.Pong(clientTime)
}
