package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// Inbound message types
const (
	MessageTypeCreateRoom    = "create_room"
	MessageTypeJoinRoom      = "join_room"
	MessageTypePlayPause     = "play_pause"
	MessageTypeSeek          = "seek"
	MessageTypePingSync      = "ping_sync"
	MessageTypeUpdateLatency = "update_latency"
	MessageTypeSyncCheck     = "sync_check"
	MessageTypeRequestSync   = "request_sync"
)

// ClientMessage is the envelope of every frame a client sends.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type createRoomData struct {
	Password string `json:"password"`
}

type joinRoomData struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type playPauseData struct {
	RoomID    string  `json:"roomId"`
	IsPlaying bool    `json:"isPlaying"`
	Position  float64 `json:"position"`
}

type seekData struct {
	RoomID   string  `json:"roomId"`
	Position float64 `json:"position"`
}

type pingData struct {
	ClientTime *int64 `json:"clientTime"`
}

type latencyData struct {
	RoomID    string  `json:"roomId"`
	LatencyMs float64 `json:"latencyMs"`
}

type syncCheckData struct {
	RoomID         string  `json:"roomId"`
	ClientPosition float64 `json:"clientPosition"`
}

type requestSyncData struct {
	RoomID string `json:"roomId"`
}

// Dispatcher turns client frames into room operations.
type Dispatcher struct {
	rooms       room.Rooms
	connections *ConnectionManager
	clock       clockwork.Clock
	timeout     time.Duration
}

var _ MessageHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher and registers it with cm.
func NewDispatcher(rooms room.Rooms, cm *ConnectionManager, clock clockwork.Clock) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Dispatcher{
		rooms:       rooms,
		connections: cm,
		clock:       clock,
		timeout:     5 * time.Second,
	}
	cm.SetHandler(d)
	return d
}

// HandleMessage processes one client frame. Malformed frames are logged and dropped.
func (d *Dispatcher) HandleMessage(ctx context.Context, c *Connection, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping malformed client message")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var err error
	switch msg.Type {
	case MessageTypeCreateRoom:
		err = d.createRoom(ctx, c, msg.Data)
	case MessageTypeJoinRoom:
		err = d.joinRoom(ctx, c, msg.Data)
	case MessageTypePlayPause:
		var data playPauseData
		if err = decode(msg.Data, &data); err == nil {
			err = d.rooms.PlayPause(ctx, d.roomFor(c, data.RoomID), c.ID, data.IsPlaying, data.Position)
		}
	case MessageTypeSeek:
		var data seekData
		if err = decode(msg.Data, &data); err == nil {
			err = d.rooms.Seek(ctx, d.roomFor(c, data.RoomID), c.ID, data.Position)
		}
	case MessageTypePingSync:
		var data pingData
		if err = decode(msg.Data, &data); err == nil {
			d.reply(c, "", room.EventTypePongSync, d.rooms.Pong(data.ClientTime))
		}
	case MessageTypeUpdateLatency:
		var data latencyData
		if err = decode(msg.Data, &data); err == nil {
			err = d.rooms.ReportLatency(ctx, d.roomFor(c, data.RoomID), c.ID, data.LatencyMs)
		}
	case MessageTypeSyncCheck:
		var data syncCheckData
		if err = decode(msg.Data, &data); err == nil {
			err = d.rooms.CheckDrift(ctx, d.roomFor(c, data.RoomID), c.ID, data.ClientPosition)
		}
	case MessageTypeRequestSync:
		var data requestSyncData
		if err = decode(msg.Data, &data); err == nil {
			err = d.requestSync(ctx, c, d.roomFor(c, data.RoomID))
		}
	default:
		log.Debug().Str("connection_id", c.ID).Str("type", msg.Type).Msg("ignoring unknown message type")
		return
	}

	if err != nil {
		// Unauthorized and invalid commands are dropped without telling the client.
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("client message not applied")
	}
}

// HandleDisconnect removes the connection from the room it was in.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, c *Connection, roomID string) {
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.rooms.RemoveMember(ctx, roomID, c.ID); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		log.Warn().Err(err).Str("room_id", roomID).Str("connection_id", c.ID).Msg("failed to remove member on disconnect")
	}
}

func (d *Dispatcher) createRoom(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var data createRoomData
	if err := decode(raw, &data); err != nil {
		return err
	}
	created, err := d.rooms.CreateRoom(ctx, c.ID, data.Password)
	if err != nil {
		return err
	}
	d.leave(ctx, c, d.connections.Attach(c, created.RoomID))
	d.reply(c, created.RoomID, room.EventTypeRoomCreated, created)
	return nil
}

func (d *Dispatcher) joinRoom(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var data joinRoomData
	if err := decode(raw, &data); err != nil {
		return err
	}
	if data.RoomID == "" {
		d.reply(c, "", room.EventTypeJoinError, room.JoinErrorPayload{Message: room.JoinErrorMessage(room.ErrRoomNotFound)})
		return room.ErrRoomNotFound
	}

	// Attach first so the joiner also receives the clients_updated its join triggers.
	previous := d.connections.Attach(c, data.RoomID)
	joined, err := d.rooms.JoinRoom(ctx, data.RoomID, data.Password, c.ID)
	if err != nil {
		if previous != data.RoomID {
			d.connections.Detach(c, data.RoomID)
			if previous != "" {
				d.connections.Attach(c, previous)
			}
		}
		d.reply(c, data.RoomID, room.EventTypeJoinError, room.JoinErrorPayload{Message: room.JoinErrorMessage(err)})
		return err
	}
	if previous != data.RoomID {
		d.leave(ctx, c, previous)
	}
	d.reply(c, data.RoomID, room.EventTypeRoomJoined, joined)
	return nil
}

func (d *Dispatcher) requestSync(ctx context.Context, c *Connection, roomID string) error {
	state, err := d.rooms.RequestSync(ctx, roomID)
	if err != nil {
		return err
	}
	d.reply(c, roomID, room.EventTypeForceSync, state)
	return nil
}

// leave removes c from a room it is no longer attached to.
func (d *Dispatcher) leave(ctx context.Context, c *Connection, roomID string) {
	if roomID == "" {
		return
	}
	if err := d.rooms.RemoveMember(ctx, roomID, c.ID); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		log.Warn().Err(err).Str("room_id", roomID).Str("connection_id", c.ID).Msg("failed to leave previous room")
	}
}

func (d *Dispatcher) roomFor(c *Connection, roomID string) string {
	if roomID != "" {
		return roomID
	}
	return d.connections.RoomOf(c)
}

func (d *Dispatcher) reply(c *Connection, roomID string, eventType room.EventType, payload any) {
	ev, err := room.NewEvent(roomID, eventType, d.clock.Now().UnixMilli(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build reply")
		return
	}
	d.connections.Send(c, ev)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
