package room

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event is the envelope for everything sent to a client.
type Event struct {
	ID        string          `json:"id"`               // Event UUID
	RoomID    string          `json:"roomId,omitempty"` // Room the event belongs to
	Type      EventType       `json:"type"`             // Event type
	Timestamp int64           `json:"timestamp"`        // Server time in ms
	Data      json.RawMessage `json:"data"`             // Event-specific payload
}

// EventType represents the type of an outbound event
type EventType string

const (
	EventTypeRoomCreated    EventType = "room_created"
	EventTypeRoomJoined     EventType = "room_joined"
	EventTypeJoinError      EventType = "join_error"
	EventTypeClientsUpdated EventType = "clients_updated"
	EventTypeSyncPlayback   EventType = "sync_playback"
	EventTypeSyncSeek       EventType = "sync_seek"
	EventTypeHeartbeatSync  EventType = "heartbeat_sync"
	EventTypeForceSync      EventType = "force_sync"
	EventTypeNewHost        EventType = "new_host"
	EventTypePongSync       EventType = "pong_sync"
	EventTypeSongChanged    EventType = "song_changed"
)

// NewEvent marshals payload into a fresh event envelope.
func NewEvent(roomID string, eventType EventType, timestamp int64, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      eventType,
		Timestamp: timestamp,
		Data:      data,
	}, nil
}

// Notifier delivers events to the connections of a room.
// Implementations must not block on network I/O.
type Notifier interface {
	// BroadcastToRoom sends an event to every member of the room.
	BroadcastToRoom(roomID string, event *Event)
	// SendToConnection sends an event to a single member.
	SendToConnection(roomID, connectionID string, event *Event)
}

// RoomCreatedPayload is the payload for room_created
type RoomCreatedPayload struct {
	RoomID     string `json:"roomId"`
	IsHost     bool   `json:"isHost"`
	ServerTime int64  `json:"serverTime"`
}

// RoomJoinedPayload is the payload for room_joined
type RoomJoinedPayload struct {
	RoomID       string  `json:"roomId"`
	IsHost       bool    `json:"isHost"`
	CurrentTrack *string `json:"currentTrack"`
	Position     float64 `json:"position"`
	IsPlaying    bool    `json:"isPlaying"`
	ServerTime   int64   `json:"serverTime"`
}

// JoinErrorPayload is the payload for join_error
type JoinErrorPayload struct {
	Message string `json:"message"`
}

// ClientsUpdatedPayload is the payload for clients_updated
type ClientsUpdatedPayload struct {
	Count int `json:"count"`
}

// PlaybackState is the authoritative playback position at Timestamp.
// It is the payload of sync_playback, sync_seek, heartbeat_sync and force_sync.
type PlaybackState struct {
	IsPlaying       bool    `json:"isPlaying"`
	Position        float64 `json:"position"`
	Timestamp       int64   `json:"timestamp"`
	PlaybackEpochMs *int64  `json:"playbackEpochMs"`
	DriftMs         *int64  `json:"driftMs,omitempty"`
}

// NewHostPayload is the payload for new_host
type NewHostPayload struct {
	IsHost bool `json:"isHost"`
}

// PongPayload is the payload for pong_sync
type PongPayload struct {
	ServerTime int64  `json:"serverTime"`
	ClientTime *int64 `json:"clientTime,omitempty"`
}

// SongChangedPayload is the payload for song_changed
type SongChangedPayload struct {
	Track     string  `json:"track"`
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"isPlaying"`
	Timestamp int64   `json:"timestamp"`
}
