package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// RoomStateResponse is the authoritative playback state of a room
type RoomStateResponse struct {
	RoomID          string  `json:"room_id"`
	IsPlaying       bool    `json:"is_playing"`
	Position        float64 `json:"position"`
	Timestamp       int64   `json:"timestamp"`
	PlaybackEpochMs *int64  `json:"playback_epoch_ms,omitempty"`
}

// StateHandler handles HTTP requests for room state
type StateHandler struct {
	rooms room.Rooms
}

// NewStateHandler creates a new state handler
func NewStateHandler(rooms room.Rooms) *StateHandler {
	return &StateHandler{
		rooms: rooms,
	}
}

// HandleGetRoomState handles GET /api/rooms/{id}/state
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := extractRoomIDFromPath(r.URL.Path)
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	state, err := h.rooms.RequestSync(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to get room state")
		http.Error(w, "Failed to get room state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(RoomStateResponse{
		RoomID:          roomID,
		IsPlaying:       state.IsPlaying,
		Position:        state.Position,
		Timestamp:       state.Timestamp,
		PlaybackEpochMs: state.PlaybackEpochMs,
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/state") {
			h.HandleGetRoomState(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// extractRoomIDFromPath extracts room ID from path like /api/rooms/{id}/state
func extractRoomIDFromPath(path string) string {
	const prefix = "/api/rooms/"
	const suffix = "/state"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
