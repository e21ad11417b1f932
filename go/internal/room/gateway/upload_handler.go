package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
	"github.com/mcdev12/syncroom/go/internal/tracks"
)

// UploadHandler accepts audio uploads, serves stored tracks and ends sessions.
type UploadHandler struct {
	rooms    room.Rooms
	store    *tracks.Store
	maxBytes int64
}

// NewUploadHandler creates an upload handler. maxBytes bounds the request body.
func NewUploadHandler(rooms room.Rooms, store *tracks.Store, maxBytes int64) *UploadHandler {
	return &UploadHandler{rooms: rooms, store: store, maxBytes: maxBytes}
}

type uploadResponse struct {
	Success  bool   `json:"success,omitempty"`
	Filename string `json:"filename,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HandleUpload handles POST /upload with multipart fields file and room_id.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.maxBytes > 0 {
		// Leave room for the multipart framing around the file.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, uploadResponse{Error: "File too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, uploadResponse{Error: "No file selected"})
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Error: "No file selected"})
		return
	}

	name, err := h.store.Save(header.Filename, file)
	switch {
	case errors.Is(err, tracks.ErrUnsupportedType):
		writeJSON(w, http.StatusBadRequest, uploadResponse{Error: "Invalid file type"})
		return
	case errors.Is(err, tracks.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, uploadResponse{Error: "File too large"})
		return
	case err != nil:
		log.Error().Err(err).Str("filename", header.Filename).Msg("failed to store upload")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Error: "Failed to store file"})
		return
	}

	if roomID := r.FormValue("room_id"); roomID != "" {
		if err := h.rooms.SetTrack(r.Context(), roomID, name); err != nil {
			if releaseErr := h.store.Release(name); releaseErr != nil {
				log.Error().Err(releaseErr).Str("track", name).Msg("failed to remove unapplied upload")
			}
			if errors.Is(err, room.ErrRoomNotFound) {
				writeJSON(w, http.StatusNotFound, uploadResponse{Error: "Room not found"})
				return
			}
			log.Error().Err(err).Str("room_id", roomID).Str("track", name).Msg("uploaded track not applied to room")
			writeJSON(w, http.StatusInternalServerError, uploadResponse{Error: "Failed to set track"})
			return
		}
	}

	writeJSON(w, http.StatusOK, uploadResponse{Success: true, Filename: name})
}

// HandleServeTrack handles GET /uploads/{name}.
func (h *UploadHandler) HandleServeTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path, err := h.store.Path(strings.TrimPrefix(r.URL.Path, "/uploads/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

type endSessionRequest struct {
	RoomID string `json:"room_id"`
}

// HandleEndSession handles POST /end_session.
func (h *UploadHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Error: "Room not found"})
		return
	}

	released, err := h.rooms.EndSession(r.Context(), req.RoomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			writeJSON(w, http.StatusNotFound, uploadResponse{Error: "Room not found"})
			return
		}
		log.Error().Err(err).Str("room_id", req.RoomID).Msg("failed to end session")
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Error: "Failed to end session"})
		return
	}

	msg := "No files to clean up"
	if released {
		msg = "Session cleaned up successfully"
	}
	writeJSON(w, http.StatusOK, uploadResponse{Success: true, Message: msg})
}

// RegisterRoutes registers upload routes with an HTTP mux
func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/upload", h.HandleUpload)
	mux.HandleFunc("/uploads/", h.HandleServeTrack)
	mux.HandleFunc("/end_session", h.HandleEndSession)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
