package gateway

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
	"github.com/mcdev12/syncroom/go/internal/tracks"
)

// Service is the HTTP and WebSocket surface of a syncroom process.
type Service struct {
	connectionManager *ConnectionManager
	dispatcher        *Dispatcher
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	uploadHandler     *UploadHandler
	health            *HealthChecker
}

// Config holds configuration for the gateway service
type Config struct {
	MaxUploadBytes int64
}

// NewService wires the handlers around an existing connection manager, which is also
// the local notifier of the room engine.
func NewService(config Config, cm *ConnectionManager, rooms room.Rooms, store *tracks.Store, health *HealthChecker, clock clockwork.Clock) *Service {
	return &Service{
		connectionManager: cm,
		dispatcher:        NewDispatcher(rooms, cm, clock),
		wsHandler:         NewWebSocketHandler(cm),
		stateHandler:      NewStateHandler(rooms),
		uploadHandler:     NewUploadHandler(rooms, store, config.MaxUploadBytes),
		health:            health,
	}
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	s.uploadHandler.RegisterRoutes(mux)
	if s.health != nil {
		mux.Handle("/health", s.health)
		mux.HandleFunc("/metrics", s.health.ServeMetrics)
	}
	log.Info().Msg("gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
