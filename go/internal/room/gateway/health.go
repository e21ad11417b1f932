package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// BrokerStatus reports whether the cross-process broker is reachable.
type BrokerStatus interface {
	IsConnected() bool
}

// RoomCounter reports how many rooms this process owns.
type RoomCounter interface {
	RoomCount() int
}

// HealthStatus is the health of one gateway process
type HealthStatus struct {
	Healthy         bool     `json:"healthy"`
	Instance        string   `json:"instance"`
	Rooms           int      `json:"rooms"`
	Connections     int      `json:"connections"`
	BrokerEnabled   bool     `json:"broker_enabled"`
	BrokerConnected bool     `json:"broker_connected"`
	Errors          []string `json:"errors"`
}

// HealthChecker inspects the broker, the room engine and the connection manager.
type HealthChecker struct {
	instance    string
	broker      BrokerStatus
	rooms       RoomCounter
	connections *ConnectionManager
}

// NewHealthChecker creates a health checker. broker may be nil when running single-process.
func NewHealthChecker(instance string, broker BrokerStatus, rooms RoomCounter, cm *ConnectionManager) *HealthChecker {
	return &HealthChecker{instance: instance, broker: broker, rooms: rooms, connections: cm}
}

// Check evaluates health. Losing the broker degrades delivery but does not stop local rooms,
// so it is reported without marking the process unhealthy.
func (h *HealthChecker) Check(_ context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:     true,
		Instance:    h.instance,
		Rooms:       h.rooms.RoomCount(),
		Connections: h.connections.GetConnectionStats().TotalConnections,
		Errors:      []string{},
	}

	if h.broker != nil {
		status.BrokerEnabled = true
		status.BrokerConnected = h.broker.IsConnected()
		if !status.BrokerConnected {
			status.Errors = append(status.Errors, "broker disconnected")
		}
	}
	return status
}

// ServeHTTP handles GET /health.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// ServeMetrics handles GET /metrics in Prometheus text format.
func (h *HealthChecker) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	brokerConnected := 0
	if status.BrokerConnected {
		brokerConnected = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, `# HELP syncroom_rooms Rooms owned by this process
# TYPE syncroom_rooms gauge
syncroom_rooms{instance=%q} %d

# HELP syncroom_connections Open WebSocket connections
# TYPE syncroom_connections gauge
syncroom_connections{instance=%q} %d

# HELP syncroom_broker_connected Whether the broker is connected
# TYPE syncroom_broker_connected gauge
syncroom_broker_connected{instance=%q} %d
`, status.Instance, status.Rooms, status.Instance, status.Connections, status.Instance, brokerConnected)
}
