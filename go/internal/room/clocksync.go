package room

import (
	"math"

	"github.com/rs/zerolog/log"
)

// ClockSync answers client clock probes and records reported latencies.
type ClockSync struct {
	registry *Registry
	clock    Clock
}

// Pong returns the current server time, echoing clientTime when the probe carried one.
func (c *ClockSync) Pong(clientTime *int64) PongPayload {
	return PongPayload{
		ServerTime: nowMs(c.clock),
		ClientTime: copyInt64(clientTime),
	}
}

// ReportLatency stores a member's measured round-trip latency. It has no effect on sync.
func (c *ClockSync) ReportLatency(roomID, connectionID string, latencyMs float64) error {
	if latencyMs < 0 || math.IsNaN(latencyMs) || math.IsInf(latencyMs, 0) {
		return nil
	}
	rm, err := c.registry.lookupLocked(roomID)
	if err != nil {
		return err
	}

	m := rm.member(connectionID)
	if m == nil {
		rm.mu.Unlock()
		return ErrNotMember
	}
	m.LatencyMs = latencyMs
	rm.lastUpdateMs = nowMs(c.clock)
	closer, err := c.registry.commitLocked(rm)
	rm.mu.Unlock()
	if err != nil {
		closer()
		return err
	}

	log.Debug().
		Str("room_id", roomID).
		Str("connection_id", connectionID).
		Float64("latency_ms", latencyMs).
		Msg("latency reported")
	return nil
}
