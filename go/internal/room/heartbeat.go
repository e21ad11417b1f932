package room

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatInterval is the period of heartbeat_sync broadcasts.
const HeartbeatInterval = 500 * time.Millisecond

// HeartbeatBroadcaster periodically pushes the authoritative position to every room that is
// playing with more than one member.
type HeartbeatBroadcaster struct {
	registry *Registry
	clock    Clock
	notifier Notifier
	interval time.Duration
}

// Start runs the heartbeat loop until ctx is cancelled.
func (h *HeartbeatBroadcaster) Start(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", h.interval).Msg("heartbeat started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat stopped")
			return
		case <-ticker.Chan():
			h.tick()
		}
	}
}

// tick sends one round of heartbeats and returns how many rooms were covered.
// A room whose lock is busy is skipped until the next tick.
func (h *HeartbeatBroadcaster) tick() int {
	sent := 0
	for _, rm := range h.registry.rooms() {
		if !rm.mu.TryLock() {
			continue
		}
		if rm.closed || len(rm.members) < 2 || !rm.isPlaying {
			rm.mu.Unlock()
			continue
		}
		now := nowMs(h.clock)
		state := rm.stateAt(now)
		roomID := rm.id
		rm.mu.Unlock()

		ev, err := NewEvent(roomID, EventTypeHeartbeatSync, now, state)
		if err != nil {
			log.Error().Err(err).Msg("failed to build heartbeat event")
			continue
		}
		h.notifier.BroadcastToRoom(roomID, ev)
		sent++
	}
	return sent
}
