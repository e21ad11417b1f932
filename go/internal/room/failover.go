package room

import "github.com/rs/zerolog/log"

// FailoverManager reassigns the host role when the host leaves a room that still has members.
type FailoverManager struct {
	notifier Notifier
}

// promote makes the longest-standing remaining member the host. The caller holds rm.mu and
// guarantees rm has at least one member.
func (f *FailoverManager) promote(rm *Room, now int64) *Member {
	successor := rm.members[0]
	for _, m := range rm.members {
		m.IsHost = m == successor
	}
	rm.hostConnectionID = successor.ConnectionID
	rm.lastUpdateMs = now

	log.Info().
		Str("room_id", rm.id).
		Str("connection_id", successor.ConnectionID).
		Msg("new host assigned")
	return successor
}

// notify tells only the promoted connection about its new role.
func (f *FailoverManager) notify(roomID, connectionID string, now int64) {
	ev, err := NewEvent(roomID, EventTypeNewHost, now, NewHostPayload{IsHost: true})
	if err != nil {
		log.Error().Err(err).Msg("failed to build new_host event")
		return
	}
	f.notifier.SendToConnection(roomID, connectionID, ev)
}
