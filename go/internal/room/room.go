package room

import (
	"fmt"
	"math"
	"sync"
)

// Member is one connection participating in a room.
// ConnectionID is a lookup key into the transport layer; the room does not own the connection.
type Member struct {
	ConnectionID string  `json:"connectionId"`
	IsHost       bool    `json:"isHost"`
	LatencyMs    float64 `json:"latencyMs"`
	JoinedAt     int64   `json:"joinedAt"`
}

// Room is a synchronized listening session. All fields are guarded by mu.
type Room struct {
	mu     sync.Mutex
	closed bool

	id               string
	password         string
	hostConnectionID string
	members          []*Member // join order, oldest first
	currentTrack     *string

	basePositionSeconds float64
	isPlaying           bool
	playbackEpochMs     *int64
	lastUpdateMs        int64
}

func newRoom(id, password, hostConnectionID string, now int64) *Room {
	return &Room{
		id:               id,
		password:         password,
		hostConnectionID: hostConnectionID,
		members: []*Member{{
			ConnectionID: hostConnectionID,
			IsHost:       true,
			JoinedAt:     now,
		}},
		lastUpdateMs: now,
	}
}

// ID returns the immutable room identifier.
func (r *Room) ID() string {
	return r.id
}

// positionAt interpolates the playback position at server time now.
func (r *Room) positionAt(now int64) float64 {
	if !r.isPlaying || r.playbackEpochMs == nil {
		return r.basePositionSeconds
	}
	return r.basePositionSeconds + float64(now-*r.playbackEpochMs)/1000
}

// stateAt reports the authoritative playback state valid at now.
func (r *Room) stateAt(now int64) PlaybackState {
	return PlaybackState{
		IsPlaying:       r.isPlaying,
		Position:        r.positionAt(now),
		Timestamp:       now,
		PlaybackEpochMs: copyInt64(r.playbackEpochMs),
	}
}

func (r *Room) setPlaying(playing bool, position float64, now int64) {
	r.basePositionSeconds = position
	r.isPlaying = playing
	if playing {
		r.playbackEpochMs = &now
	} else {
		r.playbackEpochMs = nil
	}
	r.lastUpdateMs = now
}

func (r *Room) seek(position float64, now int64) {
	r.basePositionSeconds = position
	if r.isPlaying {
		r.playbackEpochMs = &now
	}
	r.lastUpdateMs = now
}

func (r *Room) member(connectionID string) *Member {
	for _, m := range r.members {
		if m.ConnectionID == connectionID {
			return m
		}
	}
	return nil
}

// addMember appends a listener. A connection that is already a member is left as is.
func (r *Room) addMember(connectionID string, now int64) *Member {
	if m := r.member(connectionID); m != nil {
		return m
	}
	m := &Member{ConnectionID: connectionID, JoinedAt: now}
	r.members = append(r.members, m)
	r.lastUpdateMs = now
	return m
}

// removeMember drops a member and reports whether it was the host.
func (r *Room) removeMember(connectionID string, now int64) (removed, wasHost bool) {
	for i, m := range r.members {
		if m.ConnectionID != connectionID {
			continue
		}
		r.members = append(r.members[:i], r.members[i+1:]...)
		r.lastUpdateMs = now
		return true, m.IsHost
	}
	return false, false
}

// validate checks the room invariants.
func (r *Room) validate() error {
	if (r.playbackEpochMs != nil) != r.isPlaying {
		return fmt.Errorf("room %s: playback epoch set=%t while playing=%t", r.id, r.playbackEpochMs != nil, r.isPlaying)
	}
	if len(r.members) == 0 {
		if !r.closed {
			return fmt.Errorf("room %s: open with no members", r.id)
		}
		return nil
	}
	hosts := 0
	seen := make(map[string]struct{}, len(r.members))
	for _, m := range r.members {
		if _, dup := seen[m.ConnectionID]; dup {
			return fmt.Errorf("room %s: duplicate member %s", r.id, m.ConnectionID)
		}
		seen[m.ConnectionID] = struct{}{}
		if m.IsHost {
			hosts++
			if m.ConnectionID != r.hostConnectionID {
				return fmt.Errorf("room %s: host flag on %s but host is %s", r.id, m.ConnectionID, r.hostConnectionID)
			}
		}
	}
	if hosts != 1 {
		return fmt.Errorf("room %s: %d hosts", r.id, hosts)
	}
	return nil
}

// snapshot captures the mirrored state of the room.
func (r *Room) snapshot(instance string) Snapshot {
	members := make([]Member, len(r.members))
	for i, m := range r.members {
		members[i] = *m
	}
	return Snapshot{
		ID:                  r.id,
		Password:            r.password,
		Instance:            instance,
		HostConnectionID:    r.hostConnectionID,
		Members:             members,
		CurrentTrack:        copyString(r.currentTrack),
		BasePositionSeconds: r.basePositionSeconds,
		IsPlaying:           r.isPlaying,
		PlaybackEpochMs:     copyInt64(r.playbackEpochMs),
		LastUpdateMs:        r.lastUpdateMs,
	}
}

// Snapshot is the serialized form of a room kept in the external mirror.
type Snapshot struct {
	ID                  string   `json:"id"`
	Password            string   `json:"password"`
	Instance            string   `json:"instance"`
	HostConnectionID    string   `json:"hostConnectionId"`
	Members             []Member `json:"members"`
	CurrentTrack        *string  `json:"currentTrack"`
	BasePositionSeconds float64  `json:"basePositionSeconds"`
	IsPlaying           bool     `json:"isPlaying"`
	PlaybackEpochMs     *int64   `json:"playbackEpochMs"`
	LastUpdateMs        int64    `json:"lastUpdateMs"`
}

// PositionAt interpolates the snapshot's playback position at now.
func (s Snapshot) PositionAt(now int64) float64 {
	if !s.IsPlaying || s.PlaybackEpochMs == nil {
		return s.BasePositionSeconds
	}
	return s.BasePositionSeconds + float64(now-*s.PlaybackEpochMs)/1000
}

func validPosition(p float64) bool {
	return p >= 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
