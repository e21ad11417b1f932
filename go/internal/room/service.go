package room

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Rooms is the set of room operations the transport layer drives.
type Rooms interface {
	CreateRoom(ctx context.Context, connectionID, password string) (*RoomCreatedPayload, error)
	JoinRoom(ctx context.Context, roomID, password, connectionID string) (*RoomJoinedPayload, error)
	RemoveMember(ctx context.Context, roomID, connectionID string) error
	PlayPause(ctx context.Context, roomID, connectionID string, isPlaying bool, position float64) error
	Seek(ctx context.Context, roomID, connectionID string, position float64) error
	RequestSync(ctx context.Context, roomID string) (*PlaybackState, error)
	CheckDrift(ctx context.Context, roomID, connectionID string, clientPosition float64) error
	ReportLatency(ctx context.Context, roomID, connectionID string, latencyMs float64) error
	SetTrack(ctx context.Context, roomID, track string) error
	// EndSession releases the room's track and drops its mirror; membership is unchanged.
	EndSession(ctx context.Context, roomID string) (bool, error)
	Pong(clientTime *int64) PongPayload
}

// Config holds the collaborators of a Service.
type Config struct {
	Clock     Clock
	Notifier  Notifier
	Mirror    Mirror
	MirrorTTL time.Duration
	Tracks    TrackReleaser
	// Instance identifies this process in mirrored snapshots.
	Instance string
	// HeartbeatInterval defaults to HeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Service is the room engine of one process: registry, transport commands, clock sync,
// failover and the background heartbeat and mirror writer.
type Service struct {
	registry  *Registry
	engine    *Engine
	clockSync *ClockSync
	heartbeat *HeartbeatBroadcaster
	mirror    *MirrorWriter
	instance  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Rooms = (*Service)(nil)

// NewService wires a Service from cfg.
func NewService(cfg Config) *Service {
	var clock Clock = clockwork.NewRealClock()
	if cfg.Clock != nil {
		clock = cfg.Clock
	}
	clock = newMonotonicClock(clock)
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = HeartbeatInterval
	}

	mirror := NewMirrorWriter(cfg.Mirror, cfg.MirrorTTL)
	registry := newRegistry(clock, cfg.Notifier, mirror, cfg.Instance)
	registry.releaser = cfg.Tracks

	return &Service{
		registry:  registry,
		engine:    &Engine{registry: registry, clock: clock, notifier: cfg.Notifier},
		clockSync: &ClockSync{registry: registry, clock: clock},
		heartbeat: &HeartbeatBroadcaster{registry: registry, clock: clock, notifier: cfg.Notifier, interval: interval},
		mirror:    mirror,
		instance:  cfg.Instance,
	}
}

// SetLifecycle registers the observer of room open/close. It must be called before Start.
func (s *Service) SetLifecycle(l Lifecycle) {
	s.registry.lifecycle = l
}

// Start launches the heartbeat and mirror writer.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.mirror.Start(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeat.Start(ctx)
	}()

	log.Info().Str("instance", s.instance).Msg("room service started")
}

// Stop cancels the background loops and waits for them to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Str("instance", s.instance).Msg("room service stopped")
}

// Instance returns the id of this process.
func (s *Service) Instance() string {
	return s.instance
}

// Owns reports whether the room lives on this process.
func (s *Service) Owns(roomID string) bool {
	rm, ok := s.registry.Get(roomID)
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return !rm.closed
}

// RoomCount returns the number of rooms on this process.
func (s *Service) RoomCount() int {
	return s.registry.Len()
}

// Snapshot returns the current state of a local room.
func (s *Service) Snapshot(roomID string) (*Snapshot, error) {
	rm, err := s.registry.lookupLocked(roomID)
	if err != nil {
		return nil, err
	}
	defer rm.mu.Unlock()
	snap := rm.snapshot(s.instance)
	return &snap, nil
}

func (s *Service) CreateRoom(_ context.Context, connectionID, password string) (*RoomCreatedPayload, error) {
	return s.registry.CreateRoom(connectionID, password)
}

func (s *Service) JoinRoom(_ context.Context, roomID, password, connectionID string) (*RoomJoinedPayload, error) {
	return s.registry.JoinRoom(roomID, password, connectionID)
}

// Recover rebuilds a room this instance owned from the mirror.
func (s *Service) Recover(ctx context.Context, roomID, password, connectionID string) (*RoomJoinedPayload, error) {
	return s.registry.Recover(ctx, roomID, password, connectionID)
}

func (s *Service) RemoveMember(_ context.Context, roomID, connectionID string) error {
	return s.registry.RemoveMember(roomID, connectionID)
}

func (s *Service) PlayPause(_ context.Context, roomID, connectionID string, isPlaying bool, position float64) error {
	return s.engine.PlayPause(roomID, connectionID, isPlaying, position)
}

func (s *Service) Seek(_ context.Context, roomID, connectionID string, position float64) error {
	return s.engine.Seek(roomID, connectionID, position)
}

func (s *Service) RequestSync(_ context.Context, roomID string) (*PlaybackState, error) {
	return s.engine.RequestSync(roomID)
}

func (s *Service) CheckDrift(_ context.Context, roomID, connectionID string, clientPosition float64) error {
	_, err := s.engine.CheckDrift(roomID, connectionID, clientPosition)
	return err
}

func (s *Service) ReportLatency(_ context.Context, roomID, connectionID string, latencyMs float64) error {
	return s.clockSync.ReportLatency(roomID, connectionID, latencyMs)
}

func (s *Service) SetTrack(_ context.Context, roomID, track string) error {
	return s.engine.SetTrack(roomID, track)
}

// EndSession reports whether a track was released.
func (s *Service) EndSession(_ context.Context, roomID string) (bool, error) {
	rm, err := s.registry.lookupLocked(roomID)
	if err != nil {
		return false, err
	}
	track := copyString(rm.currentTrack)
	s.mirror.Delete(roomID)
	rm.mu.Unlock()

	log.Info().Str("room_id", roomID).Msg("session ended")
	if track == nil {
		return false, nil
	}
	s.registry.releaseTrack(roomID, *track)
	return true, nil
}

func (s *Service) Pong(clientTime *int64) PongPayload {
	return s.clockSync.Pong(clientTime)
}
