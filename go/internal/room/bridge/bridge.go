package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// Command ops carried on a room's command subject.
const (
	OpJoin        = "join"
	OpLeave       = "leave"
	OpPlayPause   = "play_pause"
	OpSeek        = "seek"
	OpRequestSync = "request_sync"
	OpSyncCheck   = "sync_check"
	OpLatency     = "latency"
	OpSetTrack    = "set_track"
	OpEndSession  = "end_session"
)

// Config configures a Bridge.
type Config struct {
	// Prefix namespaces every subject, e.g. "syncroom".
	Prefix string
	// Instance identifies this process; events it published are not redelivered to it.
	Instance string
	// RequestTimeout bounds a forwarded command waiting for its reply.
	RequestTimeout time.Duration
	// PublishQueue is the number of outbound events buffered before dropping.
	PublishQueue int
	// MaxRetries is how many times a failed publish is retried.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
}

// DefaultConfig returns default bridge settings.
func DefaultConfig(instance string) Config {
	return Config{
		Prefix:         "syncroom",
		Instance:       instance,
		RequestTimeout: 2 * time.Second,
		PublishQueue:   1024,
		MaxRetries:     2,
		RetryDelay:     50 * time.Millisecond,
	}
}

// Envelope is an event replicated to other processes.
type Envelope struct {
	Origin string      `json:"origin"`
	Target string      `json:"target,omitempty"`
	Event  *room.Event `json:"event"`
}

// Command is a room operation forwarded to the owning process.
type Command struct {
	Op           string  `json:"op"`
	RoomID       string  `json:"roomId"`
	ConnectionID string  `json:"connectionId,omitempty"`
	Password     string  `json:"password,omitempty"`
	IsPlaying    bool    `json:"isPlaying,omitempty"`
	Position     float64 `json:"position,omitempty"`
	LatencyMs    float64 `json:"latencyMs,omitempty"`
	Track        string  `json:"track,omitempty"`
}

// Reply answers a forwarded Command.
type Reply struct {
	Error  string                  `json:"error,omitempty"`
	Joined *room.RoomJoinedPayload `json:"joined,omitempty"`
	State  *room.PlaybackState     `json:"state,omitempty"`
	// Released is set by end_session when a track was deleted.
	Released bool `json:"released,omitempty"`
}

type outbound struct {
	subject string
	data    []byte
}

// Bridge connects the room engine of this process to the rest of the deployment.
// It is the engine's Notifier: events go to local connections first and are then
// replicated on the broker. It is also the engine's Lifecycle: every owned room gets a
// command subscription so other processes can forward operations to it.
//
// A Bridge without a broker delivers locally only.
type Bridge struct {
	broker Broker
	local  room.Notifier
	config Config

	rooms room.Rooms

	mu       sync.Mutex
	commands map[string]Subscription
	events   Subscription

	queue chan outbound
}

var (
	_ room.Notifier  = (*Bridge)(nil)
	_ room.Lifecycle = (*Bridge)(nil)
)

// New creates a Bridge. broker may be nil.
func New(broker Broker, local room.Notifier, config Config) *Bridge {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Second
	}
	if config.PublishQueue <= 0 {
		config.PublishQueue = 1024
	}
	return &Bridge{
		broker:   broker,
		local:    local,
		config:   config,
		commands: make(map[string]Subscription),
		queue:    make(chan outbound, config.PublishQueue),
	}
}

// Attach sets the engine that serves forwarded commands. It must be called before Start.
func (b *Bridge) Attach(rooms room.Rooms) {
	b.rooms = rooms
}

// Enabled reports whether a broker is configured.
func (b *Bridge) Enabled() bool {
	return b.broker != nil
}

func (b *Bridge) eventSubject(roomID string) string {
	return fmt.Sprintf("%s.events.%s", b.config.Prefix, roomID)
}

func (b *Bridge) commandSubject(roomID string) string {
	return fmt.Sprintf("%s.rooms.%s", b.config.Prefix, roomID)
}

// Start subscribes to replicated events and runs the publish loop until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.broker == nil {
		log.Info().Msg("no broker configured, running single-process")
		<-ctx.Done()
		return nil
	}

	sub, err := b.broker.Subscribe(b.eventSubject("*"), b.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe to room events: %w", err)
	}
	b.mu.Lock()
	b.events = sub
	b.mu.Unlock()

	log.Info().
		Str("instance", b.config.Instance).
		Str("prefix", b.config.Prefix).
		Msg("bridge started")

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case out := <-b.queue:
			if err := b.publishWithRetry(ctx, out); err != nil {
				log.Warn().
					Err(err).
					Str("subject", out.subject).
					Msg("failed to replicate event")
			}
		}
	}
}

// publishWithRetry publishes out, retrying up to MaxRetries times.
func (b *Bridge) publishWithRetry(ctx context.Context, out outbound) error {
	var lastErr error
	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.config.RetryDelay * time.Duration(attempt)):
			}
		}

		pubCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
		err := b.broker.Publish(pubCtx, out.subject, out.data)
		cancel()
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Str("subject", out.subject).Msg("publish succeeded after retry")
			}
			return nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Str("subject", out.subject).Msg("failed to publish, retrying")
	}
	return fmt.Errorf("%w: publish failed after %d attempts: %v", room.ErrBrokerUnavailable, b.config.MaxRetries+1, lastErr)
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil {
		b.events.Unsubscribe()
		b.events = nil
	}
	for roomID, sub := range b.commands {
		sub.Unsubscribe()
		delete(b.commands, roomID)
	}
	log.Info().Msg("bridge stopped")
}

// BroadcastToRoom delivers to local members and replicates the event.
func (b *Bridge) BroadcastToRoom(roomID string, event *room.Event) {
	b.local.BroadcastToRoom(roomID, event)
	b.replicate(roomID, "", event)
}

// SendToConnection delivers to one member, wherever it is connected.
func (b *Bridge) SendToConnection(roomID, connectionID string, event *room.Event) {
	b.local.SendToConnection(roomID, connectionID, event)
	b.replicate(roomID, connectionID, event)
}

func (b *Bridge) replicate(roomID, target string, event *room.Event) {
	if b.broker == nil {
		return
	}
	data, err := json.Marshal(Envelope{Origin: b.config.Instance, Target: target, Event: event})
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to marshal event envelope")
		return
	}
	select {
	case b.queue <- outbound{subject: b.eventSubject(roomID), data: data}:
	default:
		log.Warn().Str("room_id", roomID).Str("event_type", string(event.Type)).Msg("publish queue full, dropping event")
	}
}

func (b *Bridge) handleEvent(msg *Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event envelope")
		return
	}
	if env.Origin == b.config.Instance || env.Event == nil {
		return
	}
	if env.Target != "" {
		b.local.SendToConnection(env.Event.RoomID, env.Target, env.Event)
		return
	}
	b.local.BroadcastToRoom(env.Event.RoomID, env.Event)
}

// RoomOpened starts serving forwarded commands for a room owned here.
func (b *Bridge) RoomOpened(roomID string) {
	if b.broker == nil {
		return
	}
	sub, err := b.broker.Subscribe(b.commandSubject(roomID), b.handleCommand)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to subscribe to room commands")
		return
	}
	b.mu.Lock()
	if old, ok := b.commands[roomID]; ok {
		old.Unsubscribe()
	}
	b.commands[roomID] = sub
	b.mu.Unlock()
}

// RoomClosed stops serving commands for a room.
func (b *Bridge) RoomClosed(roomID string) {
	b.mu.Lock()
	sub, ok := b.commands[roomID]
	delete(b.commands, roomID)
	b.mu.Unlock()
	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("failed to unsubscribe room commands")
		}
	}
}

func (b *Bridge) handleCommand(msg *Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed command")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.RequestTimeout)
	defer cancel()

	reply := b.execute(ctx, cmd)
	if !msg.CanRespond() {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Str("op", cmd.Op).Msg("failed to marshal command reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("op", cmd.Op).Str("room_id", cmd.RoomID).Msg("failed to reply to command")
	}
}

func (b *Bridge) execute(ctx context.Context, cmd Command) Reply {
	if b.rooms == nil {
		return Reply{Error: room.ErrorCode(room.ErrRoomNotFound)}
	}

	var (
		reply Reply
		err   error
	)
	switch cmd.Op {
	case OpJoin:
		reply.Joined, err = b.rooms.JoinRoom(ctx, cmd.RoomID, cmd.Password, cmd.ConnectionID)
	case OpLeave:
		err = b.rooms.RemoveMember(ctx, cmd.RoomID, cmd.ConnectionID)
	case OpPlayPause:
		err = b.rooms.PlayPause(ctx, cmd.RoomID, cmd.ConnectionID, cmd.IsPlaying, cmd.Position)
	case OpSeek:
		err = b.rooms.Seek(ctx, cmd.RoomID, cmd.ConnectionID, cmd.Position)
	case OpRequestSync:
		reply.State, err = b.rooms.RequestSync(ctx, cmd.RoomID)
	case OpSyncCheck:
		err = b.rooms.CheckDrift(ctx, cmd.RoomID, cmd.ConnectionID, cmd.Position)
	case OpLatency:
		err = b.rooms.ReportLatency(ctx, cmd.RoomID, cmd.ConnectionID, cmd.LatencyMs)
	case OpSetTrack:
		err = b.rooms.SetTrack(ctx, cmd.RoomID, cmd.Track)
	case OpEndSession:
		reply.Released, err = b.rooms.EndSession(ctx, cmd.RoomID)
	default:
		err = fmt.Errorf("unknown op %q", cmd.Op)
	}
	if err != nil {
		log.Debug().Err(err).Str("op", cmd.Op).Str("room_id", cmd.RoomID).Msg("forwarded command failed")
		reply.Error = room.ErrorCode(err)
	}
	return reply
}

// Forward sends cmd to the owning process without waiting for an answer.
func (b *Bridge) Forward(ctx context.Context, cmd Command) error {
	if b.broker == nil {
		return room.ErrRoomNotFound
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := b.broker.Publish(ctx, b.commandSubject(cmd.RoomID), data); err != nil {
		return fmt.Errorf("%w: %v", room.ErrBrokerUnavailable, err)
	}
	return nil
}

// Request sends cmd to the owning process and waits for its reply. A room nobody owns
// yields ErrRoomNotFound.
func (b *Bridge) Request(ctx context.Context, cmd Command) (*Reply, error) {
	if b.broker == nil {
		return nil, room.ErrRoomNotFound
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	resp, err := b.broker.Request(ctx, b.commandSubject(cmd.RoomID), data)
	if err != nil {
		if !errors.Is(err, ErrNoResponders) {
			log.Warn().Err(err).Str("room_id", cmd.RoomID).Str("op", cmd.Op).Msg("forwarded command got no reply")
		}
		return nil, room.ErrRoomNotFound
	}

	var reply Reply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	if reply.Error != "" {
		return nil, room.ErrorFromCode(reply.Error)
	}
	return &reply, nil
}
