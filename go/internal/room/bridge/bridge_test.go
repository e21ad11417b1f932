package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/syncroom/go/internal/room"
)

type memSubscription struct {
	broker *memBroker
	id     int
}

func (s memSubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.subs, s.id)
	return nil
}

type memSub struct {
	pattern string
	handler Handler
}

// memBroker delivers synchronously to matching subscribers.
type memBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]memSub
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[int]memSub)}
}

func matches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		rest, found := strings.CutPrefix(subject, prefix+".")
		return found && rest != "" && !strings.Contains(rest, ".")
	}
	return pattern == subject
}

func (b *memBroker) handlers(subject string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Handler
	for _, s := range b.subs {
		if matches(s.pattern, subject) {
			out = append(out, s.handler)
		}
	}
	return out
}

func (b *memBroker) Publish(_ context.Context, subject string, data []byte) error {
	for _, h := range b.handlers(subject) {
		h(NewMessage(subject, data, nil))
	}
	return nil
}

func (b *memBroker) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	hs := b.handlers(subject)
	if len(hs) == 0 {
		return nil, ErrNoResponders
	}
	var reply []byte
	hs[0](NewMessage(subject, data, func(r []byte) error {
		reply = r
		return nil
	}))
	if reply == nil {
		return nil, errors.New("no reply")
	}
	return reply, nil
}

func (b *memBroker) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = memSub{pattern: subject, handler: handler}
	return memSubscription{broker: b, id: b.nextID}, nil
}

func (b *memBroker) Close() error { return nil }

type delivery struct {
	roomID       string
	connectionID string
	event        *room.Event
}

type localNotifier struct {
	mu     sync.Mutex
	events []delivery
}

func (n *localNotifier) BroadcastToRoom(roomID string, event *room.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, delivery{roomID: roomID, event: event})
}

func (n *localNotifier) SendToConnection(roomID, connectionID string, event *room.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, delivery{roomID: roomID, connectionID: connectionID, event: event})
}

func (n *localNotifier) ofType(t room.EventType) []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []delivery
	for _, d := range n.events {
		if d.event.Type == t {
			out = append(out, d)
		}
	}
	return out
}

type memMirror struct {
	mu    sync.Mutex
	snaps map[string]room.Snapshot
}

func (m *memMirror) Save(_ context.Context, snap room.Snapshot, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	return nil
}

func (m *memMirror) Load(_ context.Context, roomID string) (*room.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[roomID]
	if !ok {
		return nil, room.ErrRoomNotFound
	}
	return &snap, nil
}

func (m *memMirror) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, roomID)
	return nil
}

type node struct {
	local  *localNotifier
	bridge *Bridge
	rooms  *room.Service
	router *Router
}

func newNode(t *testing.T, ctx context.Context, broker Broker, mirror room.Mirror, clock clockwork.Clock, instance string) *node {
	t.Helper()
	n := &node{local: &localNotifier{}}
	n.bridge = New(broker, n.local, DefaultConfig(instance))
	n.rooms = room.NewService(room.Config{
		Clock:    clock,
		Notifier: n.bridge,
		Mirror:   mirror,
		Instance: instance,
	})
	n.rooms.SetLifecycle(n.bridge)
	n.bridge.Attach(n.rooms)
	n.router = NewRouter(n.rooms, n.bridge)

	started := make(chan struct{})
	go func() {
		close(started)
		n.bridge.Start(ctx)
	}()
	<-started
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startPair(t *testing.T) (*node, *node, *memBroker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broker := newMemBroker()
	clock := clockwork.NewFakeClock()
	a := newNode(t, ctx, broker, nil, clock, "instance-a")
	b := newNode(t, ctx, broker, nil, clock, "instance-b")

	// Both nodes must be subscribed to replicated events before the test starts.
	waitFor(t, "event subscriptions", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.subs) >= 2
	})
	return a, b, broker
}

func TestRemoteJoinIsServedByOwner(t *testing.T) {
	a, b, _ := startPair(t)
	ctx := context.Background()

	created, err := a.router.CreateRoom(ctx, "host", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if b.rooms.Owns(created.RoomID) {
		t.Fatal("room must only live on its owner")
	}

	if _, err := b.router.JoinRoom(ctx, created.RoomID, "nope", "remote"); !errors.Is(err, room.ErrWrongPassword) {
		t.Fatalf("remote join with wrong password = %v, want ErrWrongPassword", err)
	}

	joined, err := b.router.JoinRoom(ctx, created.RoomID, "pw", "remote")
	if err != nil {
		t.Fatalf("remote join: %v", err)
	}
	if joined.IsHost || joined.RoomID != created.RoomID {
		t.Fatalf("joined = %+v", joined)
	}

	// clients_updated emitted on the owner reaches the remote process.
	waitFor(t, "replicated clients_updated", func() bool {
		return len(b.local.ofType(room.EventTypeClientsUpdated)) == 1
	})
	if n := len(a.local.ofType(room.EventTypeClientsUpdated)); n != 1 {
		t.Fatalf("owner saw %d clients_updated, want exactly its own", n)
	}
}

func TestForwardedCommandsKeepHostAuthority(t *testing.T) {
	a, b, _ := startPair(t)
	ctx := context.Background()

	created, _ := a.router.CreateRoom(ctx, "host", "")
	if _, err := b.router.JoinRoom(ctx, created.RoomID, "", "remote"); err != nil {
		t.Fatal(err)
	}

	// Fire-and-forget: the owner drops it as unauthorized.
	if err := b.router.PlayPause(ctx, created.RoomID, "remote", true, 99); err != nil {
		t.Fatalf("forward: %v", err)
	}
	state, err := b.router.RequestSync(ctx, created.RoomID)
	if err != nil {
		t.Fatal(err)
	}
	if state.IsPlaying || state.Position != 0 {
		t.Fatalf("listener command applied remotely: %+v", state)
	}

	if err := a.router.PlayPause(ctx, created.RoomID, "host", true, 12); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replicated sync_playback", func() bool {
		return len(b.local.ofType(room.EventTypeSyncPlayback)) == 1
	})
}

func TestTargetedEventsReachRemoteConnection(t *testing.T) {
	a, b, _ := startPair(t)
	ctx := context.Background()

	created, _ := a.router.CreateRoom(ctx, "host", "")
	if _, err := b.router.JoinRoom(ctx, created.RoomID, "", "remote"); err != nil {
		t.Fatal(err)
	}
	if err := a.router.RemoveMember(ctx, created.RoomID, "host"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "replicated new_host", func() bool {
		return len(b.local.ofType(room.EventTypeNewHost)) == 1
	})
	got := b.local.ofType(room.EventTypeNewHost)[0]
	if got.connectionID != "remote" {
		t.Fatalf("new_host target = %q, want remote", got.connectionID)
	}
}

func TestJoinUnknownRoomWithoutMirror(t *testing.T) {
	_, b, _ := startPair(t)
	if _, err := b.router.JoinRoom(context.Background(), "deadbeef", "", "c1"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("join unknown room = %v, want ErrRoomNotFound", err)
	}
}

func TestJoinRecoversOwnedRoomFromMirror(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mirror := &memMirror{snaps: map[string]room.Snapshot{
		"cafe0001": {ID: "cafe0001", Password: "pw", Instance: "instance-a", BasePositionSeconds: 8},
		"cafe0002": {ID: "cafe0002", Instance: "instance-z"},
	}}
	a := newNode(t, ctx, newMemBroker(), mirror, clockwork.NewFakeClock(), "instance-a")

	joined, err := a.router.JoinRoom(ctx, "cafe0001", "pw", "returning")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !joined.IsHost || joined.Position != 8 || joined.IsPlaying {
		t.Fatalf("recovered = %+v", joined)
	}
	if _, err := a.router.JoinRoom(ctx, "cafe0002", "", "x"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("foreign snapshot = %v, want ErrRoomNotFound", err)
	}
}

func TestBridgeWithoutBrokerIsLocalOnly(t *testing.T) {
	local := &localNotifier{}
	b := New(nil, local, DefaultConfig("solo"))

	ev, err := room.NewEvent("r1", room.EventTypeClientsUpdated, 1, room.ClientsUpdatedPayload{Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	b.BroadcastToRoom("r1", ev)
	b.RoomOpened("r1")
	b.RoomClosed("r1")

	if len(local.events) != 1 {
		t.Fatalf("local deliveries = %d, want 1", len(local.events))
	}
	if _, err := b.Request(context.Background(), Command{Op: OpJoin, RoomID: "r1"}); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Request without broker = %v", err)
	}
	if b.Enabled() {
		t.Fatal("bridge without broker reports enabled")
	}
}

func TestRoomClosedDropsCommandSubscription(t *testing.T) {
	a, _, broker := startPair(t)
	ctx := context.Background()

	created, _ := a.router.CreateRoom(ctx, "host", "")
	if n := len(broker.handlers("syncroom.rooms." + created.RoomID)); n != 1 {
		t.Fatalf("command subscribers = %d, want 1", n)
	}
	if err := a.router.RemoveMember(ctx, created.RoomID, "host"); err != nil {
		t.Fatal(err)
	}
	if n := len(broker.handlers("syncroom.rooms." + created.RoomID)); n != 0 {
		t.Fatalf("command subscription left behind")
	}
}

// flakyBroker fails its first failures publishes.
type flakyBroker struct {
	*memBroker
	mu       sync.Mutex
	failures int
	attempts int
}

func (b *flakyBroker) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	b.attempts++
	fail := b.attempts <= b.failures
	b.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return b.memBroker.Publish(ctx, subject, data)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := DefaultConfig("a")
	config.RetryDelay = time.Millisecond
	b := New(&flakyBroker{memBroker: newMemBroker(), failures: 2}, &localNotifier{}, config)

	if err := b.publishWithRetry(ctx, outbound{subject: "syncroom.events.r1", data: []byte("{}")}); err != nil {
		t.Fatalf("publish with two transient failures: %v", err)
	}

	b = New(&flakyBroker{memBroker: newMemBroker(), failures: 10}, &localNotifier{}, config)
	err := b.publishWithRetry(ctx, outbound{subject: "syncroom.events.r1", data: []byte("{}")})
	if !errors.Is(err, room.ErrBrokerUnavailable) {
		t.Fatalf("exhausted retries = %v, want ErrBrokerUnavailable", err)
	}
}
