package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

type sentEvent struct {
	roomID       string
	connectionID string // empty for broadcasts
	event        *Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) BroadcastToRoom(roomID string, event *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{roomID: roomID, event: event})
}

func (n *recordingNotifier) SendToConnection(roomID, connectionID string, event *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{roomID: roomID, connectionID: connectionID, event: event})
}

func (n *recordingNotifier) ofType(t EventType) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

type mirrorCall struct {
	op     string
	roomID string
}

type memMirror struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
	calls []mirrorCall
}

func newMemMirror() *memMirror {
	return &memMirror{snaps: make(map[string]Snapshot)}
}

func (m *memMirror) Save(_ context.Context, snap Snapshot, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	m.calls = append(m.calls, mirrorCall{op: "save", roomID: snap.ID})
	return nil
}

func (m *memMirror) Load(_ context.Context, roomID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &snap, nil
}

func (m *memMirror) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, roomID)
	m.calls = append(m.calls, mirrorCall{op: "delete", roomID: roomID})
	return nil
}

func (m *memMirror) has(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snaps[roomID]
	return ok
}

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(track string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, track)
	return nil
}

func (r *recordingReleaser) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

type fixture struct {
	svc      *Service
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
	mirror   *memMirror
	tracks   *recordingReleaser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clockwork.NewFakeClockAt(testEpoch),
		notifier: &recordingNotifier{},
		mirror:   newMemMirror(),
		tracks:   &recordingReleaser{},
	}
	f.svc = NewService(Config{
		Clock:    f.clock,
		Notifier: f.notifier,
		Mirror:   f.mirror,
		Tracks:   f.tracks,
		Instance: "test-instance",
	})
	return f
}

// flushMirror applies every queued mirror write synchronously.
func (f *fixture) flushMirror() {
	w := f.svc.mirror
	for {
		select {
		case op := <-w.queue:
			w.apply(context.Background(), op)
		default:
			return
		}
	}
}

func (f *fixture) create(t *testing.T, connID, password string) string {
	t.Helper()
	created, err := f.svc.CreateRoom(context.Background(), connID, password)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return created.RoomID
}

func (f *fixture) join(t *testing.T, roomID, password, connID string) *RoomJoinedPayload {
	t.Helper()
	joined, err := f.svc.JoinRoom(context.Background(), roomID, password, connID)
	if err != nil {
		t.Fatalf("JoinRoom(%s): %v", connID, err)
	}
	return joined
}

func (f *fixture) state(t *testing.T, roomID string) *PlaybackState {
	t.Helper()
	state, err := f.svc.RequestSync(context.Background(), roomID)
	if err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	return state
}

func decodePayload[T any](t *testing.T, ev *Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Type, err)
	}
	return v
}
