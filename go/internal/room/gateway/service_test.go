package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/syncroom/go/internal/room"
	"github.com/mcdev12/syncroom/go/internal/tracks"
)

type harness struct {
	clock  *clockwork.FakeClock
	rooms  *room.Service
	store  *tracks.Store
	cm     *ConnectionManager
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store, err := tracks.NewStore(t.TempDir(), 1<<20, clock)
	if err != nil {
		t.Fatal(err)
	}
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)
	rooms := room.NewService(room.Config{
		Clock:    clock,
		Notifier: cm,
		Tracks:   store,
		Instance: "test",
	})

	svc := NewService(Config{MaxUploadBytes: 1 << 20}, cm, rooms, store, NewHealthChecker("test", nil, rooms, cm), clock)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &harness{clock: clock, rooms: rooms, store: store, cm: cm, server: server}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(ClientMessage{Type: msgType, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// expect reads frames until one of type want arrives and decodes its payload into v.
func expect(t *testing.T, conn *websocket.Conn, want room.EventType, v any) room.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev room.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if ev.Type != want {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(ev.Data, v); err != nil {
				t.Fatalf("decode %s: %v", want, err)
			}
		}
		return ev
	}
}

func createRoom(t *testing.T, conn *websocket.Conn, password string) string {
	t.Helper()
	send(t, conn, MessageTypeCreateRoom, map[string]string{"password": password})
	var created room.RoomCreatedPayload
	expect(t, conn, room.EventTypeRoomCreated, &created)
	if !created.IsHost || len(created.RoomID) != 8 {
		t.Fatalf("room_created = %+v", created)
	}
	return created.RoomID
}

func TestCreateAndJoinOverWebSocket(t *testing.T) {
	h := newHarness(t)
	host := h.dial(t)
	guest := h.dial(t)

	roomID := createRoom(t, host, "pw")

	send(t, guest, MessageTypeJoinRoom, map[string]string{"roomId": roomID, "password": "wrong"})
	var joinErr room.JoinErrorPayload
	expect(t, guest, room.EventTypeJoinError, &joinErr)
	if joinErr.Message != "Incorrect password" {
		t.Fatalf("join_error = %q", joinErr.Message)
	}

	send(t, guest, MessageTypeJoinRoom, map[string]string{"roomId": "nosuchid"})
	expect(t, guest, room.EventTypeJoinError, &joinErr)
	if joinErr.Message != "Room not found" {
		t.Fatalf("join_error = %q", joinErr.Message)
	}

	send(t, guest, MessageTypeJoinRoom, map[string]string{"roomId": roomID, "password": "pw"})
	var joined room.RoomJoinedPayload
	expect(t, guest, room.EventTypeRoomJoined, &joined)
	if joined.IsHost || joined.IsPlaying || joined.Position != 0 {
		t.Fatalf("room_joined = %+v", joined)
	}

	for name, conn := range map[string]*websocket.Conn{"host": host, "guest": guest} {
		var count room.ClientsUpdatedPayload
		expect(t, conn, room.EventTypeClientsUpdated, &count)
		if count.Count != 2 {
			t.Fatalf("%s saw count %d, want 2", name, count.Count)
		}
	}
}

func TestPlaybackCommandsOverWebSocket(t *testing.T) {
	h := newHarness(t)
	host := h.dial(t)
	guest := h.dial(t)

	roomID := createRoom(t, host, "")
	send(t, guest, MessageTypeJoinRoom, map[string]string{"roomId": roomID})
	expect(t, guest, room.EventTypeRoomJoined, nil)

	send(t, host, MessageTypePlayPause, map[string]any{"roomId": roomID, "isPlaying": true, "position": 30})
	for _, conn := range []*websocket.Conn{host, guest} {
		var state room.PlaybackState
		expect(t, conn, room.EventTypeSyncPlayback, &state)
		if !state.IsPlaying || state.Position != 30 {
			t.Fatalf("sync_playback = %+v", state)
		}
	}

	// A listener cannot pause; the request is dropped.
	send(t, guest, MessageTypePlayPause, map[string]any{"isPlaying": false, "position": 0})
	h.clock.Advance(2 * time.Second)

	send(t, guest, MessageTypeRequestSync, map[string]string{})
	var state room.PlaybackState
	expect(t, guest, room.EventTypeForceSync, &state)
	if !state.IsPlaying || state.Position != 32 {
		t.Fatalf("force_sync = %+v, want playing at 32", state)
	}

	send(t, guest, MessageTypeSyncCheck, map[string]any{"clientPosition": 20.0})
	expect(t, guest, room.EventTypeForceSync, &state)
	if state.DriftMs == nil || *state.DriftMs != 12000 {
		t.Fatalf("drift force_sync = %+v", state)
	}
}

func TestPingSyncEchoesClientTime(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, MessageTypePingSync, map[string]int64{"clientTime": 1234})
	var pong room.PongPayload
	expect(t, conn, room.EventTypePongSync, &pong)
	if pong.ClientTime == nil || *pong.ClientTime != 1234 {
		t.Fatalf("pong clientTime = %v", pong.ClientTime)
	}
	if pong.ServerTime != h.clock.Now().UnixMilli() {
		t.Fatalf("pong serverTime = %d, want %d", pong.ServerTime, h.clock.Now().UnixMilli())
	}
}

func TestHostDisconnectPromotesListener(t *testing.T) {
	h := newHarness(t)
	host := h.dial(t)
	guest := h.dial(t)

	roomID := createRoom(t, host, "")
	send(t, guest, MessageTypeJoinRoom, map[string]string{"roomId": roomID})
	expect(t, guest, room.EventTypeRoomJoined, nil)
	expect(t, guest, room.EventTypeClientsUpdated, nil)

	host.Close()

	var promoted room.NewHostPayload
	expect(t, guest, room.EventTypeNewHost, &promoted)
	if !promoted.IsHost {
		t.Fatal("new_host without isHost")
	}
	var count room.ClientsUpdatedPayload
	expect(t, guest, room.EventTypeClientsUpdated, &count)
	if count.Count != 1 {
		t.Fatalf("count after host left = %d, want 1", count.Count)
	}

	// The promoted listener may now seek.
	send(t, guest, MessageTypeSeek, map[string]any{"position": 42.0})
	var state room.PlaybackState
	expect(t, guest, room.EventTypeSyncSeek, &state)
	if state.Position != 42 {
		t.Fatalf("sync_seek position = %v", state.Position)
	}
}

func TestRoomStateEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := http.Get(h.server.URL + "/api/rooms/missing1/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown room status = %d", resp.StatusCode)
	}

	created, err := h.rooms.CreateRoom(ctx, "host", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.rooms.PlayPause(ctx, created.RoomID, "host", true, 10); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(1500 * time.Millisecond)

	resp, err = http.Get(h.server.URL + "/api/rooms/" + created.RoomID + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var state RoomStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.RoomID != created.RoomID || !state.IsPlaying || state.Position != 11.5 {
		t.Fatalf("state = %+v", state)
	}
}

func upload(t *testing.T, h *harness, filename, roomID string, body []byte) (*http.Response, uploadResponse) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(body)
	if roomID != "" {
		mw.WriteField("room_id", roomID)
	}
	mw.Close()

	resp, err := http.Post(h.server.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return resp, out
}

func TestUploadChangesSongAndEndSessionReleasesIt(t *testing.T) {
	h := newHarness(t)
	host := h.dial(t)
	roomID := createRoom(t, host, "")

	resp, out := upload(t, h, "My Song.mp3", roomID, []byte("ID3 fake audio"))
	if resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("upload = %d %+v", resp.StatusCode, out)
	}
	if !strings.HasSuffix(out.Filename, "_My_Song.mp3") {
		t.Fatalf("stored name = %q", out.Filename)
	}

	var changed room.SongChangedPayload
	expect(t, host, room.EventTypeSongChanged, &changed)
	if changed.Track != out.Filename || changed.IsPlaying || changed.Position != 0 {
		t.Fatalf("song_changed = %+v", changed)
	}

	served, err := http.Get(h.server.URL + "/uploads/" + out.Filename)
	if err != nil {
		t.Fatal(err)
	}
	content, _ := io.ReadAll(served.Body)
	served.Body.Close()
	if string(content) != "ID3 fake audio" {
		t.Fatalf("served content = %q", content)
	}

	endResp, err := http.Post(h.server.URL+"/end_session", "application/json", strings.NewReader(`{"room_id":"`+roomID+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	var ended uploadResponse
	json.NewDecoder(endResp.Body).Decode(&ended)
	endResp.Body.Close()
	if ended.Message != "Session cleaned up successfully" {
		t.Fatalf("end_session = %+v", ended)
	}
	if _, err := os.Stat(filepath.Join(h.store.Dir(), out.Filename)); !os.IsNotExist(err) {
		t.Fatalf("track still on disk: %v", err)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	h := newHarness(t)
	resp, out := upload(t, h, "notes.txt", "", []byte("hello"))
	if resp.StatusCode != http.StatusBadRequest || out.Error != "Invalid file type" {
		t.Fatalf("upload = %d %+v", resp.StatusCode, out)
	}
}

func TestUploadForUnknownRoomLeavesNoFile(t *testing.T) {
	h := newHarness(t)
	resp, out := upload(t, h, "orphan.mp3", "nosuchid", []byte("ID3 fake audio"))
	if resp.StatusCode != http.StatusNotFound || out.Error != "Room not found" {
		t.Fatalf("upload = %d %+v", resp.StatusCode, out)
	}

	entries, err := os.ReadDir(h.store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload dir still holds %d entries, first %q", len(entries), entries[0].Name())
	}
}

func TestEndSessionUnknownRoom(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.server.URL+"/end_session", "application/json", strings.NewReader(`{"room_id":"nosuchid"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	if _, err := h.rooms.CreateRoom(context.Background(), "host", ""); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(h.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var status HealthStatus
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !status.Healthy || status.Rooms != 1 || status.BrokerEnabled {
		t.Fatalf("health = %d %+v", resp.StatusCode, status)
	}

	resp, err = http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `syncroom_rooms{instance="test"} 1`) {
		t.Fatalf("metrics missing room gauge:\n%s", body)
	}
}
