package room

import (
	"context"
	"testing"
	"time"
)

func TestHeartbeatSkipsIdleRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	solo := f.create(t, "solo-host", "")
	if err := f.svc.PlayPause(ctx, solo, "solo-host", true, 0); err != nil {
		t.Fatal(err)
	}

	paused := f.create(t, "paused-host", "")
	f.join(t, paused, "", "paused-listener")

	playing := f.create(t, "host", "")
	f.join(t, playing, "", "listener")
	if err := f.svc.PlayPause(ctx, playing, "host", true, 0); err != nil {
		t.Fatal(err)
	}
	f.notifier.reset()

	if sent := f.svc.heartbeat.tick(); sent != 1 {
		t.Fatalf("heartbeat covered %d rooms, want 1", sent)
	}
	beats := f.notifier.ofType(EventTypeHeartbeatSync)
	if len(beats) != 1 || beats[0].roomID != playing {
		t.Fatalf("heartbeats = %+v, want one for %s", beats, playing)
	}
}

func TestHeartbeatSkipsBusyRoom(t *testing.T) {
	f := newFixture(t)
	roomID := f.create(t, "host", "")
	f.join(t, roomID, "", "listener")
	if err := f.svc.PlayPause(context.Background(), roomID, "host", true, 0); err != nil {
		t.Fatal(err)
	}

	rm, _ := f.svc.registry.Get(roomID)
	rm.mu.Lock()
	sent := f.svc.heartbeat.tick()
	rm.mu.Unlock()
	if sent != 0 {
		t.Fatalf("heartbeat waited on a locked room")
	}
}

func TestHeartbeatLoopTicks(t *testing.T) {
	f := newFixture(t)
	roomID := f.create(t, "host", "")
	f.join(t, roomID, "", "listener")
	if err := f.svc.PlayPause(context.Background(), roomID, "host", true, 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.heartbeat.Start(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := f.clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("heartbeat ticker not started: %v", err)
	}
	f.clock.Advance(HeartbeatInterval)

	deadline := time.Now().Add(2 * time.Second)
	for len(f.notifier.ofType(EventTypeHeartbeatSync)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat after one interval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	beat := decodePayload[PlaybackState](t, f.notifier.ofType(EventTypeHeartbeatSync)[0].event)
	if beat.Position != 1.5 {
		t.Errorf("heartbeat position = %v, want 1.5", beat.Position)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not stop on cancel")
	}
}
