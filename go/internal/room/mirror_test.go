package room

import (
	"context"
	"testing"
	"time"
)

func TestMirrorWriterPreservesOrder(t *testing.T) {
	m := newMemMirror()
	w := NewMirrorWriter(m, time.Minute)

	w.Save(Snapshot{ID: "r1"})
	w.Save(Snapshot{ID: "r2"})
	w.Delete("r1")
	w.Save(Snapshot{ID: "r1", BasePositionSeconds: 3})
	w.Delete("r2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		n := len(m.calls)
		m.mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("applied %d of 5 writes", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	want := []mirrorCall{
		{"save", "r1"}, {"save", "r2"}, {"delete", "r1"}, {"save", "r1"}, {"delete", "r2"},
	}
	for i, c := range want {
		if m.calls[i] != c {
			t.Fatalf("call %d = %+v, want %+v", i, m.calls[i], c)
		}
	}
	snap, err := m.Load(context.Background(), "r1")
	if err != nil || snap.BasePositionSeconds != 3 {
		t.Fatalf("final r1 = %+v, %v", snap, err)
	}
}

func TestMirrorWriterDropsWhenFull(t *testing.T) {
	w := NewMirrorWriter(nil, 0)
	for i := 0; i < cap(w.queue)+10; i++ {
		w.Delete("r")
	}
	if len(w.queue) != cap(w.queue) {
		t.Fatalf("queue len = %d, want %d", len(w.queue), cap(w.queue))
	}
	if w.ttl != DefaultMirrorTTL {
		t.Errorf("ttl = %s, want %s", w.ttl, DefaultMirrorTTL)
	}
}

func TestSnapshotPositionAt(t *testing.T) {
	epoch := int64(1000)
	snap := Snapshot{BasePositionSeconds: 2, IsPlaying: true, PlaybackEpochMs: &epoch}
	if got := snap.PositionAt(3500); got != 4.5 {
		t.Errorf("PositionAt = %v, want 4.5", got)
	}
	snap.IsPlaying = false
	if got := snap.PositionAt(3500); got != 2 {
		t.Errorf("paused PositionAt = %v, want 2", got)
	}
	if MirrorKey("ab12") != "room:ab12" {
		t.Errorf("MirrorKey = %s", MirrorKey("ab12"))
	}
}
