package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hls-gateway/internal/hls"
	"hls-gateway/internal/media"
	"hls-gateway/internal/stream"
)

var testCodecs = media.CodecParams{Audio: media.AudioAAC}

func newEntry(key string) *Entry {
	return &Entry{
		Key:       key,
		Session:   stream.NewSession(key, "127.0.0.1:1", testCodecs),
		Segmenter: hls.NewSegmenter(hls.Config{Key: key, Codecs: testCodecs}),
	}
}

func TestInMemoryRegistry_Register(t *testing.T) {
	reg := New(0, nil)
	e := newEntry("cam1")

	t.Run("success", func(t *testing.T) {
		if err := reg.Register(e); err != nil {
			t.Fatalf("Register: %v", err)
		}
		got, err := reg.Lookup("cam1")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if got != e {
			t.Errorf("Lookup returned %p, want %p", got, e)
		}
	})

	t.Run("duplicate_rejected", func(t *testing.T) {
		err := reg.Register(newEntry("cam1"))
		if !errors.Is(err, ErrAlreadyLive) {
			t.Fatalf("expected ErrAlreadyLive, got %v", err)
		}
		got, _ := reg.Lookup("cam1")
		if got != e {
			t.Error("existing session must be unaffected by a rejected duplicate")
		}
	})

	t.Run("incomplete_entry", func(t *testing.T) {
		if err := reg.Register(&Entry{Key: "x"}); err == nil {
			t.Error("expected error for entry without session")
		}
	})
}

func TestInMemoryRegistry_Register_concurrent_same_key(t *testing.T) {
	for round := 0; round < 50; round++ {
		reg := New(0, nil)

		const racers = 16
		var ok, dup atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e := newEntry("cam2")
				<-start
				switch err := reg.Register(e); {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrAlreadyLive):
					dup.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if ok.Load() != 1 || dup.Load() != racers-1 {
			t.Fatalf("round %d: successes=%d duplicates=%d", round, ok.Load(), dup.Load())
		}
		if reg.Len() != 1 {
			t.Fatalf("round %d: expected exactly one entry, got %d", round, reg.Len())
		}
	}
}

func TestInMemoryRegistry_Register_limit(t *testing.T) {
	reg := New(2, nil)
	if err := reg.Register(newEntry("a")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(newEntry("b")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(newEntry("c")); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
	if _, err := reg.Lookup("a"); err != nil {
		t.Error("existing streams must be unaffected by the limit")
	}
}

func TestInMemoryRegistry_Lookup_not_found(t *testing.T) {
	reg := New(0, nil)
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryRegistry_Unregister(t *testing.T) {
	reg := New(0, nil)
	e := newEntry("cam1")
	if err := reg.Register(e); err != nil {
		t.Fatal(err)
	}

	t.Run("wrong_session_is_noop", func(t *testing.T) {
		if reg.Unregister("cam1", "someone-else") {
			t.Error("Unregister with a foreign session ID must not remove the entry")
		}
		if _, err := reg.Lookup("cam1"); err != nil {
			t.Errorf("entry should still exist: %v", err)
		}
	})

	t.Run("owner_removes_and_closes_segmenter", func(t *testing.T) {
		if !reg.Unregister("cam1", e.Session.ID) {
			t.Fatal("Unregister by owner should succeed")
		}
		if _, err := reg.Lookup("cam1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after Unregister, got %v", err)
		}
		if !e.Segmenter.Stats().Closed {
			t.Error("segmenter should be closed on Unregister")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		if reg.Unregister("cam1", e.Session.ID) {
			t.Error("second Unregister should report false")
		}
	})

	t.Run("key_reusable", func(t *testing.T) {
		if err := reg.Register(newEntry("cam1")); err != nil {
			t.Errorf("key should be reusable after Unregister: %v", err)
		}
	})
}

// publishEntry returns an entry whose segmenter numbers from reg's next
// sequence for key and has finalized segments whole segments.
func publishEntry(t *testing.T, reg *InMemoryRegistry, key string, segments int) *Entry {
	t.Helper()
	codecs := media.CodecParams{Video: media.VideoH264}
	seg := hls.NewSegmenter(hls.Config{
		Key:            key,
		Codecs:         codecs,
		FirstSequence:  reg.NextSequence(key),
		TargetDuration: time.Second,
	})
	for i := 0; i <= segments*25; i++ {
		dts := time.Duration(i) * 40 * time.Millisecond
		kf := i%25 == 0
		f := &media.Frame{Kind: media.KindVideo, DTS: dts, PTS: dts, IsKeyframe: kf, NALUs: [][]byte{{0x41, 0x9a}}}
		if kf {
			f.NALUs = [][]byte{{0x65, 0x88}}
		}
		if err := seg.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
	}
	return &Entry{Key: key, Session: stream.NewSession(key, "127.0.0.1:1", codecs), Segmenter: seg}
}

func TestInMemoryRegistry_NextSequence_continues_across_sessions(t *testing.T) {
	reg := New(0, nil)
	if got := reg.NextSequence("cam1"); got != 0 {
		t.Fatalf("unpublished key: NextSequence = %d, want 0", got)
	}

	first := publishEntry(t, reg, "cam1", 2)
	if err := reg.Register(first); err != nil {
		t.Fatal(err)
	}
	if got := reg.NextSequence("cam1"); got != 0 {
		t.Errorf("live key: NextSequence = %d, want 0 until the session ends", got)
	}
	reg.Unregister("cam1", "someone-else")
	if got := reg.NextSequence("cam1"); got != 0 {
		t.Errorf("foreign Unregister moved NextSequence to %d", got)
	}
	if !reg.Unregister("cam1", first.Session.ID) {
		t.Fatal("Unregister by owner should succeed")
	}
	if got := reg.NextSequence("cam1"); got != 2 {
		t.Fatalf("after first session: NextSequence = %d, want 2", got)
	}

	second := publishEntry(t, reg, "cam1", 1)
	if err := reg.Register(second); err != nil {
		t.Fatal(err)
	}
	if got := second.Segmenter.CurrentManifest().MediaSequence(); got != 2 {
		t.Errorf("second session starts at %d, want 2", got)
	}
	reg.Unregister("cam1", second.Session.ID)
	if got := reg.NextSequence("cam1"); got != 3 {
		t.Errorf("after second session: NextSequence = %d, want 3", got)
	}
	if got := reg.NextSequence("cam2"); got != 0 {
		t.Errorf("other keys are unaffected: NextSequence = %d", got)
	}
}

func TestInMemoryRegistry_Register_rejects_stale_sequence(t *testing.T) {
	reg := New(0, nil)
	stale := newEntry("cam1") // numbered from 0 while the first session is live

	first := publishEntry(t, reg, "cam1", 2)
	if err := reg.Register(first); err != nil {
		t.Fatal(err)
	}
	reg.Unregister("cam1", first.Session.ID)

	if err := reg.Register(stale); !errors.Is(err, ErrAlreadyLive) {
		t.Errorf("expected ErrAlreadyLive for a segmenter built before the previous session ended, got %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("rejected entry must not be stored, Len = %d", reg.Len())
	}
}

func TestInMemoryRegistry_ListActive_and_Snapshot(t *testing.T) {
	reg := New(0, nil)
	for _, k := range []string{"stream-c", "stream-a", "stream-b"} {
		if err := reg.Register(newEntry(k)); err != nil {
			t.Fatal(err)
		}
	}

	keys := reg.ListActive()
	want := []string{"stream-a", "stream-b", "stream-c"}
	if len(keys) != len(want) {
		t.Fatalf("ListActive: got %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("ListActive[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].Key != "stream-a" || snap[2].Key != "stream-c" {
		t.Errorf("Snapshot not sorted: %v", snap)
	}
}

func TestNewWithStore(t *testing.T) {
	store := NewInMemoryStore()
	reg := NewWithStore(store, 0, nil)

	if err := reg.Register(newEntry("cam1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := store.Get("cam1"); !ok {
		t.Error("injected store should contain the entry after Register")
	}
}

func TestInMemoryStore_Put_replaces(t *testing.T) {
	store := NewInMemoryStore()
	e1, e2 := newEntry("s1"), newEntry("s1")
	store.Put(e1)
	store.Put(e2)

	got, ok := store.Get("s1")
	if !ok || got != e2 {
		t.Errorf("Put should replace: got %p want %p", got, e2)
	}
	store.Delete("s1")
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
}
