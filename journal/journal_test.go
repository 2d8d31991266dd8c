package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/hotcode/codeload"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndQuery(t *testing.T) {
	j := openTestJournal(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	j.Record(codeload.Event{Kind: codeload.EventLoaded, Module: "a", Detail: "loaded", At: at})
	j.Record(codeload.Event{Kind: codeload.EventLoaded, Module: "b", At: at.Add(time.Second)})
	j.Record(codeload.Event{Kind: codeload.EventPurged, Module: "a", Detail: "soft", At: at.Add(2 * time.Second)})

	ctx := context.Background()
	if err := j.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if j.Written() != 3 {
		t.Errorf("Written: got %d, want 3", j.Written())
	}

	events, err := j.Events(ctx, "a", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events for a: got %d, want 2", len(events))
	}
	if events[0].Kind != codeload.EventLoaded || events[1].Kind != codeload.EventPurged {
		t.Errorf("order: got %s, %s", events[0].Kind, events[1].Kind)
	}
	if !events[0].At.Equal(at) || events[1].Detail != "soft" {
		t.Errorf("fields: got %+v", events)
	}

	all, _ := j.Events(ctx, "", 2)
	if len(all) != 2 || all[0].Module != "b" || all[1].Module != "a" {
		t.Errorf("limited events: got %+v, want the two most recent", all)
	}
}

func TestJournal_RuntimeSink(t *testing.T) {
	j := openTestJournal(t)
	rt := codeload.NewRuntime(codeload.WithEventSink(j))
	h, err := rt.Prepare("m", []byte{1, 2})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := rt.Finish([]codeload.Handle{h}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := j.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	events, _ := j.Events(context.Background(), "m", 0)
	if len(events) != 2 || events[1].Kind != codeload.EventLoaded {
		t.Errorf("events: got %+v", events)
	}
}

func TestJournal_CloseDrainsAndRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		j.Record(codeload.Event{Kind: codeload.EventPrepared, Module: "m", At: time.Now()})
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := j.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync after close: got %v, want ErrClosed", err)
	}
	j.Record(codeload.Event{Kind: codeload.EventPrepared, Module: "m"})
	if j.Dropped() != 1 {
		t.Errorf("Dropped: got %d, want 1", j.Dropped())
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	events, _ := reopened.Events(context.Background(), "m", 0)
	if len(events) != 10 {
		t.Errorf("events after reopen: got %d, want 10", len(events))
	}
}

func TestJournal_OverflowEpisodes(t *testing.T) {
	// No writer goroutine, so the queue only drains when the test reads it.
	j := &Journal{queue: make(chan request, 1), stopped: make(chan struct{})}
	ev := codeload.Event{Kind: codeload.EventLoaded, Module: "m"}

	j.Record(ev)
	j.Record(ev)
	j.Record(ev)
	if j.Dropped() != 2 || j.overflows.Load() != 1 {
		t.Fatalf("first episode: dropped %d, overflows %d, want 2, 1", j.Dropped(), j.overflows.Load())
	}

	<-j.queue
	j.Record(ev)
	if j.overflowing.Load() {
		t.Error("an accepted event should end the overflow")
	}

	j.Record(ev)
	if j.Dropped() != 3 || j.overflows.Load() != 2 {
		t.Errorf("second episode: dropped %d, overflows %d, want 3, 2", j.Dropped(), j.overflows.Load())
	}
}
