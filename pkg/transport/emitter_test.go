package transport_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/milla/pkg/transport"
)

// ── Emitter ──────────────────────────────────────────────────────────────────

func drain(t *testing.T, ch <-chan transport.Event) []transport.Event {
	t.Helper()
	var out []transport.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel not closed")
			return out
		}
	}
}

func TestEmitter_ExactlyOneClosed(t *testing.T) {
	t.Parallel()

	e := transport.NewEmitter(8)
	e.Emit(transport.TurnComplete{})
	e.Emit(transport.Transcript{Role: transport.RoleModel, Text: "hi"})

	cause := errors.New("boom")
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 0 {
				e.Finish(cause)
			} else {
				e.Finish(nil)
			}
		}()
	}

	events := drain(t, e.Events())
	wg.Wait()

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %#v", len(events), events)
	}
	if _, ok := events[0].(transport.TurnComplete); !ok {
		t.Errorf("events[0] = %T, want TurnComplete", events[0])
	}
	if _, ok := events[2].(transport.Closed); !ok {
		t.Errorf("last event = %T, want Closed", events[2])
	}
	if e.Emit(transport.Interrupted{}) {
		t.Error("Emit after Finish reported delivery")
	}
}

func TestEmitter_FinishReleasesBlockedEmit(t *testing.T) {
	t.Parallel()

	e := transport.NewEmitter(1)
	e.Emit(transport.TurnComplete{}) // fills the buffer

	blocked := make(chan bool, 1)
	go func() { blocked <- e.Emit(transport.Interrupted{}) }()
	time.Sleep(10 * time.Millisecond)

	go e.Finish(nil)

	events := drain(t, e.Events())
	if delivered := <-blocked; delivered {
		// The blocked emit may win the race for the freed slot; then it must
		// still precede Closed.
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
	}
	if _, ok := events[len(events)-1].(transport.Closed); !ok {
		t.Errorf("last event = %T, want Closed", events[len(events)-1])
	}
}
