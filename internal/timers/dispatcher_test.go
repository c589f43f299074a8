package timers

import (
	"errors"
	"testing"
	"time"

	"triggerhost/internal/eventbus"
	logx "triggerhost/pkg/logx"
)

func TestDispatcherCountsPublishesAndCallsHooks(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	var hooked []error
	d := NewDispatcher(logx.Nop(), WithBus(bus), WithLogRate(1), WithHook(func(err error) {
		hooked = append(hooked, err)
	}))

	d.Fault(nil)
	d.Fault(errors.New("first"))
	d.Fault(errors.New("second"))

	snap := d.Snapshot()
	if snap.Total != 2 {
		t.Fatalf("total = %d, want 2", snap.Total)
	}
	if snap.Last != "second" {
		t.Fatalf("last = %q", snap.Last)
	}
	if snap.Suppressed != 1 {
		t.Fatalf("suppressed = %d, want 1 (rate 1/s)", snap.Suppressed)
	}
	if len(hooked) != 2 {
		t.Fatalf("hooks called %d times", len(hooked))
	}

	select {
	case e := <-events:
		if e.Type != EventFault || e.Data != "first" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no fault event published")
	}
}

func TestDispatcherSurvivesPanickingHook(t *testing.T) {
	d := NewDispatcher(logx.Logger{}, WithHook(func(error) { panic("hook") }))
	d.Fault(errors.New("x"))
	if d.Snapshot().Total != 1 {
		t.Fatal("fault not counted")
	}
}
