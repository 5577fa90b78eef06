package schedule

import (
	"testing"
	"time"
)

func TestFake_FiresInOrder(t *testing.T) {
	f := NewFake()
	var got []string

	f.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	f.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	f.AfterFunc(5*time.Second, func() { got = append(got, "c") })

	f.Advance(3 * time.Second)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Fired timers mismatch: got %v, want [a b]", got)
	}
	if f.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", f.Pending())
	}
}

func TestFake_Stop(t *testing.T) {
	f := NewFake()
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() should report a pending timer as stopped")
	}
	if timer.Stop() {
		t.Error("Stop() should report false for an already stopped timer")
	}

	f.Advance(time.Minute)
	if fired {
		t.Error("Stopped timer fired")
	}
}

func TestFake_RearmDuringCallback(t *testing.T) {
	f := NewFake()
	count := 0
	var tick func()
	tick = func() {
		count++
		f.AfterFunc(10*time.Second, tick)
	}
	f.AfterFunc(10*time.Second, tick)

	f.Advance(35 * time.Second)

	if count != 3 {
		t.Errorf("Re-armed timer fired %d times, want 3", count)
	}
	if f.Now() != 35*time.Second {
		t.Errorf("Now() = %v, want 35s", f.Now())
	}
}

func TestReal(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Real scheduler did not fire")
	}
}
