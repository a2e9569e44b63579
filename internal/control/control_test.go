package control

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestChannel(onStop func()) *Channel {
	flags := NewFlags()
	log := zerolog.Nop()
	return NewChannel(flags, log, onStop)
}

func TestStartSetsRecording(t *testing.T) {
	c := newTestChannel(nil)
	c.Dispatch("START")
	if !c.flags.Recording() {
		t.Error("recording should be true after START")
	}
	if c.flags.Quit() {
		t.Error("quit should remain false after START")
	}
}

func TestStopClearsRecording(t *testing.T) {
	c := newTestChannel(nil)
	c.Dispatch("START")
	c.Dispatch("STOP")
	if c.flags.Recording() {
		t.Error("recording should be false after STOP")
	}
}

func TestQuitIsMonotonic(t *testing.T) {
	c := newTestChannel(nil)
	c.Dispatch("START")
	c.Dispatch("QUIT")
	if c.flags.Recording() {
		t.Error("recording should be false after QUIT")
	}
	if !c.flags.Quit() {
		t.Error("quit should be true after QUIT")
	}
	// QUIT is terminal; a later START must not resurrect recording in a
	// way that un-quits the worker (callers check Quit() first).
	c.Dispatch("START")
	if !c.flags.Quit() {
		t.Error("quit must remain true, it is monotonic")
	}
}

func TestCaseInsensitive(t *testing.T) {
	c := newTestChannel(nil)
	c.Dispatch("start")
	if !c.flags.Recording() {
		t.Error("lowercase start should set recording")
	}
}

func TestUnknownLineIgnored(t *testing.T) {
	c := newTestChannel(nil)
	c.Dispatch("START")
	c.Dispatch("BOGUS")
	if !c.flags.Recording() {
		t.Error("unknown line should not clear recording")
	}
}

func TestStopAfterSchedulesStop(t *testing.T) {
	done := make(chan struct{})
	c := newTestChannel(func() { close(done) })
	c.Dispatch("START")
	c.Dispatch("STOP_AFTER 0.01")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("STOP_AFTER did not fire within 1s")
	}
	if c.flags.Recording() {
		t.Error("recording should be false after STOP_AFTER fires")
	}
}

func TestSecondStopAfterSupersedesFirst(t *testing.T) {
	var fired int
	done := make(chan struct{}, 2)
	c := newTestChannel(func() { fired++; done <- struct{}{} })
	c.Dispatch("START")
	c.Dispatch("STOP_AFTER 10")
	c.Dispatch("STOP_AFTER 0.01")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second STOP_AFTER did not fire within 1s")
	}
	time.Sleep(20 * time.Millisecond)
	if fired != 1 {
		t.Errorf("onStop fired %d times, want 1 (first timer should have been cancelled)", fired)
	}
}

func TestRunReadsLineDelimitedInput(t *testing.T) {
	c := newTestChannel(nil)
	input := strings.NewReader("START\nSTOP\nQUIT\n")
	if err := c.Run(input); err != nil {
		t.Fatal(err)
	}
	if !c.flags.Quit() {
		t.Error("quit should be true after running QUIT line")
	}
}
