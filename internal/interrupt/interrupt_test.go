package interrupt

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

func TestNewIsNotCancelled(t *testing.T) {
	s := New()
	if s.Cancelled() {
		t.Error("fresh signal should not be cancelled")
	}
}

func TestTriggerIsSticky(t *testing.T) {
	s := New()
	s.Trigger()
	s.Trigger()
	for i := 0; i < 3; i++ {
		if !s.Cancelled() {
			t.Fatal("signal should stay cancelled after Trigger")
		}
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done channel should be closed")
	}
}

func TestNilSignal(t *testing.T) {
	var s *Signal
	if s.Cancelled() {
		t.Error("nil signal should never be cancelled")
	}
}

func TestStopThenTrigger(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
	s.Trigger()
	if !s.Cancelled() {
		t.Error("Trigger after Stop should still raise the signal")
	}
}

func TestNotifySIGTERM(t *testing.T) {
	s := Notify()
	defer s.Stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not raised by SIGTERM")
	}
}

func TestNotifyReleasesAfterFirstSignal(t *testing.T) {
	s := Notify()
	defer s.Stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not raised by SIGTERM")
	}

	// Keep the test process alive across the second signal.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-guard:
	case <-time.After(5 * time.Second):
		t.Fatal("second SIGTERM was not delivered")
	}
	select {
	case sig := <-s.notified:
		t.Errorf("%v was still caught after the first signal", sig)
	case <-time.After(100 * time.Millisecond):
	}
}
