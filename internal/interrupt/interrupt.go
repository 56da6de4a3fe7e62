// Package interrupt turns OS interrupt delivery into a process-wide,
// single-shot cancellation signal that is polled between plan steps.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Signal is raised at most once and read by any number of observers.
// Raising it never aborts work already in progress; readers decide when to
// look at it.
type Signal struct {
	once     sync.Once
	stopOnce sync.Once
	done     chan struct{}
	stop     func()
	notified chan os.Signal
}

// New returns a signal that is only raised by Trigger.
func New() *Signal {
	return &Signal{done: make(chan struct{}), stop: func() {}}
}

// Notify returns a signal raised by SIGINT or SIGTERM. Call it once at
// process start and pass the result down. Only the first signal is caught;
// a second one gets the default action and ends the process.
func Notify() *Signal {
	s := New()
	ch := make(chan os.Signal, 1)
	s.notified = ch
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			signal.Stop(ch)
			log.Warn().Str("signal", sig.String()).Msg("Stopping after the current step, interrupt again to abort now")
			s.Trigger()
		case <-quit:
		}
	}()
	s.stop = func() {
		signal.Stop(ch)
		close(quit)
	}
	return s
}

// Trigger raises the signal. Subsequent calls are no-ops.
func (s *Signal) Trigger() {
	s.once.Do(func() { close(s.done) })
}

// Cancelled reports, without blocking, whether the signal has been raised.
// A nil Signal is never cancelled.
func (s *Signal) Cancelled() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is raised.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Stop releases the OS notification. The signal keeps its current state.
func (s *Signal) Stop() {
	s.stopOnce.Do(s.stop)
}
