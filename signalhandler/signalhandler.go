// Package signalhandler is the single dispatch point for process signals in
// a daemon embedding the store. It ignores SIGPIPE and SIGHUP, lets exactly
// one handler own each signal, and preserves the default behavior of fatal
// signals after dispatch so a core file is still produced.
package signalhandler

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// ErrInvalidSignal is returned for signals outside 1..64 or for SIGKILL and
// SIGSTOP, which cannot be caught.
var ErrInvalidSignal = errors.New("signalhandler: invalid signal")

const maxSignal = 64

// Info describes a delivered signal. The Go runtime does not surface the
// sender's identity, so PID and UID are -1.
type Info struct {
	Sig syscall.Signal
	PID int
	UID int
}

func (i Info) String() string {
	return fmt.Sprintf("signal %d (%s), from pid %d, uid %d", int(i.Sig), i.Sig, i.PID, i.UID)
}

// Handler is invoked on the dispatch goroutine when its signal arrives.
type Handler func(Info)

var fatalSignals = map[syscall.Signal]bool{
	syscall.SIGSEGV: true,
	syscall.SIGABRT: true,
	syscall.SIGILL:  true,
	syscall.SIGFPE:  true,
	syscall.SIGBUS:  true,
}

// Registry maps signals to handlers. Only the most recently installed
// handler for a signal fires.
type Registry struct {
	logger log.Logger

	mu       sync.Mutex
	handlers [maxSignal]Handler

	ch   chan os.Signal
	once sync.Once
	done chan struct{}
}

// New builds a registry and puts SIGPIPE and SIGHUP on OS-level ignore.
func New(logger log.Logger) *Registry {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	return &Registry{
		logger: logger,
		ch:     make(chan os.Signal, 8),
		done:   make(chan struct{}),
	}
}

// Install registers handler for every given signal, replacing any previous
// handler. The dispatch goroutine is started on the first call.
func (r *Registry) Install(handler Handler, sigs ...syscall.Signal) error {
	for _, sig := range sigs {
		if sig < 1 || sig > maxSignal || sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
			return fmt.Errorf("%w: %d", ErrInvalidSignal, int(sig))
		}
	}

	r.mu.Lock()
	for _, sig := range sigs {
		r.handlers[sig-1] = handler
		signal.Notify(r.ch, sig)
	}
	r.mu.Unlock()

	r.once.Do(func() {
		go r.dispatch()
	})
	return nil
}

func (r *Registry) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case s := <-r.ch:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			r.mu.Lock()
			h := r.handlers[sig-1]
			r.mu.Unlock()

			info := Info{Sig: sig, PID: -1, UID: -1}
			if h != nil {
				h(info)
			}
			if fatalSignals[sig] {
				// Restore the default action and re-raise so the kernel
				// produces a core file.
				level.Error(r.logger).Log("msg", "fatal signal", "signal", info.String())
				signal.Reset(sig)
				_ = unix.Kill(os.Getpid(), sig)
			}
		}
	}
}

// Close stops dispatching and releases the signal subscriptions.
func (r *Registry) Close() error {
	signal.Stop(r.ch)
	close(r.done)
	return nil
}
