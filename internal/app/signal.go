package app

import (
	"sync"

	"github.com/yourusername/teledm-go/internal/domain"
)

// stopKind is a cooperative stop request observed at chunk boundaries
type stopKind int

const (
	stopNone stopKind = iota
	stopShutdown
	stopPause
	stopCancel
)

// targetStatus is the status a worker persists when it honours the stop
func (k stopKind) targetStatus() domain.TaskStatus {
	switch k {
	case stopPause:
		return domain.StatusPaused
	case stopCancel:
		return domain.StatusCancelled
	default:
		return domain.StatusQueued
	}
}

// taskSignal carries stop requests from command handlers to one worker.
// Cancel outranks pause, and both outrank shutdown. Once the worker takes the
// signal it is frozen: later requests are no-ops and a pause can no longer
// be withdrawn.
type taskSignal struct {
	mu       sync.Mutex
	user     stopKind
	shutdown bool
	taken    bool
	notify   chan struct{}
}

func newTaskSignal() *taskSignal {
	return &taskSignal{notify: make(chan struct{}, 1)}
}

// Request records a pause or cancel. It reports false once the worker has
// already taken a stop.
func (s *taskSignal) Request(kind stopKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return false
	}
	if kind > s.user {
		s.user = kind
	}
	s.wake()
	return true
}

// RequestShutdown asks the worker to stop and leave the task queued
func (s *taskSignal) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return
	}
	s.shutdown = true
	s.wake()
}

// Withdraw clears a pause the worker has not observed yet
func (s *taskSignal) Withdraw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken || s.user != stopPause {
		return false
	}
	s.user = stopNone
	return true
}

// Taken reports whether the worker has already committed to a stop
func (s *taskSignal) Taken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taken
}

// Take returns the pending stop, if any, and freezes the signal
func (s *taskSignal) Take() stopKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return stopNone
	}
	kind := s.user
	if kind == stopNone && s.shutdown {
		kind = stopShutdown
	}
	if kind != stopNone {
		s.taken = true
	}
	return kind
}

// TakeUserStop is Take restricted to pause and cancel. A pending shutdown
// stays pending.
func (s *taskSignal) TakeUserStop() stopKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken || s.user == stopNone {
		return stopNone
	}
	s.taken = true
	return s.user
}

// Notify fires when a request arrives so retry sleeps can end early
func (s *taskSignal) Notify() <-chan struct{} {
	return s.notify
}

func (s *taskSignal) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
