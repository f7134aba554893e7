// Package ioservice provides the single-goroutine event loop every RPC component runs on.
//
// All state of an Engine, its RPC connections and their calls is touched only from
// functions executed by the loop goroutine. Other goroutines (socket readers, timers,
// API callers) never mutate that state; they hand a closure to Post and the loop runs
// it in FIFO order.
//
//	socket goroutine ──Post(cb)──┐
//	time.AfterFunc   ──Post(cb)──┼──→ queue ──→ loop goroutine: cb(); cb(); cb()
//	API caller       ──Post(fn)──┘
//
// The queue is unbounded so that a callback running on the loop may Post again
// without deadlocking.
package ioservice

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"
)

type IOService struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	halt    *idem.Halter
	running bool
	log     *zap.Logger
}

func New(log *zap.Logger) *IOService {
	if log == nil {
		log = zap.NewNop()
	}
	return &IOService{
		wake: make(chan struct{}, 1),
		halt: idem.NewHalter(),
		log:  log,
	}
}

// Start runs the loop in a new goroutine.
func (s *IOService) Start() {
	go s.Run()
}

// Run executes posted functions until Stop is called. It blocks.
// Calling Run on a service that is already running returns immediately.
func (s *IOService) Run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer s.halt.Done.Close()

	for {
		select {
		case <-s.halt.ReqStop.Chan:
			// Post refuses work once stopped; what it already accepted still runs.
			n := s.runQueued()
			s.log.Debug("io service stopped", zap.Int("drained", n))
			return
		case <-s.wake:
		}
		s.runQueued()
	}
}

func (s *IOService) runQueued() int {
	n := 0
	for {
		batch := s.take()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			s.run(fn)
		}
		n += len(batch)
	}
}

func (s *IOService) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in event loop callback", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (s *IOService) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// Post schedules fn on the loop goroutine. It never runs fn synchronously and
// never blocks. It returns false if the service is stopped and fn was discarded;
// a function accepted before Stop is guaranteed to run.
func (s *IOService) Post(fn func()) bool {
	s.mu.Lock()
	if s.halt.ReqStop.IsClosed() {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop requests the loop to exit once the functions already posted have run.
// Safe to call more than once and from any goroutine, the loop included.
func (s *IOService) Stop() {
	s.mu.Lock()
	s.halt.ReqStop.Close()
	s.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (s *IOService) Stopped() bool {
	return s.halt.ReqStop.IsClosed()
}

// Done is closed once Run has returned.
func (s *IOService) Done() <-chan struct{} {
	return s.halt.Done.Chan
}

// Timer is a one-shot timer whose function runs on the loop.
// Stop must be called from the loop; after it returns the function is guaranteed not to run.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc arranges for fn to run on the loop once d has elapsed.
func (s *IOService) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		s.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the call prevented fn from running.
func (tm *Timer) Stop() bool {
	if tm == nil || tm.stopped {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}
