// Package scheduler decides when the workspace is written to durable storage. It is a
// single-slot state machine:
//
//	Idle -> PendingImmediate | PendingDebounced -> Writing -> Idle
//
// All methods must be called from the goroutine that owns the workspace. The only
// concurrency is the timer callback, which just delivers a generation number on Due().
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Idle State = iota
	PendingImmediate
	PendingDebounced
	Writing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingImmediate:
		return "pending_immediate"
	case PendingDebounced:
		return "pending_debounced"
	case Writing:
		return "writing"
	default:
		return "unknown"
	}
}

// DefaultWindow is the in-process coalescing window for content edits.
const DefaultWindow = 2 * time.Second

type Config struct {
	Window   time.Duration
	AutoSave bool
	Logger   *slog.Logger
	// OnState observes every transition. Optional.
	OnState func(State)
}

type Scheduler struct {
	window   time.Duration
	autoSave bool
	log      *slog.Logger
	onState  func(State)

	state State
	dirty bool
	// next is the pending kind requested while a write was in flight.
	next State

	gen   uint64
	timer *time.Timer
	due   chan uint64

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		window:   cfg.Window,
		autoSave: cfg.AutoSave,
		log:      logger.With("component", "scheduler"),
		onState:  cfg.OnState,
		due:      make(chan uint64),
		stop:     make(chan struct{}),
	}
}

// Due delivers the generation of an expired timer. Pass it to Fire.
func (s *Scheduler) Due() <-chan uint64 { return s.due }

func (s *Scheduler) State() State { return s.state }

// Dirty reports whether in-memory state has changes no successful write covers yet.
func (s *Scheduler) Dirty() bool { return s.dirty }

func (s *Scheduler) AutoSave() bool { return s.autoSave }

// Trigger records a change. Immediate triggers write as soon as the loop is free; debounced
// ones restart the coalescing window.
func (s *Scheduler) Trigger(immediate bool) {
	s.dirty = true
	if !s.autoSave {
		return
	}
	switch s.state {
	case Writing:
		if immediate {
			s.next = PendingImmediate
		} else if s.next != PendingImmediate {
			s.next = PendingDebounced
		}
	case PendingImmediate:
		// Already writing as soon as possible.
	default:
		if immediate {
			s.arm(PendingImmediate, 0)
		} else {
			s.arm(PendingDebounced, s.window)
		}
	}
}

// SetAutoSave toggles automatic writes. Turning it on with unsaved changes arms one
// immediate write; turning it off cancels any pending write.
func (s *Scheduler) SetAutoSave(on bool) {
	if s.autoSave == on {
		return
	}
	s.autoSave = on
	if !on {
		s.next = Idle
		if s.state == PendingImmediate || s.state == PendingDebounced {
			s.cancel()
			s.set(Idle)
		}
		return
	}
	if !s.dirty {
		return
	}
	if s.state == Writing {
		s.next = PendingImmediate
		return
	}
	s.arm(PendingImmediate, 0)
}

// Fire handles a generation received from Due. It returns true when the caller must write
// now; the scheduler is then Writing until Finish.
func (s *Scheduler) Fire(gen uint64) bool {
	if gen != s.gen {
		return false
	}
	if s.state != PendingImmediate && s.state != PendingDebounced {
		return false
	}
	s.timer = nil
	if !s.dirty {
		s.set(Idle)
		return false
	}
	s.dirty = false
	s.set(Writing)
	return true
}

// Take claims the pending changes for an explicit write outside the timer path. It returns
// false when there is nothing to write or a write is already in flight.
func (s *Scheduler) Take() bool {
	if !s.dirty || s.state == Writing {
		return false
	}
	s.cancel()
	s.dirty = false
	s.set(Writing)
	return true
}

// Finish completes the write started by Fire or Take. A failed write leaves the changes
// dirty; they go out with the next natural trigger.
func (s *Scheduler) Finish(err error) {
	if s.state != Writing {
		return
	}
	if err != nil {
		s.dirty = true
		s.log.Warn("workspace write failed", "err", err)
	}
	next := s.next
	s.next = Idle
	s.set(Idle)
	if !s.autoSave || !s.dirty {
		return
	}
	switch next {
	case PendingImmediate:
		s.arm(PendingImmediate, 0)
	case PendingDebounced:
		s.arm(PendingDebounced, s.window)
	}
}

// Reset forgets unsaved changes and cancels any pending write. An in-flight write still
// completes through Finish but schedules no follow-up.
func (s *Scheduler) Reset() {
	s.dirty = false
	s.next = Idle
	if s.state == PendingImmediate || s.state == PendingDebounced {
		s.cancel()
		s.set(Idle)
	}
}

// Stop cancels the timer and releases a blocked timer callback.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.stop)
	})
}

func (s *Scheduler) arm(st State, d time.Duration) {
	s.cancel()
	s.gen++
	gen := s.gen
	s.set(st)
	s.timer = time.AfterFunc(d, func() {
		select {
		case s.due <- gen:
		case <-s.stop:
		}
	})
}

// cancel stops the timer and invalidates any generation already in flight.
func (s *Scheduler) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) set(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state", "from", s.state.String(), "to", st.String())
	s.state = st
	if s.onState != nil {
		s.onState(st)
	}
}
