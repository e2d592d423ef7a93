package timectrl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Engine components
// depend on it rather than on the concrete scheduler so tests can drive time.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the Scheduler advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated jumps straight to the next pending event.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// Scheduler runs callbacks at simulation times. In RealTime mode the run loop
// sleeps until wall-clock time catches up with the next event; in Accelerated
// mode it advances simulation time to the next event immediately.
//
// Callbacks run on the goroutine that called Run, one at a time, so state
// touched only from callbacks needs no further locking.
type Scheduler struct {
	mode  Mode
	start time.Time
	wall  func() time.Time

	mu      sync.Mutex
	origin  time.Time // wall time matching start in RealTime mode
	simNow  time.Time // current time in Accelerated mode
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler constructs a scheduler whose simulation time begins at start.
func NewScheduler(start time.Time, mode Mode) *Scheduler {
	return newScheduler(start, mode, time.Now)
}

func newScheduler(start time.Time, mode Mode, wall func() time.Time) *Scheduler {
	return &Scheduler{
		mode:   mode,
		start:  start,
		wall:   wall,
		origin: wall(),
		simNow: start,
		index:  make(map[string]*scheduledEvent),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Mode reports the pacing mode.
func (s *Scheduler) Mode() Mode { return s.mode }

// Now returns the current simulation time. Implements SimClock.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

func (s *Scheduler) nowLocked() time.Time {
	if s.mode == RealTime {
		return s.start.Add(s.wall().Sub(s.origin))
	}
	return s.simNow
}

// After returns a channel that receives the simulation time after d has
// elapsed in simulation time. Implements SimClock.
func (s *Scheduler) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	s.ScheduleAfter(d, func() {
		ch <- s.Now()
	})
	return ch
}

// Schedule registers f to run at simulation time at and returns an ID that
// can be passed to Cancel. Safe to call from any goroutine, including from
// inside a running callback.
func (s *Scheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}
	s.addEventLocked(ev)
	s.index[id] = ev
	s.mu.Unlock()

	s.notify()
	return id
}

// ScheduleAfter registers f to run d after the current simulation time.
func (s *Scheduler) ScheduleAfter(d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// addEventLocked inserts an event keeping the slice time ordered. Events with
// equal times keep insertion order.
func (s *Scheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

// Cancel attempts to cancel a previously scheduled event. It is a no-op if
// the ID is unknown or the event already ran.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
}

// Pending reports the number of events that have not yet run or been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// nextLocked drops cancelled events from the head and returns the earliest
// live event without removing it.
func (s *Scheduler) nextLocked() *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if !ev.cancelled {
			return ev
		}
		s.events = s.events[1:]
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now(). Events
// scheduled by callbacks for a time already due run in the same call.
func (s *Scheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.nextLocked()
		if ev == nil || ev.when.After(s.nowLocked()) {
			s.mu.Unlock()
			return
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		s.mu.Unlock()

		// Callbacks run outside the lock so they may schedule more events.
		if ev.f != nil {
			ev.f()
		}
	}
}

// Run drives the scheduler until ctx is done or Stop is called. It returns
// nil after Stop and ctx.Err() after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		next := s.nextLocked()
		var wait time.Duration
		if next != nil {
			if s.mode == Accelerated {
				if next.when.After(s.simNow) {
					s.simNow = next.when
				}
			} else {
				wait = next.when.Sub(s.nowLocked())
			}
		}
		s.mu.Unlock()

		if next != nil && wait <= 0 {
			s.RunDue()
			continue
		}

		var fire <-chan time.Time
		if next != nil {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			fire = timer.C
		}

		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-fire:
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// Stop makes Run return. It is idempotent and safe from any goroutine.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
