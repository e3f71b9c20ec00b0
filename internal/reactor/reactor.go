// Package reactor implements the single-threaded cooperative EventManager
// (§4.6, §5): one thread drives readiness-based I/O and timers for every
// registered connection. Handlers are tagged variants -- FileDescriptor or
// Timer -- rather than an interface hierarchy, so the dispatch loop can
// enumerate both kinds from one table without subclassing.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Interest is the set of readiness conditions a FileDescriptor handler is
// registered for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// ErrClosed is returned by Run once the EventManager has been closed.
var ErrClosed = errors.New("reactor: event manager closed")

// handlerKind distinguishes the two tagged variants a registration can
// be (§9): a file descriptor awaiting readiness, or a periodic timer.
type handlerKind uint8

const (
	kindFD handlerKind = iota
	kindTimer
)

// registration is one entry in the EventManager's handler table. Exactly
// one of the FD or Timer field groups is meaningful, selected by kind --
// the tagged-variant shape called for by §9, instead of two handler
// interfaces.
type registration struct {
	id   int
	kind handlerKind

	// FD fields.
	fd       int
	interest Interest
	onReady  func(ready Interest)

	// Timer fields.
	period    time.Duration
	remaining time.Duration
	onFire    func()
}

// poller is the platform-specific readiness primitive the EventManager
// drives. Implemented by epoll on linux (poller_linux.go).
type poller interface {
	add(fd int, interest Interest) error
	modify(fd int, interest Interest) error
	remove(fd int) error
	wait(timeout time.Duration) ([]readyFD, error)
	close() error
}

// readyFD is one fd the poller reports as ready, with the satisfied
// interest mask.
type readyFD struct {
	fd    int
	ready Interest
}

// EventManager is the reactor: it owns the poller, the FD registration
// table, and the timer list, and runs the single dispatch loop.
type EventManager struct {
	poller poller

	nextID int
	fds    map[int]*registration // keyed by fd
	timers []*registration

	closed bool
}

// New creates an EventManager backed by the platform poller.
func New() (*EventManager, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}
	return &EventManager{
		poller: p,
		fds:    make(map[int]*registration),
	}, nil
}

// RegisterFD registers fd for the given interest; onReady is invoked with
// the satisfied interest mask on every readiness event.
func (m *EventManager) RegisterFD(fd int, interest Interest, onReady func(ready Interest)) error {
	if _, exists := m.fds[fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	if err := m.poller.add(fd, interest); err != nil {
		return fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	m.nextID++
	m.fds[fd] = &registration{
		id:       m.nextID,
		kind:     kindFD,
		fd:       fd,
		interest: interest,
		onReady:  onReady,
	}
	return nil
}

// ModifyFD changes the interest mask for an already-registered fd.
func (m *EventManager) ModifyFD(fd int, interest Interest) error {
	r, ok := m.fds[fd]
	if !ok {
		return fmt.Errorf("reactor: modify unknown fd %d", fd)
	}
	if err := m.poller.modify(fd, interest); err != nil {
		return fmt.Errorf("reactor: modify fd %d: %w", fd, err)
	}
	r.interest = interest
	return nil
}

// UnregisterFD removes fd from the poller and the handler table.
// Re-entrant: safe to call from within an onReady callback during
// dispatch (§4.6).
func (m *EventManager) UnregisterFD(fd int) error {
	if _, ok := m.fds[fd]; !ok {
		return nil
	}
	delete(m.fds, fd)
	if err := m.poller.remove(fd); err != nil {
		return fmt.Errorf("reactor: unregister fd %d: %w", fd, err)
	}
	return nil
}

// Timer is a handle to a registered periodic timer.
type Timer struct {
	reg *registration
}

// RegisterTimer arms a new timer at period, invoking onFire each time it
// expires. The timer starts with a full period remaining.
func (m *EventManager) RegisterTimer(period time.Duration, onFire func()) *Timer {
	m.nextID++
	r := &registration{
		id:        m.nextID,
		kind:      kindTimer,
		period:    period,
		remaining: period,
		onFire:    onFire,
	}
	m.timers = append(m.timers, r)
	return &Timer{reg: r}
}

// UnregisterTimer removes t from the timer list. Re-entrant: safe during
// dispatch.
func (m *EventManager) UnregisterTimer(t *Timer) {
	for i, r := range m.timers {
		if r == t.reg {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Reset reloads t's full period, restarting its countdown. Used to push
// out the peer-silence timer on any inbound activity (§4.4).
func (t *Timer) Reset() {
	t.reg.remaining = t.reg.period
}

// Close releases the poller's underlying resources.
func (m *EventManager) Close() error {
	m.closed = true
	return m.poller.close()
}

// maxWait bounds how long a single waitForEventWithTimeout call blocks
// when no timer is armed, so Run remains responsive to ctx cancellation.
const maxWait = 1 * time.Second

// Run drives the reactor loop until ctx is cancelled or Close is called.
func (m *EventManager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if m.closed {
			return ErrClosed
		}
		if err := m.waitForEventWithTimeout(maxWait); err != nil {
			return err
		}
	}
}

// waitForEventWithTimeout computes the minimum of t and every timer's
// remaining interval, blocks on fd readiness up to that duration, then
// services every expired timer (resetting it to full period) and every
// ready fd, invoking its callback with the satisfied interest mask
// (§4.6).
func (m *EventManager) waitForEventWithTimeout(t time.Duration) error {
	wait := t
	for _, r := range m.timers {
		if r.remaining < wait {
			wait = r.remaining
		}
	}
	if wait < 0 {
		wait = 0
	}

	start := time.Now()
	ready, err := m.poller.wait(wait)
	if err != nil {
		return fmt.Errorf("reactor: poll wait: %w", err)
	}
	elapsed := time.Since(start)

	// Service timers first: decrement by the actual elapsed wait, fire
	// and reload any that reached zero. A copy of the timer list is
	// serviced, so an onFire callback may call RegisterTimer or
	// UnregisterTimer without disturbing this pass.
	serviceTimers(append([]*registration(nil), m.timers...), elapsed)

	// Snapshot the ready set's callbacks before invoking any of them:
	// an onReady callback may call UnregisterFD re-entrantly (on itself
	// or another fd), which must not invalidate this iteration (§4.6).
	type dueFD struct {
		cb    func(Interest)
		ready Interest
	}
	due := make([]dueFD, 0, len(ready))
	for _, rf := range ready {
		if r, ok := m.fds[rf.fd]; ok {
			due = append(due, dueFD{cb: r.onReady, ready: rf.ready})
		}
	}
	for _, d := range due {
		if d.cb != nil {
			d.cb(d.ready)
		}
	}

	return nil
}

// serviceTimers decrements every timer by elapsed, firing and reloading
// to a full period any that reached zero (§4.6). A pure function over
// the timer list so the ⌊10·T/T⌋ firing-count law (§8 item 8) can be
// tested without real wall-clock sleeps.
func serviceTimers(timers []*registration, elapsed time.Duration) {
	for _, r := range timers {
		r.remaining -= elapsed
		if r.remaining <= 0 {
			r.remaining = r.period
			if r.onFire != nil {
				r.onFire()
			}
		}
	}
}
