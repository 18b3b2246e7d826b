package types

import "sync/atomic"

// LogicalClock is the Lamport clock used to timestamp every event
// generated by the local branch and every message sent to peers.
//
// Each node owns a single clock instance, passed explicitly to any
// subsystem that tags messages.
type LogicalClock interface {
	// Tick the clock for a local event, returning the new value.
	// The returned value is strictly greater than any value
	// returned before.
	Tick() uint64

	// Update the clock after receiving the given timestamp from
	// a peer, applying the max(local, seen) + 1 rule atomically.
	// Returns the new value.
	Update(seen uint64) uint64

	// Tock reads the current value without changing it.
	Tock() uint64
}

// A LogicalClock implementation over a single atomic counter.
type LamportClock struct {
	counter uint64
}

func NewClock() LogicalClock {
	return &LamportClock{}
}

// LamportClock implements LogicalClock interface.
func (l *LamportClock) Tick() uint64 {
	return atomic.AddUint64(&l.counter, 1)
}

// LamportClock implements LogicalClock interface.
func (l *LamportClock) Update(seen uint64) uint64 {
	for {
		current := atomic.LoadUint64(&l.counter)
		next := current + 1
		if seen >= current {
			next = seen + 1
		}
		if atomic.CompareAndSwapUint64(&l.counter, current, next) {
			return next
		}
	}
}

// LamportClock implements LogicalClock interface.
func (l *LamportClock) Tock() uint64 {
	return atomic.LoadUint64(&l.counter)
}
