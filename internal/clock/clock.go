// Package clock implements the Lamport logical clock carried by every
// request and response of the aggregation protocol.
package clock

import (
	"strconv"

	"go.uber.org/atomic"
)

// Lamport is a process-wide logical counter. The zero value is ready to use
// and starts at 0.
type Lamport struct {
	counter atomic.Int64
}

// New returns a clock at 0.
func New() *Lamport {
	return &Lamport{}
}

// Increment advances the clock by one for a local or send event and returns
// the new value.
func (l *Lamport) Increment() int64 {
	return l.counter.Inc()
}

// Observe merges a value received from a peer: the clock becomes
// max(current, peer) + 1. Negative peer values count as 0.
func (l *Lamport) Observe(peer int64) int64 {
	if peer < 0 {
		peer = 0
	}
	for {
		cur := l.counter.Load()
		next := cur
		if peer > next {
			next = peer
		}
		next++
		if l.counter.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Current returns the clock value without advancing it.
func (l *Lamport) Current() int64 {
	return l.counter.Load()
}

func (l *Lamport) String() string {
	return strconv.FormatInt(l.Current(), 10)
}
