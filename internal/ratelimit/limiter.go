// Package ratelimit gates outbound operations to a minimum interval between
// consecutive starts.
//
// The limiter is deliberately a single global gate: every enqueuer shares
// one "last start" clock regardless of which operation it wraps, and there
// is no burst allowance or token refill. Operations run in submission order
// and may still overlap in flight — only their start times are spaced.
package ratelimit

import (
	"sync"
	"time"
)

type outcome struct {
	value any
	err   error
}

type pending struct {
	op   func() (any, error)
	done chan outcome
}

// Limiter spaces operation starts at least one interval apart. The zero
// value is not usable; construct with New.
type Limiter struct {
	interval time.Duration

	mu        sync.Mutex
	queue     []*pending
	draining  bool
	lastStart time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the limiter's time source and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// New creates a Limiter allowing at most requestsPerSecond operation starts
// per second. Fractional rates are supported. A rate <= 0 disables
// throttling entirely.
func New(requestsPerSecond float64, opts ...Option) *Limiter {
	l := &Limiter{
		now:   time.Now,
		sleep: time.Sleep,
	}
	if requestsPerSecond > 0 {
		l.interval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Interval returns the minimum spacing between operation starts. Zero means
// the limiter is a bypass.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Enqueue submits op and blocks until it completes, returning its result.
// When throttling is disabled the op runs immediately on the calling
// goroutine. Otherwise the op joins a FIFO queue drained by a single loop;
// whichever caller finds the queue idle starts the drain. An op's error is
// returned to its own caller only and never halts the queue.
func (l *Limiter) Enqueue(op func() (any, error)) (any, error) {
	if l.interval <= 0 {
		return op()
	}

	p := &pending{op: op, done: make(chan outcome, 1)}

	l.mu.Lock()
	l.queue = append(l.queue, p)
	startDrain := !l.draining
	if startDrain {
		l.draining = true
	}
	l.mu.Unlock()

	if startDrain {
		go l.drain()
	}

	out := <-p.done
	return out.value, out.err
}

// Enqueue is the typed wrapper around [Limiter.Enqueue].
func Enqueue[T any](l *Limiter, op func() (T, error)) (T, error) {
	v, err := l.Enqueue(func() (any, error) {
		return op()
	})
	if v == nil {
		var zero T
		return zero, err
	}
	return v.(T), err
}

// drain pops queued ops one at a time, waiting out the remainder of the
// interval since the previous start before launching each. Ops run on their
// own goroutine so in-flight work can overlap; only starts are serialized.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		p := l.queue[0]
		l.queue = l.queue[1:]
		last := l.lastStart
		l.mu.Unlock()

		if !last.IsZero() {
			if wait := l.interval - l.now().Sub(last); wait > 0 {
				l.sleep(wait)
			}
		}

		l.mu.Lock()
		l.lastStart = l.now()
		l.mu.Unlock()

		go func(p *pending) {
			v, err := p.op()
			p.done <- outcome{value: v, err: err}
		}(p)
	}
}
