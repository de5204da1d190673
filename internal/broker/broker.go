// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package broker fans session-scoped events out to concurrent subscribers
// with bounded in-memory history replay.
package broker

import (
	"sync"
	"sync/atomic"
	"time"
)

// minHistory is the floor for the per-session history ring.
const minHistory = 256

// LogEvent is one captured output chunk on the log bus.
type LogEvent struct {
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DebugEvent is one debugger control event on the debug bus.
type DebugEvent struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription delivers events published after registration. The channel
// is closed as the sentinel when unsubscribed or the session is dropped.
type Subscription[T any] struct {
	C    <-chan T
	ch   chan T
	stop func()

	// mu orders sends against close so publishers outside the broker
	// lock never hit a closed channel.
	mu     sync.Mutex
	closed bool
}

// Unsubscribe detaches and closes the channel.
func (s *Subscription[T]) Unsubscribe() {
	s.stop()
}

// send enqueues without blocking. A full queue loses its oldest event; the
// return value counts events discarded. Sends after close are no-ops.
func (s *Subscription[T]) send(ev T) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	select {
	case s.ch <- ev:
		return 0
	default:
	}
	// Queue full: evict the oldest, then retry once.
	dropped := 0
	select {
	case <-s.ch:
		dropped++
	default:
	}
	select {
	case s.ch <- ev:
	default:
		dropped++
	}
	return dropped
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

type session[T any] struct {
	history []T
	subs    map[*Subscription[T]]struct{}
}

// Broker is a per-session event bus. The zero value is not usable; use New.
type Broker[T any] struct {
	historySize int
	queueSize   int

	mu       sync.Mutex
	sessions map[string]*session[T]

	// lagDrops counts events discarded from slow subscriber queues.
	lagDrops atomic.Uint64
	// onLagDrop, when set, fires once per discarded event.
	onLagDrop func()
}

// New creates a broker. historySize below the floor is raised to it.
func New[T any](historySize, queueSize int) *Broker[T] {
	if historySize < minHistory {
		historySize = minHistory
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broker[T]{
		historySize: historySize,
		queueSize:   queueSize,
		sessions:    map[string]*session[T]{},
	}
}

// Publish records the event in the session history and forwards it to every
// current subscriber. The subscriber set is snapshotted under the lock and
// the enqueues happen outside it, so a slow queue never stalls other
// publishers; slow subscribers lose their oldest queued event instead.
func (b *Broker[T]) Publish(sessionID string, ev T) {
	b.mu.Lock()
	sess := b.session(sessionID)
	sess.history = append(sess.history, ev)
	if len(sess.history) > b.historySize {
		sess.history = sess.history[len(sess.history)-b.historySize:]
	}
	targets := make([]*Subscription[T], 0, len(sess.subs))
	for sub := range sess.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if n := sub.send(ev); n > 0 {
			b.countLagDrops(n)
		}
	}
}

func (b *Broker[T]) countLagDrops(n int) {
	b.lagDrops.Add(uint64(n))
	if b.onLagDrop != nil {
		for i := 0; i < n; i++ {
			b.onLagDrop()
		}
	}
}

// OnLagDrop registers a callback fired for every discarded event, e.g. to
// feed a metrics counter. Must be set before the broker is shared.
func (b *Broker[T]) OnLagDrop(fn func()) {
	b.onLagDrop = fn
}

// SubscribeWithHistory atomically snapshots the session history and
// registers the subscriber. Events published after the snapshot appear on
// the queue; nothing is lost between capture and registration.
func (b *Broker[T]) SubscribeWithHistory(sessionID string) (*Subscription[T], []T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.session(sessionID)
	snapshot := make([]T, len(sess.history))
	copy(snapshot, sess.history)

	ch := make(chan T, b.queueSize)
	sub := &Subscription[T]{C: ch, ch: ch}
	sub.stop = func() {
		b.mu.Lock()
		if s, ok := b.sessions[sessionID]; ok {
			delete(s.subs, sub)
		}
		b.mu.Unlock()
		sub.close()
	}
	sess.subs[sub] = struct{}{}
	return sub, snapshot
}

// History returns a copy of the current session history.
func (b *Broker[T]) History(sessionID string) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]T, len(sess.history))
	copy(out, sess.history)
	return out
}

// DropSession discards a session's history and closes every subscriber.
func (b *Broker[T]) DropSession(sessionID string) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range sess.subs {
		sub.close()
	}
}

// LagDrops reports how many events were discarded from slow queues.
func (b *Broker[T]) LagDrops() uint64 {
	return b.lagDrops.Load()
}

// session returns the bucket for id, creating it on first use. Callers
// hold b.mu.
func (b *Broker[T]) session(id string) *session[T] {
	sess, ok := b.sessions[id]
	if !ok {
		sess = &session[T]{subs: map[*Subscription[T]]struct{}{}}
		b.sessions[id] = sess
	}
	return sess
}
