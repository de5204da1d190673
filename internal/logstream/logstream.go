// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package logstream captures per-command output to disk and fans live
// chunks out to registered followers.
package logstream

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stream names for a chunk's origin.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	// StreamFile marks chunks replayed from the persisted log file.
	StreamFile = "file"
)

// Chunk is one unit of captured output.
type Chunk struct {
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("logstream: closed")

// Subscription yields future chunks until cancelled or the stream closes.
// The channel is closed as the end-of-stream sentinel.
type Subscription struct {
	C      <-chan Chunk
	ch     chan Chunk
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Stream is a per-command append-only log. Every write goes to the disk
// file (flushed immediately) and to every currently-registered follower.
// Followers never observe chunks from before their registration; history
// comes from Replay or from the session broker.
type Stream struct {
	path string

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	subs   map[*Subscription]struct{}
	closed bool
	// dropped counts chunks discarded because a follower queue was full.
	dropped uint64
}

// New opens (or creates) the log file in append mode.
func New(path string) (*Stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logstream: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logstream: open %s: %w", path, err)
	}
	return &Stream{
		path: path,
		file: f,
		w:    bufio.NewWriter(f),
		subs: map[*Subscription]struct{}{},
	}, nil
}

// Path returns the on-disk log location.
func (s *Stream) Path() string {
	return s.path
}

// Write appends one chunk to disk and to every live follower. Followers
// with a full queue lose the chunk rather than stalling the writer.
func (s *Stream) Write(stream, text string) (Chunk, error) {
	chunk := Chunk{Stream: stream, Text: text, Timestamp: time.Now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, ErrClosed
	}
	if _, err := s.w.WriteString(text); err != nil {
		return Chunk{}, fmt.Errorf("logstream: write %s: %w", s.path, err)
	}
	if err := s.w.Flush(); err != nil {
		return Chunk{}, fmt.Errorf("logstream: flush %s: %w", s.path, err)
	}
	for sub := range s.subs {
		select {
		case sub.ch <- chunk:
		default:
			s.dropped++
		}
	}
	return chunk, nil
}

// Follow registers a follower with a bounded queue. Chunks written before
// registration are not delivered.
func (s *Stream) Follow(queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = 256
	}
	ch := make(chan Chunk, queueSize)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		sub.once.Do(func() {
			s.mu.Lock()
			_, live := s.subs[sub]
			delete(s.subs, sub)
			s.mu.Unlock()
			if live {
				close(ch)
			}
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Dropped reports how many chunks were discarded due to slow followers.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Replay yields a persisted log file's contents, one line per chunk with
// Stream set to StreamFile. Used to rebuild history for sessions whose
// in-memory brokers are gone, e.g. after a daemon restart.
func Replay(path string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("logstream: replay %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	lines := strings.SplitAfter(string(data), "\n")
	chunks := make([]Chunk, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		chunks = append(chunks, Chunk{Stream: StreamFile, Text: line, Timestamp: now})
	}
	return chunks, nil
}

// Close flushes and closes the file and signals every live follower by
// closing its channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[*Subscription]struct{}{}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	if flushErr != nil {
		return fmt.Errorf("logstream: flush on close: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("logstream: close %s: %w", s.path, closeErr)
	}
	return nil
}
