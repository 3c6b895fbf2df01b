// Package events carries supervisor lifecycle events to callers in the order
// they were produced.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/treykane/frpc-manager/internal/model"
)

type Type string

const (
	TypeLog     Type = "log"
	TypeSuccess Type = "success"
	TypeStopped Type = "stopped"
	TypeFailed  Type = "failed"
)

// Event is one session lifecycle record.
type Event struct {
	Timestamp time.Time           `json:"timestamp"`
	SessionID string              `json:"session_id,omitempty"`
	Type      Type                `json:"type"`
	State     model.SessionState  `json:"state,omitempty"`
	Reason    model.FailureReason `json:"reason,omitempty"`
	Message   string              `json:"message,omitempty"`
	PID       int                 `json:"pid,omitempty"`
}

// Query filters the in-memory backlog.
type Query struct {
	SessionID string
	Type      Type
	Since     time.Time
	Limit     int
}

// Stream is an unbounded FIFO between event producers and one consumer.
//
// Publish never blocks: events are queued and a single dispatcher goroutine
// hands them to C() in publish order. A bounded backlog of recent events is
// kept for Recent; nothing is written to disk.
type Stream struct {
	mu      sync.Mutex
	queue   []Event
	backlog []Event
	keep    int
	closed  bool
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
}

// NewStream starts a stream that remembers the last keep events.
func NewStream(keep int) *Stream {
	if keep <= 0 {
		keep = 256
	}
	s := &Stream{
		keep: keep,
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// C returns the delivery channel. It is closed after Close once every queued
// event has been delivered.
func (s *Stream) C() <-chan Event {
	return s.out
}

// Publish enqueues evt. Events published after Close are dropped.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.backlog = append(s.backlog, evt)
	if len(s.backlog) > s.keep {
		s.backlog = s.backlog[len(s.backlog)-s.keep:]
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events. Queued events are still delivered if the
// consumer keeps reading; Close does not wait for that.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Drain discards undelivered events and ends the dispatcher. Used when no
// consumer will read C again.
func (s *Stream) Drain() {
	s.Close()
	go func() {
		for range s.out {
		}
	}()
	<-s.done
}

func (s *Stream) dispatch() {
	defer close(s.done)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		evt := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- evt
	}
}

// Recent returns backlog events in publish order, filtered by q, with an
// optional limit keeping the newest entries.
func (s *Stream) Recent(q Query) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, evt := range s.backlog {
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.SessionID) != "" && evt.SessionID != q.SessionID {
		return false
	}
	if strings.TrimSpace(string(q.Type)) != "" && evt.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
