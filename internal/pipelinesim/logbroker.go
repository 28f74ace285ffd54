package pipelinesim

import (
	"fmt"
	"sync"
	"time"
)

// LogEvent is one pipeline log line. IDs increase across all streams.
type LogEvent struct {
	ID   int64     `json:"id,string"`
	Key  StreamKey `json:"-"`
	Text string    `json:"text"`
	At   time.Time `json:"-"`
}

// LogBroker fans pipeline log lines out to subscribers and keeps a bounded
// history so reconnecting clients can resume after the last id they saw.
type LogBroker struct {
	mu      sync.Mutex
	nextID  int64
	history []LogEvent
	limit   int
	subs    map[*logSub]struct{}
}

type logSub struct {
	key    *StreamKey
	ch     chan LogEvent
	closed bool
}

// NewLogBroker returns a broker keeping up to historyLimit past events.
func NewLogBroker(historyLimit int) *LogBroker {
	if historyLimit <= 0 {
		historyLimit = 1024
	}
	return &LogBroker{limit: historyLimit, subs: make(map[*logSub]struct{})}
}

// Publish records a line for key and delivers it to matching subscribers.
// Slow subscribers are dropped rather than blocking the pipeline.
func (b *LogBroker) Publish(key StreamKey, format string, args ...any) LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ev := LogEvent{
		ID:   b.nextID,
		Key:  key,
		Text: fmt.Sprintf("[%s] %s", key, fmt.Sprintf(format, args...)),
		At:   time.Now().UTC(),
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	for s := range b.subs {
		if !s.matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.closeLocked(s)
		}
	}
	return ev
}

// Subscribe returns events for key (every stream when key is nil) with an
// id greater than afterID, replaying history first. The channel is closed
// when cancel is called or the subscriber falls behind.
func (b *LogBroker) Subscribe(key *StreamKey, afterID int64) (<-chan LogEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &logSub{key: key}
	var backlog []LogEvent
	for _, ev := range b.history {
		if ev.ID > afterID && s.matches(ev) {
			backlog = append(backlog, ev)
		}
	}
	s.ch = make(chan LogEvent, len(backlog)+64)
	for _, ev := range backlog {
		s.ch <- ev
	}
	b.subs[s] = struct{}{}

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closeLocked(s)
	}
}

// Subscribers returns the number of open subscriptions.
func (b *LogBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// closeLocked ends s. Caller must hold b.mu.
func (b *LogBroker) closeLocked(s *logSub) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

func (s *logSub) matches(ev LogEvent) bool {
	return s.key == nil || *s.key == ev.Key
}
