// Package logtail follows the pipeline's live event log over one long-lived
// push connection and keeps the lines in an ordered, append-only buffer.
package logtail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"livedub/internal/backoff"
)

// Scope selects which endpoint a subscription reads.
type Scope int

const (
	// SessionScope reads /logs/{channel}/{lang}.
	SessionScope Scope = iota
	// SharedScope reads the global /logs/stream, optionally filtered.
	SharedScope
)

// ParseScope maps "session" or "shared" to a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "", "session":
		return SessionScope, nil
	case "shared", "global":
		return SharedScope, nil
	}
	return 0, fmt.Errorf("unknown log scope %q", s)
}

// Key identifies the session a subscription belongs to.
type Key struct {
	Channel string
	Lang    string
}

// Entry is one received log line. Sequence starts at 1 per subscription.
type Entry struct {
	Sequence   int64     `json:"sequence"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Options configure a Tail.
type Options struct {
	BaseURL   string
	Scope     Scope
	Transport Transport
	// Filter keeps a shared-scope line for key when it returns true; nil
	// keeps every line.
	Filter func(key Key, text string) bool
	// Reconnect reopens the stream after a transport error instead of
	// closing the subscription.
	Reconnect       bool
	ReconnectPolicy func() backoff.Policy
	Clock           backoff.Clock
	// OnEntry observes each appended entry.
	OnEntry func(key Key, e Entry)
	// OnClose observes a subscription ending on its own, with the cause.
	OnClose func(key Key, err error)
	Log     *slog.Logger
}

// Tail opens subscriptions.
type Tail struct {
	opts Options
}

// New returns a Tail. A nil Transport means SSE.
func New(opts Options) *Tail {
	if opts.Transport == nil {
		opts.Transport = &SSETransport{}
	}
	if opts.Clock == nil {
		opts.Clock = backoff.RealClock()
	}
	if opts.ReconnectPolicy == nil {
		opts.ReconnectPolicy = func() backoff.Policy { return backoff.Exponential(time.Second, 30*time.Second) }
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Tail{opts: opts}
}

// URL returns the endpoint a subscription for key reads.
func (t *Tail) URL(key Key) string {
	if t.opts.Scope == SharedScope {
		return t.opts.BaseURL + "/logs/stream"
	}
	return fmt.Sprintf("%s/logs/%s/%s", t.opts.BaseURL, url.PathEscape(key.Channel), url.PathEscape(key.Lang))
}

// Subscription is one live log connection and its buffer.
type Subscription struct {
	tail   *Tail
	key    Key
	url    string
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sched  *backoff.Scheduler
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries []Entry
	lastID  string
	stream  Stream
	closed  bool
	err     error
	done    chan struct{}
}

// Subscribe opens a subscription for key. Connecting happens in the
// background; failures surface through Err and OnClose.
func (t *Tail) Subscribe(ctx context.Context, key Key) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		tail:   t,
		key:    key,
		url:    t.URL(key),
		ctx:    ctx,
		cancel: cancel,
		sched:  backoff.NewScheduler(t.opts.Clock, t.opts.ReconnectPolicy()),
		done:   make(chan struct{}),
	}
	s.log = t.opts.Log.With(slog.String("channel", key.Channel), slog.String("lang", key.Lang))
	s.wg.Add(1)
	go s.run()
	return s
}

// Key returns the session key.
func (s *Subscription) Key() Key { return s.key }

// Entries returns a copy of the buffer.
func (s *Subscription) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Since returns the entries with a Sequence greater than seq.
func (s *Subscription) Since(seq int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(s.entries)) {
		return nil
	}
	return append([]Entry(nil), s.entries[seq:]...)
}

// Len returns the number of buffered entries.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Done is closed once the subscription stops delivering entries.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the transport error that closed the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe closes the connection and waits for the reader to exit. The
// buffer stays readable. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	close(s.done)
	s.mu.Unlock()

	s.sched.Cancel()
	s.cancel()
	if stream != nil {
		stream.Close()
	}
	s.wg.Wait()
	s.log.Debug("log subscription closed")
}

func (s *Subscription) run() {
	defer s.wg.Done()

	s.mu.Lock()
	lastID := s.lastID
	s.mu.Unlock()

	stream, err := s.tail.opts.Transport.Open(s.ctx, s.url, lastID)
	if err != nil {
		s.interrupted(fmt.Errorf("open %s: %w", s.url, err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return
	}
	s.stream = stream
	s.mu.Unlock()
	s.log.Info("log stream connected", slog.String("url", s.url))
	s.sched.Reset()

	for {
		msg, err := stream.Next()
		if err != nil {
			stream.Close()
			s.interrupted(err)
			return
		}
		s.append(msg)
	}
}

func (s *Subscription) append(msg Message) {
	if s.tail.opts.Scope == SharedScope && s.tail.opts.Filter != nil && !s.tail.opts.Filter(s.key, msg.Text) {
		s.mu.Lock()
		s.noteID(msg.ID)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.closed || s.delivered(msg.ID) {
		s.mu.Unlock()
		return
	}
	s.noteID(msg.ID)
	e := Entry{Sequence: int64(len(s.entries)) + 1, Text: msg.Text, ReceivedAt: time.Now()}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	if s.tail.opts.OnEntry != nil {
		s.tail.opts.OnEntry(s.key, e)
	}
}

// delivered reports whether id is at or before the last id seen. Caller
// must hold s.mu.
func (s *Subscription) delivered(id string) bool {
	if id == "" || s.lastID == "" {
		return false
	}
	a, errA := strconv.ParseInt(id, 10, 64)
	b, errB := strconv.ParseInt(s.lastID, 10, 64)
	if errA == nil && errB == nil {
		return a <= b
	}
	return id == s.lastID
}

// noteID records id as the resume point. Caller must hold s.mu.
func (s *Subscription) noteID(id string) {
	if id != "" {
		s.lastID = id
	}
}

// interrupted handles the end of a connection: reconnect when enabled,
// otherwise close the subscription with err.
func (s *Subscription) interrupted(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stream = nil
	reconnect := s.tail.opts.Reconnect
	s.mu.Unlock()

	if reconnect && s.sched.Next(s.reconnect) {
		s.log.Warn("log stream interrupted, reconnecting", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if !errors.Is(err, ErrStreamClosed) {
		s.err = err
	}
	close(s.done)
	s.mu.Unlock()

	s.sched.Cancel()
	s.cancel()
	s.log.Warn("log stream closed", slog.String("error", err.Error()))
	if s.tail.opts.OnClose != nil {
		s.tail.opts.OnClose(s.key, err)
	}
}

func (s *Subscription) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go s.run()
}
