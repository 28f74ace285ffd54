// Package playertest provides recording fakes for the player interfaces.
package playertest

import (
	"fmt"
	"sync"

	"livedub/internal/player"
)

// Journal records calls across fakes in one global order.
type Journal struct {
	mu    sync.Mutex
	calls []string
}

// Add appends a call. A nil Journal discards it.
func (j *Journal) Add(format string, args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded calls.
func (j *Journal) Calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// Index returns the position of the first call equal to s, or -1.
func (j *Journal) Index(s string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, c := range j.calls {
		if c == s {
			return i
		}
	}
	return -1
}

// Sink is a fake player.Sink.
type Sink struct {
	Journal   *Journal
	Native    bool
	PlayErr   error
	SetErr    error
	AppendErr error

	mu       sync.Mutex
	emit     func(player.Event)
	appended int
}

// CanPlayType implements player.Sink.
func (s *Sink) CanPlayType(string) bool { return s.Native }

// SetSource implements player.Sink.
func (s *Sink) SetSource(url string, emit func(player.Event)) error {
	s.Journal.Add("sink.set_source %s", url)
	if s.SetErr != nil {
		return s.SetErr
	}
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
	return nil
}

// Emit delivers ev through the emitter registered by SetSource.
func (s *Sink) Emit(ev player.Event) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// Append implements player.Sink.
func (s *Sink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.appended += len(data)
	return nil
}

// Appended returns the number of bytes appended.
func (s *Sink) Appended() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// SetAppendErr changes the error returned by Append.
func (s *Sink) SetAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendErr = err
}

// Play implements player.Sink.
func (s *Sink) Play() error {
	s.Journal.Add("sink.play")
	return s.PlayErr
}

// Detach implements player.Sink.
func (s *Sink) Detach() {
	s.Journal.Add("sink.detach")
}

// Factory is a fake player.DelegateFactory creating numbered Delegates.
type Factory struct {
	Journal     *Journal
	Unsupported bool

	mu        sync.Mutex
	delegates []*Delegate
}

// Supported implements player.DelegateFactory.
func (f *Factory) Supported() bool { return !f.Unsupported }

// New implements player.DelegateFactory.
func (f *Factory) New(emit func(player.Event)) player.Delegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &Delegate{ID: len(f.delegates) + 1, journal: f.Journal, emit: emit}
	f.delegates = append(f.delegates, d)
	f.Journal.Add("delegate%d.new", d.ID)
	return d
}

// Delegates returns every delegate created so far.
func (f *Factory) Delegates() []*Delegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Delegate(nil), f.delegates...)
}

// Last returns the most recent delegate, or nil.
func (f *Factory) Last() *Delegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delegates) == 0 {
		return nil
	}
	return f.delegates[len(f.delegates)-1]
}

// Live returns the delegates not yet destroyed.
func (f *Factory) Live() []*Delegate {
	var live []*Delegate
	for _, d := range f.Delegates() {
		if !d.Destroyed() {
			live = append(live, d)
		}
	}
	return live
}

// Delegate is a fake player.Delegate whose events are pushed by the test.
type Delegate struct {
	ID      int
	journal *Journal
	emit    func(player.Event)

	mu         sync.Mutex
	source     string
	destroyed  bool
	reloads    int
	recoveries int
}

// AttachMedia implements player.Delegate.
func (d *Delegate) AttachMedia(player.Sink) {
	d.journal.Add("delegate%d.attach_media", d.ID)
	d.emit(player.MediaAttached{})
}

// LoadSource implements player.Delegate.
func (d *Delegate) LoadSource(url string) {
	d.mu.Lock()
	d.source = url
	d.mu.Unlock()
	d.journal.Add("delegate%d.load %s", d.ID, url)
}

// StartLoad implements player.Delegate.
func (d *Delegate) StartLoad() {
	d.mu.Lock()
	d.reloads++
	d.mu.Unlock()
	d.journal.Add("delegate%d.start_load", d.ID)
}

// RecoverMediaError implements player.Delegate.
func (d *Delegate) RecoverMediaError() {
	d.mu.Lock()
	d.recoveries++
	d.mu.Unlock()
	d.journal.Add("delegate%d.recover", d.ID)
}

// Destroy implements player.Delegate.
func (d *Delegate) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
	d.journal.Add("delegate%d.destroy", d.ID)
}

// Emit pushes ev to the attachment as if the client raised it.
func (d *Delegate) Emit(ev player.Event) { d.emit(ev) }

// Source returns the loaded URL.
func (d *Delegate) Source() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source
}

// Destroyed reports whether Destroy was called.
func (d *Delegate) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Reloads returns the StartLoad count.
func (d *Delegate) Reloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloads
}

// Recoveries returns the RecoverMediaError count.
func (d *Delegate) Recoveries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoveries
}
