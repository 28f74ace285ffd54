// Package player owns the lifecycle of one streaming-client instance bound to
// a media sink and keeps it playing across mid-stream errors.
package player

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrNotIdle is returned by Attach on an attachment already in use.
	ErrNotIdle = errors.New("attachment already attached")

	// ErrReleased is returned by Attach after Release.
	ErrReleased = errors.New("attachment released")
)

// Options configure an Attachment.
type Options struct {
	// MaxNetworkRetries bounds consecutive reloads; zero means
	// DefaultMaxNetworkRetries, negative disables reloads.
	MaxNetworkRetries int
	// OnState observes state changes other than Release. err is set on Failed.
	OnState func(state State, err *PlaybackError)
	// OnDiagnostic observes non-fatal conditions such as blocked autoplay.
	OnDiagnostic func(msg string)
	Log          *slog.Logger
}

// Attachment drives one stream into a Sink. Delegate callbacks that arrive
// after Release, or from a delegate destroyed on failure, are ignored.
//
// Every call into the sink or the delegate holds opMu and first checks that
// its generation is still current, so nothing reaches the sink once Release
// has returned. Events emitted synchronously from inside such a call are
// queued and handled after it returns.
type Attachment struct {
	sink    Sink
	factory DelegateFactory
	opts    Options
	log     *slog.Logger

	opMu sync.Mutex

	mu       sync.Mutex
	m        machine
	url      string
	gen      uint64
	delegate Delegate
	paused   bool
	failure  *PlaybackError
	busy     bool
	queued   []queuedEvent
}

type queuedEvent struct {
	gen uint64
	ev  Event
}

// NewAttachment returns an idle Attachment for sink. factory may be nil when
// only native playback is available.
func NewAttachment(sink Sink, factory DelegateFactory, opts Options) *Attachment {
	switch {
	case opts.MaxNetworkRetries == 0:
		opts.MaxNetworkRetries = DefaultMaxNetworkRetries
	case opts.MaxNetworkRetries < 0:
		opts.MaxNetworkRetries = 0
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Attachment{
		sink:    sink,
		factory: factory,
		opts:    opts,
		log:     log,
		m:       machine{state: Idle, maxNetworkRetries: opts.MaxNetworkRetries},
	}
}

// Attach starts loading url. A sink with native support gets the URL
// directly, otherwise a delegate is created and bound to the sink. With
// neither available the attachment fails as Unsupported.
func (a *Attachment) Attach(url string) error {
	a.mu.Lock()
	switch a.m.state {
	case Idle:
	case Released:
		a.mu.Unlock()
		return ErrReleased
	default:
		a.mu.Unlock()
		return ErrNotIdle
	}
	a.url = url
	a.m.state = Attaching
	gen := a.gen
	emit := func(ev Event) { a.handle(gen, ev) }

	var d Delegate
	switch {
	case a.sink.CanPlayType(HLSMimeType):
		a.m.native = true
	case a.factory != nil && a.factory.Supported():
		d = a.factory.New(emit)
		a.delegate = d
	default:
		_, failure, _ := a.m.fail(Unsupported, "no native or library playback path")
		a.failure = failure
		a.mu.Unlock()
		a.log.Error("attachment failed", slog.String("reason", failure.Error()))
		a.notify(Failed, failure)
		return nil
	}
	a.mu.Unlock()

	a.notify(Attaching, nil)
	if d == nil {
		a.log.Info("attaching native source", slog.String("url", url))
		var err error
		a.effect(gen, func() { err = a.sink.SetSource(url, emit) })
		if err != nil {
			a.handle(gen, ErrorEvent{Type: OtherError, Fatal: true, Detail: err.Error()})
		}
		return nil
	}
	a.log.Info("attaching streaming client", slog.String("url", url))
	a.effect(gen, func() { d.AttachMedia(a.sink) })
	a.effect(gen, func() { d.LoadSource(url) })
	return nil
}

// effect runs fn, a call into the sink or delegate, if gen is still current.
// Release waits for a running effect and every later effect of a released
// generation is skipped.
func (a *Attachment) effect(gen uint64, fn func()) bool {
	a.opMu.Lock()
	a.mu.Lock()
	if gen != a.gen || a.m.state == Released {
		a.mu.Unlock()
		a.opMu.Unlock()
		return false
	}
	a.busy = true
	a.mu.Unlock()

	fn()

	a.mu.Lock()
	a.busy = false
	queued := a.queued
	a.queued = nil
	a.mu.Unlock()
	a.opMu.Unlock()

	for _, q := range queued {
		a.handle(q.gen, q.ev)
	}
	return true
}

// Handle feeds an event to the current delegate generation. It is the entry
// point for callers that bridge events themselves.
func (a *Attachment) Handle(ev Event) {
	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	a.handle(gen, ev)
}

func (a *Attachment) handle(gen uint64, ev Event) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	if a.busy {
		a.queued = append(a.queued, queuedEvent{gen: gen, ev: ev})
		a.mu.Unlock()
		return
	}
	before := a.m.state
	acts, failure, diag := a.m.step(ev)
	after := a.m.state
	d := a.delegate
	native := a.m.native
	url := a.url
	if failure != nil {
		a.failure = failure
		a.gen++
		a.delegate = nil
	}
	a.mu.Unlock()

	if diag != "" {
		a.log.Warn("playback diagnostic", slog.String("state", after.String()), slog.String("detail", diag))
		a.diagnose(diag)
	}
	if after != before {
		a.log.Info("attachment state",
			slog.String("from", before.String()),
			slog.String("to", after.String()))
		a.notify(after, failure)
	}

	for _, act := range acts {
		switch act {
		case actPlay:
			a.play(gen)
		case actRecoverMedia:
			if d != nil {
				a.effect(gen, d.RecoverMediaError)
			}
		case actReload:
			if native {
				var err error
				a.effect(gen, func() { err = a.sink.SetSource(url, func(ev Event) { a.handle(gen, ev) }) })
				if err != nil {
					a.log.Warn("native reload failed", slog.String("error", err.Error()))
				}
			} else if d != nil {
				a.effect(gen, d.StartLoad)
			}
		case actDestroy:
			// The failure already retired gen, so this runs unconditionally.
			if d != nil {
				a.opMu.Lock()
				d.Destroy()
				a.opMu.Unlock()
			}
		}
	}
}

// play starts the sink. A refusal leaves the attachment Playing but paused;
// the user can resume by hand, so it is reported and not retried.
func (a *Attachment) play(gen uint64) {
	var err error
	if !a.effect(gen, func() { err = a.sink.Play() }) {
		return
	}
	a.mu.Lock()
	a.paused = err != nil
	a.mu.Unlock()
	if err != nil {
		msg := "autoplay blocked: " + err.Error()
		a.log.Warn("playback start refused", slog.String("error", err.Error()))
		a.diagnose(msg)
	}
}

// Release destroys the delegate, detaches the sink and ignores every later
// callback. Safe to call from any state, repeatedly. It waits for a sink or
// delegate call in progress, so the sink is free once it returns.
func (a *Attachment) Release() {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.m.state == Released {
		a.mu.Unlock()
		return
	}
	from := a.m.state
	a.m.state = Released
	a.gen++
	d := a.delegate
	a.delegate = nil
	a.mu.Unlock()

	if d != nil {
		d.Destroy()
	}
	if from != Idle {
		a.sink.Detach()
	}
	a.log.Debug("attachment released", slog.String("from", from.String()))
}

// State returns the current state.
func (a *Attachment) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m.state
}

// Paused reports whether the sink refused to start playing.
func (a *Attachment) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Failure returns the reason for Failed, or nil.
func (a *Attachment) Failure() *PlaybackError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failure
}

func (a *Attachment) notify(s State, err *PlaybackError) {
	if a.opts.OnState != nil {
		a.opts.OnState(s, err)
	}
}

func (a *Attachment) diagnose(msg string) {
	if a.opts.OnDiagnostic != nil {
		a.opts.OnDiagnostic(msg)
	}
}
