// Package probe waits for a live manifest to become servable.
//
// Absence is the expected steady state while the pipeline warms up, so
// NotFound and transport errors are both retried on the same schedule.
// A Wait resolves exactly once; once cancelled it never resolves and the
// result of a check still in flight is dropped.
package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"livedub/internal/backoff"
)

// DefaultInterval is the delay between checks when no policy is given.
const DefaultInterval = 3 * time.Second

var (
	// ErrManifestTimeout is returned when the overall wait bound expires or
	// the policy gives up before the manifest appears.
	ErrManifestTimeout = errors.New("manifest did not become available in time")

	// ErrCancelled is reported by Result after Cancel.
	ErrCancelled = errors.New("manifest wait cancelled")
)

// Attempt records one existence check.
type Attempt struct {
	Sequence int
	Outcome  Outcome
	Err      error
	At       time.Time
}

// Ready describes a resolved wait.
type Ready struct {
	URL      string
	Attempts int
	Elapsed  time.Duration
}

// Options configure a Prober.
type Options struct {
	// Interval between checks; ignored when Policy is set.
	Interval time.Duration
	// Policy overrides the fixed interval.
	Policy func() backoff.Policy
	// InitialDelay before the first check.
	InitialDelay time.Duration
	// Timeout bounds the total wait; zero waits forever.
	Timeout time.Duration
	// Clock drives the schedule; nil means the real clock.
	Clock backoff.Clock
	// OnAttempt observes every check whose result was not discarded. It
	// never runs once Cancel has returned and must not call Cancel itself.
	OnAttempt func(Attempt)
}

// Prober issues manifest waits.
type Prober struct {
	checker Checker
	opts    Options
	log     *slog.Logger
}

// NewProber returns a Prober using checker.
func NewProber(checker Checker, opts Options, log *slog.Logger) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = backoff.RealClock()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Prober{checker: checker, opts: opts, log: log}
}

// Wait is a pending manifest wait, the cancellable counterpart of a promise.
type Wait struct {
	url       string
	checker   Checker
	opts      Options
	log       *slog.Logger
	sched     *backoff.Scheduler
	ctx       context.Context
	cancelCtx context.CancelFunc
	onResult  func(Ready, error)
	started   time.Time

	// deliver serializes OnAttempt against Cancel.
	deliver sync.Mutex

	mu        sync.Mutex
	deadline  backoff.Timer
	seq       int
	resolved  bool
	cancelled bool
	done      chan struct{}
	ready     Ready
	err       error
}

// WaitForReady starts checking url. onResult, if non-nil, is called once when
// the wait resolves, with either a Ready or ErrManifestTimeout. It is never
// called after Cancel.
func (p *Prober) WaitForReady(ctx context.Context, url string, onResult func(Ready, error)) *Wait {
	policy := backoff.Constant(p.opts.Interval)
	if p.opts.Policy != nil {
		policy = p.opts.Policy()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Wait{
		url:       url,
		checker:   p.checker,
		opts:      p.opts,
		log:       p.log.With(slog.String("url", url)),
		sched:     backoff.NewScheduler(p.opts.Clock, policy),
		ctx:       ctx,
		cancelCtx: cancel,
		onResult:  onResult,
		started:   p.opts.Clock.Now(),
		done:      make(chan struct{}),
	}
	if p.opts.Timeout > 0 {
		w.mu.Lock()
		w.deadline = p.opts.Clock.AfterFunc(p.opts.Timeout, w.expire)
		w.mu.Unlock()
	}
	w.sched.After(p.opts.InitialDelay, w.check)
	return w
}

// Cancel stops the wait. No check starts afterwards and the result of one in
// flight is discarded. Idempotent; a no-op after resolution.
func (w *Wait) Cancel() {
	w.deliver.Lock()
	w.mu.Lock()
	if w.resolved || w.cancelled {
		w.mu.Unlock()
		w.deliver.Unlock()
		return
	}
	w.cancelled = true
	w.err = ErrCancelled
	deadline := w.deadline
	w.mu.Unlock()
	w.deliver.Unlock()

	if deadline != nil {
		deadline.Stop()
	}
	w.sched.Cancel()
	w.cancelCtx()
	w.log.Debug("manifest wait cancelled")
}

// Done is closed when the wait resolves. It stays open after Cancel.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Result returns the resolution, ErrCancelled after Cancel, or a nil error
// and zero Ready while still pending.
func (w *Wait) Result() (Ready, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready, w.err
}

// Attempts returns how many checks have been started.
func (w *Wait) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *Wait) check() {
	w.mu.Lock()
	if w.resolved || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	outcome, err := w.checker.Check(w.ctx, w.url)
	w.complete(Attempt{Sequence: seq, Outcome: outcome, Err: err, At: w.opts.Clock.Now()})
}

func (w *Wait) complete(a Attempt) {
	w.mu.Lock()
	if w.resolved || w.cancelled || w.ctx.Err() != nil {
		w.mu.Unlock()
		w.log.Debug("discarding manifest check result", slog.Int("attempt", a.Sequence))
		return
	}

	var (
		resolveErr error
		resolve    bool
	)
	elapsed := a.At.Sub(w.started)
	switch {
	case a.Outcome == Found:
		resolve = true
		w.ready = Ready{URL: w.url, Attempts: a.Sequence, Elapsed: elapsed}
	case w.opts.Timeout > 0 && elapsed >= w.opts.Timeout:
		resolve, resolveErr = true, ErrManifestTimeout
	}
	if resolve {
		w.resolved = true
		w.err = resolveErr
		close(w.done)
	}
	w.mu.Unlock()

	w.log.Debug("manifest check",
		slog.Int("attempt", a.Sequence),
		slog.String("outcome", a.Outcome.String()))
	if w.opts.OnAttempt != nil {
		w.deliver.Lock()
		if resolve || !w.isCancelled() {
			w.opts.OnAttempt(a)
		}
		w.deliver.Unlock()
	}

	if resolve {
		w.finish()
		return
	}
	if !w.sched.Next(w.check) && !w.sched.Cancelled() {
		w.mu.Lock()
		if w.cancelled || w.resolved {
			w.mu.Unlock()
			return
		}
		w.resolved = true
		w.err = ErrManifestTimeout
		close(w.done)
		w.mu.Unlock()
		w.finish()
	}
}

// expire resolves the wait when the overall bound runs out, even while a
// check is still in flight.
func (w *Wait) expire() {
	w.mu.Lock()
	if w.resolved || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.resolved = true
	w.err = ErrManifestTimeout
	close(w.done)
	w.mu.Unlock()
	w.finish()
}

func (w *Wait) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Wait) finish() {
	w.mu.Lock()
	deadline := w.deadline
	w.mu.Unlock()
	if deadline != nil {
		deadline.Stop()
	}
	w.sched.Cancel()
	ready, err := w.Result()
	if err != nil {
		w.log.Warn("manifest wait gave up", slog.Int("attempts", w.Attempts()), slog.String("error", err.Error()))
	} else {
		w.log.Info("manifest ready", slog.Int("attempts", ready.Attempts), slog.Duration("elapsed", ready.Elapsed))
	}
	if w.onResult != nil {
		w.onResult(ready, err)
	}
	w.cancelCtx()
}
