package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"livedub/internal/backoff"
	"livedub/internal/logtail"
	"livedub/internal/pipeline"
	"livedub/internal/player"
	"livedub/internal/probe"

	"github.com/google/uuid"
)

// Starter triggers the backend pipeline.
type Starter interface {
	Trigger(ctx context.Context, channel, lang string) (pipeline.Ack, error)
}

// LogSource opens log subscriptions.
type LogSource interface {
	Subscribe(ctx context.Context, key logtail.Key) *logtail.Subscription
}

// Config holds the orchestrator's tunables.
type Config struct {
	// HLSBaseURL prefixes /{channel}/{lang}/index.m3u8.
	HLSBaseURL string
	// ProbeInterval between manifest checks; zero means probe.DefaultInterval.
	ProbeInterval time.Duration
	// ProbePolicy overrides the fixed interval.
	ProbePolicy func() backoff.Policy
	// ProbeTimeout bounds the manifest wait; zero waits forever.
	ProbeTimeout      time.Duration
	MaxNetworkRetries int
	Clock             backoff.Clock
}

// Deps are the collaborators a session drives. Logs and Observer are
// optional.
type Deps struct {
	Starter  Starter
	Checker  probe.Checker
	Logs     LogSource
	Sink     player.Sink
	Factory  player.DelegateFactory
	Observer Observer
	Log      *slog.Logger
}

// Orchestrator owns at most one live session. Start and Stop are
// serialized; status updates reach watchers in order, outside any lock, so
// a watcher must not call Start or Stop synchronously.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	opMu sync.Mutex

	mu       sync.Mutex
	cur      *run
	logs     *logtail.Subscription
	last     Update
	queue    []Update
	flushing bool
	watchers map[int]func(Update)
	nextW    int
}

// run is one session's resources. Every callback checks that its run is
// still current before touching orchestrator state.
type run struct {
	id          string
	key         Key
	manifestURL string
	createdAt   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// guarded by Orchestrator.mu
	phase      Phase
	reason     string
	detail     string
	attempts   int
	diagnostic string
	wait       *probe.Wait
	att        *player.Attachment
	sub        *logtail.Subscription
}

// New returns an idle Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = backoff.RealClock()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log,
		last:     Update{Status: StatusIdle},
		watchers: make(map[int]func(Update)),
	}
}

// Watch registers fn for every status update and returns a function that
// removes it.
func (o *Orchestrator) Watch(fn func(Update)) (cancel func()) {
	o.mu.Lock()
	id := o.nextW
	o.nextW++
	o.watchers[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.watchers, id)
		o.mu.Unlock()
	}
}

// Start begins a session for (channel, lang). Starting the pair that is
// already live is a no-op; any other session is torn down first.
func (o *Orchestrator) Start(channel, lang string) error {
	key := Key{Channel: channel, Lang: lang}
	if !key.valid() {
		return ErrInvalidKey
	}

	o.opMu.Lock()
	defer o.flush()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if c := o.cur; c != nil && c.key == key && c.phase != PhaseFailed {
		o.mu.Unlock()
		o.log.Debug("session already live", slog.String("session", c.id), slog.String("key", key.String()))
		return nil
	}
	old := o.detachLocked()
	o.mu.Unlock()

	if old != nil {
		o.teardown(old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:          uuid.NewString(),
		key:         key,
		manifestURL: key.ManifestURL(o.cfg.HLSBaseURL),
		createdAt:   o.cfg.Clock.Now(),
		ctx:         ctx,
		cancel:      cancel,
		phase:       PhaseStarting,
	}
	var sub *logtail.Subscription
	if o.deps.Logs != nil {
		sub = o.deps.Logs.Subscribe(ctx, key.logKey())
	}

	o.mu.Lock()
	r.sub = sub
	o.cur = r
	o.logs = sub
	o.emitLocked(r, "")
	o.mu.Unlock()

	o.log.Info("session starting",
		slog.String("session", r.id),
		slog.String("channel", key.Channel),
		slog.String("lang", key.Lang))

	r.wg.Add(1)
	go o.trigger(r)
	return nil
}

// Stop tears down the current session, if any, and returns to Idle.
func (o *Orchestrator) Stop() {
	o.opMu.Lock()
	defer o.flush()
	defer o.opMu.Unlock()

	o.mu.Lock()
	old := o.detachLocked()
	if old != nil {
		o.enqueueLocked(Update{Key: old.key, Status: StatusIdle, At: o.cfg.Clock.Now()})
	}
	o.mu.Unlock()

	if old != nil {
		o.teardown(old)
		o.log.Info("session stopped", slog.String("session", old.id))
	}
}

// Status returns a snapshot of the current session.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	r := o.cur
	if r == nil {
		n := 0
		if o.logs != nil {
			n = o.logs.Len()
		}
		o.mu.Unlock()
		return Snapshot{Phase: PhaseIdle.String(), Status: StatusIdle, LogEntries: n}
	}
	snap := Snapshot{
		ID:            r.id,
		Key:           r.key,
		Phase:         r.phase.String(),
		Status:        o.last.Status,
		Reason:        r.reason,
		Detail:        r.detail,
		ManifestURL:   r.manifestURL,
		CreatedAt:     r.createdAt,
		ProbeAttempts: r.attempts,
		Diagnostic:    r.diagnostic,
	}
	att, sub := r.att, r.sub
	o.mu.Unlock()

	if att != nil {
		snap.Paused = att.Paused()
	}
	if sub != nil {
		snap.LogEntries = sub.Len()
	}
	return snap
}

// Logs returns the log entries of the most recent session with a sequence
// greater than since. The buffer survives Stop and failure and is replaced
// by the next session.
func (o *Orchestrator) Logs(since int64) []logtail.Entry {
	o.mu.Lock()
	sub := o.logs
	o.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Since(since)
}

// detachLocked makes the current run stale and returns it. Caller must hold
// o.mu.
func (o *Orchestrator) detachLocked() *run {
	r := o.cur
	o.cur = nil
	if r != nil && r.phase != PhaseFailed {
		r.phase = PhaseStopped
	}
	return r
}

// teardown releases everything r holds: probe, attachment, log tail, then
// the trigger context. It returns once the trigger goroutine has exited.
func (o *Orchestrator) teardown(r *run) {
	o.mu.Lock()
	wait, att, sub := r.wait, r.att, r.sub
	o.mu.Unlock()

	if wait != nil {
		wait.Cancel()
	}
	if att != nil {
		att.Release()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	r.cancel()
	r.wg.Wait()
}

func (o *Orchestrator) trigger(r *run) {
	defer r.wg.Done()

	ack, err := o.deps.Starter.Trigger(r.ctx, r.key.Channel, r.key.Lang)
	if r.ctx.Err() != nil {
		return
	}
	o.deps.Observer.Triggered(err)
	if err != nil {
		o.fail(r, ReasonStartError, err.Error())
		return
	}

	o.mu.Lock()
	if o.cur != r {
		o.mu.Unlock()
		return
	}
	r.phase = PhaseWaitingForManifest
	o.mu.Unlock()

	o.log.Info("pipeline started",
		slog.String("session", r.id),
		slog.String("status", ack.Status),
		slog.String("manifest", r.manifestURL))

	prober := probe.NewProber(o.deps.Checker, probe.Options{
		Interval:  o.cfg.ProbeInterval,
		Policy:    o.cfg.ProbePolicy,
		Timeout:   o.cfg.ProbeTimeout,
		Clock:     o.cfg.Clock,
		OnAttempt: func(a probe.Attempt) { o.probeAttempt(r, a) },
	}, o.log.With(slog.String("session", r.id)))
	wait := prober.WaitForReady(r.ctx, r.manifestURL, func(ready probe.Ready, err error) {
		o.manifestResolved(r, ready, err)
	})

	o.mu.Lock()
	if o.cur != r {
		o.mu.Unlock()
		wait.Cancel()
		return
	}
	r.wait = wait
	o.mu.Unlock()
}

func (o *Orchestrator) probeAttempt(r *run, a probe.Attempt) {
	o.deps.Observer.ProbeAttempt(a.Outcome)
	defer o.flush()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != r || r.phase != PhaseWaitingForManifest {
		return
	}
	r.attempts = a.Sequence
	if a.Outcome == probe.Found {
		return
	}
	detail := fmt.Sprintf("manifest not available yet (attempt %d)", a.Sequence)
	if a.Err != nil {
		detail = fmt.Sprintf("manifest check failed (attempt %d): %v", a.Sequence, a.Err)
	}
	o.emitLocked(r, detail)
}

func (o *Orchestrator) manifestResolved(r *run, ready probe.Ready, err error) {
	if err != nil {
		reason := ReasonManifestTimeout
		if !errors.Is(err, probe.ErrManifestTimeout) {
			reason = ReasonPlaybackFailed
		}
		o.fail(r, reason, err.Error())
		return
	}

	o.mu.Lock()
	if o.cur != r {
		o.mu.Unlock()
		return
	}
	r.phase = PhaseAttaching
	att := player.NewAttachment(o.deps.Sink, o.deps.Factory, player.Options{
		MaxNetworkRetries: o.cfg.MaxNetworkRetries,
		OnState:           func(s player.State, perr *player.PlaybackError) { o.playerState(r, s, perr) },
		OnDiagnostic:      func(msg string) { o.diagnostic(r, msg) },
		Log:               o.log.With(slog.String("session", r.id)),
	})
	r.att = att
	o.mu.Unlock()

	o.log.Info("manifest ready",
		slog.String("session", r.id),
		slog.Int("attempts", ready.Attempts),
		slog.Duration("elapsed", ready.Elapsed))
	if err := att.Attach(r.manifestURL); err != nil {
		o.log.Debug("attach skipped", slog.String("session", r.id), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) playerState(r *run, s player.State, perr *player.PlaybackError) {
	if s == player.Failed {
		reason := ReasonPlaybackFailed
		detail := "playback failed"
		if perr != nil {
			detail = perr.Error()
			if perr.Kind == player.Unsupported {
				reason = ReasonUnsupported
			}
		}
		o.fail(r, reason, detail)
		return
	}

	defer o.flush()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != r || r.phase == PhaseFailed {
		return
	}
	switch s {
	case player.Attaching:
		r.phase = PhaseAttaching
	case player.Playing:
		r.phase = PhasePlaying
		o.emitLocked(r, "")
	case player.Recovering:
		r.phase = PhaseRecovering
		o.deps.Observer.Recovering()
	}
}

func (o *Orchestrator) diagnostic(r *run, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != r {
		return
	}
	r.diagnostic = msg
}

// fail moves r to Failed and releases its probe, attachment and log
// connection. The log buffer stays readable.
func (o *Orchestrator) fail(r *run, reason, detail string) {
	o.mu.Lock()
	if o.cur != r || r.phase == PhaseFailed {
		o.mu.Unlock()
		return
	}
	r.phase = PhaseFailed
	r.reason = reason
	r.detail = detail
	o.emitLocked(r, detail)
	wait, att, sub := r.wait, r.att, r.sub
	o.mu.Unlock()

	o.deps.Observer.Failed(reason)
	o.log.Error("session failed",
		slog.String("session", r.id),
		slog.String("reason", reason),
		slog.String("detail", detail))

	if wait != nil {
		wait.Cancel()
	}
	if att != nil {
		att.Release()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	o.flush()
}

// emitLocked queues the public status of r's phase. Repeats are dropped
// except for Waiting, which is reported per probe attempt. Caller must hold
// o.mu.
func (o *Orchestrator) emitLocked(r *run, detail string) {
	st, ok := r.phase.status()
	if !ok {
		return
	}
	if st == o.last.Status && st != StatusWaiting && r.id == o.last.SessionID {
		return
	}
	o.enqueueLocked(Update{
		SessionID: r.id,
		Key:       r.key,
		Status:    st,
		Reason:    r.reason,
		Detail:    detail,
		At:        o.cfg.Clock.Now(),
	})
}

// enqueueLocked appends u to the delivery queue. Caller must hold o.mu.
func (o *Orchestrator) enqueueLocked(u Update) {
	if u.Status == StatusIdle && o.last.Status == StatusIdle {
		return
	}
	o.last = u
	o.queue = append(o.queue, u)
}

// flush delivers queued updates. Only one goroutine delivers at a time;
// others leave their updates to it.
func (o *Orchestrator) flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.queue) > 0 {
		batch := o.queue
		o.queue = nil
		watchers := make([]func(Update), 0, len(o.watchers))
		for _, fn := range o.watchers {
			watchers = append(watchers, fn)
		}
		o.mu.Unlock()

		for _, u := range batch {
			o.log.Info("session status",
				slog.String("session", u.SessionID),
				slog.String("status", u.Status.String()),
				slog.String("reason", u.Reason))
			for _, fn := range watchers {
				fn(u)
			}
		}

		o.mu.Lock()
	}
	o.flushing = false
	o.mu.Unlock()
}
