// Package hlsclient is a headless HLS streaming client. It follows a live
// media playlist, fetches new segments in order and appends them to a
// player.Sink, reporting progress and failures as player events.
package hlsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"livedub/internal/player"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

const (
	defaultLoadRetries  = 2
	defaultRetryDelay   = 500 * time.Millisecond
	minPollInterval     = 500 * time.Millisecond
	maxPlaylistBodySize = 4 << 20
	maxSegmentSize      = 64 << 20
)

var errNoVariants = errors.New("multivariant playlist has no variants")

// Options configure clients created by a Factory.
type Options struct {
	HTTPClient *http.Client
	// PollInterval between media playlist reloads; zero means half the
	// target duration.
	PollInterval time.Duration
	// LoadRetries is how many times a failed playlist or segment load is
	// retried before a fatal network error is raised.
	LoadRetries int
	RetryDelay  time.Duration
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.LoadRetries == 0 {
		o.LoadRetries = defaultLoadRetries
	}
	if o.LoadRetries < 0 {
		o.LoadRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Log == nil {
		o.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Factory creates Clients; it implements player.DelegateFactory.
type Factory struct {
	opts Options
}

// NewFactory returns a Factory whose clients use opts.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// Supported implements player.DelegateFactory. A pure-Go client runs everywhere.
func (f *Factory) Supported() bool { return true }

// New implements player.DelegateFactory.
func (f *Factory) New(emit func(player.Event)) player.Delegate {
	return New(emit, f.opts)
}

// Client is one streaming-client instance.
type Client struct {
	opts Options
	emit func(player.Event)
	log  *slog.Logger

	mu        sync.Mutex
	sink      player.Sink
	src       string
	gen       uint64
	cancel    context.CancelFunc
	lastSeq   int
	liveEdge  bool
	destroyed bool
	wg        sync.WaitGroup
}

// New returns a Client reporting through emit.
func New(emit func(player.Event), opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{opts: opts, emit: emit, log: opts.Log, lastSeq: -1}
}

// AttachMedia implements player.Delegate.
func (c *Client) AttachMedia(sink player.Sink) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.sink = sink
	c.mu.Unlock()
	c.emit(player.MediaAttached{})
}

// LoadSource implements player.Delegate.
func (c *Client) LoadSource(src string) {
	c.mu.Lock()
	c.src = src
	c.lastSeq = -1
	c.mu.Unlock()
	c.restart()
}

// StartLoad implements player.Delegate. Loading resumes after the last
// delivered segment.
func (c *Client) StartLoad() {
	c.restart()
}

// RecoverMediaError implements player.Delegate. The sink's append state is
// treated as lost, so delivery resumes from the live edge.
func (c *Client) RecoverMediaError() {
	c.mu.Lock()
	c.liveEdge = true
	c.mu.Unlock()
	c.restart()
}

// Destroy implements player.Delegate. It does not wait for the loader to
// exit, so it is safe to call from an event callback.
func (c *Client) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.sink = nil
}

// Wait blocks until every loader goroutine has exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.src == "" {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx, c.gen, c.src)
}

func (c *Client) run(ctx context.Context, gen uint64, src string) {
	defer c.wg.Done()
	log := c.log.With(slog.String("src", src))

	mediaURL, variants, err := c.resolveMedia(ctx, src)
	if err != nil {
		c.fatal(ctx, gen, player.NetworkError, err)
		return
	}
	c.emitIf(gen, player.ManifestParsed{Variants: variants})

	for {
		pl, err := c.loadMedia(ctx, mediaURL)
		if err != nil {
			c.fatal(ctx, gen, player.NetworkError, err)
			return
		}
		if !c.deliver(ctx, gen, mediaURL, pl) {
			return
		}
		if pl.Endlist {
			log.Info("stream ended")
			c.emitIf(gen, player.Ended{})
			return
		}
		if !sleep(ctx, c.pollInterval(pl)) {
			return
		}
	}
}

// resolveMedia loads the primary playlist and returns the media playlist URL
// to follow. A multivariant playlist is followed through its first variant.
func (c *Client) resolveMedia(ctx context.Context, src string) (string, int, error) {
	pl, err := c.loadPlaylist(ctx, src)
	if err != nil {
		return "", 0, err
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return src, 1, nil
	}
	if len(mv.Variants) == 0 {
		return "", 0, errNoVariants
	}
	u, err := resolve(src, mv.Variants[0].URI)
	if err != nil {
		return "", 0, err
	}
	return u, len(mv.Variants), nil
}

func (c *Client) loadMedia(ctx context.Context, u string) (*playlist.Media, error) {
	pl, err := c.loadPlaylist(ctx, u)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist at %s, got multivariant", u)
	}
	return media, nil
}

func (c *Client) loadPlaylist(ctx context.Context, u string) (playlist.Playlist, error) {
	var pl playlist.Playlist
	err := c.retry(ctx, func() error {
		body, err := c.get(ctx, u, maxPlaylistBodySize)
		if err != nil {
			return err
		}
		pl, err = playlist.Unmarshal(body)
		if err != nil {
			return fmt.Errorf("parse playlist: %w", err)
		}
		return nil
	})
	return pl, err
}

// deliver appends every segment newer than the last one delivered. It
// returns false when loading must stop.
func (c *Client) deliver(ctx context.Context, gen uint64, base string, pl *playlist.Media) bool {
	c.mu.Lock()
	if c.liveEdge && len(pl.Segments) > 0 {
		c.lastSeq = pl.MediaSequence + len(pl.Segments) - 2
		c.liveEdge = false
	}
	last := c.lastSeq
	c.mu.Unlock()

	for i, seg := range pl.Segments {
		if seg == nil {
			continue
		}
		seq := pl.MediaSequence + i
		if seq <= last {
			continue
		}
		u, err := resolve(base, seg.URI)
		if err != nil {
			c.fatal(ctx, gen, player.NetworkError, err)
			return false
		}
		var data []byte
		err = c.retry(ctx, func() error {
			var err error
			data, err = c.get(ctx, u, maxSegmentSize)
			return err
		})
		if err != nil {
			c.fatal(ctx, gen, player.NetworkError, fmt.Errorf("segment %d: %w", seq, err))
			return false
		}

		c.mu.Lock()
		if c.gen != gen || c.destroyed || c.sink == nil {
			c.mu.Unlock()
			return false
		}
		err = c.sink.Append(data)
		if err == nil {
			c.lastSeq = seq
		}
		c.mu.Unlock()

		if err != nil {
			c.fatal(ctx, gen, player.MediaError, fmt.Errorf("append segment %d: %w", seq, err))
			return false
		}
		last = seq
		c.emitIf(gen, player.FragmentLoaded{Sequence: seq, Bytes: len(data)})
	}
	return true
}

func (c *Client) pollInterval(pl *playlist.Media) time.Duration {
	if c.opts.PollInterval > 0 {
		return c.opts.PollInterval
	}
	d := time.Duration(pl.TargetDuration) * time.Second / 2
	if d < minPollInterval {
		d = minPollInterval
	}
	return d
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.opts.LoadRetries; attempt++ {
		if attempt > 0 && !sleep(ctx, c.opts.RetryDelay) {
			return ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Debug("load failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}
	return err
}

func (c *Client) get(ctx context.Context, u string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// fatal raises a fatal error unless the loader was cancelled meanwhile.
func (c *Client) fatal(ctx context.Context, gen uint64, t player.ErrorType, err error) {
	if ctx.Err() != nil {
		return
	}
	c.log.Warn("fatal stream error", slog.String("type", t.String()), slog.String("error", err.Error()))
	c.emitIf(gen, player.ErrorEvent{Type: t, Fatal: true, Detail: err.Error()})
}

func (c *Client) emitIf(gen uint64, ev player.Event) {
	c.mu.Lock()
	current := c.gen == gen && !c.destroyed
	c.mu.Unlock()
	if current {
		c.emit(ev)
	}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
