package pipelinesim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWindowSize is the number of segments in the live window.
	DefaultWindowSize = 6
	// DefaultSegmentDuration is the length of each produced segment.
	DefaultSegmentDuration = 2 * time.Second
	// DefaultWarmup is the delay before the first segment, during which the
	// manifest is absent.
	DefaultWarmup = 6 * time.Second

	tsPacketSize = 188
)

// Options configure a Service.
type Options struct {
	WindowSize      int
	SegmentDuration time.Duration
	Warmup          time.Duration
	// SegmentPackets is the number of TS packets per segment.
	SegmentPackets int
	HistoryLimit   int
	// Manual disables background production; segments appear only through
	// Produce.
	Manual bool
	Log    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = DefaultSegmentDuration
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
	if o.SegmentPackets <= 0 {
		o.SegmentPackets = 16
	}
	if o.Log == nil {
		o.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Service runs simulated pipelines: one producer per started stream.
type Service struct {
	repo   Repository
	broker *LogBroker
	opts   Options
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu        sync.Mutex
	producers map[StreamKey]*producer
	closed    bool
}

type producer struct {
	cancel context.CancelFunc
}

// NewService returns a Service storing streams in repo.
func NewService(repo Repository, opts Options) *Service {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		broker:    NewLogBroker(opts.HistoryLimit),
		opts:      opts,
		log:       opts.Log,
		ctx:       ctx,
		cancel:    cancel,
		producers: make(map[StreamKey]*producer),
	}
}

// Logs returns the broker carrying pipeline log lines.
func (s *Service) Logs() *LogBroker { return s.broker }

// Start launches the pipeline for key. Starting a running stream is a no-op
// that reports created=false.
func (s *Service) Start(key StreamKey) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("pipeline service closed")
	}

	created = s.repo.StartStream(key)
	if !created {
		s.broker.Publish(key, "start requested, pipeline already running")
		return false, nil
	}
	s.broker.Publish(key, "pipeline starting: asr -> mt -> tts")
	s.log.Info("pipeline started", slog.String("channel", key.Channel), slog.String("lang", key.Lang))

	if s.opts.Manual {
		return true, nil
	}
	if old, ok := s.producers[key]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p := &producer{cancel: cancel}
	s.producers[key] = p
	s.group.Go(func() error { return s.produce(ctx, key, p) })
	return true, nil
}

func (s *Service) produce(ctx context.Context, key StreamKey, p *producer) error {
	defer func() {
		s.mu.Lock()
		if s.producers[key] == p {
			delete(s.producers, key)
		}
		s.mu.Unlock()
		p.cancel()
	}()

	t := time.NewTimer(s.opts.Warmup)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := s.Produce(key); err != nil {
			if errors.Is(err, ErrStreamEnded) || errors.Is(err, ErrStreamNotStarted) {
				return nil
			}
			return fmt.Errorf("produce %s: %w", key, err)
		}
		t.Reset(s.opts.SegmentDuration)
	}
}

// Produce emits the next segment for key and its log lines.
func (s *Service) Produce(key StreamKey) (Segment, error) {
	seg, err := s.repo.AppendSegment(key, Segment{Duration: s.opts.SegmentDuration.Seconds()})
	if err != nil {
		return Segment{}, err
	}
	if keep := seg.Sequence - int64(2*s.opts.WindowSize); keep > 0 {
		s.repo.Prune(key, keep)
	}
	s.broker.Publish(key, "asr: chunk %d transcribed", seg.Sequence)
	s.broker.Publish(key, "mt: chunk %d translated to %s", seg.Sequence, key.Lang)
	s.broker.Publish(key, "tts: segment %d ready (%.1fs)", seg.Sequence, seg.Duration)
	return seg, nil
}

// Playlist returns the live media playlist for key. ok is false until the
// first segment exists.
func (s *Service) Playlist(key StreamKey) (m3u8 string, ok bool) {
	segments, ended, ok := s.repo.Snapshot(key)
	if !ok || len(segments) == 0 {
		return "", false
	}
	window := liveWindow(segments, s.opts.WindowSize)
	for i := range window {
		window[i].URI = strconv.FormatInt(window[i].Sequence, 10) + ".ts"
	}
	return BuildLivePlaylist(window, ended), true
}

// SegmentData returns the bytes of one segment.
func (s *Service) SegmentData(key StreamKey, seq int64) ([]byte, bool) {
	seg, ok := s.repo.Segment(key, seq)
	if !ok {
		return nil, false
	}
	return s.segmentBytes(key, seg), true
}

// segmentBytes renders a segment as MPEG-TS sized packets carrying its
// identity, enough for a sink to count and store.
func (s *Service) segmentBytes(key StreamKey, seg Segment) []byte {
	payload := []byte(fmt.Sprintf("livedub %s seq=%d", key, seg.Sequence))
	out := make([]byte, 0, s.opts.SegmentPackets*tsPacketSize)
	for i := 0; i < s.opts.SegmentPackets; i++ {
		pkt := make([]byte, tsPacketSize)
		pkt[0] = 0x47
		pkt[1] = 0x01
		pkt[3] = 0x10 | byte(i&0x0f)
		copy(pkt[4:], payload)
		out = append(out, pkt...)
	}
	return out
}

// End marks key as ended and stops its producer.
func (s *Service) End(key StreamKey) error {
	if err := s.repo.EndStream(key); err != nil {
		return err
	}
	s.mu.Lock()
	if p, ok := s.producers[key]; ok {
		p.cancel()
	}
	s.mu.Unlock()
	s.broker.Publish(key, "pipeline stopped")
	return nil
}

// ActiveStreams returns the number of streams still producing.
func (s *Service) ActiveStreams() int {
	return s.repo.ActiveStreamCount()
}

// Close stops every producer and waits for them.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.group.Wait()
}
