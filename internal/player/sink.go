package player

import (
	"errors"
	"io"
	"sync"
)

// HLSMimeType is the manifest MIME type a native sink is asked about.
const HLSMimeType = "application/vnd.apple.mpegurl"

// ErrNativeUnsupported is returned by sinks that cannot play a URL themselves.
var ErrNativeUnsupported = errors.New("sink has no native adaptive-stream support")

// Sink is the media output a stream is rendered to. It is shared across
// sessions but owned by exactly one Attachment at a time.
type Sink interface {
	// CanPlayType reports native support for a MIME type.
	CanPlayType(mime string) bool
	// SetSource hands a stream URL to a natively capable sink. The sink
	// reports progress through emit.
	SetSource(url string, emit func(Event)) error
	// Append feeds media fetched by a streaming client.
	Append(data []byte) error
	// Play starts output. An error means playback is blocked, not broken.
	Play() error
	// Detach drops the current source and stops output.
	Detach()
}

// Delegate is one streaming-client instance driving a Sink.
type Delegate interface {
	AttachMedia(sink Sink)
	LoadSource(url string)
	// StartLoad reloads the current source after a network failure.
	StartLoad()
	// RecoverMediaError resets media state after a media failure.
	RecoverMediaError()
	Destroy()
}

// DelegateFactory creates streaming-client instances.
type DelegateFactory interface {
	// Supported reports whether the client can run on this platform.
	Supported() bool
	New(emit func(Event)) Delegate
}

// FileSink writes appended media to a writer. It has no native playback, so
// attachments always drive it through a Delegate.
type FileSink struct {
	mu       sync.Mutex
	w        io.Writer
	written  int64
	playing  bool
	detaches int
}

// NewFileSink returns a FileSink writing to w.
func NewFileSink(w io.Writer) *FileSink {
	return &FileSink{w: w}
}

// CanPlayType implements Sink.
func (s *FileSink) CanPlayType(string) bool { return false }

// SetSource implements Sink.
func (s *FileSink) SetSource(string, func(Event)) error { return ErrNativeUnsupported }

// Append implements Sink.
func (s *FileSink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(data)
	s.written += int64(n)
	return err
}

// Play implements Sink.
func (s *FileSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

// Detach implements Sink.
func (s *FileSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.detaches++
}

// Written returns the number of bytes appended so far.
func (s *FileSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Playing reports whether Play was called since the last Detach.
func (s *FileSink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Detaches returns how many times the sink was detached.
func (s *FileSink) Detaches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detaches
}
