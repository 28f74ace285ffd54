package player

import "fmt"

// Event is a lifecycle signal from a delegate or a native sink. The set of
// implementations is closed; the attachment's transition function handles
// every one of them.
type Event interface {
	event()
}

// MediaAttached reports that the delegate bound itself to the sink.
type MediaAttached struct{}

// ManifestParsed reports that the manifest loaded and playback can start.
type ManifestParsed struct {
	Variants int
}

// FragmentLoaded reports a segment delivered to the sink.
type FragmentLoaded struct {
	Sequence int
	Bytes    int
}

// Ended reports that the stream signalled its end.
type Ended struct{}

// ErrorEvent reports a delegate error. Non-fatal errors are diagnostics only.
type ErrorEvent struct {
	Type   ErrorType
	Fatal  bool
	Detail string
}

func (MediaAttached) event()  {}
func (ManifestParsed) event() {}
func (FragmentLoaded) event() {}
func (Ended) event()          {}
func (ErrorEvent) event()     {}

// ErrorType is the delegate's own error category.
type ErrorType int

const (
	NetworkError ErrorType = iota
	MediaError
	OtherError
)

func (t ErrorType) String() string {
	switch t {
	case NetworkError:
		return "network"
	case MediaError:
		return "media"
	default:
		return "other"
	}
}

// ErrorKind classifies errors that end or endanger playback.
type ErrorKind int

const (
	NetworkFatal ErrorKind = iota
	MediaFatal
	Unsupported
	Other
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkFatal:
		return "network_fatal"
	case MediaFatal:
		return "media_fatal"
	case Unsupported:
		return "unsupported"
	default:
		return "other"
	}
}

// Classify maps a fatal delegate error to its ErrorKind.
func Classify(ev ErrorEvent) ErrorKind {
	switch ev.Type {
	case NetworkError:
		return NetworkFatal
	case MediaError:
		return MediaFatal
	default:
		return Other
	}
}

// PlaybackError is the reason an attachment failed.
type PlaybackError struct {
	Kind   ErrorKind
	Detail string
}

func (e *PlaybackError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
